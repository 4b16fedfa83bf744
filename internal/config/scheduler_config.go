package config

// SchedulerConfig is the second configuration document. It tunes the
// scheduler's runtime behavior and is validated together with the
// assembly table before the runtime swaps it in.
type SchedulerConfig struct {
	Basic         BasicConfig         `json:"basic"`
	LoadBalancing LoadBalancingConfig `json:"loadBalancing"`
	HealthCheck   HealthCheckConfig   `json:"healthCheck"`
	ErrorHandling ErrorHandlingConfig `json:"errorHandling"`
	Performance   PerformanceConfig   `json:"performance"`
	Monitoring    MonitoringConfig    `json:"monitoring"`
	Security      SecurityConfig      `json:"security"`
}

// BasicConfig carries scheduler identity and global execution bounds.
type BasicConfig struct {
	SchedulerID string `json:"schedulerId,omitempty"`

	// ExecutionTimeoutMs is the wall-clock budget for one pipeline
	// execution. Zero falls back to the built-in default.
	ExecutionTimeoutMs int64 `json:"executionTimeoutMs,omitempty"`

	// StickySessionTTLMs bounds how long a session stays pinned to the
	// pipeline that last served it.
	StickySessionTTLMs int64 `json:"stickySessionTtlMs,omitempty"`
}

// LoadBalancingConfig selects the default strategy used when a routing
// rule does not name one.
type LoadBalancingConfig struct {
	Strategy       string         `json:"strategy"`
	StrategyConfig StrategyConfig `json:"strategyConfig,omitempty"`
}

// StrategyConfig holds per-strategy tuning. Only weighted carries
// configuration today.
type StrategyConfig struct {
	Weighted *WeightedConfig `json:"weighted,omitempty"`
}

// WeightedConfig maps pipeline ids to selection weights. The weights
// must sum to 100 and every id must exist in the assembly table.
type WeightedConfig struct {
	Weights map[string]float64 `json:"weights"`
}

// HealthCheckConfig tunes the periodic instance health probe.
type HealthCheckConfig struct {
	Enabled            bool  `json:"enabled"`
	IntervalMs         int64 `json:"intervalMs,omitempty"`
	TimeoutMs          int64 `json:"timeoutMs,omitempty"`
	UnhealthyThreshold int   `json:"unhealthyThreshold,omitempty"`
	HealthyThreshold   int   `json:"healthyThreshold,omitempty"`
}

// ErrorHandlingConfig tunes retries and the temporary blacklist.
type ErrorHandlingConfig struct {
	MaxRetries    int             `json:"maxRetries,omitempty"`
	BaseDelayMs   int64           `json:"baseDelayMs,omitempty"`
	BackoffFactor float64         `json:"backoffFactor,omitempty"`
	Blacklist     BlacklistConfig `json:"blacklist"`
}

// BlacklistConfig bounds the error center's blacklist.
type BlacklistConfig struct {
	TTLMs             int64 `json:"ttlMs,omitempty"`
	MaxEntries        int   `json:"maxEntries"`
	CleanupIntervalMs int64 `json:"cleanupIntervalMs,omitempty"`
}

// PerformanceConfig bounds request-level concurrency.
type PerformanceConfig struct {
	MaxConcurrency int `json:"maxConcurrency,omitempty"`

	// RequestTimeoutMs bounds a single upstream HTTP exchange.
	RequestTimeoutMs int64 `json:"requestTimeoutMs,omitempty"`
}

// MonitoringConfig controls logging output.
type MonitoringConfig struct {
	Logging LoggingConfig `json:"logging"`
}

// LoggingConfig selects log level and optional file rotation.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `json:"level,omitempty"`

	// ToFile routes logs through the rotating file writer instead of
	// stdout.
	ToFile  bool   `json:"toFile,omitempty"`
	LogDir  string `json:"logDir,omitempty"`
	MaxSize int    `json:"maxSizeMb,omitempty"`
	MaxAge  int    `json:"maxAgeDays,omitempty"`
}

// SecurityConfig carries client authentication for the management and
// inference APIs.
type SecurityConfig struct {
	// APIKeys authenticate inbound clients. Empty means open access.
	APIKeys []string `json:"apiKeys,omitempty"`

	// IncludeErrorDetails forwards upstream error bodies to clients
	// when set. Off by default so provider internals stay private.
	IncludeErrorDetails bool `json:"includeErrorDetails,omitempty"`
}
