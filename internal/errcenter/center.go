package errcenter

import (
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ActionKind enumerates what the caller should do after a failure.
type ActionKind string

const (
	ActionRetry              ActionKind = "retry"
	ActionFailover           ActionKind = "failover"
	ActionBlacklistTemporary ActionKind = "blacklist_temporary"
	ActionBlacklistPermanent ActionKind = "blacklist_permanent"
	ActionMaintenance        ActionKind = "maintenance"
	ActionIgnore             ActionKind = "ignore"
)

// Action is the Error Center's verdict for a failure.
type Action struct {
	Kind            ActionKind
	ShouldRetry     bool
	RetryDelay      time.Duration
	DestroyPipeline bool
}

// RequestState carries the per-request fields the Error Center needs to make
// retry decisions without depending on the executor package.
type RequestState struct {
	PipelineID string
	InstanceID string
	RetryCount int
}

// Handler is a custom policy for a specific error code.
type Handler func(err *PipelineError, state RequestState) Action

// RetryPolicy controls backoff computation for retryable categories.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	Jitter     bool
}

// Config tunes the Error Center.
type Config struct {
	Retry           RetryPolicy
	RateLimitRetry  RetryPolicy
	BlacklistTTL    time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		Retry:           RetryPolicy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2, Jitter: true},
		RateLimitRetry:  RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, Multiplier: 2, Jitter: true},
		BlacklistTTL:    60 * time.Second,
		CleanupInterval: 60 * time.Second,
	}
}

// Stats aggregates counters for observability.
type Stats struct {
	Total       int64
	ByCategory  map[Category]int64
	ByCode      map[Code]int64
	Blacklisted int64
}

// Center is the stateful error handling service.
type Center struct {
	cfg       Config
	blacklist *Blacklist

	handlerMu sync.RWMutex
	handlers  map[Code]Handler

	statsMu sync.Mutex
	stats   Stats

	// blacklistGuard runs before an entry is added, inside the dedup
	// coordinator's critical section. Installed by the scheduler.
	guardMu        sync.RWMutex
	blacklistGuard func(pipelineID string)
}

// NewCenter constructs an Error Center with the supplied configuration.
func NewCenter(cfg Config) *Center {
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultConfig().Retry
	}
	if cfg.RateLimitRetry.MaxRetries <= 0 {
		cfg.RateLimitRetry = DefaultConfig().RateLimitRetry
	}
	if cfg.BlacklistTTL <= 0 {
		cfg.BlacklistTTL = DefaultConfig().BlacklistTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	blacklist := NewBlacklist()
	blacklist.SetDefaultTTL(cfg.BlacklistTTL)
	return &Center{
		cfg:       cfg,
		blacklist: blacklist,
		handlers:  make(map[Code]Handler),
	}
}

// BlacklistSet exposes the underlying blacklist for the scheduler coordinator.
func (c *Center) BlacklistSet() *Blacklist { return c.blacklist }

// CleanupInterval reports the reaper period for callers starting the reaper.
func (c *Center) CleanupInterval() time.Duration { return c.cfg.CleanupInterval }

// SetBlacklistGuard installs the hook that keeps the pool disjoint from the
// blacklist. The guard runs before every blacklist insertion.
func (c *Center) SetBlacklistGuard(fn func(pipelineID string)) {
	c.guardMu.Lock()
	c.blacklistGuard = fn
	c.guardMu.Unlock()
}

// RegisterHandler installs a custom policy for one error code.
func (c *Center) RegisterHandler(code Code, fn Handler) {
	c.handlerMu.Lock()
	c.handlers[code] = fn
	c.handlerMu.Unlock()
}

// HandleError classifies err and returns the action the caller should take.
func (c *Center) HandleError(err *PipelineError, state RequestState) Action {
	if err == nil {
		return Action{Kind: ActionIgnore}
	}
	c.record(err)

	c.handlerMu.RLock()
	handler := c.handlers[err.Code]
	c.handlerMu.RUnlock()
	if handler != nil {
		return handler(err, state)
	}
	return c.defaultAction(err, state)
}

// HandleExecutionResult processes a terminal execution outcome. A successful
// execution acts as a recovery signal and clears any blacklist entry for the
// pipeline.
func (c *Center) HandleExecutionResult(success bool, state RequestState) {
	if !success {
		return
	}
	if state.PipelineID != "" && c.blacklist.Remove(state.PipelineID) {
		log.WithField("pipeline", state.PipelineID).Info("pipeline recovered, removed from blacklist")
	}
}

// Blacklist excludes a pipeline. A zero duration uses the configured TTL.
func (c *Center) Blacklist(pipelineID, instanceID string, reason *PipelineError, ttl time.Duration, permanent bool) {
	if ttl <= 0 {
		ttl = c.cfg.BlacklistTTL
	}
	c.guardMu.RLock()
	guard := c.blacklistGuard
	c.guardMu.RUnlock()
	if guard != nil {
		guard(pipelineID)
	}
	c.blacklist.Add(pipelineID, instanceID, reason, ttl, permanent)
	c.statsMu.Lock()
	c.stats.Blacklisted++
	c.statsMu.Unlock()
	log.WithFields(log.Fields{"pipeline": pipelineID, "instance": instanceID}).
		Warnf("pipeline blacklisted (permanent=%v, ttl=%s)", permanent, ttl)
}

// Unblacklist removes a pipeline from the blacklist. Idempotent.
func (c *Center) Unblacklist(pipelineID string) {
	c.blacklist.Remove(pipelineID)
}

// IsBlacklisted reports whether an active entry exists for pipelineID.
func (c *Center) IsBlacklisted(pipelineID string) bool {
	return c.blacklist.Contains(pipelineID)
}

// GetBlacklisted returns a snapshot of all blacklist entries.
func (c *Center) GetBlacklisted() []*BlacklistEntry {
	return c.blacklist.Snapshot()
}

// GetStats returns a copy of the aggregated counters.
func (c *Center) GetStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := Stats{
		Total:       c.stats.Total,
		Blacklisted: c.stats.Blacklisted,
		ByCategory:  make(map[Category]int64, len(c.stats.ByCategory)),
		ByCode:      make(map[Code]int64, len(c.stats.ByCode)),
	}
	for k, v := range c.stats.ByCategory {
		out.ByCategory[k] = v
	}
	for k, v := range c.stats.ByCode {
		out.ByCode[k] = v
	}
	return out
}

func (c *Center) record(err *PipelineError) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if c.stats.ByCategory == nil {
		c.stats.ByCategory = make(map[Category]int64)
	}
	if c.stats.ByCode == nil {
		c.stats.ByCode = make(map[Code]int64)
	}
	c.stats.Total++
	c.stats.ByCategory[err.Category]++
	c.stats.ByCode[err.Code]++
}

func (c *Center) defaultAction(err *PipelineError, state RequestState) Action {
	switch err.Category {
	case CategoryNetwork:
		return c.retryAction(c.cfg.Retry, state)
	case CategoryRateLimit:
		return c.retryAction(c.cfg.RateLimitRetry, state)
	case CategoryAuth:
		c.Blacklist(state.PipelineID, state.InstanceID, err, 0, false)
		return Action{Kind: ActionBlacklistTemporary, DestroyPipeline: true}
	case CategoryData, CategoryConfiguration:
		return Action{Kind: ActionIgnore}
	case CategoryResource, CategorySystem:
		if err.Code == CodeMaintenanceInProgress {
			return Action{Kind: ActionMaintenance}
		}
		return Action{Kind: ActionFailover}
	default:
		return Action{Kind: ActionFailover}
	}
}

// retryAction computes a bounded exponential backoff; once attempts are
// exhausted the verdict escalates to failover.
func (c *Center) retryAction(policy RetryPolicy, state RequestState) Action {
	if state.RetryCount >= policy.MaxRetries {
		return Action{Kind: ActionFailover}
	}
	delay := backoffDelay(policy, state.RetryCount)
	return Action{Kind: ActionRetry, ShouldRetry: true, RetryDelay: delay}
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := float64(policy.BaseDelay)
	if base <= 0 {
		base = float64(500 * time.Millisecond)
	}
	multiplier := policy.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if policy.Jitter {
		// spread +-25% to avoid synchronized retries
		delay *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}
