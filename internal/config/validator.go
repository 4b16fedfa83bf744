package config

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/routercore/llmrouter/internal/scheduler"
)

// Severity grades a validation error.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Issue is one validation error with the document path it points at.
type Issue struct {
	Path     string   `json:"path"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the validator's output and the sole contract for a valid
// configuration. A config with any error, whatever the severity, is
// rejected.
type Result struct {
	IsValid         bool     `json:"isValid"`
	Errors          []Issue  `json:"errors"`
	Warnings        []string `json:"warnings"`
	Recommendations []string `json:"recommendations"`
}

// maxTimeoutMs is the upper bound for every configurable timeout.
const maxTimeoutMs = 300_000

// weightTolerance is the slack allowed around a weighted sum of 100.
const weightTolerance = 0.01

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

var executionModes = map[string]bool{
	"": true, "sequential": true, "parallel": true, "conditional": true,
}

// Validate checks both documents independently and then cross-checks
// the scheduler's weighted pipeline references against the assembly
// table's templates. Neither document is mutated.
func Validate(table *AssemblyTable, cfg *SchedulerConfig) Result {
	v := &validator{}
	if table != nil {
		v.assembly(table)
	}
	if cfg != nil {
		v.scheduler(cfg)
	}
	if table != nil && cfg != nil {
		v.crossCheck(table, cfg)
	}
	return v.result()
}

// ValidateAssembly checks a single assembly table without the
// scheduler-side cross reference.
func ValidateAssembly(table *AssemblyTable) Result {
	v := &validator{}
	v.assembly(table)
	return v.result()
}

// ValidateScheduler checks a single scheduler config without the
// assembly-side cross reference.
func ValidateScheduler(cfg *SchedulerConfig) Result {
	v := &validator{}
	v.scheduler(cfg)
	return v.result()
}

type validator struct {
	errors          []Issue
	warnings        []string
	recommendations []string
}

func (v *validator) errorf(severity Severity, path, format string, args ...any) {
	v.errors = append(v.errors, Issue{
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
		Severity: severity,
	})
}

func (v *validator) warnf(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validator) recommendf(format string, args ...any) {
	v.recommendations = append(v.recommendations, fmt.Sprintf(format, args...))
}

func (v *validator) result() Result {
	return Result{
		IsValid:         len(v.errors) == 0,
		Errors:          v.errors,
		Warnings:        v.warnings,
		Recommendations: v.recommendations,
	}
}

func (v *validator) assembly(table *AssemblyTable) {
	seenRules := map[string]bool{}
	for i, rule := range table.RoutingRules {
		path := fmt.Sprintf("routingRules.%d", i)
		if rule.ID == "" {
			v.errorf(SeverityCritical, path+".id", "rule id must not be empty")
		} else if seenRules[rule.ID] {
			v.errorf(SeverityCritical, path+".id", "duplicate rule id %q", rule.ID)
		}
		seenRules[rule.ID] = true

		if rule.Strategy != "" && !scheduler.KnownStrategy(rule.Strategy) {
			v.errorf(SeverityCritical, path+".strategy", "unknown strategy %q", rule.Strategy)
		}
		for j, cond := range rule.Conditions {
			if !scheduler.KnownOperator(cond.Operator) {
				v.errorf(SeverityCritical,
					fmt.Sprintf("%s.conditions.%d.operator", path, j),
					"unknown operator %q", cond.Operator)
			}
		}
		if len(rule.Pipelines) == 0 {
			v.errorf(SeverityMajor, path+".pipelines", "rule targets no pipelines")
		}
		for j, ref := range rule.Pipelines {
			if _, ok := table.PipelineTemplates[ref.PipelineID]; !ok {
				v.errorf(SeverityMajor,
					fmt.Sprintf("%s.pipelines.%d.pipelineId", path, j),
					"pipeline %q is not defined in pipelineTemplates", ref.PipelineID)
			}
		}
		if rule.Strategy == scheduler.StrategyWeighted {
			v.checkRuleWeights(path, rule)
		}
	}

	for _, tpl := range sortedTemplates(table.PipelineTemplates) {
		v.template(tpl.id, tpl.template)
	}

	seenModules := map[string]bool{}
	for i, def := range table.ModuleRegistry {
		path := fmt.Sprintf("moduleRegistry.%d.id", i)
		if def.ID == "" {
			v.errorf(SeverityCritical, path, "module id must not be empty")
		} else if seenModules[def.ID] {
			v.errorf(SeverityCritical, path, "duplicate module id %q", def.ID)
		}
		seenModules[def.ID] = true
	}

	seenStrategies := map[string]bool{}
	for i, s := range table.AssemblyStrategies {
		path := fmt.Sprintf("assemblyStrategies.%d.id", i)
		if s.ID == "" {
			v.errorf(SeverityCritical, path, "strategy id must not be empty")
		} else if seenStrategies[s.ID] {
			v.errorf(SeverityCritical, path, "duplicate strategy id %q", s.ID)
		}
		seenStrategies[s.ID] = true
	}

	if len(table.ModuleRegistry) > 0 {
		for _, tpl := range sortedTemplates(table.PipelineTemplates) {
			for _, mod := range tpl.template.Modules {
				if !seenModules[mod.ModuleID] {
					v.warnf("pipelineTemplates.%s.modules: module %q is not registered",
						tpl.id, mod.ModuleID)
				}
			}
		}
	}
}

func (v *validator) checkRuleWeights(path string, rule RoutingRule) {
	var sum float64
	for j, ref := range rule.Pipelines {
		if ref.Weight < 0 {
			v.errorf(SeverityCritical,
				fmt.Sprintf("%s.pipelines.%d.weight", path, j),
				"weight must not be negative")
		}
		sum += ref.Weight
	}
	if math.Abs(sum-100) > weightTolerance {
		v.errorf(SeverityCritical, path+".pipelines",
			"weighted pipeline weights sum to %.2f, expected 100", sum)
	}
}

func (v *validator) template(id string, tpl PipelineTemplate) {
	path := "pipelineTemplates." + id
	if id == "" {
		v.errorf(SeverityCritical, "pipelineTemplates", "template id must not be empty")
	}
	if tpl.Provider == "" {
		v.errorf(SeverityMajor, path+".provider", "provider must not be empty")
	}
	if !executionModes[tpl.ExecutionMode] {
		v.errorf(SeverityCritical, path+".executionMode",
			"execution mode must be sequential, parallel or conditional, got %q",
			tpl.ExecutionMode)
	}
	if tpl.ExecutionMode == "parallel" {
		if tpl.Parallel == nil || tpl.Parallel.MaxConcurrency <= 0 {
			v.errorf(SeverityCritical, path+".parallel.maxConcurrency",
				"parallel execution requires maxConcurrency > 0")
		} else if tpl.Parallel.MaxConcurrency > 20 {
			v.recommendf("%s.parallel.maxConcurrency: %d is high, values at or below 20 behave better under load",
				path, tpl.Parallel.MaxConcurrency)
		}
	}
	v.checkTimeout(path+".timeoutMs", tpl.TimeoutMs)

	seen := map[string]bool{}
	for i, mod := range tpl.Modules {
		mpath := fmt.Sprintf("%s.modules.%d.instanceId", path, i)
		if mod.InstanceID == "" {
			v.errorf(SeverityCritical, mpath, "module instance id must not be empty")
		} else if seen[mod.InstanceID] {
			v.errorf(SeverityCritical, mpath, "duplicate module instance id %q", mod.InstanceID)
		}
		seen[mod.InstanceID] = true
	}
}

func (v *validator) scheduler(cfg *SchedulerConfig) {
	v.checkTimeout("basic.executionTimeoutMs", cfg.Basic.ExecutionTimeoutMs)
	v.checkTimeout("basic.stickySessionTtlMs", cfg.Basic.StickySessionTTLMs)

	lb := cfg.LoadBalancing
	if lb.Strategy != "" && !scheduler.KnownStrategy(scheduler.Strategy(lb.Strategy)) {
		v.errorf(SeverityCritical, "loadBalancing.strategy",
			"unknown strategy %q", lb.Strategy)
	}
	if scheduler.Strategy(lb.Strategy) == scheduler.StrategyWeighted {
		if lb.StrategyConfig.Weighted == nil || len(lb.StrategyConfig.Weighted.Weights) == 0 {
			v.errorf(SeverityMajor, "loadBalancing.strategyConfig.weighted.weights",
				"weighted strategy has no weights")
		}
	}
	if lb.StrategyConfig.Weighted != nil && len(lb.StrategyConfig.Weighted.Weights) > 0 {
		var sum float64
		for id, w := range lb.StrategyConfig.Weighted.Weights {
			if w < 0 {
				v.errorf(SeverityCritical, "loadBalancing.strategyConfig.weighted.weights",
					"weight for %q must not be negative", id)
			}
			sum += w
		}
		if math.Abs(sum-100) > weightTolerance {
			v.errorf(SeverityCritical, "loadBalancing.strategyConfig.weighted.weights",
				"weights sum to %.2f, expected 100", sum)
		}
	}

	hc := cfg.HealthCheck
	if hc.Enabled {
		v.checkTimeout("healthCheck.intervalMs", hc.IntervalMs)
		v.checkTimeout("healthCheck.timeoutMs", hc.TimeoutMs)
		if hc.UnhealthyThreshold <= 0 {
			v.errorf(SeverityCritical, "healthCheck.unhealthyThreshold",
				"threshold must be greater than zero")
		}
		if hc.HealthyThreshold <= 0 {
			v.errorf(SeverityCritical, "healthCheck.healthyThreshold",
				"threshold must be greater than zero")
		}
	} else {
		v.warnf("healthCheck.enabled: health checks are disabled, failed instances recover only via the blacklist TTL")
	}

	eh := cfg.ErrorHandling
	if eh.MaxRetries < 0 {
		v.errorf(SeverityCritical, "errorHandling.maxRetries", "must not be negative")
	}
	if eh.MaxRetries > 5 {
		v.recommendf("errorHandling.maxRetries: %d retries amplify load during incidents, 3 or fewer is typical", eh.MaxRetries)
	}
	if eh.Blacklist.MaxEntries <= 0 {
		v.errorf(SeverityCritical, "errorHandling.blacklist.maxEntries",
			"must be greater than zero")
	}
	v.checkTimeout("errorHandling.baseDelayMs", eh.BaseDelayMs)
	v.checkTimeout("errorHandling.blacklist.ttlMs", eh.Blacklist.TTLMs)
	v.checkTimeout("errorHandling.blacklist.cleanupIntervalMs", eh.Blacklist.CleanupIntervalMs)

	perf := cfg.Performance
	if perf.MaxConcurrency < 0 {
		v.errorf(SeverityCritical, "performance.maxConcurrency", "must not be negative")
	}
	v.checkTimeout("performance.requestTimeoutMs", perf.RequestTimeoutMs)

	level := cfg.Monitoring.Logging.Level
	if level != "" && !logLevels[level] {
		v.errorf(SeverityMajor, "monitoring.logging.level",
			"level must be one of trace, debug, info, warn, error, got %q", level)
	}
}

// crossCheck verifies that every pipeline id named by the weighted
// strategy exists in the assembly table. Missing ids collapse into one
// critical error so the caller sees a single actionable failure.
func (v *validator) crossCheck(table *AssemblyTable, cfg *SchedulerConfig) {
	weighted := cfg.LoadBalancing.StrategyConfig.Weighted
	if weighted == nil {
		return
	}
	var missing []string
	for id := range weighted.Weights {
		if _, ok := table.PipelineTemplates[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}
	sort.Strings(missing)
	v.errorf(SeverityCritical, "loadBalancing.strategyConfig.weighted.weights",
		"pipelines %s are not defined in the assembly table", strings.Join(missing, ", "))
}

// checkTimeout enforces the (0, 300000] ms window for set timeouts.
// Zero means unset and defers to the built-in default.
func (v *validator) checkTimeout(path string, ms int64) {
	if ms == 0 {
		return
	}
	if ms < 0 || ms > maxTimeoutMs {
		v.errorf(SeverityCritical, path,
			"timeout must be within (0, %d] ms, got %d", int64(maxTimeoutMs), ms)
	}
}

type namedTemplate struct {
	id       string
	template PipelineTemplate
}

// sortedTemplates walks the template map in id order so validation
// output is deterministic.
func sortedTemplates(m map[string]PipelineTemplate) []namedTemplate {
	out := make([]namedTemplate, 0, len(m))
	for id, tpl := range m {
		out = append(out, namedTemplate{id: id, template: tpl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
