// Package config provides configuration management for the router. It
// handles loading and parsing the two JSON configuration documents, the
// assembly table and the scheduler config, and validates them before the
// runtime is allowed to use them.
package config

import (
	"encoding/json"

	"github.com/routercore/llmrouter/internal/scheduler"
)

// AssemblyTable is the routing side of the configuration: which rules
// exist, which pipeline templates they can target, and which module kinds
// those templates may assemble.
type AssemblyTable struct {
	// RoutingRules are evaluated by priority descending, stable by
	// document order on ties.
	RoutingRules []RoutingRule `json:"routingRules"`

	// PipelineTemplates are keyed by templateId.
	PipelineTemplates map[string]PipelineTemplate `json:"pipelineTemplates"`

	ModuleRegistry     []ModuleDefinition `json:"moduleRegistry,omitempty"`
	AssemblyStrategies []AssemblyStrategy `json:"assemblyStrategies,omitempty"`
}

// RoutingRule mirrors scheduler.Rule in its wire form. Conditions and
// pipeline refs share the scheduler's JSON shapes so the table converts
// without translation.
type RoutingRule struct {
	ID         string                  `json:"id"`
	Enabled    bool                    `json:"enabled"`
	Priority   int                     `json:"priority"`
	Conditions []scheduler.Condition   `json:"conditions,omitempty"`
	Strategy   scheduler.Strategy      `json:"strategy,omitempty"`
	Pipelines  []scheduler.PipelineRef `json:"pipelines"`
}

// PipelineTemplate describes one upstream pipeline: the provider dialect
// it speaks, its endpoint, and the modules assembled into it.
type PipelineTemplate struct {
	Name         string `json:"name,omitempty"`
	Provider     string `json:"provider"`
	Dialect      string `json:"dialect,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`

	SupportedModels []string     `json:"supportedModels,omitempty"`
	Capabilities    Capabilities `json:"capabilities,omitempty"`

	// AuthMode is oauth, api_key or none.
	AuthMode       string `json:"authMode,omitempty"`
	CredentialPath string `json:"credentialPath,omitempty"`

	Modules []ModuleInstance `json:"modules,omitempty"`

	// ExecutionMode is sequential, parallel or conditional.
	ExecutionMode string          `json:"executionMode,omitempty"`
	Parallel      *ParallelConfig `json:"parallel,omitempty"`

	// TimeoutMs bounds one execution through this template. Zero means
	// the scheduler's default applies.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// Capabilities advertises what a template's upstream can do.
type Capabilities struct {
	Streaming     bool `json:"streaming"`
	StreamingOnly bool `json:"streamingOnly,omitempty"`
	Tools         bool `json:"tools,omitempty"`
	Vision        bool `json:"vision,omitempty"`
	MaxTokens     int  `json:"maxTokens,omitempty"`
}

// ModuleInstance binds a registered module kind into a template.
type ModuleInstance struct {
	InstanceID string          `json:"instanceId"`
	ModuleID   string          `json:"moduleId"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// ParallelConfig bounds fan-out for templates in parallel execution mode.
type ParallelConfig struct {
	MaxConcurrency int `json:"maxConcurrency"`
}

// ModuleDefinition declares one module kind available for assembly.
type ModuleDefinition struct {
	ID          string `json:"id"`
	Kind        string `json:"kind,omitempty"`
	Description string `json:"description,omitempty"`
}

// AssemblyStrategy names a reusable assembly recipe.
type AssemblyStrategy struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// Rules converts the routing rules into scheduler rules, preserving
// document order.
func (t *AssemblyTable) Rules() []scheduler.Rule {
	rules := make([]scheduler.Rule, 0, len(t.RoutingRules))
	for _, r := range t.RoutingRules {
		rules = append(rules, scheduler.Rule{
			ID:         r.ID,
			Enabled:    r.Enabled,
			Priority:   r.Priority,
			Conditions: r.Conditions,
			Strategy:   r.Strategy,
			Pipelines:  r.Pipelines,
		})
	}
	return rules
}
