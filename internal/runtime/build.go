package runtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/auth"
	"github.com/routercore/llmrouter/internal/config"
	"github.com/routercore/llmrouter/internal/pipeline"
	"github.com/routercore/llmrouter/internal/provider"
	"github.com/routercore/llmrouter/internal/scheduler"
	"github.com/routercore/llmrouter/internal/tokenstore"
	"github.com/routercore/llmrouter/internal/translator"
	"github.com/routercore/llmrouter/internal/util"
)

// AdapterFactory builds the upstream adapter for one pipeline template.
// Tests substitute fakes here; production uses BuildAdapter.
type AdapterFactory func(pipelineID string, tpl config.PipelineTemplate) (pipeline.Provider, error)

// SetAdapterFactory installs a custom factory. Nil restores the default.
func (s *Service) SetAdapterFactory(factory AdapterFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factory = factory
}

func (s *Service) adapterFactory() AdapterFactory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.factory != nil {
		return s.factory
	}
	return BuildAdapter
}

// Apply installs a validated configuration pair: pipeline instances are
// rebuilt from the templates, pool entries registered, routing rules
// swapped. Safe to call on a live service; in-flight requests finish on
// the instances they started with.
func (s *Service) Apply(table *config.AssemblyTable, cfg *config.SchedulerConfig) error {
	factory := s.adapterFactory()
	weights := weightedWeights(cfg)

	ids := make([]string, 0, len(table.PipelineTemplates))
	for id := range table.PipelineTemplates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	instances := make(map[string]pipeline.Instance, len(ids))
	entries := make([]scheduler.Entry, 0, len(ids))
	for _, id := range ids {
		tpl := table.PipelineTemplates[id]
		adapter, err := factory(id, tpl)
		if err != nil {
			return fmt.Errorf("build pipeline %s: %w", id, err)
		}
		inst := pipeline.Instance{
			PipelineID:        id,
			InstanceID:        id + "-0",
			Target:            targetFormat(tpl),
			Protocol:          tpl.Dialect,
			SupportsStreaming: tpl.Capabilities.Streaming,
			StreamingOnly:     tpl.Capabilities.StreamingOnly,
			Adapter:           adapter,
		}
		instances[id] = inst
		entries = append(entries, scheduler.Entry{
			PipelineID: id,
			InstanceID: inst.InstanceID,
			Provider:   tpl.Provider,
			Model:      tpl.DefaultModel,
			Weight:     weights[id],
			Status:     scheduler.StatusActive,
		})
	}

	s.mu.Lock()
	s.instances = instances
	if cfg.ErrorHandling.MaxRetries > 0 {
		s.maxRetries = cfg.ErrorHandling.MaxRetries
	}
	if cfg.ErrorHandling.BaseDelayMs > 0 {
		s.baseDelay = time.Duration(cfg.ErrorHandling.BaseDelayMs) * time.Millisecond
	}
	s.mu.Unlock()

	coordinator := s.scheduler.Coordinator()
	for _, entry := range entries {
		coordinator.AddToPool(entry)
	}
	s.scheduler.SetRules(table.Rules(), fallbackRule(cfg, ids, weights))

	log.Infof("runtime applied: %d pipelines, %d routing rules",
		len(instances), len(table.RoutingRules))
	return nil
}

// fallbackRule derives the catch-all rule from the scheduler's default
// load-balancing section. Nil means plain round-robin over the pool.
func fallbackRule(cfg *config.SchedulerConfig, ids []string, weights map[string]float64) *scheduler.Rule {
	strategy := scheduler.Strategy(cfg.LoadBalancing.Strategy)
	if strategy == "" || !scheduler.KnownStrategy(strategy) {
		return nil
	}
	refs := make([]scheduler.PipelineRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, scheduler.PipelineRef{PipelineID: id, Weight: weights[id]})
	}
	return &scheduler.Rule{
		ID:        "default",
		Enabled:   true,
		Strategy:  strategy,
		Pipelines: refs,
	}
}

func weightedWeights(cfg *config.SchedulerConfig) map[string]float64 {
	if w := cfg.LoadBalancing.StrategyConfig.Weighted; w != nil {
		return w.Weights
	}
	return nil
}

// targetFormat maps a template's dialect to the translator's upstream
// format. Every supported upstream speaks an OpenAI-compatible wire shape.
func targetFormat(tpl config.PipelineTemplate) translator.Format {
	switch provider.Dialect(tpl.Dialect) {
	case provider.DialectQwen:
		return translator.FormatQwen
	case provider.DialectIFlow:
		return translator.FormatIFlow
	default:
		return translator.FormatOpenAI
	}
}

// BuildAdapter constructs the production provider adapter for a template,
// loading stored credentials and wiring the token refresh path.
func BuildAdapter(pipelineID string, tpl config.PipelineTemplate) (pipeline.Provider, error) {
	dialect := provider.Dialect(tpl.Dialect)
	if dialect == "" {
		dialect = provider.DialectOpenAI
	}

	var handler *auth.Handler
	var refresh auth.RefreshFunc
	if tpl.AuthMode == "oauth" || tpl.CredentialPath != "" {
		if tpl.CredentialPath == "" {
			return nil, fmt.Errorf("pipeline %s: oauth auth mode requires credentialPath", pipelineID)
		}
		handle, err := tokenstore.Load(tpl.CredentialPath)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: load credential: %w", pipelineID, err)
		}
		path := tpl.CredentialPath
		handler = auth.NewHandler(handle, auth.HandlerConfig{
			Persist: func(h *tokenstore.Handle) error { return tokenstore.Save(h, path) },
		})
		if _, refreshCfg, ok := OAuthEndpoints(dialect); ok {
			client := util.NewHTTPClient("", 30*time.Second)
			refresh = func(ctx context.Context, h *tokenstore.Handle) error {
				return auth.Refresh(ctx, client, refreshCfg, h)
			}
		}
	}

	adapter := provider.New(provider.Config{
		Dialect:     dialect,
		Model:       tpl.DefaultModel,
		BaseURL:     tpl.Endpoint,
		ChatTimeout: time.Duration(tpl.TimeoutMs) * time.Millisecond,
	}, handler, refresh, nil)
	return adapter, nil
}
