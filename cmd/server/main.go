// Package main is the entry point for the LLM request router. It loads and
// validates the assembly table and scheduler configuration, assembles the
// pipeline runtime, and serves OpenAI- and Anthropic-compatible endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/api"
	"github.com/routercore/llmrouter/internal/auth"
	"github.com/routercore/llmrouter/internal/buildinfo"
	"github.com/routercore/llmrouter/internal/compat"
	"github.com/routercore/llmrouter/internal/config"
	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/logging"
	"github.com/routercore/llmrouter/internal/pipeline"
	"github.com/routercore/llmrouter/internal/provider"
	"github.com/routercore/llmrouter/internal/runtime"
	"github.com/routercore/llmrouter/internal/scheduler"
	"github.com/routercore/llmrouter/internal/tokenstore"
	"github.com/routercore/llmrouter/internal/translator"
	"github.com/routercore/llmrouter/internal/util"
	"github.com/routercore/llmrouter/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		assemblyPath  = flag.String("assembly", "assembly.json", "path to the assembly table document")
		schedulerPath = flag.String("scheduler-config", "scheduler.json", "path to the scheduler config document")
		compatPath    = flag.String("compat-table", "", "optional path to a compatibility mapping table")
		credentialDir = flag.String("credentials", "credentials", "directory holding stored OAuth credentials")
		addr          = flag.String("addr", ":8317", "listen address for the API server")
		login         = flag.String("login", "", "run OAuth device-flow enrollment for a provider (qwen, iflow) and exit")
		noBrowser     = flag.Bool("no-browser", false, "do not open the verification URL during login")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("llmrouter %s (%s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	if *login != "" {
		if err := runLogin(*login, *credentialDir, !*noBrowser); err != nil {
			log.Fatalf("login failed: %v", err)
		}
		return
	}

	if err := run(*assemblyPath, *schedulerPath, *compatPath, *credentialDir, *addr); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(assemblyPath, schedulerPath, compatPath, credentialDir, addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	table, cfg, err := loadConfigs(assemblyPath, schedulerPath)
	if err != nil {
		return err
	}
	applyLogging(cfg)

	mapper, err := loadMapper(compatPath)
	if err != nil {
		return err
	}

	center := errcenter.NewCenter(centerConfig(cfg))
	coordinator := scheduler.NewCoordinator(center.BlacklistSet())
	center.SetBlacklistGuard(func(id string) { coordinator.RemoveFromPool(id) })

	stickyTTL := time.Duration(cfg.Basic.StickySessionTTLMs) * time.Millisecond
	sched := scheduler.New(coordinator, stickyTTL)

	executionTimeout := time.Duration(cfg.Basic.ExecutionTimeoutMs) * time.Millisecond
	executor := pipeline.NewExecutor(translator.NewDefaultRegistry(), mapper, executionTimeout)

	service := runtime.NewService(executor, sched, center)
	if err := service.Apply(table, cfg); err != nil {
		return fmt.Errorf("assemble pipelines: %w", err)
	}

	go center.BlacklistSet().RunReaper(ctx, center.CleanupInterval())

	w, err := watcher.New(assemblyPath, schedulerPath, credentialDir, func(newTable *config.AssemblyTable, newCfg *config.SchedulerConfig) {
		applyLogging(newCfg)
		if err := service.Apply(newTable, newCfg); err != nil {
			log.WithError(err).Error("hot reload failed, keeping previous pipelines")
		}
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.OnCredentialUpdate(func(update watcher.CredentialUpdate) {
		log.Infof("credential %s: %s", update.Action, update.Path)
		curTable, curCfg := w.Current()
		if curTable == nil || curCfg == nil {
			return
		}
		if err := service.Apply(curTable, curCfg); err != nil {
			log.WithError(err).Error("failed to rebuild pipelines after credential update")
		}
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer func() { _ = w.Stop() }()

	server := api.NewServer(api.Options{
		Addr:    addr,
		APIKeys: cfg.Security.APIKeys,
		Debug:   isDebugLevel(cfg),
	}, service, center, coordinator)

	log.Infof("llmrouter %s listening on %s", buildinfo.Version, addr)
	if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("server stopped")
	return nil
}

// loadConfigs reads and validates both documents. An invalid configuration
// terminates startup.
func loadConfigs(assemblyPath, schedulerPath string) (*config.AssemblyTable, *config.SchedulerConfig, error) {
	table, err := config.LoadAssembly(assemblyPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadScheduler(schedulerPath)
	if err != nil {
		return nil, nil, err
	}
	result := config.Validate(table, cfg)
	for _, warning := range result.Warnings {
		log.Warnf("config: %s", warning)
	}
	for _, rec := range result.Recommendations {
		log.Infof("config: %s", rec)
	}
	if !result.IsValid {
		for _, issue := range result.Errors {
			log.Errorf("config %s at %s: %s", issue.Severity, issue.Path, issue.Message)
		}
		return nil, nil, fmt.Errorf("configuration rejected with %d validation errors", len(result.Errors))
	}
	return table, cfg, nil
}

func loadMapper(path string) (*compat.Mapper, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compat table: %w", err)
	}
	mappingTable, err := compat.ParseMappingTable(raw)
	if err != nil {
		return nil, fmt.Errorf("parse compat table: %w", err)
	}
	return compat.NewMapper(mappingTable, compat.DefaultOptions()), nil
}

func applyLogging(cfg *config.SchedulerConfig) {
	if level := cfg.Monitoring.Logging.Level; level != "" {
		logging.SetLevel(level)
	}
	if cfg.Monitoring.Logging.ToFile {
		dir := cfg.Monitoring.Logging.LogDir
		if dir == "" {
			dir = "logs"
		}
		if err := logging.ConfigureFileOutput(dir); err != nil {
			log.WithError(err).Warn("failed to configure file logging")
		}
	}
}

func centerConfig(cfg *config.SchedulerConfig) errcenter.Config {
	out := errcenter.DefaultConfig()
	eh := cfg.ErrorHandling
	if eh.MaxRetries > 0 {
		out.Retry.MaxRetries = eh.MaxRetries
	}
	if eh.BaseDelayMs > 0 {
		out.Retry.BaseDelay = time.Duration(eh.BaseDelayMs) * time.Millisecond
	}
	if eh.BackoffFactor > 1 {
		out.Retry.Multiplier = eh.BackoffFactor
	}
	if eh.Blacklist.TTLMs > 0 {
		out.BlacklistTTL = time.Duration(eh.Blacklist.TTLMs) * time.Millisecond
	}
	if eh.Blacklist.CleanupIntervalMs > 0 {
		out.CleanupInterval = time.Duration(eh.Blacklist.CleanupIntervalMs) * time.Millisecond
	}
	return out
}

func isDebugLevel(cfg *config.SchedulerConfig) bool {
	level := cfg.Monitoring.Logging.Level
	return level == "debug" || level == "trace"
}

// runLogin enrolls a provider through the OAuth device flow and stores the
// resulting credential under the credentials directory.
func runLogin(dialect, credentialDir string, openBrowser bool) error {
	flowCfg, _, ok := runtime.OAuthEndpoints(provider.Dialect(dialect))
	if !ok {
		return fmt.Errorf("provider %q does not support device-flow login", dialect)
	}
	flowCfg.OpenBrowser = openBrowser

	if err := os.MkdirAll(credentialDir, 0o700); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client := util.NewHTTPClient("", 30*time.Second)
	handle, err := auth.DeviceFlow(ctx, client, flowCfg)
	if err != nil {
		return err
	}

	path := filepath.Join(credentialDir, dialect+".json")
	if err := tokenstore.Save(handle, path); err != nil {
		return err
	}
	log.Infof("credential stored at %s", path)
	return nil
}
