package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/routercore/llmrouter/internal/config"
)

const validAssemblyDoc = `{
  "routingRules": [
    {
      "id": "r-1",
      "enabled": true,
      "priority": 10,
      "strategy": "round_robin",
      "pipelines": [{"pipelineId": "p-1"}]
    }
  ],
  "pipelineTemplates": {
    "p-1": {"provider": "openai", "executionMode": "sequential"}
  }
}`

const validSchedulerDoc = `{
  "basic": {"executionTimeoutMs": 30000},
  "loadBalancing": {"strategy": "round_robin"},
  "healthCheck": {"enabled": true, "intervalMs": 10000, "unhealthyThreshold": 3, "healthyThreshold": 2},
  "errorHandling": {"maxRetries": 3, "blacklist": {"ttlMs": 60000, "maxEntries": 100}},
  "performance": {"maxConcurrency": 8},
  "monitoring": {"logging": {"level": "info"}}
}`

// invalid: weights reference a pipeline the assembly table does not define.
const invalidSchedulerDoc = `{
  "loadBalancing": {
    "strategy": "weighted",
    "strategyConfig": {"weighted": {"weights": {"p-ghost": 100}}}
  },
  "healthCheck": {"enabled": true, "intervalMs": 10000, "unhealthyThreshold": 3, "healthyThreshold": 2},
  "errorHandling": {"blacklist": {"maxEntries": 100}},
  "monitoring": {"logging": {"level": "info"}}
}`

type reloadRecorder struct {
	mu    sync.Mutex
	count int
	rules int
}

func (r *reloadRecorder) fn() ReloadFunc {
	return func(table *config.AssemblyTable, cfg *config.SchedulerConfig) {
		r.mu.Lock()
		r.count++
		r.rules = len(table.RoutingRules)
		r.mu.Unlock()
	}
}

func (r *reloadRecorder) snapshot() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count, r.rules
}

func writeDoc(t *testing.T, path, body string) {
	t.Helper()
	// Write to a temp file and rename so the watcher sees the atomic
	// replace pattern editors and deploy tools use.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func newTestWatcher(t *testing.T, rec *reloadRecorder) (*Watcher, string, string) {
	t.Helper()
	dir := t.TempDir()
	assemblyPath := filepath.Join(dir, "assembly.json")
	schedulerPath := filepath.Join(dir, "scheduler.json")
	writeDoc(t, assemblyPath, validAssemblyDoc)
	writeDoc(t, schedulerPath, validSchedulerDoc)

	w, err := New(assemblyPath, schedulerPath, "", rec.fn())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w, assemblyPath, schedulerPath
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartLoadsAndValidatesBaseline(t *testing.T) {
	rec := &reloadRecorder{}
	w, _, _ := newTestWatcher(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	count, rules := rec.snapshot()
	if count != 1 || rules != 1 {
		t.Fatalf("expected one baseline reload with one rule, got count=%d rules=%d", count, rules)
	}
	table, cfg := w.Current()
	if table == nil || cfg == nil {
		t.Fatal("expected cached configuration after start")
	}
}

func TestReloadOnConfigChange(t *testing.T) {
	rec := &reloadRecorder{}
	w, assemblyPath, _ := newTestWatcher(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	updated := `{
  "routingRules": [
    {"id": "r-1", "enabled": true, "priority": 10, "strategy": "round_robin", "pipelines": [{"pipelineId": "p-1"}]},
    {"id": "r-2", "enabled": true, "priority": 5, "strategy": "random", "pipelines": [{"pipelineId": "p-1"}]}
  ],
  "pipelineTemplates": {
    "p-1": {"provider": "openai", "executionMode": "sequential"}
  }
}`
	writeDoc(t, assemblyPath, updated)

	waitFor(t, func() bool {
		_, rules := rec.snapshot()
		return rules == 2
	})
}

func TestInvalidConfigKeepsPrevious(t *testing.T) {
	rec := &reloadRecorder{}
	w, _, schedulerPath := newTestWatcher(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	writeDoc(t, schedulerPath, invalidSchedulerDoc)

	// The debounced reload must run, reject the document and keep the
	// baseline in place.
	time.Sleep(600 * time.Millisecond)
	count, _ := rec.snapshot()
	if count != 1 {
		t.Fatalf("invalid config must not trigger a reload, got count=%d", count)
	}
	_, cfg := w.Current()
	if cfg == nil || cfg.LoadBalancing.Strategy != "round_robin" {
		t.Fatalf("previous configuration should survive, got %+v", cfg)
	}
}

func TestStartRejectsInvalidBaseline(t *testing.T) {
	dir := t.TempDir()
	assemblyPath := filepath.Join(dir, "assembly.json")
	schedulerPath := filepath.Join(dir, "scheduler.json")
	writeDoc(t, assemblyPath, validAssemblyDoc)
	writeDoc(t, schedulerPath, invalidSchedulerDoc)

	w, err := New(assemblyPath, schedulerPath, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Stop() }()

	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail on an invalid baseline")
	}
}
