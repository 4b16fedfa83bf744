// reload.go implements debounced configuration hot reload with
// validate-before-swap semantics.
package watcher

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/config"
)

// reloadIfChanged reparses both documents and hands them to the reload
// callback only when the validator accepts them. An invalid pair never
// replaces the running configuration.
func (w *Watcher) reloadIfChanged() error {
	assemblyUnchanged, errAssembly := w.fileUnchanged(w.assemblyPath)
	schedulerUnchanged, errScheduler := w.fileUnchanged(w.schedulerPath)
	if errAssembly == nil && errScheduler == nil && assemblyUnchanged && schedulerUnchanged {
		log.Debugf("configuration content unchanged (hash match), skipping reload")
		return nil
	}

	table, err := config.LoadAssembly(w.assemblyPath)
	if err != nil {
		return err
	}
	cfg, err := config.LoadScheduler(w.schedulerPath)
	if err != nil {
		return err
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
		return fmt.Errorf("configuration rejected with %d validation errors", len(result.Errors))
	}

	w.mu.Lock()
	w.table = table
	w.scheduler = cfg
	w.mu.Unlock()

	log.Infof("configuration loaded: %d routing rules, %d pipeline templates",
		len(table.RoutingRules), len(table.PipelineTemplates))
	if w.reload != nil {
		w.reload(table, cfg)
	}
	return nil
}
