// Package watcher watches the configuration documents and the credential
// directory and triggers hot reloads. It supports cross-platform fsnotify
// event handling.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/config"
	"github.com/routercore/llmrouter/internal/tokenstore"
)

// CredentialAction names the kind of change seen in the credential
// directory.
type CredentialAction string

const (
	CredentialActionAdd    CredentialAction = "add"
	CredentialActionModify CredentialAction = "modify"
	CredentialActionDelete CredentialAction = "delete"
)

// CredentialUpdate describes an incremental change to one stored
// credential file.
type CredentialUpdate struct {
	Action CredentialAction
	Path   string
	Handle *tokenstore.Handle
}

const (
	// replaceCheckDelay lets an atomic replace (rename) settle before a
	// Remove event is treated as a real deletion.
	replaceCheckDelay    = 50 * time.Millisecond
	reloadDebounce       = 150 * time.Millisecond
	removeDebounceWindow = time.Second
)

// ReloadFunc receives a validated configuration pair. It runs on the
// watcher's event goroutine, after validation has passed.
type ReloadFunc func(table *config.AssemblyTable, cfg *config.SchedulerConfig)

// Watcher manages file watching for the two configuration documents and
// the credential directory.
type Watcher struct {
	assemblyPath  string
	schedulerPath string
	credentialDir string

	reload      ReloadFunc
	credentials func(CredentialUpdate)

	watcher *fsnotify.Watcher

	mu              sync.Mutex
	reloadTimer     *time.Timer
	lastHashes      map[string]string
	lastRemoveTimes map[string]time.Time
	table           *config.AssemblyTable
	scheduler       *config.SchedulerConfig
}

// New creates a watcher over the given paths. credentialDir may be empty
// when credential files are managed elsewhere.
func New(assemblyPath, schedulerPath, credentialDir string, reload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		assemblyPath:    assemblyPath,
		schedulerPath:   schedulerPath,
		credentialDir:   credentialDir,
		reload:          reload,
		watcher:         fsw,
		lastHashes:      make(map[string]string),
		lastRemoveTimes: make(map[string]time.Time),
	}, nil
}

// OnCredentialUpdate registers a callback for credential file changes.
func (w *Watcher) OnCredentialUpdate(fn func(CredentialUpdate)) {
	w.credentials = fn
}

// Start registers the watch targets and begins processing events. The
// current documents are loaded and validated once so the watcher holds a
// baseline to fall back to.
func (w *Watcher) Start(ctx context.Context) error {
	// fsnotify watches the parent directories so atomic replaces
	// (write to temp, rename over) are still observed.
	dirs := map[string]bool{
		filepath.Dir(w.assemblyPath):  true,
		filepath.Dir(w.schedulerPath): true,
	}
	if w.credentialDir != "" {
		dirs[w.credentialDir] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			log.Errorf("failed to watch %s: %v", dir, err)
			return err
		}
		log.Debugf("watching directory: %s", dir)
	}

	if err := w.reloadIfChanged(); err != nil {
		return err
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
		w.reloadTimer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// Current returns the last validated configuration pair.
func (w *Watcher) Current() (*config.AssemblyTable, *config.SchedulerConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.table, w.scheduler
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := normalizePath(event.Name)
	configOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	isConfigEvent := (name == normalizePath(w.assemblyPath) || name == normalizePath(w.schedulerPath)) &&
		event.Op&configOps != 0

	credOps := fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	isCredentialJSON := w.credentialDir != "" &&
		strings.HasPrefix(name, normalizePath(w.credentialDir)) &&
		strings.HasSuffix(name, ".json") &&
		event.Op&credOps != 0

	if !isConfigEvent && !isCredentialJSON {
		return
	}
	log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)

	if isConfigEvent {
		w.scheduleReload()
		return
	}
	w.handleCredentialEvent(event, name)
}

func (w *Watcher) handleCredentialEvent(event fsnotify.Event, normalized string) {
	if w.credentials == nil {
		return
	}
	now := time.Now()
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if w.shouldDebounceRemove(normalized, now) {
			log.Debugf("debouncing remove event for %s", filepath.Base(event.Name))
			return
		}
		// Atomic replace may surface as Rename before the new file is
		// ready. Wait briefly; if the path exists again it is an update.
		time.Sleep(replaceCheckDelay)
		if _, err := os.Stat(event.Name); err != nil {
			log.Infof("credential removed: %s", filepath.Base(event.Name))
			w.credentials(CredentialUpdate{Action: CredentialActionDelete, Path: event.Name})
			return
		}
	}
	if unchanged, err := w.fileUnchanged(event.Name); err == nil && unchanged {
		log.Debugf("credential unchanged (hash match), skipping: %s", filepath.Base(event.Name))
		return
	}
	handle, err := tokenstore.Load(event.Name)
	if err != nil {
		log.WithError(err).Warnf("failed to load changed credential %s", filepath.Base(event.Name))
		return
	}
	action := CredentialActionModify
	if event.Op&fsnotify.Create != 0 {
		action = CredentialActionAdd
	}
	log.Infof("credential changed (%s): %s", event.Op.String(), filepath.Base(event.Name))
	w.credentials(CredentialUpdate{Action: action, Path: event.Name, Handle: handle})
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(reloadDebounce, func() {
		w.mu.Lock()
		w.reloadTimer = nil
		w.mu.Unlock()
		if err := w.reloadIfChanged(); err != nil {
			log.WithError(err).Error("config reload failed, keeping previous configuration")
		}
	})
}

func (w *Watcher) fileUnchanged(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	sum := sha256.Sum256(data)
	cur := hex.EncodeToString(sum[:])

	normalized := normalizePath(path)
	w.mu.Lock()
	prev, ok := w.lastHashes[normalized]
	w.lastHashes[normalized] = cur
	w.mu.Unlock()
	return ok && prev == cur, nil
}

func (w *Watcher) shouldDebounceRemove(normalized string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastRemoveTimes[normalized]; ok && now.Sub(last) < removeDebounceWindow {
		return true
	}
	w.lastRemoveTimes[normalized] = now
	if len(w.lastRemoveTimes) > 128 {
		cutoff := now.Add(-2 * removeDebounceWindow)
		for p, t := range w.lastRemoveTimes {
			if t.Before(cutoff) {
				delete(w.lastRemoveTimes, p)
			}
		}
	}
	return false
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	cleaned := filepath.Clean(trimmed)
	if runtime.GOOS == "windows" {
		cleaned = strings.TrimPrefix(cleaned, `\\?\`)
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
