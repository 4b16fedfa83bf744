package errcenter

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// BlacklistEntry records an excluded pipeline with the failure that caused it.
type BlacklistEntry struct {
	PipelineID    string
	InstanceID    string
	Reason        *PipelineError
	BlacklistedAt time.Time
	ExpiresAt     time.Time // zero when permanent
	Permanent     bool
}

// Active reports whether the entry still excludes its pipeline at now.
func (e *BlacklistEntry) Active(now time.Time) bool {
	if e == nil {
		return false
	}
	return e.Permanent || e.ExpiresAt.After(now)
}

// Blacklist holds at most one entry per pipeline id. Mutations that must stay
// consistent with the pool go through the scheduler's dedup coordinator.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]*BlacklistEntry

	// defaultTTL backs Add calls that pass no explicit window.
	defaultTTL time.Duration

	// onRemove fires after an entry disappears, used to signal observers.
	onRemove func(pipelineID string)
}

// NewBlacklist constructs an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{
		entries:    make(map[string]*BlacklistEntry),
		defaultTTL: DefaultConfig().BlacklistTTL,
	}
}

// SetDefaultTTL sets the exclusion window used when Add receives a
// non-positive ttl.
func (b *Blacklist) SetDefaultTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	b.mu.Lock()
	b.defaultTTL = ttl
	b.mu.Unlock()
}

// SetRemovalHook registers a callback invoked after entries are removed.
func (b *Blacklist) SetRemovalHook(fn func(pipelineID string)) {
	b.mu.Lock()
	b.onRemove = fn
	b.mu.Unlock()
}

// Add inserts or replaces the entry for pipelineID. A non-positive ttl
// falls back to the default window so a temporary entry never expires at
// the moment it is written.
func (b *Blacklist) Add(pipelineID, instanceID string, reason *PipelineError, ttl time.Duration, permanent bool) *BlacklistEntry {
	now := time.Now()
	entry := &BlacklistEntry{
		PipelineID:    pipelineID,
		InstanceID:    instanceID,
		Reason:        reason,
		BlacklistedAt: now,
		Permanent:     permanent,
	}
	b.mu.Lock()
	if !permanent {
		if ttl <= 0 {
			ttl = b.defaultTTL
		}
		entry.ExpiresAt = now.Add(ttl)
	}
	b.entries[pipelineID] = entry
	b.mu.Unlock()
	return entry
}

// Discard deletes the entry for pipelineID without firing the removal hook,
// for callers that restore the pool entry inside their own critical section.
func (b *Blacklist) Discard(pipelineID string) bool {
	b.mu.Lock()
	_, existed := b.entries[pipelineID]
	delete(b.entries, pipelineID)
	b.mu.Unlock()
	return existed
}

// Remove deletes the entry for pipelineID. Removing an absent entry is a no-op,
// so the operation is idempotent.
func (b *Blacklist) Remove(pipelineID string) bool {
	b.mu.Lock()
	_, existed := b.entries[pipelineID]
	delete(b.entries, pipelineID)
	hook := b.onRemove
	b.mu.Unlock()
	if existed && hook != nil {
		hook(pipelineID)
	}
	return existed
}

// Contains reports whether an active entry exists for pipelineID.
func (b *Blacklist) Contains(pipelineID string) bool {
	b.mu.RLock()
	entry := b.entries[pipelineID]
	b.mu.RUnlock()
	return entry.Active(time.Now())
}

// Get returns the entry for pipelineID when present.
func (b *Blacklist) Get(pipelineID string) (*BlacklistEntry, bool) {
	b.mu.RLock()
	entry, ok := b.entries[pipelineID]
	b.mu.RUnlock()
	return entry, ok
}

// Snapshot returns a copy of all entries for inspection.
func (b *Blacklist) Snapshot() []*BlacklistEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*BlacklistEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		copyEntry := *entry
		out = append(out, &copyEntry)
	}
	return out
}

// reap removes expired, non-permanent entries and returns their ids.
func (b *Blacklist) reap(now time.Time) []string {
	b.mu.Lock()
	var removed []string
	for id, entry := range b.entries {
		if !entry.Permanent && !entry.ExpiresAt.After(now) {
			delete(b.entries, id)
			removed = append(removed, id)
		}
	}
	hook := b.onRemove
	b.mu.Unlock()
	if hook != nil {
		for _, id := range removed {
			hook(id)
		}
	}
	return removed
}

// RunReaper removes expired entries every interval until ctx is cancelled.
func (b *Blacklist) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := b.reap(now); len(removed) > 0 {
				log.Debugf("blacklist reaper removed %d expired entries", len(removed))
			}
		}
	}
}
