package scheduler

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/errcenter"
)

// DedupOp names the operation EnsureNoDuplicates prepares for.
type DedupOp string

const (
	OpAddToBlacklist DedupOp = "add_to_blacklist"
	OpAddToPool      DedupOp = "add_to_pool"
)

// DuplicateCheck reports which sets currently hold an id.
type DuplicateCheck struct {
	InBlacklist bool
	InPool      bool
}

// AuditReport summarizes one duplicate sweep.
type AuditReport struct {
	Found    int
	Resolved int
	Errors   []string
}

// Coordinator owns every mutation of the pool and mediates mutations of the
// blacklist so no pipeline id ever lives in both sets. The cross-set
// critical section runs under one lock; duplicates always resolve in favor
// of the blacklist.
type Coordinator struct {
	mu        sync.Mutex
	pool      *pool
	blacklist *errcenter.Blacklist
	// known keeps the registration template of every pipeline so an entry
	// can be restored to the pool when its blacklisting expires.
	known map[string]Entry
}

// NewCoordinator binds the pool to the given blacklist. The blacklist's
// removal hook is claimed so reaper expiry and recovery signals restore the
// pipeline to the pool.
func NewCoordinator(blacklist *errcenter.Blacklist) *Coordinator {
	c := &Coordinator{
		pool:      newPool(),
		blacklist: blacklist,
		known:     make(map[string]Entry),
	}
	blacklist.SetRemovalHook(c.onBlacklistRemoved)
	return c
}

// AddToPool registers or reinstates a pipeline. The blacklist drop and the
// pool insert share one critical section so no interleaving observes the id
// in both sets; Discard skips the removal hook since the pool entry is
// restored right here.
func (c *Coordinator) AddToPool(entry Entry) {
	entry.Blacklisted = false
	entry.Status = StatusActive
	c.mu.Lock()
	c.blacklist.Discard(entry.PipelineID)
	c.known[entry.PipelineID] = entry
	c.pool.add(entry)
	c.mu.Unlock()
}

// RemoveFromPool drops a pipeline from the candidate set. Idempotent.
func (c *Coordinator) RemoveFromPool(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.remove(id)
}

// RemoveFromBlacklist clears the blacklist entry; the removal hook restores
// the pipeline to the pool when its template is known. Idempotent.
func (c *Coordinator) RemoveFromBlacklist(id string) bool {
	return c.blacklist.Remove(id)
}

// AddToBlacklist excludes a pipeline: it leaves the pool in the same
// critical section, then the blacklist entry is written.
func (c *Coordinator) AddToBlacklist(id, instanceID string, reason *errcenter.PipelineError, ttl time.Duration, permanent bool) {
	c.mu.Lock()
	c.pool.remove(id)
	c.blacklist.Add(id, instanceID, reason, ttl, permanent)
	c.mu.Unlock()
}

// onBlacklistRemoved reinstates known pipelines once they leave the
// blacklist, whether by reaper expiry, recovery signal or explicit removal.
func (c *Coordinator) onBlacklistRemoved(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	template, ok := c.known[id]
	if !ok || c.pool.contains(id) {
		return
	}
	template.Blacklisted = false
	template.Status = StatusActive
	c.pool.add(template)
	log.WithField("pipeline", id).Debug("pipeline restored to pool after blacklist removal")
}

// CheckDuplicates reports the membership of id in both sets. Both reads
// happen under the coordinator lock so the result is one observable moment,
// not two.
func (c *Coordinator) CheckDuplicates(id string) DuplicateCheck {
	c.mu.Lock()
	check := DuplicateCheck{
		InBlacklist: c.blacklist.Contains(id),
		InPool:      c.pool.contains(id),
	}
	c.mu.Unlock()
	return check
}

// EnsureNoDuplicates prepares for op so the upcoming insertion cannot
// create a duplicate: adding to the blacklist clears the pool first, adding
// to the pool clears the blacklist first.
func (c *Coordinator) EnsureNoDuplicates(id string, op DedupOp) error {
	switch op {
	case OpAddToBlacklist:
		c.RemoveFromPool(id)
		return nil
	case OpAddToPool:
		c.RemoveFromBlacklist(id)
		return nil
	default:
		return fmt.Errorf("scheduler: unknown dedup op %q", op)
	}
}

// Audit sweeps both sets and resolves every duplicate in favor of the
// blacklist. Running it twice in a row finds nothing the second time.
func (c *Coordinator) Audit() AuditReport {
	var report AuditReport
	c.mu.Lock()
	for _, entry := range c.blacklist.Snapshot() {
		if c.pool.contains(entry.PipelineID) {
			report.Found++
			if c.pool.remove(entry.PipelineID) {
				report.Resolved++
			} else {
				report.Errors = append(report.Errors, fmt.Sprintf("failed to remove %s from pool", entry.PipelineID))
			}
		}
	}
	c.mu.Unlock()
	if report.Found > 0 {
		log.Warnf("dedup audit found %d duplicates, resolved %d", report.Found, report.Resolved)
	}
	return report
}

// Candidates snapshots the pool entries eligible for selection.
func (c *Coordinator) Candidates() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.snapshot()
}

// Lookup returns the pool entry for id when present.
func (c *Coordinator) Lookup(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pool.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Acquire bumps the live connection count used by least_connections.
func (c *Coordinator) Acquire(id string) {
	c.mu.Lock()
	if entry, ok := c.pool.entries[id]; ok {
		entry.active++
	}
	c.mu.Unlock()
}

// Release decrements the live connection count.
func (c *Coordinator) Release(id string) {
	c.mu.Lock()
	if entry, ok := c.pool.entries[id]; ok && entry.active > 0 {
		entry.active--
	}
	c.mu.Unlock()
}
