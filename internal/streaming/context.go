package streaming

import (
	"sync"
	"time"
)

// StreamStatus is the lifecycle state of one bridge invocation.
type StreamStatus string

const (
	StatusActive    StreamStatus = "active"
	StatusCompleted StreamStatus = "completed"
	StatusFailed    StreamStatus = "failed"
	StatusCancelled StreamStatus = "cancelled"
)

// StreamContext is the observable record of one in-flight bridge
// invocation.
type StreamContext struct {
	ID            string
	StartedAt     time.Time
	ChunksEmitted int
	TotalChunks   int
	Status        StreamStatus
}

// contextRegistry tracks live StreamContexts. Contexts are removed once
// their stream reaches a terminal status and has been observed, keeping the
// registry bounded by in-flight work.
type contextRegistry struct {
	mu       sync.RWMutex
	contexts map[string]*StreamContext
}

var registry = &contextRegistry{contexts: make(map[string]*StreamContext)}

func (r *contextRegistry) open(id string, total int) *StreamContext {
	sc := &StreamContext{
		ID:          id,
		StartedAt:   time.Now(),
		TotalChunks: total,
		Status:      StatusActive,
	}
	r.mu.Lock()
	r.contexts[id] = sc
	r.mu.Unlock()
	return sc
}

func (r *contextRegistry) emitted(id string) {
	r.mu.Lock()
	if sc, ok := r.contexts[id]; ok {
		sc.ChunksEmitted++
	}
	r.mu.Unlock()
}

func (r *contextRegistry) close(id string, status StreamStatus) {
	r.mu.Lock()
	if sc, ok := r.contexts[id]; ok {
		sc.Status = status
	}
	delete(r.contexts, id)
	r.mu.Unlock()
}

// Track registers an externally driven stream so it shows up alongside
// bridge invocations. total may be 0 when the chunk count is unknown
// upfront. Emitted and Finish advance and retire the record.
func Track(total int) string {
	id := newStreamID()
	registry.open(id, total)
	return id
}

// Emitted bumps the chunk counter of a tracked stream.
func Emitted(id string) { registry.emitted(id) }

// Finish retires a tracked stream with its terminal status.
func Finish(id string, status StreamStatus) { registry.close(id, status) }

// ActiveStreams snapshots the contexts of streams currently in flight.
func ActiveStreams() []StreamContext {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	out := make([]StreamContext, 0, len(registry.contexts))
	for _, sc := range registry.contexts {
		out = append(out, *sc)
	}
	return out
}
