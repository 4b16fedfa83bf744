// Package scheduler decides which pipeline instance serves a request:
// routing rules pick a candidate group, a load-balancing strategy picks the
// instance, and the deduplication coordinator keeps the pool and the
// blacklist disjoint.
package scheduler

// Status is the availability state of a pool entry.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Entry is one (provider, model) pipeline registered with the scheduler.
type Entry struct {
	PipelineID string
	InstanceID string
	Provider   string
	Model      string
	Weight     float64
	Status     Status
	Blacklisted bool

	// active is the live connection count used by least_connections.
	active int
}

// ActiveConnections reports the live connection count.
func (e Entry) ActiveConnections() int { return e.active }

// pool is the available-pipeline set. It carries no lock of its own: every
// access goes through the coordinator's single lock so cross-set updates
// with the blacklist stay atomic.
type pool struct {
	entries map[string]*Entry
	order   []string
}

func newPool() *pool {
	return &pool{entries: make(map[string]*Entry)}
}

func (p *pool) add(entry Entry) {
	if _, ok := p.entries[entry.PipelineID]; !ok {
		p.order = append(p.order, entry.PipelineID)
	}
	e := entry
	p.entries[entry.PipelineID] = &e
}

func (p *pool) remove(id string) bool {
	if _, ok := p.entries[id]; !ok {
		return false
	}
	delete(p.entries, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

func (p *pool) contains(id string) bool {
	_, ok := p.entries[id]
	return ok
}

// snapshot copies the entries in insertion order.
func (p *pool) snapshot() []Entry {
	out := make([]Entry, 0, len(p.order))
	for _, id := range p.order {
		if entry, ok := p.entries[id]; ok {
			out = append(out, *entry)
		}
	}
	return out
}
