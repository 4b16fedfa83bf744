package scheduler

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/errcenter"
)

// DefaultStickyTTL pins a session to its pipeline for this long after the
// last request.
const DefaultStickyTTL = 10 * time.Minute

// Request carries the attributes routing rules evaluate.
type Request struct {
	Model     string
	SessionID string
	Path      string
	// Metadata holds extra attributes (headers, client tags) addressable
	// from rule conditions by key.
	Metadata map[string]string
}

func (r Request) attrs() map[string]string {
	attrs := make(map[string]string, len(r.Metadata)+3)
	for k, v := range r.Metadata {
		attrs[k] = v
	}
	attrs["model"] = r.Model
	attrs["sessionId"] = r.SessionID
	attrs["path"] = r.Path
	return attrs
}

type stickyEntry struct {
	pipelineID string
	expiresAt  time.Time
}

// Scheduler evaluates routing rules against incoming requests and picks an
// instance via the rule's strategy. Blacklisted pipelines never appear in
// the candidate set; their weight share is redistributed.
type Scheduler struct {
	coordinator *Coordinator
	stickyTTL   time.Duration

	mu       sync.Mutex
	rules    []*Rule
	fallback *Rule
	sticky   map[string]stickyEntry
}

// New builds a scheduler over the coordinator's pool. stickyTTL <= 0 uses
// the default.
func New(coordinator *Coordinator, stickyTTL time.Duration) *Scheduler {
	if stickyTTL <= 0 {
		stickyTTL = DefaultStickyTTL
	}
	return &Scheduler{
		coordinator: coordinator,
		stickyTTL:   stickyTTL,
		sticky:      make(map[string]stickyEntry),
	}
}

// SetRules replaces the rule set; insertion order breaks priority ties. The
// fallback rule applies when no rule matches; nil falls back to the whole
// pool round-robin.
func (s *Scheduler) SetRules(rules []Rule, fallback *Rule) {
	prepared := make([]*Rule, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.insertion = i
		prepared[i] = &rule
	}
	s.mu.Lock()
	s.rules = sortRules(prepared)
	s.fallback = fallback
	s.mu.Unlock()
}

// Coordinator exposes the dedup coordinator for pool management.
func (s *Scheduler) Coordinator() *Coordinator { return s.coordinator }

// Select picks the instance serving req. Sticky sessions re-use the pinned
// pipeline while it remains selectable; first matching rule wins otherwise.
func (s *Scheduler) Select(req Request) (Entry, error) {
	if entry, ok := s.stickyLookup(req.SessionID); ok {
		return entry, nil
	}

	attrs := req.attrs()
	s.mu.Lock()
	rules := s.rules
	fallback := s.fallback
	s.mu.Unlock()

	var matched *Rule
	for _, rule := range rules {
		if rule.matches(attrs) {
			matched = rule
			break
		}
	}
	if matched == nil {
		matched = fallback
	}

	entry, err := s.selectFromRule(matched)
	if err != nil {
		return Entry{}, err
	}
	s.stickyPin(req.SessionID, entry.PipelineID)
	return entry, nil
}

// selectFromRule reduces the rule's pipeline refs to selectable pool
// entries and applies the strategy. A nil rule considers the whole pool.
func (s *Scheduler) selectFromRule(rule *Rule) (Entry, error) {
	if rule == nil {
		rule = &Rule{Strategy: StrategyRoundRobin}
		all := s.selectable(nil)
		return pick(rule, all, nil)
	}

	var ids map[string]struct{}
	weights := make(map[string]float64, len(rule.Pipelines))
	if len(rule.Pipelines) > 0 {
		ids = make(map[string]struct{}, len(rule.Pipelines))
		for _, ref := range rule.Pipelines {
			ids[ref.PipelineID] = struct{}{}
			if ref.Weight > 0 {
				weights[ref.PipelineID] = ref.Weight
			}
		}
	}
	return pick(rule, s.selectable(ids), weights)
}

// selectable filters the pool snapshot down to entries that may serve a
// request right now. ids nil means every pool entry is considered.
func (s *Scheduler) selectable(ids map[string]struct{}) []Entry {
	candidates := s.coordinator.Candidates()
	out := candidates[:0]
	for _, candidate := range candidates {
		if ids != nil {
			if _, ok := ids[candidate.PipelineID]; !ok {
				continue
			}
		}
		if candidate.Status != StatusActive || candidate.Blacklisted {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

func (s *Scheduler) stickyLookup(sessionID string) (Entry, bool) {
	if sessionID == "" {
		return Entry{}, false
	}
	s.mu.Lock()
	pinned, ok := s.sticky[sessionID]
	if ok && time.Now().After(pinned.expiresAt) {
		delete(s.sticky, sessionID)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	entry, live := s.coordinator.Lookup(pinned.pipelineID)
	if !live || entry.Status != StatusActive || entry.Blacklisted {
		s.mu.Lock()
		delete(s.sticky, sessionID)
		s.mu.Unlock()
		return Entry{}, false
	}
	s.stickyPin(sessionID, pinned.pipelineID)
	return entry, true
}

func (s *Scheduler) stickyPin(sessionID, pipelineID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	s.sticky[sessionID] = stickyEntry{pipelineID: pipelineID, expiresAt: time.Now().Add(s.stickyTTL)}
	s.mu.Unlock()
}

// Acquire marks the start of a request against a pipeline.
func (s *Scheduler) Acquire(id string) { s.coordinator.Acquire(id) }

// Release marks the end of a request against a pipeline.
func (s *Scheduler) Release(id string) { s.coordinator.Release(id) }

// ReportResult feeds an execution outcome back: failures route through the
// error center's action policy, successes act as the recovery signal.
func (s *Scheduler) ReportResult(center *errcenter.Center, pipelineID, instanceID string, execErr *errcenter.PipelineError, attempt int) errcenter.Action {
	if execErr == nil {
		center.HandleExecutionResult(true, errcenter.RequestState{PipelineID: pipelineID, InstanceID: instanceID})
		return errcenter.Action{Kind: errcenter.ActionIgnore}
	}
	action := center.HandleError(execErr, errcenter.RequestState{
		PipelineID: pipelineID,
		InstanceID: instanceID,
		RetryCount: attempt,
	})
	switch action.Kind {
	case errcenter.ActionBlacklistTemporary, errcenter.ActionBlacklistPermanent:
		// Auth failures are blacklisted by the center itself before the
		// action is returned; re-adding here would reset the expiry window.
		if !center.IsBlacklisted(pipelineID) {
			center.Blacklist(pipelineID, instanceID, execErr, 0, action.Kind == errcenter.ActionBlacklistPermanent)
		}
	default:
		log.Debugf("scheduler: action %s for pipeline %s", action.Kind, pipelineID)
	}
	return action
}
