package scheduler

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/routercore/llmrouter/internal/errcenter"
)

// Strategy names an instance selection policy.
type Strategy string

const (
	StrategyFixed            Strategy = "fixed"
	StrategyWeighted         Strategy = "weighted"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyRandom           Strategy = "random"
	StrategyCustom           Strategy = "custom"
)

// KnownStrategy reports whether s belongs to the closed strategy set.
func KnownStrategy(s Strategy) bool {
	switch s {
	case StrategyFixed, StrategyWeighted, StrategyRoundRobin,
		StrategyLeastConnections, StrategyRandom, StrategyCustom:
		return true
	}
	return false
}

// Picker is a registered custom selection function.
type Picker func(candidates []Entry) (Entry, bool)

var (
	customPickersMu sync.RWMutex
	customPickers   = make(map[string]Picker)
)

// RegisterPicker installs a custom strategy under name.
func RegisterPicker(name string, fn Picker) {
	customPickersMu.Lock()
	customPickers[name] = fn
	customPickersMu.Unlock()
}

// pick selects one entry from the rule's candidates. candidates holds only
// pool members that are not blacklisted; weights come from the rule's refs.
func pick(rule *Rule, candidates []Entry, weights map[string]float64) (Entry, error) {
	if len(candidates) == 0 {
		return Entry{}, errcenter.New(errcenter.CodeNoAvailablePipelines, "scheduler", "no candidate pipeline available")
	}
	switch rule.Strategy {
	case StrategyFixed, "":
		return candidates[0], nil
	case StrategyRoundRobin:
		n := atomic.AddUint64(&rule.rr, 1)
		return candidates[(n-1)%uint64(len(candidates))], nil
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))], nil
	case StrategyLeastConnections:
		best := candidates[0]
		for _, candidate := range candidates[1:] {
			if candidate.active < best.active {
				best = candidate
			}
		}
		return best, nil
	case StrategyWeighted:
		return pickWeighted(candidates, weights)
	case StrategyCustom:
		customPickersMu.RLock()
		fn := customPickers[rule.ID]
		customPickersMu.RUnlock()
		if fn == nil {
			return Entry{}, errcenter.New(errcenter.CodeLoadBalancingFailed, "scheduler", "no custom picker registered for rule "+rule.ID)
		}
		if entry, ok := fn(candidates); ok {
			return entry, nil
		}
		return Entry{}, errcenter.New(errcenter.CodeNoAvailablePipelines, "scheduler", "custom picker returned no pipeline")
	default:
		return Entry{}, errcenter.New(errcenter.CodeLoadBalancingFailed, "scheduler", "unknown strategy "+string(rule.Strategy))
	}
}

// pickWeighted draws proportionally to the remaining weights. Blacklisted
// entries were already filtered out, so dividing by the surviving total
// renormalizes the distribution.
func pickWeighted(candidates []Entry, weights map[string]float64) (Entry, error) {
	total := 0.0
	for _, candidate := range candidates {
		total += weightOf(candidate, weights)
	}
	if total <= 0 {
		// All surviving weights are zero; fall back to uniform.
		return candidates[rand.Intn(len(candidates))], nil
	}
	target := rand.Float64() * total
	for _, candidate := range candidates {
		target -= weightOf(candidate, weights)
		if target < 0 {
			return candidate, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func weightOf(entry Entry, weights map[string]float64) float64 {
	if weights != nil {
		if w, ok := weights[entry.PipelineID]; ok {
			return w
		}
	}
	return entry.Weight
}
