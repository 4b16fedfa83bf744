package scheduler

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LogicalOperator combines a condition with the running result.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// Condition is one predicate over the request attributes.
type Condition struct {
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    string          `json:"value"`
	// Values feeds the in / not_in operators.
	Values []string `json:"values,omitempty"`
	// LogicalOperator joins this condition with the result so far; the
	// first condition's operator is ignored. Empty means and.
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
	// Ref names a registered custom matcher for operator "custom".
	Ref string `json:"ref,omitempty"`
}

// Rule routes matching requests to a candidate pipeline group.
type Rule struct {
	ID         string      `json:"id"`
	Enabled    bool        `json:"enabled"`
	Priority   int         `json:"priority"`
	Conditions []Condition `json:"conditions"`
	Strategy   Strategy    `json:"strategy"`
	// Pipelines lists the candidate pipeline ids, with optional per-rule
	// weights for the weighted strategy.
	Pipelines []PipelineRef `json:"pipelines"`

	// insertion preserves configuration order for the priority tie-break.
	insertion int
	// rr is the round-robin cursor, owned by the selection path.
	rr uint64
}

// PipelineRef points a rule at one pipeline with its selection weight.
type PipelineRef struct {
	PipelineID string  `json:"pipelineId"`
	Weight     float64 `json:"weight,omitempty"`
}

// ConditionMatcher is a registered custom predicate.
type ConditionMatcher func(value string, cond Condition) bool

var (
	customConditionsMu sync.RWMutex
	customConditions   = make(map[string]ConditionMatcher)
)

// RegisterCondition installs a custom condition matcher under name.
func RegisterCondition(name string, fn ConditionMatcher) {
	customConditionsMu.Lock()
	customConditions[name] = fn
	customConditionsMu.Unlock()
}

// Operators forming the closed set rule conditions may use.
var conditionOperators = map[string]struct{}{
	"equals": {}, "not_equals": {},
	"contains": {}, "not_contains": {},
	"starts_with": {}, "ends_with": {},
	"greater_than": {}, "less_than": {},
	"greater_or_equal": {}, "less_or_equal": {},
	"in": {}, "not_in": {},
	"regex": {}, "custom": {},
}

// KnownOperator reports whether op belongs to the condition operator set.
func KnownOperator(op string) bool {
	_, ok := conditionOperators[op]
	return ok
}

// sortRules orders rules for evaluation: enabled only, priority descending,
// insertion order on ties.
func sortRules(rules []*Rule) []*Rule {
	out := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].insertion < out[j].insertion
	})
	return out
}

// matches evaluates the rule's conditions left to right, each combined with
// the running result by its own logical operator. No conditions means the
// rule matches everything.
func (r *Rule) matches(attrs map[string]string) bool {
	if len(r.Conditions) == 0 {
		return true
	}
	result := evalCondition(r.Conditions[0], attrs)
	for _, cond := range r.Conditions[1:] {
		if cond.LogicalOperator == LogicalOr {
			result = result || evalCondition(cond, attrs)
		} else {
			result = result && evalCondition(cond, attrs)
		}
	}
	return result
}

func evalCondition(cond Condition, attrs map[string]string) bool {
	value, present := attrs[cond.Field]
	switch cond.Operator {
	case "equals":
		return present && value == cond.Value
	case "not_equals":
		return !present || value != cond.Value
	case "contains":
		return present && strings.Contains(value, cond.Value)
	case "not_contains":
		return !present || !strings.Contains(value, cond.Value)
	case "starts_with":
		return present && strings.HasPrefix(value, cond.Value)
	case "ends_with":
		return present && strings.HasSuffix(value, cond.Value)
	case "greater_than", "less_than", "greater_or_equal", "less_or_equal":
		return present && compareNumeric(cond.Operator, value, cond.Value)
	case "in":
		return present && containsString(cond.Values, value)
	case "not_in":
		return !present || !containsString(cond.Values, value)
	case "regex":
		if !present {
			return false
		}
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			log.Warnf("routing rule regex %q does not compile: %v", cond.Value, err)
			return false
		}
		return re.MatchString(value)
	case "custom":
		customConditionsMu.RLock()
		fn := customConditions[cond.Ref]
		customConditionsMu.RUnlock()
		if fn == nil {
			log.Warnf("routing rule references unregistered custom condition %q", cond.Ref)
			return false
		}
		return fn(value, cond)
	default:
		return false
	}
}

func compareNumeric(op, left, right string) bool {
	l, errL := strconv.ParseFloat(left, 64)
	r, errR := strconv.ParseFloat(right, 64)
	if errL != nil || errR != nil {
		return false
	}
	switch op {
	case "greater_than":
		return l > r
	case "less_than":
		return l < r
	case "greater_or_equal":
		return l >= r
	case "less_or_equal":
		return l <= r
	}
	return false
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
