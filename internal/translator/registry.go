package translator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrNoTransformer is wrapped into errors returned when a request names a
// conversion no registered transformer supports.
var ErrNoTransformer = fmt.Errorf("translator: no transformer for conversion")

// Registry holds registered transformers and answers translation requests.
// It is safe for concurrent use; registration normally happens once at
// startup but hot-reload may add transformers while requests are in flight.
type Registry struct {
	mu           sync.RWMutex
	transformers map[ConversionPair][]*Transformer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{transformers: make(map[ConversionPair][]*Transformer)}
}

// Register adds a transformer. Transformers for request translation must
// carry an input validator; requests are never forwarded unchecked.
func (r *Registry) Register(t *Transformer) error {
	if t == nil {
		return fmt.Errorf("translator: register nil transformer")
	}
	if t.Name == "" {
		return fmt.Errorf("translator: transformer requires a name")
	}
	if !Known(t.Source) || !Known(t.Target) {
		return fmt.Errorf("translator: %s registers unknown format pair %s->%s", t.Name, t.Source, t.Target)
	}
	if t.ValidateInput == nil {
		return fmt.Errorf("translator: %s registers without an input validator", t.Name)
	}

	pair := ConversionPair{Source: t.Source, Target: t.Target}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[pair] = append(r.transformers[pair], t)
	sort.SliceStable(r.transformers[pair], func(i, j int) bool {
		return r.transformers[pair][i].Priority > r.transformers[pair][j].Priority
	})
	return nil
}

// lookup returns the highest-priority enabled transformer for the pair, or
// nil when none qualifies.
func (r *Registry) lookup(from, to Format) *Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.transformers[ConversionPair{Source: from, Target: to}] {
		if t.Enabled {
			return t
		}
	}
	return nil
}

// SupportedConversions lists every (source, target) pair with at least one
// enabled transformer, in deterministic order.
func (r *Registry) SupportedConversions() []ConversionPair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var pairs []ConversionPair
	for pair, list := range r.transformers {
		for _, t := range list {
			if t.Enabled {
				pairs = append(pairs, pair)
				break
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Source != pairs[j].Source {
			return pairs[i].Source < pairs[j].Source
		}
		return pairs[i].Target < pairs[j].Target
	})
	return pairs
}

// TranslateRequest converts a raw client request from one dialect to
// another. Identity conversions pass through untouched. Anything else must
// match a registered transformer and survive its input validation; ingress
// is strict because a malformed request forwarded upstream surfaces as an
// opaque provider error instead of a 400.
func (r *Registry) TranslateRequest(from, to Format, modelName string, rawJSON []byte, stream bool) ([]byte, error) {
	if from == to {
		return rawJSON, nil
	}
	t := r.lookup(from, to)
	if t == nil {
		return nil, fmt.Errorf("%w: %s->%s", ErrNoTransformer, from, to)
	}
	if err := t.ValidateInput(rawJSON); err != nil {
		return nil, fmt.Errorf("translator: %s rejected input: %w", t.Name, err)
	}
	out := rawJSON
	if t.Request != nil {
		out = t.Request(modelName, rawJSON, stream)
	}
	if t.ValidateOutput != nil {
		if err := t.ValidateOutput(out); err != nil {
			log.WithField("transformer", t.Name).Warnf("translated request failed output validation: %v", err)
		}
	}
	return out, nil
}

// TranslateStream converts one upstream SSE line back into the client's
// dialect. When no transformer matches, the line is forwarded verbatim;
// egress stays lenient so an unknown pairing degrades to pass-through
// rather than a dropped response.
func (r *Registry) TranslateStream(ctx context.Context, from, to Format, modelName string, originalReq, translatedReq, rawLine []byte, state *any) []string {
	if from == to {
		return []string{string(rawLine)}
	}
	t := r.lookup(from, to)
	if t == nil || t.Response.Stream == nil {
		return []string{string(rawLine)}
	}
	return t.Response.Stream(ctx, modelName, originalReq, translatedReq, rawLine, state)
}

// TranslateNonStream converts a complete upstream response body back into
// the client's dialect, passing through when no transformer matches.
func (r *Registry) TranslateNonStream(ctx context.Context, from, to Format, modelName string, originalReq, translatedReq, rawJSON []byte) string {
	if from == to {
		return string(rawJSON)
	}
	t := r.lookup(from, to)
	if t == nil || t.Response.NonStream == nil {
		return string(rawJSON)
	}
	return t.Response.NonStream(ctx, modelName, originalReq, translatedReq, rawJSON)
}

// NeedTranslate reports whether a request moving from one dialect to
// another requires transformation. OpenAI-compatible dialects share a wire
// shape, so movement between them is an identity at this layer.
func NeedTranslate(from, to Format) bool {
	if from == to {
		return false
	}
	return !(openAICompatible(from) && openAICompatible(to))
}
