package translator

import "context"

// RequestTransform rewrites a raw client request into the target dialect.
// modelName is the concrete upstream model to write into the translated
// payload; the virtual model named by the client never reaches the wire.
type RequestTransform func(modelName string, rawJSON []byte, stream bool) []byte

// StreamTransform converts one raw upstream SSE line into zero or more
// client-dialect SSE events. state carries converter-private accumulator
// state across calls for a single response; callers pass the same pointer
// for every line of one stream and never inspect it.
type StreamTransform func(ctx context.Context, modelName string, originalReq, translatedReq, rawLine []byte, state *any) []string

// NonStreamTransform converts a complete upstream response body into a
// client-dialect body.
type NonStreamTransform func(ctx context.Context, modelName string, originalReq, translatedReq, rawJSON []byte) string

// ValidateFunc checks a raw payload for structural fitness before or after
// translation.
type ValidateFunc func(rawJSON []byte) error

// ResponseTransform bundles the two response directions of a transformer.
type ResponseTransform struct {
	Stream    StreamTransform
	NonStream NonStreamTransform
}

// Transformer is one registered dialect conversion. Selection among
// transformers claiming the same (Source, Target) pair prefers the highest
// Priority among enabled candidates.
type Transformer struct {
	Name     string
	Source   Format
	Target   Format
	Priority int
	Enabled  bool

	Request  RequestTransform
	Response ResponseTransform

	// ValidateInput runs on every request before translation; registration
	// rejects transformers without one.
	ValidateInput ValidateFunc
	// ValidateOutput optionally checks translated requests; failures are
	// logged, not fatal.
	ValidateOutput ValidateFunc
}

// ConversionPair names one supported (source, target) direction.
type ConversionPair struct {
	Source Format `json:"source"`
	Target Format `json:"target"`
}
