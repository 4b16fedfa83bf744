// Package pipeline composes the four-stage execution chain for a single
// request against a chosen instance: protocol switch, streaming conformance,
// compatibility mapping, then the provider round trip, with the reverse
// chain applied on the way back.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/routercore/llmrouter/internal/compat"
	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/provider"
	"github.com/routercore/llmrouter/internal/streaming"
	"github.com/routercore/llmrouter/internal/translator"
)

// DefaultExecutionTimeout is the wall-clock budget for one execution.
const DefaultExecutionTimeout = 30 * time.Second

// Provider is the slice of the provider adapter the executor needs.
type Provider interface {
	Execute(ctx context.Context, req provider.Request) (provider.Response, error)
	ExecuteStream(ctx context.Context, req provider.Request) (*provider.StreamResult, error)
}

// Instance binds one upstream endpoint into the chain.
type Instance struct {
	PipelineID string
	InstanceID string
	// Target is the upstream wire dialect the protocol switch converts to.
	Target translator.Format
	// Protocol selects the compatibility mapper's overlay; empty applies
	// only the base mappings.
	Protocol string
	// SupportsStreaming marks upstreams that accept SSE requests.
	SupportsStreaming bool
	// StreamingOnly marks upstreams that refuse stream=false; responses
	// for non-streaming clients are collected from the stream.
	StreamingOnly bool
	Adapter       Provider
}

// Request is one client request entering the chain.
type Request struct {
	RequestID  string
	SessionID  string
	Source     translator.Format
	Model      string
	Payload    []byte
	Stream     bool
	RetryCount int
}

// Result is a completed non-streaming execution.
type Result struct {
	Payload []byte
	Context *ExecutionContext
}

// StreamEvent is one translated stream fragment or a terminal error.
type StreamEvent struct {
	Data string
	Err  error
}

// StreamResult is a streaming execution in flight. Events is closed when
// the stream ends; a terminal error arrives as the last event.
type StreamResult struct {
	Events  <-chan StreamEvent
	Context *ExecutionContext
}

// Executor runs the chain. It is stateless per call and safe for
// concurrent use; parallelism is bounded by the scheduler above it.
type Executor struct {
	translators *translator.Registry
	mapper      *compat.Mapper
	timeout     time.Duration
}

// NewExecutor wires the chain's shared stages. mapper may be nil when no
// compatibility table is configured.
func NewExecutor(translators *translator.Registry, mapper *compat.Mapper, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	return &Executor{translators: translators, mapper: mapper, timeout: timeout}
}

// Execute runs a non-streaming request through the chain.
func (e *Executor) Execute(ctx context.Context, req Request, inst Instance) (Result, error) {
	ec := newExecutionContext(req, inst)
	ctx, cancel := context.WithDeadline(ctx, time.UnixMilli(ec.StartEpochMs).Add(e.timeout))
	defer cancel()

	translated, err := e.switchRequest(ec, req, inst, false)
	if err != nil {
		return Result{Context: ec}, err
	}
	mapped, err := e.mapRequest(ec, inst, translated)
	if err != nil {
		return Result{Context: ec}, err
	}

	var body []byte
	if inst.StreamingOnly {
		body, err = e.collectStream(ctx, ec, inst, req, mapped)
	} else {
		body, err = e.callProvider(ctx, ec, inst, req, mapped)
	}
	if err != nil {
		return Result{Context: ec}, e.classify(ctx, ec, err)
	}

	body, err = e.mapResponse(ec, inst, body)
	if err != nil {
		return Result{Context: ec}, err
	}

	done := ec.enter(StageProtocolSwitch)
	out := e.translators.TranslateNonStream(ctx, inst.Target, req.Source, req.Model, req.Payload, translated, body)
	done()
	return Result{Payload: []byte(out), Context: ec}, nil
}

// ExecuteStream runs a streaming request through the chain. Upstreams
// without streaming support are executed non-streaming and replayed as a
// single event.
func (e *Executor) ExecuteStream(ctx context.Context, req Request, inst Instance) (*StreamResult, error) {
	ec := newExecutionContext(req, inst)
	ctx, cancel := context.WithDeadline(ctx, time.UnixMilli(ec.StartEpochMs).Add(e.timeout))

	translated, err := e.switchRequest(ec, req, inst, true)
	if err != nil {
		cancel()
		return nil, err
	}
	mapped, err := e.mapRequest(ec, inst, translated)
	if err != nil {
		cancel()
		return nil, err
	}

	if !inst.SupportsStreaming && !inst.StreamingOnly {
		return e.simulateStream(ctx, cancel, ec, req, inst, translated, mapped)
	}

	doneProvider := ec.enter(StageProvider)
	upstream, err := inst.Adapter.ExecuteStream(ctx, provider.Request{Model: req.Model, Payload: mapped})
	if err != nil {
		doneProvider()
		cancel()
		return nil, e.classify(ctx, ec, err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer cancel()
		defer doneProvider()

		streamID := streaming.Track(0)
		status := streaming.StatusCompleted
		defer func() { streaming.Finish(streamID, status) }()

		var state any
		emit := func(lines []string) bool {
			for _, line := range lines {
				select {
				case events <- StreamEvent{Data: line}:
					streaming.Emitted(streamID)
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for chunk := range upstream.Chunks {
			if chunk.Err != nil {
				status = streaming.StatusFailed
				select {
				case events <- StreamEvent{Err: e.classify(ctx, ec, chunk.Err)}:
				case <-ctx.Done():
				}
				return
			}
			line := append([]byte("data: "), chunk.Payload...)
			if !emit(e.translators.TranslateStream(ctx, inst.Target, req.Source, req.Model, req.Payload, translated, line, &state)) {
				status = streaming.StatusCancelled
				return
			}
		}
		emit(e.translators.TranslateStream(ctx, inst.Target, req.Source, req.Model, req.Payload, translated, []byte("data: [DONE]"), &state))
	}()

	return &StreamResult{Events: events, Context: ec}, nil
}

// simulateStream serves a streaming client from a non-streaming upstream:
// one terminal event carrying the translated body.
func (e *Executor) simulateStream(ctx context.Context, cancel context.CancelFunc, ec *ExecutionContext, req Request, inst Instance, translated, mapped []byte) (*StreamResult, error) {
	body, err := e.callProvider(ctx, ec, inst, req, mapped)
	if err != nil {
		cancel()
		return nil, e.classify(ctx, ec, err)
	}
	body, err = e.mapResponse(ec, inst, body)
	if err != nil {
		cancel()
		return nil, err
	}

	doneSwitch := ec.enter(StageProtocolSwitch)
	out := e.translators.TranslateNonStream(ctx, inst.Target, req.Source, req.Model, req.Payload, translated, body)
	doneSwitch()

	events := make(chan StreamEvent, 1)
	doneStreaming := ec.enter(StageStreaming)
	streamID := streaming.Track(1)
	events <- StreamEvent{Data: out}
	streaming.Emitted(streamID)
	streaming.Finish(streamID, streaming.StatusCompleted)
	doneStreaming()
	close(events)
	cancel()

	return &StreamResult{Events: events, Context: ec}, nil
}

func (e *Executor) switchRequest(ec *ExecutionContext, req Request, inst Instance, stream bool) ([]byte, error) {
	done := ec.enter(StageProtocolSwitch)
	defer done()

	translated, err := e.translators.TranslateRequest(req.Source, inst.Target, req.Model, req.Payload, stream)
	if err != nil {
		code := errcenter.CodeDataValidationFailed
		if errors.Is(err, translator.ErrNoTransformer) {
			code = errcenter.CodeProtocolError
		}
		return nil, errcenter.Wrap(code, "protocol_switch", err).WithPipeline(ec.PipelineID, ec.InstanceID)
	}
	return translated, nil
}

func (e *Executor) mapRequest(ec *ExecutionContext, inst Instance, payload []byte) ([]byte, error) {
	if e.mapper == nil {
		return payload, nil
	}
	done := ec.enter(StageCompat)
	defer done()

	mapped, err := e.mapper.Apply(inst.Protocol, compat.DirectionRequest, payload)
	if err != nil {
		return nil, e.compatError(ec, err)
	}
	return mapped, nil
}

// mapResponse applies the response-direction mappings. Bodies that are not
// JSON objects (collected SSE logs) skip the mapper.
func (e *Executor) mapResponse(ec *ExecutionContext, inst Instance, body []byte) ([]byte, error) {
	if e.mapper == nil || !gjson.ParseBytes(body).IsObject() {
		return body, nil
	}
	done := ec.enter(StageCompat)
	defer done()

	mapped, err := e.mapper.Apply(inst.Protocol, compat.DirectionResponse, body)
	if err != nil {
		return nil, e.compatError(ec, err)
	}
	return mapped, nil
}

func (e *Executor) compatError(ec *ExecutionContext, err error) error {
	var perr *errcenter.PipelineError
	if errors.As(err, &perr) {
		return perr.WithPipeline(ec.PipelineID, ec.InstanceID)
	}
	return errcenter.Wrap(errcenter.CodeDataInvalidFormat, "compatibility_mapper", err).WithPipeline(ec.PipelineID, ec.InstanceID)
}

func (e *Executor) callProvider(ctx context.Context, ec *ExecutionContext, inst Instance, req Request, payload []byte) ([]byte, error) {
	done := ec.enter(StageProvider)
	defer done()

	resp, err := inst.Adapter.Execute(ctx, provider.Request{Model: req.Model, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// collectStream drives a streaming-only upstream to completion and rebuilds
// an SSE log the translators can replay into a non-streaming body.
func (e *Executor) collectStream(ctx context.Context, ec *ExecutionContext, inst Instance, req Request, payload []byte) ([]byte, error) {
	doneProvider := ec.enter(StageProvider)
	upstream, err := inst.Adapter.ExecuteStream(ctx, provider.Request{Model: req.Model, Payload: payload})
	if err != nil {
		doneProvider()
		return nil, err
	}

	var lines []string
	for chunk := range upstream.Chunks {
		if chunk.Err != nil {
			doneProvider()
			return nil, chunk.Err
		}
		lines = append(lines, "data: "+string(chunk.Payload))
	}
	doneProvider()

	doneStreaming := ec.enter(StageStreaming)
	defer doneStreaming()
	if len(lines) == 0 {
		return nil, errcenter.New(errcenter.CodeProtocolError, "streaming_adapter", "upstream stream produced no chunks").
			WithPipeline(ec.PipelineID, ec.InstanceID)
	}
	log.Debugf("collected %d chunks from streaming-only upstream %s", len(lines), inst.InstanceID)
	return []byte(strings.Join(lines, "\n\n") + "\n\n"), nil
}

// classify pins an execution failure to the taxonomy, upgrading context
// expiry to the chain-level timeout code.
func (e *Executor) classify(ctx context.Context, ec *ExecutionContext, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errcenter.Wrap(errcenter.CodeExecutionTimeout, "pipeline", err).WithPipeline(ec.PipelineID, ec.InstanceID)
	case errors.Is(ctx.Err(), context.Canceled):
		return errcenter.Wrap(errcenter.CodeExecutionCancelled, "pipeline", err).WithPipeline(ec.PipelineID, ec.InstanceID)
	}
	var perr *errcenter.PipelineError
	if errors.As(err, &perr) {
		return perr.WithPipeline(ec.PipelineID, ec.InstanceID)
	}
	return errcenter.Wrap(errcenter.CodeExecutionFailed, "pipeline", err).WithPipeline(ec.PipelineID, ec.InstanceID)
}
