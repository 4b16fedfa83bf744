// Package runtime assembles the configured pipelines and drives request
// execution: pipeline selection through the scheduler, execution through
// the pipeline executor, and the retry/blacklist feedback loop through the
// error center.
package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/pipeline"
	"github.com/routercore/llmrouter/internal/provider"
	"github.com/routercore/llmrouter/internal/scheduler"
	"github.com/routercore/llmrouter/internal/translator"
)

// ChatRequest is one inbound inference request, already read off the wire
// but still in the client's dialect.
type ChatRequest struct {
	RequestID string
	SessionID string
	// Source is the client's wire dialect.
	Source  translator.Format
	Model   string
	Path    string
	Payload []byte
	// Metadata carries header-derived attributes for routing conditions.
	Metadata map[string]string
}

// Service ties the scheduler, the pipeline executor and the error center
// together and owns the per-request retry loop.
type Service struct {
	executor  *pipeline.Executor
	scheduler *scheduler.Scheduler
	center    *errcenter.Center

	mu         sync.RWMutex
	factory    AdapterFactory
	instances  map[string]pipeline.Instance
	maxRetries int
	baseDelay  time.Duration
}

// NewService creates a service around already-constructed collaborators.
// Instances are installed through Apply.
func NewService(executor *pipeline.Executor, sched *scheduler.Scheduler, center *errcenter.Center) *Service {
	return &Service{
		executor:   executor,
		scheduler:  sched,
		center:     center,
		instances:  make(map[string]pipeline.Instance),
		maxRetries: errcenter.DefaultConfig().Retry.MaxRetries,
		baseDelay:  errcenter.DefaultConfig().Retry.BaseDelay,
	}
}

// Scheduler exposes the scheduler for management handlers.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Center exposes the error center for management handlers.
func (s *Service) Center() *errcenter.Center { return s.center }

func (s *Service) instance(pipelineID string) (pipeline.Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[pipelineID]
	return inst, ok
}

// Instances returns a snapshot of the installed pipeline instances.
func (s *Service) Instances() []pipeline.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

// Complete runs one non-streaming request through the scheduler and the
// pipeline, retrying on retryable failures with the error center's delay.
func (s *Service) Complete(ctx context.Context, req ChatRequest) (pipeline.Result, error) {
	var lastErr error
	s.mu.RLock()
	maxRetries, baseDelay := s.maxRetries, s.baseDelay
	s.mu.RUnlock()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		entry, inst, err := s.pick(req)
		if err != nil {
			if lastErr != nil {
				return pipeline.Result{}, lastErr
			}
			return pipeline.Result{}, err
		}

		s.scheduler.Acquire(entry.PipelineID)
		result, execErr := s.executor.Execute(ctx, s.pipelineRequest(req, attempt, false), inst)
		s.scheduler.Release(entry.PipelineID)

		action := s.scheduler.ReportResult(s.center, entry.PipelineID, inst.InstanceID, asPipelineError(execErr), attempt)
		if execErr == nil {
			return result, nil
		}
		lastErr = execErr
		log.WithFields(log.Fields{
			"pipeline": entry.PipelineID,
			"attempt":  attempt,
			"error":    execErr,
		}).Warn("pipeline execution failed")

		if !action.ShouldRetry || attempt == maxRetries {
			break
		}
		if err := sleepCtx(ctx, retryDelay(action.RetryDelay, baseDelay)); err != nil {
			return pipeline.Result{}, s.cancelled(ctx)
		}
	}
	return pipeline.Result{}, lastErr
}

// Stream runs one streaming request. Setup failures retry like Complete;
// once the upstream stream is open, events flow to the caller and failures
// mid-stream terminate it.
func (s *Service) Stream(ctx context.Context, req ChatRequest) (*pipeline.StreamResult, error) {
	var lastErr error
	s.mu.RLock()
	maxRetries, baseDelay := s.maxRetries, s.baseDelay
	s.mu.RUnlock()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		entry, inst, err := s.pick(req)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		s.scheduler.Acquire(entry.PipelineID)
		stream, execErr := s.executor.ExecuteStream(ctx, s.pipelineRequest(req, attempt, true), inst)
		if execErr == nil {
			// The upstream accepted the stream; count it as a recovery
			// signal and release the slot when the stream drains.
			s.scheduler.ReportResult(s.center, entry.PipelineID, inst.InstanceID, nil, attempt)
			return s.releaseOnDrain(entry.PipelineID, stream), nil
		}
		s.scheduler.Release(entry.PipelineID)

		action := s.scheduler.ReportResult(s.center, entry.PipelineID, inst.InstanceID, asPipelineError(execErr), attempt)
		lastErr = execErr
		log.WithFields(log.Fields{
			"pipeline": entry.PipelineID,
			"attempt":  attempt,
			"error":    execErr,
		}).Warn("stream start failed")

		if !action.ShouldRetry || attempt == maxRetries {
			break
		}
		if err := sleepCtx(ctx, retryDelay(action.RetryDelay, baseDelay)); err != nil {
			return nil, s.cancelled(ctx)
		}
	}
	return nil, lastErr
}

func retryDelay(actionDelay, baseDelay time.Duration) time.Duration {
	if actionDelay > 0 {
		return actionDelay
	}
	return baseDelay
}

// TokenCounter is implemented by adapters that can count tokens locally.
type TokenCounter interface {
	CountTokens(req provider.Request) (provider.Response, error)
}

// CountTokens estimates prompt tokens for req through the pipeline the
// scheduler would select for it.
func (s *Service) CountTokens(req ChatRequest) ([]byte, error) {
	_, inst, err := s.pick(req)
	if err != nil {
		return nil, err
	}
	counter, ok := inst.Adapter.(TokenCounter)
	if !ok {
		return nil, errcenter.New(errcenter.CodePipelineInvalidState, "runtime",
			"selected pipeline does not support token counting").WithPipeline(inst.PipelineID, inst.InstanceID)
	}
	resp, err := counter.CountTokens(provider.Request{Model: req.Model, Payload: req.Payload})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (s *Service) pick(req ChatRequest) (scheduler.Entry, pipeline.Instance, error) {
	entry, err := s.scheduler.Select(scheduler.Request{
		Model:     req.Model,
		SessionID: req.SessionID,
		Path:      req.Path,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return scheduler.Entry{}, pipeline.Instance{}, err
	}
	inst, ok := s.instance(entry.PipelineID)
	if !ok {
		// Pool and instance table diverged mid-reload. Treat as
		// unavailable rather than crashing the request.
		return scheduler.Entry{}, pipeline.Instance{}, errcenter.New(
			errcenter.CodeNoAvailablePipelines, "runtime",
			"selected pipeline has no installed instance").WithPipeline(entry.PipelineID, entry.InstanceID)
	}
	return entry, inst, nil
}

func (s *Service) pipelineRequest(req ChatRequest, attempt int, stream bool) pipeline.Request {
	return pipeline.Request{
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
		Source:     req.Source,
		Model:      req.Model,
		Payload:    req.Payload,
		Stream:     stream,
		RetryCount: attempt,
	}
}

// releaseOnDrain forwards stream events and releases the connection slot
// when the upstream channel closes.
func (s *Service) releaseOnDrain(pipelineID string, stream *pipeline.StreamResult) *pipeline.StreamResult {
	events := make(chan pipeline.StreamEvent)
	go func() {
		defer close(events)
		defer s.scheduler.Release(pipelineID)
		for ev := range stream.Events {
			events <- ev
		}
	}()
	return &pipeline.StreamResult{Events: events, Context: stream.Context}
}

func (s *Service) cancelled(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errcenter.New(errcenter.CodeExecutionTimeout, "runtime", "execution deadline exceeded while awaiting retry")
	}
	return errcenter.New(errcenter.CodeExecutionCancelled, "runtime", "request cancelled while awaiting retry")
}

func asPipelineError(err error) *errcenter.PipelineError {
	if err == nil {
		return nil
	}
	var perr *errcenter.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	return errcenter.New(errcenter.CodeExecutionFailed, "runtime", err.Error())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
