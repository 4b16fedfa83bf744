package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage names one step of the execution chain.
type Stage string

const (
	StageProtocolSwitch Stage = "protocol_switch"
	StageStreaming      Stage = "streaming_adapter"
	StageCompat         Stage = "compatibility_mapper"
	StageProvider       Stage = "provider_adapter"
)

// ExecutionContext carries the identity and progress of one request through
// the chain. It is created per execution and never reused.
type ExecutionContext struct {
	ExecutionID  string
	RequestID    string
	SessionID    string
	PipelineID   string
	InstanceID   string
	StartEpochMs int64
	RetryCount   int

	mu      sync.Mutex
	stage   Stage
	timings map[Stage]time.Duration
}

func newExecutionContext(req Request, inst Instance) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID:  uuid.New().String(),
		RequestID:    req.RequestID,
		SessionID:    req.SessionID,
		PipelineID:   inst.PipelineID,
		InstanceID:   inst.InstanceID,
		StartEpochMs: time.Now().UnixMilli(),
		RetryCount:   req.RetryCount,
		timings:      make(map[Stage]time.Duration),
	}
}

// Stage reports the stage the execution is currently in.
func (ec *ExecutionContext) Stage() Stage {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.stage
}

// Timings snapshots the per-stage durations recorded so far.
func (ec *ExecutionContext) Timings() map[Stage]time.Duration {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[Stage]time.Duration, len(ec.timings))
	for stage, d := range ec.timings {
		out[stage] = d
	}
	return out
}

// enter marks the current stage and returns a func that records its
// duration when the stage finishes.
func (ec *ExecutionContext) enter(stage Stage) func() {
	ec.mu.Lock()
	ec.stage = stage
	ec.mu.Unlock()
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		ec.mu.Lock()
		ec.timings[stage] += elapsed
		ec.mu.Unlock()
	}
}
