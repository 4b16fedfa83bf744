package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/routercore/llmrouter/internal/tokenstore"
)

// ActionTaken reports which recovery step the handler performed.
type ActionTaken string

const (
	ActionNone    ActionTaken = "none"
	ActionRefresh ActionTaken = "refresh"
	ActionReauth  ActionTaken = "reauth"
)

// Result is the outcome of a recovery attempt.
type Result struct {
	OK     bool
	Action ActionTaken
	Handle *tokenstore.Handle
}

// RefreshFunc refreshes the handle in place.
type RefreshFunc func(ctx context.Context, handle *tokenstore.Handle) error

// ReauthFunc performs a full re-enrollment and returns a fresh handle.
type ReauthFunc func(ctx context.Context) (*tokenstore.Handle, error)

// ProbeFunc checks upstream reachability for health reporting.
type ProbeFunc func(ctx context.Context) error

// HealthStatus grades a credential's health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthWarning   HealthStatus = "warning"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthReport is the result of EnhancedHealthCheck.
type HealthReport struct {
	Status      HealthStatus
	NeedsReauth bool
	TokenStatus string
}

// HandlerConfig tunes the recovery state machine.
type HandlerConfig struct {
	// MaxRefreshAttempts bounds consecutive failed refreshes before the
	// handler escalates to re-authentication. Default 3.
	MaxRefreshAttempts int
	// ReauthTimeout is the hard deadline for a re-enrollment. Default 300s.
	ReauthTimeout time.Duration
	// AutoReauth permits escalation to the interactive reauth flow.
	AutoReauth bool
	// SafetyMargin for validity checks. Default 30s.
	SafetyMargin time.Duration
	// Persist saves the handle after successful mutation. Optional.
	Persist func(handle *tokenstore.Handle) error
}

// Handler guards one credential handle. Refresh is serialized: while one
// refresh is in flight, peer callers wait and observe its result.
type Handler struct {
	cfg    HandlerConfig
	mu     sync.Mutex
	handle *tokenstore.Handle
	// attempts counts consecutive failed refreshes since the last success.
	attempts int
	group    singleflight.Group
}

// NewHandler wraps a credential handle with recovery machinery.
func NewHandler(handle *tokenstore.Handle, cfg HandlerConfig) *Handler {
	if cfg.MaxRefreshAttempts <= 0 {
		cfg.MaxRefreshAttempts = 3
	}
	if cfg.ReauthTimeout <= 0 {
		cfg.ReauthTimeout = 300 * time.Second
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = tokenstore.DefaultSafetyMargin
	}
	return &Handler{cfg: cfg, handle: handle}
}

// Handle returns the guarded handle.
func (h *Handler) Handle() *tokenstore.Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handle
}

// Attempts reports the current consecutive refresh failure count.
func (h *Handler) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// EnsureValid checks the handle and recovers it when necessary. It returns
// the action taken and the (possibly replaced) handle.
func (h *Handler) EnsureValid(ctx context.Context, refresh RefreshFunc, reauth ReauthFunc) Result {
	h.mu.Lock()
	valid := tokenstore.IsValid(h.handle, time.Now(), h.cfg.SafetyMargin)
	handle := h.handle
	h.mu.Unlock()

	if valid {
		return Result{OK: true, Action: ActionNone, Handle: handle}
	}
	return h.recover(ctx, refresh, reauth)
}

// HandleError reacts to an upstream failure. Only authentication failures
// (HTTP 401) trigger recovery; anything else is reported back untouched.
func (h *Handler) HandleError(ctx context.Context, err error, refresh RefreshFunc, reauth ReauthFunc) Result {
	if !IsAuthStatusError(err) {
		return Result{OK: false, Action: ActionNone, Handle: h.Handle()}
	}
	return h.recover(ctx, refresh, reauth)
}

// recover drives the Refreshing/Reauthing state machine. Concurrent callers
// collapse onto a single in-flight recovery via singleflight.
func (h *Handler) recover(ctx context.Context, refresh RefreshFunc, reauth ReauthFunc) Result {
	value, _, _ := h.group.Do("recover", func() (any, error) {
		return h.recoverLocked(ctx, refresh, reauth), nil
	})
	return value.(Result)
}

func (h *Handler) recoverLocked(ctx context.Context, refresh RefreshFunc, reauth ReauthFunc) Result {
	h.mu.Lock()
	attempts := h.attempts
	handle := h.handle
	h.mu.Unlock()

	if refresh != nil && attempts < h.cfg.MaxRefreshAttempts && handle != nil && handle.RefreshToken != "" {
		h.mu.Lock()
		h.attempts++
		h.mu.Unlock()

		err := refresh(ctx, handle)
		if err == nil {
			h.mu.Lock()
			h.attempts = 0
			h.mu.Unlock()
			h.persist(handle)
			return Result{OK: true, Action: ActionRefresh, Handle: handle}
		}
		log.Warnf("token refresh failed (attempt %d/%d): %v", attempts+1, h.cfg.MaxRefreshAttempts, err)
		if errors.Is(err, ErrInvalidGrant) {
			// Handle already wiped; persist the empty state in one write.
			h.persist(handle)
		}
	}

	if !h.cfg.AutoReauth || reauth == nil {
		return Result{OK: false, Action: ActionRefresh, Handle: handle}
	}

	reauthCtx, cancel := context.WithTimeout(ctx, h.cfg.ReauthTimeout)
	defer cancel()

	fresh, err := reauth(reauthCtx)
	if err != nil {
		log.Errorf("re-authentication failed: %v", err)
		return Result{OK: false, Action: ActionReauth, Handle: handle}
	}

	h.mu.Lock()
	h.handle = fresh
	h.attempts = 0
	h.mu.Unlock()
	h.persist(fresh)
	return Result{OK: true, Action: ActionReauth, Handle: fresh}
}

func (h *Handler) persist(handle *tokenstore.Handle) {
	if h.cfg.Persist == nil {
		return
	}
	if err := h.cfg.Persist(handle); err != nil {
		log.Errorf("persist credential failed: %v", err)
	}
}

// EnhancedHealthCheck reports credential health. expired overrides the
// default validity check; probe optionally verifies upstream reachability.
func (h *Handler) EnhancedHealthCheck(ctx context.Context, expired func() bool, refresh RefreshFunc, reauth ReauthFunc, probe ProbeFunc) HealthReport {
	if expired == nil {
		expired = func() bool {
			return !tokenstore.IsValid(h.Handle(), time.Now(), h.cfg.SafetyMargin)
		}
	}

	if !expired() {
		if probe != nil {
			if err := probe(ctx); err != nil {
				return HealthReport{Status: HealthWarning, TokenStatus: "valid"}
			}
		}
		return HealthReport{Status: HealthHealthy, TokenStatus: "valid"}
	}

	result := h.recover(ctx, refresh, reauth)
	if result.OK {
		return HealthReport{Status: HealthWarning, TokenStatus: "refreshed"}
	}
	return HealthReport{
		Status:      HealthUnhealthy,
		NeedsReauth: true,
		TokenStatus: tokenStatus(result.Handle),
	}
}

func tokenStatus(handle *tokenstore.Handle) string {
	switch {
	case handle.Empty():
		return "empty"
	case tokenstore.IsValid(handle, time.Now(), 0):
		return "valid"
	default:
		return "expired"
	}
}

// StatusError carries an upstream HTTP status through error returns.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// NewStatusError builds a StatusError for an upstream response.
func NewStatusError(code int, message string) *StatusError {
	return &StatusError{Code: code, Message: message}
}

// IsAuthStatusError reports whether err represents an HTTP 401.
func IsAuthStatusError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized
}
