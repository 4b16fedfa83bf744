package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/pipeline"
	"github.com/routercore/llmrouter/internal/runtime"
	"github.com/routercore/llmrouter/internal/scheduler"
)

type fakeService struct {
	complete func(ctx context.Context, req runtime.ChatRequest) (pipeline.Result, error)
	stream   func(ctx context.Context, req runtime.ChatRequest) (*pipeline.StreamResult, error)
	count    func(req runtime.ChatRequest) ([]byte, error)
}

func (f *fakeService) Complete(ctx context.Context, req runtime.ChatRequest) (pipeline.Result, error) {
	return f.complete(ctx, req)
}

func (f *fakeService) Stream(ctx context.Context, req runtime.ChatRequest) (*pipeline.StreamResult, error) {
	return f.stream(ctx, req)
}

func (f *fakeService) CountTokens(req runtime.ChatRequest) ([]byte, error) {
	return f.count(req)
}

func eventChannel(events ...pipeline.StreamEvent) <-chan pipeline.StreamEvent {
	ch := make(chan pipeline.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func newTestServer(svc ChatService, opts Options) *Server {
	center := errcenter.NewCenter(errcenter.DefaultConfig())
	coordinator := scheduler.NewCoordinator(center.BlacklistSet())
	return NewServer(opts, svc, center, coordinator)
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	t.Parallel()

	var seen runtime.ChatRequest
	svc := &fakeService{
		complete: func(_ context.Context, req runtime.ChatRequest) (pipeline.Result, error) {
			seen = req
			return pipeline.Result{Payload: []byte(`{"id":"cmpl-1","choices":[]}`)}, nil
		},
	}
	server := newTestServer(svc, Options{})

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if seen.Model != "gpt-4o" {
		t.Fatalf("model not extracted, got %q", seen.Model)
	}
	if seen.Source != "openai" {
		t.Fatalf("source = %q", seen.Source)
	}
	if got := gjson.Get(rec.Body.String(), "id").String(); got != "cmpl-1" {
		t.Fatalf("body not forwarded: %s", rec.Body.String())
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		stream: func(_ context.Context, _ runtime.ChatRequest) (*pipeline.StreamResult, error) {
			return &pipeline.StreamResult{Events: eventChannel(
				pipeline.StreamEvent{Data: `data: {"choices":[{"delta":{"content":"hi"}}]}`},
				pipeline.StreamEvent{Data: "data: [DONE]"},
			)}, nil
		},
	}
	server := newTestServer(svc, Options{})

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"content":"hi"`) || !strings.Contains(out, "[DONE]") {
		t.Fatalf("unexpected stream body: %s", out)
	}
}

func TestStreamingErrorBeforeFirstEvent(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		stream: func(_ context.Context, _ runtime.ChatRequest) (*pipeline.StreamResult, error) {
			return nil, errcenter.New(errcenter.CodeNoAvailablePipelines, "scheduler", "pool is empty")
		},
	}
	server := newTestServer(svc, Options{})

	body := `{"model":"gpt-4o","stream":true,"messages":[]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
	out := rec.Body.String()
	if gjson.Get(out, "success").Bool() {
		t.Fatalf("success should be false: %s", out)
	}
	if got := gjson.Get(out, "error.code").String(); got != "no_available_pipelines" {
		t.Fatalf("error code %q", got)
	}
	if got := gjson.Get(out, "httpStatus").Int(); got != 503 {
		t.Fatalf("httpStatus %d", got)
	}
}

func TestMessagesErrorEnvelopeCarriesContext(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		complete: func(_ context.Context, _ runtime.ChatRequest) (pipeline.Result, error) {
			err := errcenter.New(errcenter.CodeRateLimitExceeded, "provider", "upstream throttled").
				WithPipeline("p-openai", "p-openai-0")
			return pipeline.Result{}, err
		},
	}
	server := newTestServer(svc, Options{})

	body := `{"model":"claude-sonnet","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", rec.Code)
	}
	out := rec.Body.String()
	if got := gjson.Get(out, "context.pipelineId").String(); got != "p-openai" {
		t.Fatalf("pipeline context missing: %s", out)
	}
	if got := gjson.Get(out, "error.category").String(); got == "" {
		t.Fatalf("category missing: %s", out)
	}
}

func TestCountTokensEndpoint(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		count: func(_ runtime.ChatRequest) ([]byte, error) {
			return []byte(`{"usage":{"prompt_tokens":42,"completion_tokens":0,"total_tokens":42}}`), nil
		},
	}
	server := newTestServer(svc, Options{})

	body := `{"model":"claude-sonnet","messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(body))
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "input_tokens").Int(); got != 42 {
		t.Fatalf("input_tokens = %d", got)
	}
}

func TestClientAuthRejectsUnknownKey(t *testing.T) {
	t.Parallel()

	svc := &fakeService{
		complete: func(_ context.Context, _ runtime.ChatRequest) (pipeline.Result, error) {
			return pipeline.Result{Payload: []byte(`{}`)}, nil
		},
	}
	server := newTestServer(svc, Options{APIKeys: []string{"sk-good"}})

	body := `{"model":"gpt-4o","messages":[]}`

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-good")
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key: status %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("x-api-key", "sk-good")
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("x-api-key: status %d, want 200", rec.Code)
	}
}

func TestManagementBlacklistRoundTrip(t *testing.T) {
	t.Parallel()

	center := errcenter.NewCenter(errcenter.DefaultConfig())
	coordinator := scheduler.NewCoordinator(center.BlacklistSet())
	center.SetBlacklistGuard(func(id string) { coordinator.RemoveFromPool(id) })
	server := NewServer(Options{}, &fakeService{}, center, coordinator)

	coordinator.AddToPool(scheduler.Entry{PipelineID: "p1", InstanceID: "p1-0", Status: scheduler.StatusActive})
	center.Blacklist("p1", "p1-0", errcenter.New(errcenter.CodeAccessDenied, "test", "forbidden"), 0, false)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/management/blacklist", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "count").Int(); got != 1 {
		t.Fatalf("blacklist count %d body %s", got, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v0/management/blacklist/p1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unblacklist status %d", rec.Code)
	}

	// Removal restores the pool entry through the coordinator hook.
	entry, ok := coordinator.Lookup("p1")
	if !ok || entry.Blacklisted {
		t.Fatalf("pool entry not restored: %+v ok=%v", entry, ok)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v0/management/blacklist/p1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status %d, want 404", rec.Code)
	}
}

func TestManagementPoolSnapshot(t *testing.T) {
	t.Parallel()

	center := errcenter.NewCenter(errcenter.DefaultConfig())
	coordinator := scheduler.NewCoordinator(center.BlacklistSet())
	server := NewServer(Options{}, &fakeService{}, center, coordinator)

	coordinator.AddToPool(scheduler.Entry{PipelineID: "p1", InstanceID: "p1-0", Provider: "openai", Status: scheduler.StatusActive})
	coordinator.AddToPool(scheduler.Entry{PipelineID: "p2", InstanceID: "p2-0", Provider: "qwen", Status: scheduler.StatusActive})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/management/pool", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "count").Int(); got != 2 {
		t.Fatalf("pool count %d", got)
	}
}
