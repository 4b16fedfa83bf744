package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/routercore/llmrouter/internal/auth"
	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/tokenstore"
)

func newTestHandler(handle *tokenstore.Handle) *auth.Handler {
	return auth.NewHandler(handle, auth.HandlerConfig{})
}

func TestExecuteRewritesModelAndTools(t *testing.T) {
	t.Parallel()

	var captured []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer server.Close()

	adapter := New(Config{
		Dialect: DialectQwen,
		Model:   "qwen3-coder-plus",
		BaseURL: server.URL,
	}, newTestHandler(&tokenstore.Handle{AccessToken: "tok-1", ExpiryMs: time.Now().Add(time.Hour).UnixMilli()}), nil, nil)

	payload := []byte(`{"model":"virtual-router-model","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{"name":"search","parameters":{"type":"object"}}}]}`)
	resp, err := adapter.Execute(context.Background(), Request{Model: "virtual-router-model", Payload: payload})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := gjson.GetBytes(resp.Payload, "id").String(); got != "cmpl-1" {
		t.Fatalf("response id = %q", got)
	}

	if got := gjson.GetBytes(captured, "model").String(); got != "qwen3-coder-plus" {
		t.Errorf("upstream model = %q, want configured default", got)
	}
	if gjson.GetBytes(captured, "stream").Bool() {
		t.Errorf("stream flag should be false for non-streaming calls")
	}
	if strict := gjson.GetBytes(captured, "tools.0.function.strict"); !strict.Exists() || strict.Bool() {
		t.Errorf("tools.0.function.strict = %v, want explicit false", strict)
	}
}

func TestExecuteRecoversFromUnauthorized(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"token expired"}}`)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
			t.Errorf("retry Authorization = %q", got)
		}
		fmt.Fprint(w, `{"id":"cmpl-2","choices":[]}`)
	}))
	defer server.Close()

	handle := &tokenstore.Handle{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		ExpiryMs:     time.Now().Add(time.Hour).UnixMilli(),
	}
	refresh := func(ctx context.Context, h *tokenstore.Handle) error {
		h.AccessToken = "fresh-token"
		h.ExpiryMs = time.Now().Add(time.Hour).UnixMilli()
		return nil
	}
	adapter := New(Config{
		Dialect: DialectOpenAI,
		Model:   "gpt-4o",
		BaseURL: server.URL,
	}, newTestHandler(handle), refresh, nil)

	resp, err := adapter.Execute(context.Background(), Request{Payload: []byte(`{"messages":[{"role":"user","content":"hi"}]}`)})
	if err != nil {
		t.Fatalf("Execute after recovery: %v", err)
	}
	if got := gjson.GetBytes(resp.Payload, "id").String(); got != "cmpl-2" {
		t.Fatalf("response id = %q", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2", calls.Load())
	}
}

func TestExecuteStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	handle := &tokenstore.Handle{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiryMs:     time.Now().Add(time.Hour).UnixMilli(),
	}
	refresh := func(ctx context.Context, h *tokenstore.Handle) error {
		h.ExpiryMs = time.Now().Add(time.Hour).UnixMilli()
		return nil
	}
	adapter := New(Config{Dialect: DialectOpenAI, Model: "gpt-4o", BaseURL: server.URL}, newTestHandler(handle), refresh, nil)

	_, err := adapter.Execute(context.Background(), Request{Payload: []byte(`{"messages":[]}`)})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	var perr *errcenter.PipelineError
	if !errors.As(err, &perr) || perr.Code != errcenter.CodeTokenExpired {
		t.Fatalf("error = %v, want token_expired", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want bounded at 2", calls.Load())
	}
}

func TestExecuteClassifiesRateLimit(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"quota exhausted for project"}}`)
	}))
	defer server.Close()

	adapter := New(Config{Dialect: DialectOpenAI, Model: "gpt-4o", BaseURL: server.URL},
		newTestHandler(&tokenstore.Handle{APIKey: "sk-test"}), nil, nil)

	_, err := adapter.Execute(context.Background(), Request{Payload: []byte(`{"messages":[]}`)})
	var perr *errcenter.PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want PipelineError", err)
	}
	if perr.Code != errcenter.CodeQuotaExceeded {
		t.Fatalf("code = %s, want quota_exceeded", perr.Code)
	}
	if perr.Category != errcenter.CategoryRateLimit {
		t.Fatalf("category = %s", perr.Category)
	}
}

func TestExecuteStreamDecodesSSE(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "stream").Bool() {
			t.Errorf("stream flag not set on upstream request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive comment\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "garbage line that is not an event\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	adapter := New(Config{Dialect: DialectLMStudio, Model: "local-model", BaseURL: server.URL}, nil, nil, nil)

	result, err := adapter.ExecuteStream(context.Background(), Request{Payload: []byte(`{"messages":[{"role":"user","content":"hi"}]}`)})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	var chunks [][]byte
	for chunk := range result.Chunks {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		chunks = append(chunks, chunk.Payload)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3 (junk and non-JSON lines dropped)", len(chunks))
	}

	first := chunks[0]
	if got := gjson.GetBytes(first, "choices.0.index").Int(); got != 0 {
		t.Errorf("missing index lifted to %d", got)
	}
	if got := gjson.GetBytes(first, "model").String(); got != "local-model" {
		t.Errorf("model lifted to %q", got)
	}
	text := gjson.GetBytes(chunks[0], "choices.0.delta.content").String() +
		gjson.GetBytes(chunks[1], "choices.0.delta.content").String()
	if text != "Hello" {
		t.Errorf("concatenated content = %q", text)
	}
	if got := gjson.GetBytes(chunks[2], "usage.total_tokens").Int(); got != 5 {
		t.Errorf("usage total_tokens = %d", got)
	}
}

func TestExecuteStreamCancelClosesStream(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	adapter := New(Config{Dialect: DialectOpenAI, Model: "gpt-4o", BaseURL: server.URL},
		newTestHandler(&tokenstore.Handle{APIKey: "sk-test"}), nil, nil)

	result, err := adapter.ExecuteStream(ctx, Request{Payload: []byte(`{"messages":[]}`)})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	<-started
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-result.Chunks:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("chunk channel not closed after cancel")
		}
	}
}

func TestIFlowRequestSigning(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// API key wins over the co-located OAuth token.
		if got := r.Header.Get("Authorization"); got != "Bearer sk-iflow-key" {
			t.Errorf("Authorization = %q", got)
		}
		sessionID := r.Header.Get("session-id")
		if sessionID == "" {
			t.Error("session-id header missing")
		}
		timestamp := r.Header.Get("x-iflow-timestamp")
		if _, err := strconv.ParseInt(timestamp, 10, 64); err != nil {
			t.Errorf("x-iflow-timestamp = %q", timestamp)
		}
		payload := fmt.Sprintf("%s:%s:%s", r.Header.Get("User-Agent"), sessionID, timestamp)
		mac := hmac.New(sha256.New, []byte("sk-iflow-key"))
		mac.Write([]byte(payload))
		if want := hex.EncodeToString(mac.Sum(nil)); r.Header.Get("x-iflow-signature") != want {
			t.Errorf("signature mismatch")
		}
		fmt.Fprint(w, `{"id":"cmpl-3","choices":[]}`)
	}))
	defer server.Close()

	handle := &tokenstore.Handle{
		APIKey:      "sk-iflow-key",
		AccessToken: "oauth-token",
		ExpiryMs:    time.Now().Add(time.Hour).UnixMilli(),
	}
	adapter := New(Config{Dialect: DialectIFlow, Model: "glm-4.6", BaseURL: server.URL}, newTestHandler(handle), nil, nil)

	if _, err := adapter.Execute(context.Background(), Request{Payload: []byte(`{"messages":[]}`)}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestQwenResourceURLResolution(t *testing.T) {
	t.Parallel()

	handle := &tokenstore.Handle{
		AccessToken: "tok",
		ResourceURL: "portal.qwen.ai",
		ExpiryMs:    time.Now().Add(time.Hour).UnixMilli(),
	}
	adapter := New(Config{Dialect: DialectQwen, Model: "qwen3-coder-plus"}, newTestHandler(handle), nil, nil)
	if got, want := adapter.endpoint(), "https://portal.qwen.ai/v1/chat/completions"; got != want {
		t.Fatalf("endpoint = %q, want %q", got, want)
	}

	// Explicit BaseURL wins over the token-supplied resource URL.
	adapter = New(Config{Dialect: DialectQwen, Model: "m", BaseURL: "https://example.test/v1"}, newTestHandler(handle), nil, nil)
	if got, want := adapter.endpoint(), "https://example.test/v1/chat/completions"; got != want {
		t.Fatalf("endpoint = %q, want %q", got, want)
	}
}

func TestDecodeSSELine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		line    string
		payload string
		done    bool
		ok      bool
	}{
		{line: `data: {"id":"c1"}`, payload: `{"id":"c1"}`, ok: true},
		{line: `data:{"id":"c1"}`, payload: `{"id":"c1"}`, ok: true},
		{line: "data: [DONE]", done: true},
		{line: "event: ping"},
		{line: ": comment"},
		{line: ""},
		{line: "data:"},
	}
	for _, tc := range cases {
		payload, done, ok := decodeSSELine([]byte(tc.line))
		if done != tc.done || ok != tc.ok || string(payload) != tc.payload {
			t.Errorf("decodeSSELine(%q) = (%q, %v, %v), want (%q, %v, %v)",
				tc.line, payload, done, ok, tc.payload, tc.done, tc.ok)
		}
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	adapter := New(Config{Dialect: DialectOpenAI, Model: "gpt-4o"}, nil, nil, nil)
	payload := []byte(`{"messages":[{"role":"user","content":"Hello there, how are you today?"}],"tools":[{"type":"function","function":{"name":"search","description":"Search the web","parameters":{"type":"object"}}}]}`)

	resp, err := adapter.CountTokens(Request{Payload: payload})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	prompt := gjson.GetBytes(resp.Payload, "usage.prompt_tokens").Int()
	if prompt <= 0 {
		t.Fatalf("prompt_tokens = %d, want > 0", prompt)
	}
	if total := gjson.GetBytes(resp.Payload, "usage.total_tokens").Int(); total != prompt {
		t.Fatalf("total_tokens = %d, want %d", total, prompt)
	}
}

func TestExecuteStreamCancelWithoutDrainStopsProducer(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	adapter := New(Config{Dialect: DialectOpenAI, Model: "gpt-4o", BaseURL: server.URL},
		newTestHandler(&tokenstore.Handle{APIKey: "sk-test"}), nil, nil)
	_, err := adapter.ExecuteStream(ctx, Request{Payload: []byte(`{"messages":[]}`)})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	<-started
	cancel()

	// Nobody drains the chunk channel; the producer must still unwind,
	// including its terminal error send after the aborted body read.
	deadline := time.Now().Add(3 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d, want back to %d after cancel", runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRefreshExhaustionEscalatesToAuthenticationFailed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	handle := &tokenstore.Handle{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiryMs:     time.Now().Add(time.Hour).UnixMilli(),
	}
	refresh := func(ctx context.Context, h *tokenstore.Handle) error {
		return auth.ErrInvalidGrant
	}
	handler := auth.NewHandler(handle, auth.HandlerConfig{MaxRefreshAttempts: 2})
	adapter := New(Config{Dialect: DialectOpenAI, Model: "gpt-4o", BaseURL: server.URL}, handler, refresh, nil)

	_, err := adapter.Execute(context.Background(), Request{Payload: []byte(`{"messages":[]}`)})
	var perr *errcenter.PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want PipelineError", err)
	}
	if perr.Code != errcenter.CodeAuthenticationFailed {
		t.Fatalf("code = %s, want authentication_failed", perr.Code)
	}
	if perr.Category != errcenter.CategoryAuth {
		t.Fatalf("category = %s, want authentication", perr.Category)
	}
	if errcenter.HTTPStatus(perr.Code) != 401 {
		t.Fatalf("http status = %d, want 401", errcenter.HTTPStatus(perr.Code))
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1 once recovery is exhausted", calls.Load())
	}
}
