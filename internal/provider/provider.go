// Package provider executes chat completions against OpenAI-compatible
// upstreams. One adapter instance covers one (provider, model) pair; dialect
// quirks (Qwen resource URLs, iFlow request signing, LM Studio localhost) are
// handled here so the pipeline above stays provider-agnostic.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routercore/llmrouter/internal/auth"
	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/tokenstore"
	"github.com/routercore/llmrouter/internal/util"
)

// Dialect selects per-provider request shaping.
type Dialect string

const (
	DialectOpenAI   Dialect = "openai"
	DialectQwen     Dialect = "qwen"
	DialectIFlow    Dialect = "iflow"
	DialectLMStudio Dialect = "lmstudio"
)

const (
	chatEndpoint = "/chat/completions"

	defaultChatTimeout   = 30 * time.Second
	defaultStreamTimeout = 60 * time.Second
	defaultMaxAttempts   = 2

	iflowUserAgent = "iFlow-Cli"

	// scannerBufferSize bounds a single SSE line.
	scannerBufferSize = 52_428_800 // 50MB
)

var defaultBaseURLs = map[Dialect]string{
	DialectOpenAI:   "https://api.openai.com/v1",
	DialectQwen:     "https://portal.qwen.ai/v1",
	DialectIFlow:    "https://apis.iflow.cn/v1",
	DialectLMStudio: "http://localhost:1234/v1",
}

// Config describes one upstream endpoint.
type Config struct {
	Dialect Dialect
	// Model is the upstream model id. It always replaces whatever model the
	// client asked for; virtual model ids never leak upstream.
	Model string
	// BaseURL overrides the dialect default when set.
	BaseURL  string
	ProxyURL string

	ChatTimeout   time.Duration
	StreamTimeout time.Duration
	// MaxAttempts bounds total tries for one logical request, the initial
	// attempt included. Default 2.
	MaxAttempts int

	UserAgent string
}

// Request is the canonical OpenAI-shaped request handed down by the pipeline.
type Request struct {
	// Model is the client-requested (possibly virtual) model id, kept only
	// for logging.
	Model   string
	Payload []byte
}

// Response is a completed non-streaming exchange.
type Response struct {
	Payload []byte
	Headers http.Header
}

// StreamChunk is one canonical chunk or a terminal error.
type StreamChunk struct {
	Payload []byte
	Err     error
}

// StreamResult carries the response headers and the chunk channel. The
// channel is closed when the upstream stream ends or fails.
type StreamResult struct {
	Headers http.Header
	Chunks  <-chan StreamChunk
}

// Adapter executes requests against a single OpenAI-compatible upstream.
// It is safe for concurrent use.
type Adapter struct {
	cfg     Config
	creds   *auth.Handler
	refresh auth.RefreshFunc
	reauth  auth.ReauthFunc
	client  *http.Client
}

// New builds an adapter. creds may be nil for upstreams that need no
// authentication (LM Studio).
func New(cfg Config, creds *auth.Handler, refresh auth.RefreshFunc, reauth auth.ReauthFunc) *Adapter {
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = defaultChatTimeout
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectOpenAI
	}
	return &Adapter{
		cfg: cfg,
		creds: creds,
		refresh: refresh,
		reauth: reauth,
		// Timeouts are enforced per request via context so streaming bodies
		// are not cut off by a client-level deadline.
		client: util.NewHTTPClient(cfg.ProxyURL, 0),
	}
}

// Identifier returns the dialect key.
func (a *Adapter) Identifier() string { return string(a.cfg.Dialect) }

// Execute performs a non-streaming chat completion.
func (a *Adapter) Execute(ctx context.Context, req Request) (Response, error) {
	body := a.prepareBody(req.Payload, false)

	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.ChatTimeout)
		resp, err := a.roundTrip(callCtx, body, false)
		if err != nil {
			cancel()
			lastErr = err
			if rerr := a.recoverAuth(ctx, err); rerr != nil {
				return Response{}, rerr
			}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		closeBody(resp.Body)
		cancel()
		if readErr != nil {
			return Response{}, a.transportError(ctx, readErr)
		}
		return Response{Payload: data, Headers: resp.Header.Clone()}, nil
	}
	return Response{}, lastErr
}

// ExecuteStream performs a streaming chat completion. The returned channel
// yields canonical chunks; the upstream connection is closed when ctx is
// cancelled or the stream timeout elapses.
func (a *Adapter) ExecuteStream(ctx context.Context, req Request) (*StreamResult, error) {
	body := a.prepareBody(req.Payload, true)

	var resp *http.Response
	var cancel context.CancelFunc
	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		var callCtx context.Context
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.StreamTimeout)
		r, err := a.roundTrip(callCtx, body, true)
		if err != nil {
			cancel()
			lastErr = err
			if rerr := a.recoverAuth(ctx, err); rerr != nil {
				return nil, rerr
			}
			continue
		}
		resp = r
		break
	}
	if resp == nil {
		return nil, lastErr
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer closeBody(resp.Body)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(nil, scannerBufferSize)
		for scanner.Scan() {
			payload, done, ok := decodeSSELine(scanner.Bytes())
			if done {
				return
			}
			if !ok {
				continue
			}
			chunk, valid := liftChunk(payload, a.cfg.Model)
			if !valid {
				// Junk between events is dropped without failing the stream.
				continue
			}
			select {
			case out <- StreamChunk{Payload: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamChunk{Err: a.transportError(ctx, err)}:
			case <-ctx.Done():
			}
		}
	}()

	return &StreamResult{Headers: resp.Header.Clone(), Chunks: out}, nil
}

// roundTrip issues one HTTP attempt and classifies failures.
func (a *Adapter) roundTrip(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	endpoint := a.endpoint()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errcenter.Wrap(errcenter.CodeInternalError, a.Identifier(), err)
	}
	a.applyHeaders(httpReq, stream)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		closeBody(resp.Body)
		log.Debugf("%s upstream error: status=%d body=%s", a.Identifier(), resp.StatusCode, truncate(string(data), 512))
		return nil, a.statusError(resp.StatusCode, string(data))
	}
	return resp, nil
}

// recoverAuth engages the credential handler after a 401 and returns nil
// when the attempt may be retried. It returns the original error when
// recovery does not apply, or an authentication failure once the handler's
// refresh attempts are exhausted.
func (a *Adapter) recoverAuth(ctx context.Context, err error) error {
	var perr *errcenter.PipelineError
	if !errors.As(err, &perr) || perr.Code != errcenter.CodeTokenExpired {
		return err
	}
	if a.creds == nil {
		return err
	}
	result := a.creds.HandleError(ctx, auth.NewStatusError(http.StatusUnauthorized, perr.Message), a.refresh, a.reauth)
	if !result.OK {
		log.Warnf("%s credential recovery failed after 401", a.Identifier())
		return errcenter.New(errcenter.CodeAuthenticationFailed, a.Identifier(), "credential recovery exhausted: "+perr.Message)
	}
	return nil
}

// prepareBody rewrites the canonical payload for this upstream: the
// configured model always wins, the stream flag is forced, and tools are
// annotated when the dialect requires it.
func (a *Adapter) prepareBody(payload []byte, stream bool) []byte {
	body, _ := sjson.SetBytes(payload, "model", a.cfg.Model)
	body, _ = sjson.SetBytes(body, "stream", stream)
	if stream {
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	} else {
		body, _ = sjson.DeleteBytes(body, "stream_options")
	}
	if a.requiresStrictFalse() {
		body = annotateToolsStrict(body)
	}
	return body
}

// requiresStrictFalse reports whether the upstream rejects tool schemas
// without an explicit strict flag.
func (a *Adapter) requiresStrictFalse() bool {
	return a.cfg.Dialect == DialectQwen || a.cfg.Dialect == DialectIFlow
}

func annotateToolsStrict(body []byte) []byte {
	tools := gjson.GetBytes(body, "tools")
	if !tools.Exists() || !tools.IsArray() {
		return body
	}
	for i := range tools.Array() {
		body, _ = sjson.SetBytes(body, fmt.Sprintf("tools.%d.function.strict", i), false)
	}
	return body
}

// endpoint resolves the chat completions URL, preferring the per-account
// resource URL Qwen hands out with its token grant.
func (a *Adapter) endpoint() string {
	base := strings.TrimSpace(a.cfg.BaseURL)
	if base == "" && a.cfg.Dialect == DialectQwen {
		if h := a.handle(); h != nil && h.ResourceURL != "" {
			base = h.ResourceURL
			if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
				base = "https://" + base
			}
			if !strings.HasSuffix(strings.TrimSuffix(base, "/"), "/v1") {
				base = strings.TrimSuffix(base, "/") + "/v1"
			}
		}
	}
	if base == "" {
		base = defaultBaseURLs[a.cfg.Dialect]
	}
	return strings.TrimSuffix(base, "/") + chatEndpoint
}

func (a *Adapter) handle() *tokenstore.Handle {
	if a.creds == nil {
		return nil
	}
	return a.creds.Handle()
}

// bearerCredential picks the outgoing credential. iFlow derives API keys
// from OAuth and its tool-calling endpoints only accept the key, so the key
// wins over the access token when both are present.
func (a *Adapter) bearerCredential() string {
	h := a.handle()
	if h == nil {
		return ""
	}
	if a.cfg.Dialect == DialectIFlow && h.APIKey != "" {
		return h.APIKey
	}
	if h.AccessToken != "" {
		return h.AccessToken
	}
	return h.APIKey
}

func (a *Adapter) applyHeaders(r *http.Request, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	if stream {
		r.Header.Set("Accept", "text/event-stream")
	} else {
		r.Header.Set("Accept", "application/json")
	}
	if ua := a.userAgent(); ua != "" {
		r.Header.Set("User-Agent", ua)
	}
	cred := a.bearerCredential()
	if cred != "" {
		r.Header.Set("Authorization", "Bearer "+cred)
	}
	if a.cfg.Dialect == DialectIFlow {
		applyIFlowSignature(r, cred)
	}
}

func (a *Adapter) userAgent() string {
	if a.cfg.UserAgent != "" {
		return a.cfg.UserAgent
	}
	if a.cfg.Dialect == DialectIFlow {
		return iflowUserAgent
	}
	return ""
}

// applyIFlowSignature attaches the session and HMAC headers iFlow validates.
// The signed payload is userAgent:sessionId:timestamp keyed by the API key.
func applyIFlowSignature(r *http.Request, apiKey string) {
	sessionID := "session-" + uuid.New().String()
	r.Header.Set("session-id", sessionID)

	timestamp := time.Now().UnixMilli()
	r.Header.Set("x-iflow-timestamp", fmt.Sprintf("%d", timestamp))

	if apiKey == "" {
		return
	}
	userAgent := r.Header.Get("User-Agent")
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(fmt.Sprintf("%s:%s:%d", userAgent, sessionID, timestamp)))
	r.Header.Set("x-iflow-signature", hex.EncodeToString(mac.Sum(nil)))
}

// statusError maps an upstream HTTP status onto the failure taxonomy.
func (a *Adapter) statusError(status int, body string) *errcenter.PipelineError {
	code := errcenter.FromHTTPStatus(status, body)
	perr := errcenter.New(code, a.Identifier(), truncate(body, 512))
	if perr.Message == "" {
		perr.Message = fmt.Sprintf("upstream status %d", status)
	}
	return perr
}

// transportError distinguishes timeouts, cancellation and connection faults.
func (a *Adapter) transportError(ctx context.Context, err error) *errcenter.PipelineError {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return errcenter.Wrap(errcenter.CodeExecutionCancelled, a.Identifier(), err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errcenter.Wrap(errcenter.CodeRequestTimeout, a.Identifier(), err)
	default:
		return errcenter.Wrap(errcenter.CodeConnectionFailed, a.Identifier(), err)
	}
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Errorf("close response body error: %v", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
