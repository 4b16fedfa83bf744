package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/runtime"
	"github.com/routercore/llmrouter/internal/translator"
)

// ChatCompletions handles the OpenAI-compatible /v1/chat/completions
// endpoint for streaming and non-streaming requests.
func (s *Server) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeError(c, errcenter.New(errcenter.CodeDataInvalidFormat, "api",
			fmt.Sprintf("invalid request: %v", err)), nil)
		return
	}

	req := s.chatRequest(c, translator.FormatOpenAI, rawJSON)
	if gjson.GetBytes(rawJSON, "stream").Type == gjson.True {
		s.streamResponse(c, req)
		return
	}
	s.completeResponse(c, req)
}

// chatRequest builds the routing request from the HTTP request. Session
// affinity keys off the session header when present, else the body's user
// field.
func (s *Server) chatRequest(c *gin.Context, source translator.Format, rawJSON []byte) runtime.ChatRequest {
	sessionID := c.GetHeader("session_id")
	if sessionID == "" {
		sessionID = gjson.GetBytes(rawJSON, "user").String()
	}
	metadata := map[string]string{
		"userAgent": c.GetHeader("User-Agent"),
	}
	return runtime.ChatRequest{
		RequestID: requestID(c),
		SessionID: sessionID,
		Source:    source,
		Model:     gjson.GetBytes(rawJSON, "model").String(),
		Path:      c.FullPath(),
		Payload:   rawJSON,
		Metadata:  metadata,
	}
}

func (s *Server) completeResponse(c *gin.Context, req runtime.ChatRequest) {
	result, err := s.service.Complete(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, result.Context)
		return
	}
	c.Data(http.StatusOK, "application/json", result.Payload)
}

// streamResponse forwards pipeline stream events as SSE. The first event
// decides between an error status and a committed event stream; once
// headers are flushed, failures terminate the stream in-band.
func (s *Server) streamResponse(c *gin.Context, req runtime.ChatRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, errcenter.New(errcenter.CodeInternalError, "api", "streaming not supported"), nil)
		return
	}

	stream, err := s.service.Stream(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, nil)
		return
	}

	setSSEHeaders := func() {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("Access-Control-Allow-Origin", "*")
	}

	committed := false
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-stream.Events:
			if !ok {
				if !committed {
					setSSEHeaders()
				}
				flusher.Flush()
				return
			}
			if ev.Err != nil {
				if !committed {
					writeError(c, ev.Err, stream.Context)
					return
				}
				// Headers already sent; surface the failure in-band.
				_, _ = fmt.Fprintf(c.Writer, "event: error\ndata: {\"type\":\"error\",\"message\":%q}\n\n", ev.Err.Error())
				flusher.Flush()
				return
			}
			if !committed {
				setSSEHeaders()
				committed = true
			}
			_, _ = fmt.Fprintf(c.Writer, "%s\n\n", ev.Data)
			flusher.Flush()
		}
	}
}
