package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/routercore/llmrouter/internal/errcenter"
	"github.com/routercore/llmrouter/internal/translator"
)

// Messages handles the Anthropic-compatible /v1/messages endpoint.
func (s *Server) Messages(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeError(c, errcenter.New(errcenter.CodeDataInvalidFormat, "api",
			fmt.Sprintf("invalid request: %v", err)), nil)
		return
	}

	req := s.chatRequest(c, translator.FormatAnthropic, rawJSON)
	if req.SessionID == "" {
		req.SessionID = gjson.GetBytes(rawJSON, "metadata.user_id").String()
	}
	if gjson.GetBytes(rawJSON, "stream").Type == gjson.True {
		s.streamResponse(c, req)
		return
	}
	s.completeResponse(c, req)
}

// CountTokens handles /v1/messages/count_tokens with a local tokenizer
// estimate; no upstream call is made.
func (s *Server) CountTokens(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		writeError(c, errcenter.New(errcenter.CodeDataInvalidFormat, "api",
			fmt.Sprintf("invalid request: %v", err)), nil)
		return
	}

	req := s.chatRequest(c, translator.FormatAnthropic, rawJSON)
	payload, err := s.service.CountTokens(req)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	// Anthropic clients expect input_tokens at the top level.
	tokens := gjson.GetBytes(payload, "usage.prompt_tokens").Int()
	c.JSON(http.StatusOK, gin.H{"input_tokens": tokens})
}
