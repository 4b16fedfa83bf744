package provider

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// CountTokens approximates the prompt token count of the canonical request
// using the tokenizer matching the configured upstream model. The returned
// payload is a minimal OpenAI usage body.
func (a *Adapter) CountTokens(req Request) (Response, error) {
	enc, err := codecForModel(a.cfg.Model)
	if err != nil {
		return Response{}, fmt.Errorf("%s: tokenizer init failed: %w", a.Identifier(), err)
	}
	count, err := countChatTokens(enc, req.Payload)
	if err != nil {
		return Response{}, fmt.Errorf("%s: token counting failed: %w", a.Identifier(), err)
	}
	usage := fmt.Sprintf(`{"usage":{"prompt_tokens":%d,"completion_tokens":0,"total_tokens":%d}}`, count, count)
	return Response{Payload: []byte(usage)}, nil
}

// codecForModel picks a tokenizer codec by model id prefix. Unknown models
// fall back to o200k_base, which matches current OpenAI-compatible upstreams
// closely enough for budgeting.
func codecForModel(model string) (tokenizer.Codec, error) {
	sanitized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case sanitized == "":
		return tokenizer.Get(tokenizer.Cl100kBase)
	case strings.HasPrefix(sanitized, "gpt-5"):
		return tokenizer.ForModel(tokenizer.GPT5)
	case strings.HasPrefix(sanitized, "gpt-4.1"):
		return tokenizer.ForModel(tokenizer.GPT41)
	case strings.HasPrefix(sanitized, "gpt-4o"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.HasPrefix(sanitized, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(sanitized, "gpt-3"):
		return tokenizer.ForModel(tokenizer.GPT35Turbo)
	case strings.HasPrefix(sanitized, "o1"):
		return tokenizer.ForModel(tokenizer.O1)
	case strings.HasPrefix(sanitized, "o3"):
		return tokenizer.ForModel(tokenizer.O3)
	default:
		return tokenizer.Get(tokenizer.O200kBase)
	}
}

// countChatTokens flattens the textual surface of an OpenAI chat payload
// (messages, tool schemas, tool choice) and counts the joined text.
func countChatTokens(enc tokenizer.Codec, payload []byte) (int64, error) {
	if enc == nil {
		return 0, fmt.Errorf("encoder is nil")
	}
	if len(payload) == 0 {
		return 0, nil
	}

	root := gjson.ParseBytes(payload)
	segments := make([]string, 0, 32)

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			appendSegment(&segments, message.Get("role").String())
			appendSegment(&segments, message.Get("name").String())
			collectContent(message.Get("content"), &segments)
			collectToolCalls(message.Get("tool_calls"), &segments)
			return true
		})
	}
	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			function := tool.Get("function")
			appendSegment(&segments, function.Get("name").String())
			appendSegment(&segments, function.Get("description").String())
			if params := function.Get("parameters"); params.Exists() {
				appendSegment(&segments, params.Raw)
			}
			return true
		})
	}
	if choice := root.Get("tool_choice"); choice.Exists() {
		if choice.Type == gjson.String {
			appendSegment(&segments, choice.String())
		} else {
			appendSegment(&segments, choice.Raw)
		}
	}

	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0, nil
	}
	count, err := enc.Count(joined)
	if err != nil {
		return 0, err
	}
	return int64(count), nil
}

func collectContent(content gjson.Result, segments *[]string) {
	if !content.Exists() {
		return
	}
	if content.Type == gjson.String {
		appendSegment(segments, content.String())
		return
	}
	if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "text":
				appendSegment(segments, part.Get("text").String())
			case "image_url":
				appendSegment(segments, part.Get("image_url.url").String())
			default:
				appendSegment(segments, part.Raw)
			}
			return true
		})
	}
}

func collectToolCalls(calls gjson.Result, segments *[]string) {
	if !calls.IsArray() {
		return
	}
	calls.ForEach(func(_, call gjson.Result) bool {
		appendSegment(segments, call.Get("function.name").String())
		appendSegment(segments, call.Get("function.arguments").String())
		return true
	})
}

func appendSegment(segments *[]string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*segments = append(*segments, trimmed)
	}
}
