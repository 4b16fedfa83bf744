package translator

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AnthropicRequestToOpenAI rewrites an Anthropic Messages request into the
// OpenAI Chat Completions shape. The system prompt becomes a leading system
// message, content parts map onto OpenAI content items, tool_use blocks
// become tool_calls and tool_result blocks become role:tool messages. The
// configured upstream model always replaces the client's model name.
func AnthropicRequestToOpenAI(modelName string, rawJSON []byte, stream bool) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	} else if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}

	if stops := root.Get("stop_sequences"); stops.IsArray() {
		var seqs []string
		stops.ForEach(func(_, v gjson.Result) bool {
			seqs = append(seqs, v.String())
			return true
		})
		switch {
		case len(seqs) == 1:
			out, _ = sjson.Set(out, "stop", seqs[0])
		case len(seqs) > 1:
			out, _ = sjson.Set(out, "stop", seqs)
		}
	}

	out, _ = sjson.Set(out, "stream", stream)

	if cfg := root.Get("thinking"); cfg.IsObject() {
		if effort := reasoningEffortForThinking(cfg); effort != "" {
			out, _ = sjson.Set(out, "reasoning_effort", effort)
		}
	}

	messagesJSON := "[]"

	// System prompt first. Anthropic carries it out of band; OpenAI wants a
	// leading system message.
	if sys := root.Get("system"); sys.Exists() {
		sysMsg := `{"role":"system","content":[]}`
		hasContent := false
		if sys.Type == gjson.String && sys.String() != "" {
			part, _ := sjson.Set(`{"type":"text","text":""}`, "text", sys.String())
			sysMsg, _ = sjson.SetRaw(sysMsg, "content.-1", part)
			hasContent = true
		} else if sys.IsArray() {
			sys.ForEach(func(_, part gjson.Result) bool {
				if item, ok := openAIContentPart(part); ok {
					sysMsg, _ = sjson.SetRaw(sysMsg, "content.-1", item)
					hasContent = true
				}
				return true
			})
		}
		if hasContent {
			messagesJSON, _ = sjson.SetRaw(messagesJSON, "-1", sysMsg)
		}
	}

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			messagesJSON = appendOpenAIMessages(messagesJSON, message)
			return true
		})
	}

	if parsed := gjson.Parse(messagesJSON); parsed.IsArray() && len(parsed.Array()) > 0 {
		out, _ = sjson.SetRaw(out, "messages", messagesJSON)
	}

	if tools := root.Get("tools"); tools.IsArray() {
		toolsJSON := "[]"
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := `{"type":"function","function":{"name":"","description":""}}`
			fn, _ = sjson.Set(fn, "function.name", tool.Get("name").String())
			fn, _ = sjson.Set(fn, "function.description", tool.Get("description").String())
			if schema := tool.Get("input_schema"); schema.Exists() {
				fn, _ = sjson.SetRaw(fn, "function.parameters", schema.Raw)
			}
			toolsJSON, _ = sjson.SetRaw(toolsJSON, "-1", fn)
			return true
		})
		if parsed := gjson.Parse(toolsJSON); parsed.IsArray() && len(parsed.Array()) > 0 {
			out, _ = sjson.SetRaw(out, "tools", toolsJSON)
		}
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		switch choice.Get("type").String() {
		case "any":
			out, _ = sjson.Set(out, "tool_choice", "required")
		case "tool":
			tc, _ := sjson.Set(`{"type":"function","function":{"name":""}}`, "function.name", choice.Get("name").String())
			out, _ = sjson.SetRaw(out, "tool_choice", tc)
		default:
			out, _ = sjson.Set(out, "tool_choice", "auto")
		}
	}

	if user := root.Get("metadata.user_id"); user.Exists() {
		out, _ = sjson.Set(out, "user", user.String())
	}

	return []byte(out)
}

// appendOpenAIMessages converts one Anthropic message into the OpenAI
// messages it implies and appends them to messagesJSON. A single Anthropic
// message can expand into several OpenAI ones: tool_result blocks must
// surface as role:tool messages placed before the current turn so they
// stay adjacent to the assistant tool_calls they answer.
func appendOpenAIMessages(messagesJSON string, message gjson.Result) string {
	role := message.Get("role").String()
	content := message.Get("content")

	if content.Type == gjson.String {
		msg, _ := sjson.Set(`{"role":"","content":""}`, "role", role)
		msg, _ = sjson.Set(msg, "content", content.String())
		messagesJSON, _ = sjson.SetRaw(messagesJSON, "-1", msg)
		return messagesJSON
	}
	if !content.IsArray() {
		return messagesJSON
	}

	var contentItems []string
	var reasoningParts []string
	var toolCalls []string
	var toolResults []string

	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text", "image":
			if item, ok := openAIContentPart(part); ok {
				contentItems = append(contentItems, item)
			}
		case "thinking":
			// Thinking maps to reasoning_content for assistant turns only;
			// user-supplied thinking is dropped.
			if role == "assistant" {
				if text := part.Get("thinking").String(); strings.TrimSpace(text) != "" {
					reasoningParts = append(reasoningParts, text)
				}
			}
		case "tool_use":
			if role != "assistant" {
				break
			}
			call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "id", part.Get("id").String())
			call, _ = sjson.Set(call, "function.name", part.Get("name").String())
			if input := part.Get("input"); input.Exists() {
				call, _ = sjson.Set(call, "function.arguments", input.Raw)
			} else {
				call, _ = sjson.Set(call, "function.arguments", "{}")
			}
			toolCalls = append(toolCalls, call)
		case "tool_result":
			res := `{"role":"tool","tool_call_id":"","content":""}`
			res, _ = sjson.Set(res, "tool_call_id", part.Get("tool_use_id").String())
			res, _ = sjson.Set(res, "content", toolResultText(part.Get("content")))
			toolResults = append(toolResults, res)
		}
		return true
	})

	for _, res := range toolResults {
		messagesJSON, _ = sjson.SetRaw(messagesJSON, "-1", res)
	}

	if role == "assistant" {
		if len(contentItems) == 0 && len(reasoningParts) == 0 && len(toolCalls) == 0 {
			return messagesJSON
		}
		msg := `{"role":"assistant"}`
		if len(contentItems) > 0 {
			arr := "[]"
			for _, item := range contentItems {
				arr, _ = sjson.SetRaw(arr, "-1", item)
			}
			msg, _ = sjson.SetRaw(msg, "content", arr)
		} else {
			msg, _ = sjson.Set(msg, "content", "")
		}
		if len(reasoningParts) > 0 {
			msg, _ = sjson.Set(msg, "reasoning_content", strings.Join(reasoningParts, "\n\n"))
		}
		if len(toolCalls) > 0 {
			arr := "[]"
			for _, call := range toolCalls {
				arr, _ = sjson.SetRaw(arr, "-1", call)
			}
			msg, _ = sjson.SetRaw(msg, "tool_calls", arr)
		}
		messagesJSON, _ = sjson.SetRaw(messagesJSON, "-1", msg)
		return messagesJSON
	}

	if len(contentItems) > 0 {
		msg, _ := sjson.Set(`{"role":""}`, "role", role)
		arr := "[]"
		for _, item := range contentItems {
			arr, _ = sjson.SetRaw(arr, "-1", item)
		}
		msg, _ = sjson.SetRaw(msg, "content", arr)
		messagesJSON, _ = sjson.SetRaw(messagesJSON, "-1", msg)
	}
	return messagesJSON
}

// openAIContentPart maps one Anthropic content part to its OpenAI item.
func openAIContentPart(part gjson.Result) (string, bool) {
	switch part.Get("type").String() {
	case "text":
		text := part.Get("text").String()
		if strings.TrimSpace(text) == "" {
			return "", false
		}
		item, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
		return item, true
	case "image":
		var imageURL string
		if source := part.Get("source"); source.Exists() {
			switch source.Get("type").String() {
			case "base64":
				mediaType := source.Get("media_type").String()
				if mediaType == "" {
					mediaType = "application/octet-stream"
				}
				if data := source.Get("data").String(); data != "" {
					imageURL = "data:" + mediaType + ";base64," + data
				}
			case "url":
				imageURL = source.Get("url").String()
			}
		}
		if imageURL == "" {
			imageURL = part.Get("url").String()
		}
		if imageURL == "" {
			return "", false
		}
		item, _ := sjson.Set(`{"type":"image_url","image_url":{"url":""}}`, "image_url.url", imageURL)
		return item, true
	}
	return "", false
}

// toolResultText flattens an Anthropic tool_result content value into the
// plain string OpenAI role:tool messages carry.
func toolResultText(content gjson.Result) string {
	if !content.Exists() {
		return ""
	}
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, item gjson.Result) bool {
			switch {
			case item.Type == gjson.String:
				parts = append(parts, item.String())
			case item.IsObject() && item.Get("text").Type == gjson.String:
				parts = append(parts, item.Get("text").String())
			default:
				parts = append(parts, item.Raw)
			}
			return true
		})
		if joined := strings.Join(parts, "\n\n"); strings.TrimSpace(joined) != "" {
			return joined
		}
		return content.Raw
	}
	if content.IsObject() {
		if text := content.Get("text"); text.Type == gjson.String {
			return text.String()
		}
	}
	return content.Raw
}

// reasoningEffortForThinking maps an Anthropic thinking config onto the
// OpenAI reasoning_effort levels by token budget.
func reasoningEffortForThinking(cfg gjson.Result) string {
	switch cfg.Get("type").String() {
	case "disabled":
		return "none"
	case "adaptive":
		return "high"
	case "enabled":
		budget := cfg.Get("budget_tokens")
		if !budget.Exists() {
			return "auto"
		}
		switch b := budget.Int(); {
		case b <= 0:
			return "none"
		case b <= 1024:
			return "low"
		case b <= 8192:
			return "medium"
		default:
			return "high"
		}
	}
	return ""
}
