package translator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIRequestToAnthropic rewrites an OpenAI Chat Completions request into
// the Anthropic Messages shape. System messages collapse into the top-level
// system field, tool_calls become tool_use blocks and role:tool messages
// become user messages carrying tool_result blocks.
func OpenAIRequestToAnthropic(modelName string, rawJSON []byte, stream bool) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"model":"","max_tokens":32000,"messages":[]}`
	out, _ = sjson.Set(out, "model", modelName)

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	} else if v := root.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}

	if stop := root.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			var seqs []string
			stop.ForEach(func(_, v gjson.Result) bool {
				seqs = append(seqs, v.String())
				return true
			})
			if len(seqs) > 0 {
				out, _ = sjson.Set(out, "stop_sequences", seqs)
			}
		} else {
			out, _ = sjson.Set(out, "stop_sequences", []string{stop.String()})
		}
	}

	out, _ = sjson.Set(out, "stream", stream)

	if effort := root.Get("reasoning_effort"); effort.Exists() {
		switch strings.ToLower(strings.TrimSpace(effort.String())) {
		case "none":
			out, _ = sjson.Set(out, "thinking.type", "disabled")
		case "auto":
			out, _ = sjson.Set(out, "thinking.type", "enabled")
		case "low":
			out, _ = sjson.Set(out, "thinking.type", "enabled")
			out, _ = sjson.Set(out, "thinking.budget_tokens", 1024)
		case "medium":
			out, _ = sjson.Set(out, "thinking.type", "enabled")
			out, _ = sjson.Set(out, "thinking.budget_tokens", 8192)
		case "high", "xhigh":
			out, _ = sjson.Set(out, "thinking.type", "enabled")
			out, _ = sjson.Set(out, "thinking.budget_tokens", 24576)
		}
	}

	var systemParts []string
	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, message gjson.Result) bool {
			role := message.Get("role").String()
			content := message.Get("content")

			switch role {
			case "system":
				systemParts = append(systemParts, openAIMessageText(content)...)
			case "user", "assistant":
				msg, _ := sjson.Set(`{"role":"","content":[]}`, "role", role)
				hasParts := false
				if content.Type == gjson.String && content.String() != "" {
					part, _ := sjson.Set(`{"type":"text","text":""}`, "text", content.String())
					msg, _ = sjson.SetRaw(msg, "content.-1", part)
					hasParts = true
				} else if content.IsArray() {
					content.ForEach(func(_, part gjson.Result) bool {
						if item, ok := anthropicContentPart(part); ok {
							msg, _ = sjson.SetRaw(msg, "content.-1", item)
							hasParts = true
						}
						return true
					})
				}
				if role == "assistant" {
					if toolCalls := message.Get("tool_calls"); toolCalls.IsArray() {
						toolCalls.ForEach(func(_, call gjson.Result) bool {
							if call.Get("type").String() != "function" {
								return true
							}
							id := call.Get("id").String()
							if id == "" {
								id = newToolUseID()
							}
							use := `{"type":"tool_use","id":"","name":"","input":{}}`
							use, _ = sjson.Set(use, "id", id)
							use, _ = sjson.Set(use, "name", call.Get("function.name").String())
							use, _ = sjson.SetRaw(use, "input", toolUseInput(call.Get("function.arguments").String()))
							msg, _ = sjson.SetRaw(msg, "content.-1", use)
							hasParts = true
							return true
						})
					}
				}
				if hasParts {
					out, _ = sjson.SetRaw(out, "messages.-1", msg)
				}
			case "tool":
				msg := `{"role":"user","content":[{"type":"tool_result","tool_use_id":"","content":""}]}`
				msg, _ = sjson.Set(msg, "content.0.tool_use_id", message.Get("tool_call_id").String())
				msg, _ = sjson.Set(msg, "content.0.content", content.String())
				out, _ = sjson.SetRaw(out, "messages.-1", msg)
			}
			return true
		})
	}

	if len(systemParts) > 0 {
		out, _ = sjson.Set(out, "system", strings.Join(systemParts, "\n\n"))
	}

	if tools := root.Get("tools"); tools.IsArray() {
		wrote := false
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			fn := tool.Get("function")
			at := `{"name":"","description":""}`
			at, _ = sjson.Set(at, "name", fn.Get("name").String())
			at, _ = sjson.Set(at, "description", fn.Get("description").String())
			if params := fn.Get("parameters"); params.Exists() {
				at, _ = sjson.SetRaw(at, "input_schema", params.Raw)
			}
			out, _ = sjson.SetRaw(out, "tools.-1", at)
			wrote = true
			return true
		})
		if !wrote {
			out, _ = sjson.Delete(out, "tools")
		}
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		switch choice.Type {
		case gjson.String:
			switch choice.String() {
			case "auto":
				out, _ = sjson.SetRaw(out, "tool_choice", `{"type":"auto"}`)
			case "required":
				out, _ = sjson.SetRaw(out, "tool_choice", `{"type":"any"}`)
			}
		case gjson.JSON:
			if choice.Get("type").String() == "function" {
				tc, _ := sjson.Set(`{"type":"tool","name":""}`, "name", choice.Get("function.name").String())
				out, _ = sjson.SetRaw(out, "tool_choice", tc)
			}
		default:
		}
	}

	return []byte(out)
}

// openAIMessageText extracts the plain text of a system message whether it
// arrives as a string or a content-part array.
func openAIMessageText(content gjson.Result) []string {
	var parts []string
	if content.Type == gjson.String {
		if content.String() != "" {
			parts = append(parts, content.String())
		}
		return parts
	}
	if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				if text := part.Get("text").String(); text != "" {
					parts = append(parts, text)
				}
			}
			return true
		})
	}
	return parts
}

// anthropicContentPart maps one OpenAI content item to its Anthropic block.
func anthropicContentPart(part gjson.Result) (string, bool) {
	switch part.Get("type").String() {
	case "text":
		text := part.Get("text").String()
		if strings.TrimSpace(text) == "" {
			return "", false
		}
		item, _ := sjson.Set(`{"type":"text","text":""}`, "text", text)
		return item, true
	case "image_url":
		imageURL := part.Get("image_url.url").String()
		if strings.HasPrefix(imageURL, "data:") {
			segments := strings.SplitN(imageURL, ",", 2)
			if len(segments) == 2 {
				mediaType := strings.TrimPrefix(strings.SplitN(segments[0], ";", 2)[0], "data:")
				item := `{"type":"image","source":{"type":"base64","media_type":"","data":""}}`
				item, _ = sjson.Set(item, "source.media_type", mediaType)
				item, _ = sjson.Set(item, "source.data", segments[1])
				return item, true
			}
			return "", false
		}
		if imageURL != "" {
			item := `{"type":"image","source":{"type":"url","url":""}}`
			item, _ = sjson.Set(item, "source.url", imageURL)
			return item, true
		}
	}
	return "", false
}

// newToolUseID generates an Anthropic-style tool_use identifier for tool
// calls that arrive without one.
func newToolUseID() string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("toolu_%s", hex.EncodeToString(buf[:]))
}
