package translator

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// openAIStreamState accumulates state while Anthropic SSE events are
// lowered into OpenAI chat.completion.chunk payloads.
type openAIStreamState struct {
	responseID   string
	createdAt    int64
	finishReason string
	toolCalls    map[int]*toolCallState
}

// AnthropicResponseToOpenAIStream converts one Anthropic SSE event line
// into zero or more OpenAI streaming chunks. Tool calls are buffered until
// their content block closes so each surfaces as one complete delta.
func AnthropicResponseToOpenAIStream(_ context.Context, modelName string, _, _ []byte, rawLine []byte, state *any) []string {
	if *state == nil {
		*state = &openAIStreamState{toolCalls: make(map[int]*toolCallState)}
	}
	st := (*state).(*openAIStreamState)

	if !bytes.HasPrefix(rawLine, ssePrefix) {
		return []string{}
	}
	payload := bytes.TrimSpace(rawLine[len(ssePrefix):])
	root := gjson.ParseBytes(payload)

	chunk := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	chunk, _ = sjson.Set(chunk, "model", modelName)
	chunk, _ = sjson.Set(chunk, "id", st.responseID)
	chunk, _ = sjson.Set(chunk, "created", st.createdAt)

	switch root.Get("type").String() {
	case "message_start":
		message := root.Get("message")
		if !message.Exists() {
			return []string{}
		}
		st.responseID = message.Get("id").String()
		st.createdAt = time.Now().Unix()
		chunk, _ = sjson.Set(chunk, "id", st.responseID)
		chunk, _ = sjson.Set(chunk, "created", st.createdAt)
		chunk, _ = sjson.Set(chunk, "choices.0.delta.role", "assistant")
		return []string{chunk}

	case "content_block_start":
		block := root.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			st.toolCalls[int(root.Get("index").Int())] = &toolCallState{
				id:   block.Get("id").String(),
				name: block.Get("name").String(),
			}
		}
		return []string{}

	case "content_block_delta":
		delta := root.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			chunk, _ = sjson.Set(chunk, "choices.0.delta.content", delta.Get("text").String())
			return []string{chunk}
		case "thinking_delta":
			chunk, _ = sjson.Set(chunk, "choices.0.delta.reasoning_content", delta.Get("thinking").String())
			return []string{chunk}
		case "input_json_delta":
			if acc, ok := st.toolCalls[int(root.Get("index").Int())]; ok {
				acc.args.WriteString(delta.Get("partial_json").String())
			}
		}
		return []string{}

	case "content_block_stop":
		index := int(root.Get("index").Int())
		acc, ok := st.toolCalls[index]
		if !ok {
			return []string{}
		}
		args := acc.args.String()
		if args == "" {
			args = "{}"
		}
		chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.index", index)
		chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.id", acc.id)
		chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.type", "function")
		chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.function.name", acc.name)
		chunk, _ = sjson.Set(chunk, "choices.0.delta.tool_calls.0.function.arguments", args)
		delete(st.toolCalls, index)
		return []string{chunk}

	case "message_delta":
		if reason := root.Get("delta.stop_reason"); reason.Exists() {
			st.finishReason = openAIFinishReason(reason.String())
			chunk, _ = sjson.Set(chunk, "choices.0.finish_reason", st.finishReason)
		}
		if usage := root.Get("usage"); usage.Exists() {
			chunk = setOpenAIUsage(chunk, usage)
		}
		return []string{chunk}

	case "error":
		if errData := root.Get("error"); errData.Exists() {
			out := `{"error":{"message":"","type":""}}`
			out, _ = sjson.Set(out, "error.message", errData.Get("message").String())
			out, _ = sjson.Set(out, "error.type", errData.Get("type").String())
			return []string{out}
		}
	}
	return []string{}
}

// AnthropicResponseToOpenAINonStream folds a complete Anthropic response
// into one OpenAI chat.completion body. The input may be either a plain
// message body or a captured SSE event log.
func AnthropicResponseToOpenAINonStream(_ context.Context, modelName string, _, _ []byte, rawJSON []byte) string {
	if bytes.Contains(rawJSON, ssePrefix) {
		return anthropicEventsToOpenAIBody(modelName, rawJSON)
	}
	return anthropicBodyToOpenAIBody(modelName, rawJSON)
}

func anthropicBodyToOpenAIBody(modelName string, rawJSON []byte) string {
	root := gjson.ParseBytes(rawJSON)
	out := openAIBodyTemplate(modelName)
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created", time.Now().Unix())

	var textParts, reasoningParts []string
	if content := root.Get("content"); content.IsArray() {
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				textParts = append(textParts, block.Get("text").String())
			case "thinking":
				reasoningParts = append(reasoningParts, block.Get("thinking").String())
			case "tool_use":
				path := "choices.0.message.tool_calls.-1"
				call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
				call, _ = sjson.Set(call, "id", block.Get("id").String())
				call, _ = sjson.Set(call, "function.name", block.Get("name").String())
				call, _ = sjson.Set(call, "function.arguments", block.Get("input").Raw)
				out, _ = sjson.SetRaw(out, path, call)
			}
			return true
		})
	}

	out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(textParts, ""))
	if len(reasoningParts) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", strings.Join(reasoningParts, ""))
	}
	if reason := root.Get("stop_reason"); reason.Exists() && reason.String() != "" {
		out, _ = sjson.Set(out, "choices.0.finish_reason", openAIFinishReason(reason.String()))
	}
	if usage := root.Get("usage"); usage.Exists() {
		out = setOpenAIUsage(out, usage)
	}
	return out
}

// anthropicEventsToOpenAIBody replays a captured Anthropic SSE log and
// assembles the single body a non-streaming client expects.
func anthropicEventsToOpenAIBody(modelName string, raw []byte) string {
	out := openAIBodyTemplate(modelName)

	var messageID string
	var stopReason string
	var textParts, reasoningParts []string
	toolCalls := make(map[int]*toolCallState)

	for _, line := range bytes.Split(raw, []byte("\n")) {
		if !bytes.HasPrefix(line, ssePrefix) {
			continue
		}
		root := gjson.ParseBytes(bytes.TrimSpace(line[len(ssePrefix):]))
		switch root.Get("type").String() {
		case "message_start":
			messageID = root.Get("message.id").String()
		case "content_block_start":
			if block := root.Get("content_block"); block.Get("type").String() == "tool_use" {
				toolCalls[int(root.Get("index").Int())] = &toolCallState{
					id:   block.Get("id").String(),
					name: block.Get("name").String(),
				}
			}
		case "content_block_delta":
			delta := root.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				textParts = append(textParts, delta.Get("text").String())
			case "thinking_delta":
				reasoningParts = append(reasoningParts, delta.Get("thinking").String())
			case "input_json_delta":
				if acc, ok := toolCalls[int(root.Get("index").Int())]; ok {
					acc.args.WriteString(delta.Get("partial_json").String())
				}
			}
		case "message_delta":
			if reason := root.Get("delta.stop_reason"); reason.Exists() {
				stopReason = reason.String()
			}
			if usage := root.Get("usage"); usage.Exists() {
				out = setOpenAIUsage(out, usage)
			}
		}
	}

	out, _ = sjson.Set(out, "id", messageID)
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(textParts, ""))
	if len(reasoningParts) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", strings.Join(reasoningParts, ""))
	}

	if len(toolCalls) > 0 {
		indexes := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			acc := toolCalls[idx]
			args := acc.args.String()
			if args == "" {
				args = "{}"
			}
			call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
			call, _ = sjson.Set(call, "id", acc.id)
			call, _ = sjson.Set(call, "function.name", acc.name)
			call, _ = sjson.Set(call, "function.arguments", args)
			out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls.-1", call)
		}
	}

	if stopReason != "" {
		out, _ = sjson.Set(out, "choices.0.finish_reason", openAIFinishReason(stopReason))
	}
	return out
}

func openAIBodyTemplate(modelName string) string {
	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	out, _ = sjson.Set(out, "model", modelName)
	return out
}

func setOpenAIUsage(out string, usage gjson.Result) string {
	input := usage.Get("input_tokens").Int()
	output := usage.Get("output_tokens").Int()
	cacheRead := usage.Get("cache_read_input_tokens").Int()
	cacheCreation := usage.Get("cache_creation_input_tokens").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", input+cacheCreation)
	out, _ = sjson.Set(out, "usage.completion_tokens", output)
	out, _ = sjson.Set(out, "usage.total_tokens", input+output)
	if cacheRead > 0 {
		out, _ = sjson.Set(out, "usage.prompt_tokens_details.cached_tokens", cacheRead)
	}
	return out
}

func openAIFinishReason(anthropicReason string) string {
	switch anthropicReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
