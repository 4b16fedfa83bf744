package translator

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routercore/llmrouter/internal/util"
)

var ssePrefix = []byte("data:")

// anthropicStreamState accumulates per-response converter state while an
// OpenAI SSE stream is lifted into Anthropic events. One value lives for
// the duration of one upstream response and is never shared.
type anthropicStreamState struct {
	messageID string
	model     string

	textStarted     bool
	textIndex       int
	thinkingStarted bool
	thinkingIndex   int
	nextIndex       int

	toolCalls       map[int]*toolCallState
	toolCallIndexes map[int]int

	finishReason  string
	blocksStopped bool
	started       bool
	deltaSent     bool
	stopSent      bool
}

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

func newAnthropicStreamState() *anthropicStreamState {
	return &anthropicStreamState{
		textIndex:       -1,
		thinkingIndex:   -1,
		toolCallIndexes: make(map[int]int),
	}
}

// OpenAIResponseToAnthropicStream converts one OpenAI SSE line into the
// Anthropic event stream. The caller feeds every upstream line through the
// same state pointer; [DONE] flushes whatever blocks remain open.
func OpenAIResponseToAnthropicStream(_ context.Context, _ string, originalReq, _ []byte, rawLine []byte, state *any) []string {
	if *state == nil {
		*state = newAnthropicStreamState()
	}
	st := (*state).(*anthropicStreamState)

	if !bytes.HasPrefix(rawLine, ssePrefix) {
		return []string{}
	}
	payload := bytes.TrimSpace(rawLine[len(ssePrefix):])

	if string(payload) == "[DONE]" {
		return st.finish()
	}

	// A non-streaming client behind a streaming-only upstream still routes
	// through here; hand whole bodies to the non-stream converter.
	if streaming := gjson.GetBytes(originalReq, "stream"); !streaming.Bool() {
		return []string{openAINonStreamBodyToAnthropic(payload)}
	}

	return st.consumeChunk(payload)
}

func (st *anthropicStreamState) consumeChunk(payload []byte) []string {
	root := gjson.ParseBytes(payload)
	var events []string

	if st.messageID == "" {
		st.messageID = root.Get("id").String()
	}
	if st.model == "" {
		st.model = root.Get("model").String()
	}

	if delta := root.Get("choices.0.delta"); delta.Exists() {
		if !st.started {
			start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
			start, _ = sjson.Set(start, "message.id", st.messageID)
			start, _ = sjson.Set(start, "message.model", st.model)
			events = append(events, sseEvent("message_start", start))
			st.started = true
		}

		if reasoning := delta.Get("reasoning_content"); reasoning.Exists() && reasoning.String() != "" {
			st.stopText(&events)
			if !st.thinkingStarted {
				st.thinkingIndex = st.nextIndex
				st.nextIndex++
				start, _ := sjson.Set(`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`, "index", st.thinkingIndex)
				events = append(events, sseEvent("content_block_start", start))
				st.thinkingStarted = true
			}
			d, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":""}}`, "index", st.thinkingIndex)
			d, _ = sjson.Set(d, "delta.thinking", reasoning.String())
			events = append(events, sseEvent("content_block_delta", d))
		}

		if content := delta.Get("content"); content.Exists() && content.String() != "" {
			if !st.textStarted {
				st.stopThinking(&events)
				if st.textIndex == -1 {
					st.textIndex = st.nextIndex
					st.nextIndex++
				}
				start, _ := sjson.Set(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`, "index", st.textIndex)
				events = append(events, sseEvent("content_block_start", start))
				st.textStarted = true
			}
			d, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`, "index", st.textIndex)
			d, _ = sjson.Set(d, "delta.text", content.String())
			events = append(events, sseEvent("content_block_delta", d))
		}

		if toolCalls := delta.Get("tool_calls"); toolCalls.IsArray() {
			if st.toolCalls == nil {
				st.toolCalls = make(map[int]*toolCallState)
			}
			toolCalls.ForEach(func(_, call gjson.Result) bool {
				idx := int(call.Get("index").Int())
				blockIndex := st.toolBlockIndex(idx)
				acc, ok := st.toolCalls[idx]
				if !ok {
					acc = &toolCallState{}
					st.toolCalls[idx] = acc
				}
				if id := call.Get("id"); id.Exists() {
					acc.id = id.String()
				}
				if fn := call.Get("function"); fn.Exists() {
					if name := fn.Get("name"); name.Exists() {
						acc.name = name.String()
						st.stopThinking(&events)
						st.stopText(&events)
						start := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
						start, _ = sjson.Set(start, "index", blockIndex)
						start, _ = sjson.Set(start, "content_block.id", acc.id)
						start, _ = sjson.Set(start, "content_block.name", acc.name)
						events = append(events, sseEvent("content_block_start", start))
					}
					if args := fn.Get("arguments"); args.Exists() {
						acc.args.WriteString(args.String())
					}
				}
				return true
			})
		}
	}

	if reason := root.Get("choices.0.finish_reason"); reason.Exists() && reason.String() != "" {
		st.finishReason = reason.String()
		st.stopThinking(&events)
		st.stopText(&events)
		st.stopToolBlocks(&events)
	}

	// Usage arrives in its own trailing chunk; emit the message_delta once
	// it does.
	if st.finishReason != "" {
		if usage := root.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
			input, output, cached := openAIUsage(usage)
			d := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`
			d, _ = sjson.Set(d, "delta.stop_reason", anthropicStopReason(st.finishReason))
			d, _ = sjson.Set(d, "usage.input_tokens", input)
			d, _ = sjson.Set(d, "usage.output_tokens", output)
			if cached > 0 {
				d, _ = sjson.Set(d, "usage.cache_read_input_tokens", cached)
			}
			events = append(events, sseEvent("message_delta", d))
			st.deltaSent = true
			st.emitStop(&events)
		}
	}

	return events
}

func (st *anthropicStreamState) finish() []string {
	var events []string
	st.stopThinking(&events)
	st.stopText(&events)
	st.stopToolBlocks(&events)
	if st.finishReason != "" && !st.deltaSent {
		d, _ := sjson.Set(`{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`, "delta.stop_reason", anthropicStopReason(st.finishReason))
		events = append(events, sseEvent("message_delta", d))
		st.deltaSent = true
	}
	st.emitStop(&events)
	return events
}

func (st *anthropicStreamState) toolBlockIndex(openAIIndex int) int {
	if idx, ok := st.toolCallIndexes[openAIIndex]; ok {
		return idx
	}
	idx := st.nextIndex
	st.nextIndex++
	st.toolCallIndexes[openAIIndex] = idx
	return idx
}

func (st *anthropicStreamState) stopText(events *[]string) {
	if !st.textStarted {
		return
	}
	stop, _ := sjson.Set(`{"type":"content_block_stop","index":0}`, "index", st.textIndex)
	*events = append(*events, sseEvent("content_block_stop", stop))
	st.textStarted = false
	st.textIndex = -1
}

func (st *anthropicStreamState) stopThinking(events *[]string) {
	if !st.thinkingStarted {
		return
	}
	stop, _ := sjson.Set(`{"type":"content_block_stop","index":0}`, "index", st.thinkingIndex)
	*events = append(*events, sseEvent("content_block_stop", stop))
	st.thinkingStarted = false
	st.thinkingIndex = -1
}

// stopToolBlocks flushes accumulated tool arguments as a single
// input_json_delta per call and closes each block.
func (st *anthropicStreamState) stopToolBlocks(events *[]string) {
	if st.blocksStopped {
		return
	}
	for idx, acc := range st.toolCalls {
		blockIndex := st.toolBlockIndex(idx)
		if acc.args.Len() > 0 {
			d := `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
			d, _ = sjson.Set(d, "index", blockIndex)
			d, _ = sjson.Set(d, "delta.partial_json", util.FixJSON(acc.args.String()))
			*events = append(*events, sseEvent("content_block_delta", d))
		}
		stop, _ := sjson.Set(`{"type":"content_block_stop","index":0}`, "index", blockIndex)
		*events = append(*events, sseEvent("content_block_stop", stop))
		delete(st.toolCallIndexes, idx)
	}
	st.blocksStopped = true
}

func (st *anthropicStreamState) emitStop(events *[]string) {
	if st.stopSent {
		return
	}
	*events = append(*events, sseEvent("message_stop", `{"type":"message_stop"}`))
	st.stopSent = true
}

func sseEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

// OpenAIResponseToAnthropicNonStream converts a complete OpenAI response
// body into an Anthropic message body.
func OpenAIResponseToAnthropicNonStream(_ context.Context, _ string, _, _ []byte, rawJSON []byte) string {
	if bytes.Contains(rawJSON, ssePrefix) {
		rawJSON = openAIChunksToBody(rawJSON)
	}
	return openAINonStreamBodyToAnthropic(rawJSON)
}

// openAIChunksToBody replays a captured OpenAI SSE log into a complete chat
// completion body: deltas are concatenated, tool call fragments merged by
// index, and usage taken from the last chunk that carries it.
func openAIChunksToBody(sseLog []byte) []byte {
	out := `{"id":"","object":"chat.completion","model":"","choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":null}]}`
	var content, reasoning strings.Builder
	toolCalls := map[int]*toolCallState{}
	var toolOrder []int

	for _, line := range bytes.Split(sseLog, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, ssePrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(ssePrefix):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		chunk := gjson.ParseBytes(payload)
		if id := chunk.Get("id").String(); id != "" {
			out, _ = sjson.Set(out, "id", id)
		}
		if model := chunk.Get("model").String(); model != "" {
			out, _ = sjson.Set(out, "model", model)
		}
		if usage := chunk.Get("usage"); usage.Exists() && usage.Type != gjson.Null {
			out, _ = sjson.SetRaw(out, "usage", usage.Raw)
		}
		choice := chunk.Get("choices.0")
		if !choice.Exists() {
			continue
		}
		if reason := choice.Get("finish_reason"); reason.Exists() && reason.String() != "" {
			out, _ = sjson.Set(out, "choices.0.finish_reason", reason.String())
		}
		delta := choice.Get("delta")
		content.WriteString(delta.Get("content").String())
		reasoning.WriteString(delta.Get("reasoning_content").String())
		delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			idx := int(call.Get("index").Int())
			state, ok := toolCalls[idx]
			if !ok {
				state = &toolCallState{}
				toolCalls[idx] = state
				toolOrder = append(toolOrder, idx)
			}
			if id := call.Get("id").String(); id != "" {
				state.id = id
			}
			if name := call.Get("function.name").String(); name != "" {
				state.name = name
			}
			state.args.WriteString(call.Get("function.arguments").String())
			return true
		})
	}

	if reasoning.Len() > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", reasoning.String())
	}
	if content.Len() > 0 {
		out, _ = sjson.Set(out, "choices.0.message.content", content.String())
	}
	sort.Ints(toolOrder)
	for i, idx := range toolOrder {
		state := toolCalls[idx]
		call := `{"id":"","type":"function","function":{"name":"","arguments":""}}`
		call, _ = sjson.Set(call, "id", state.id)
		call, _ = sjson.Set(call, "function.name", state.name)
		call, _ = sjson.Set(call, "function.arguments", state.args.String())
		out, _ = sjson.SetRaw(out, fmt.Sprintf("choices.0.message.tool_calls.%d", i), call)
	}
	return []byte(out)
}

func openAINonStreamBodyToAnthropic(rawJSON []byte) string {
	root := gjson.ParseBytes(rawJSON)
	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	hasToolCall := false
	stopReasonSet := false

	if choices := root.Get("choices"); choices.IsArray() && len(choices.Array()) > 0 {
		choice := choices.Array()[0]

		if reason := choice.Get("finish_reason"); reason.Exists() && reason.String() != "" {
			out, _ = sjson.Set(out, "stop_reason", anthropicStopReason(reason.String()))
			stopReasonSet = true
		}

		if reasoning := choice.Get("message.reasoning_content"); reasoning.Type == gjson.String && reasoning.String() != "" {
			block, _ := sjson.Set(`{"type":"thinking","thinking":""}`, "thinking", reasoning.String())
			out, _ = sjson.SetRaw(out, "content.-1", block)
		}

		if content := choice.Get("message.content"); content.Exists() && content.String() != "" {
			block, _ := sjson.Set(`{"type":"text","text":""}`, "text", content.String())
			out, _ = sjson.SetRaw(out, "content.-1", block)
		}

		if toolCalls := choice.Get("message.tool_calls"); toolCalls.IsArray() {
			toolCalls.ForEach(func(_, call gjson.Result) bool {
				hasToolCall = true
				block := `{"type":"tool_use","id":"","name":"","input":{}}`
				block, _ = sjson.Set(block, "id", call.Get("id").String())
				block, _ = sjson.Set(block, "name", call.Get("function.name").String())
				block, _ = sjson.SetRaw(block, "input", toolUseInput(call.Get("function.arguments").String()))
				out, _ = sjson.SetRaw(out, "content.-1", block)
				return true
			})
		}
	}

	if usage := root.Get("usage"); usage.Exists() {
		input, output, cached := openAIUsage(usage)
		out, _ = sjson.Set(out, "usage.input_tokens", input)
		out, _ = sjson.Set(out, "usage.output_tokens", output)
		if cached > 0 {
			out, _ = sjson.Set(out, "usage.cache_read_input_tokens", cached)
		}
	}

	if !stopReasonSet {
		if hasToolCall {
			out, _ = sjson.Set(out, "stop_reason", "tool_use")
		} else {
			out, _ = sjson.Set(out, "stop_reason", "end_turn")
		}
	}

	return out
}

// toolUseInput normalizes an OpenAI arguments string into a JSON object
// literal, falling back to {} for anything unparseable.
func toolUseInput(args string) string {
	fixed := util.FixJSON(args)
	if fixed != "" && gjson.Valid(fixed) {
		if parsed := gjson.Parse(fixed); parsed.IsObject() {
			return parsed.Raw
		}
	}
	return "{}"
}

func anthropicStopReason(openAIReason string) string {
	switch openAIReason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// openAIUsage extracts input/output/cached token counts, deducting cached
// tokens from the input count the way Anthropic reports them.
func openAIUsage(usage gjson.Result) (int64, int64, int64) {
	if !usage.Exists() || usage.Type == gjson.Null {
		return 0, 0, 0
	}
	input := usage.Get("prompt_tokens").Int()
	output := usage.Get("completion_tokens").Int()
	cached := usage.Get("prompt_tokens_details.cached_tokens").Int()
	if cached > 0 {
		input -= cached
		if input < 0 {
			input = 0
		}
	}
	return input, output, cached
}
