package provider

import (
	"bytes"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	ssePrefix   = []byte("data:")
	sseDoneBody = []byte("[DONE]")
)

// decodeSSELine extracts the payload of one SSE line. done is set on the
// [DONE] sentinel; ok is false for blank lines, comments and event names.
func decodeSSELine(line []byte) (payload []byte, done, ok bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, ssePrefix) {
		return nil, false, false
	}
	payload = bytes.TrimSpace(line[len(ssePrefix):])
	if bytes.Equal(payload, sseDoneBody) {
		return nil, true, false
	}
	if len(payload) == 0 {
		return nil, false, false
	}
	return payload, false, true
}

// liftChunk normalizes one upstream chunk into the canonical shape
// {id, created, model, choices:[{index, delta, finish_reason}]}. Payloads
// that are not JSON objects are rejected; usage-only chunks pass through so
// accounting survives the translation chain.
func liftChunk(payload []byte, model string) ([]byte, bool) {
	parsed := gjson.ParseBytes(payload)
	if !parsed.IsObject() {
		return nil, false
	}
	if !parsed.Get("choices").Exists() && !parsed.Get("usage").Exists() && !parsed.Get("error").Exists() {
		return nil, false
	}

	out := bytes.Clone(payload)
	if !parsed.Get("model").Exists() && model != "" {
		out, _ = sjson.SetBytes(out, "model", model)
	}
	if choices := parsed.Get("choices"); choices.IsArray() {
		for i, choice := range choices.Array() {
			if !choice.Get("index").Exists() {
				out, _ = sjson.SetBytes(out, "choices."+strconv.Itoa(i)+".index", i)
			}
		}
	}
	return out, true
}
