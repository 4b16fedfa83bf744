package compat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/routercore/llmrouter/internal/errcenter"
)

func mustTable(t *testing.T, raw string) *MappingTable {
	t.Helper()
	table, err := ParseMappingTable([]byte(raw))
	if err != nil {
		t.Fatalf("parse table: %v", err)
	}
	return table
}

func TestParseMappingTableRejectsUnknownOperation(t *testing.T) {
	t.Parallel()
	_, err := ParseMappingTable([]byte(`{
		"version": "1",
		"fieldMappings": {
			"request": {"fields": {"a": {"target":"b","transform":{"kind":"transform","ref":"eval_js"}}}}
		}
	}`))
	if err == nil || !strings.Contains(err.Error(), "unknown operation") {
		t.Fatalf("expected unknown-operation error, got %v", err)
	}
}

func TestParseMappingTableRejectsUnknownEnumTable(t *testing.T) {
	t.Parallel()
	_, err := ParseMappingTable([]byte(`{
		"version": "1",
		"fieldMappings": {
			"response": {"fields": {"a": {"target":"b","transform":{"kind":"mapping","ref":"nope"}}}}
		}
	}`))
	if err == nil || !strings.Contains(err.Error(), "unknown enum table") {
		t.Fatalf("expected unknown-enum error, got %v", err)
	}
}

func TestApplyMovesAndTransformsFields(t *testing.T) {
	t.Parallel()
	table := mustTable(t, `{
		"version": "1",
		"fieldMappings": {
			"request": {"fields": {
				"maxOutputTokens": "max_tokens",
				"reason": {"target":"finish_reason","transform":{"kind":"mapping","ref":"reasons","fallback":"stop"}},
				"name": {"target":"name","transform":{"kind":"transform","ref":"lowercase"}}
			}}
		},
		"enumMappings": {"reasons": {"DONE":"stop","TRUNCATED":"length"}}
	}`)
	m := NewMapper(table, Options{Strict: false})

	out, err := m.Apply("qwen", DirectionRequest, []byte(`{"maxOutputTokens":128,"reason":"TRUNCATED","name":"Qwen"}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	doc := gjson.ParseBytes(out)
	if got := doc.Get("max_tokens").Int(); got != 128 {
		t.Fatalf("max_tokens = %d: %s", got, out)
	}
	if doc.Get("maxOutputTokens").Exists() {
		t.Fatalf("source path not removed: %s", out)
	}
	if got := doc.Get("finish_reason").String(); got != "length" {
		t.Fatalf("enum mapping = %q", got)
	}
	if got := doc.Get("name").String(); got != "qwen" {
		t.Fatalf("lowercase = %q", got)
	}
}

func TestApplyEnumFallback(t *testing.T) {
	t.Parallel()
	table := mustTable(t, `{
		"version": "1",
		"fieldMappings": {
			"response": {"fields": {"reason": {"target":"reason","transform":{"kind":"mapping","ref":"reasons","fallback":"stop"}}}}
		},
		"enumMappings": {"reasons": {"DONE":"stop"}}
	}`)
	m := NewMapper(table, Options{Strict: false})
	out, err := m.Apply("", DirectionResponse, []byte(`{"reason":"SOMETHING_NEW"}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := gjson.GetBytes(out, "reason").String(); got != "stop" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestApplyDefaultAndCondition(t *testing.T) {
	t.Parallel()
	table := mustTable(t, `{
		"version": "1",
		"fieldMappings": {
			"request": {"fields": {
				"temperature": {"target":"temperature","default":0.7},
				"tools": {"target":"tools","condition":{"path":"supportsTools","operator":"equals","value":true}}
			}}
		}
	}`)
	m := NewMapper(table, Options{Strict: false})

	out, err := m.Apply("", DirectionRequest, []byte(`{"supportsTools":false,"tools":[{"name":"t"}]}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	doc := gjson.ParseBytes(out)
	if got := doc.Get("temperature").Float(); got != 0.7 {
		t.Fatalf("default not applied: %s", out)
	}
	// Condition false: mapping skipped, source left alone.
	if !doc.Get("tools").Exists() {
		t.Fatalf("tools should remain untouched: %s", out)
	}
}

func TestApplyArrayTransform(t *testing.T) {
	t.Parallel()
	table := mustTable(t, `{
		"version": "1",
		"fieldMappings": {
			"request": {"fields": {"stop": {"target":"stop","transform":{"kind":"array_transform","ref":"uppercase"}}}}
		}
	}`)
	m := NewMapper(table, Options{Strict: false})
	out, err := m.Apply("", DirectionRequest, []byte(`{"stop":["end","halt"]}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	arr := gjson.GetBytes(out, "stop").Array()
	if len(arr) != 2 || arr[0].String() != "END" || arr[1].String() != "HALT" {
		t.Fatalf("array transform = %s", gjson.GetBytes(out, "stop").Raw)
	}
}

func TestSetNeverReplacesNonObject(t *testing.T) {
	t.Parallel()
	doc := `{"a":"scalar"}`
	_, err := setValue(doc, "a.b", "x")
	if err == nil {
		t.Fatal("expected refusal to replace scalar with object")
	}
	out, err := setValue(doc, "c.d", "x")
	if err != nil {
		t.Fatalf("intermediate creation failed: %v", err)
	}
	if got := gjson.Get(out, "c.d").String(); got != "x" {
		t.Fatalf("c.d = %q", got)
	}
}

func TestStrictValidationFailure(t *testing.T) {
	t.Parallel()
	table := mustTable(t, `{
		"version": "1",
		"fieldMappings": {
			"request": {
				"fields": {"model": "model"},
				"required": [{"path":"model","type":"string"},{"path":"messages","type":"array"}]
			}
		}
	}`)
	m := NewMapper(table, Options{Strict: true})

	_, err := m.Apply("", DirectionRequest, []byte(`{"model":"m"}`))
	var perr *errcenter.PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if perr.Code != errcenter.CodeDataValidationFailed {
		t.Fatalf("code = %s", perr.Code)
	}
}

func TestProtocolOverlayWins(t *testing.T) {
	t.Parallel()
	table := mustTable(t, `{
		"version": "1",
		"fieldMappings": {
			"request": {"fields": {"model": {"target":"model","transform":{"kind":"transform","ref":"lowercase"}}}}
		},
		"protocolMappings": {
			"iflow": {"request": {"fields": {"model": {"target":"model","transform":{"kind":"transform","ref":"uppercase"}}}}}
		}
	}`)
	m := NewMapper(table, Options{Strict: false})

	out, _ := m.Apply("qwen", DirectionRequest, []byte(`{"model":"Mix"}`))
	if got := gjson.GetBytes(out, "model").String(); got != "mix" {
		t.Fatalf("base mapping = %q", got)
	}
	out, _ = m.Apply("iflow", DirectionRequest, []byte(`{"model":"Mix"}`))
	if got := gjson.GetBytes(out, "model").String(); got != "MIX" {
		t.Fatalf("overlay mapping = %q", got)
	}
}

func TestCacheEvictsOldestAndExpires(t *testing.T) {
	t.Parallel()
	c := newResultCache(2, 30*time.Millisecond)
	c.put("a", []byte("1"))
	c.put("b", []byte("2"))
	if _, ok := c.get("a"); !ok {
		t.Fatal("a should be cached")
	}
	// a was just used, so adding c evicts b.
	c.put("c", []byte("3"))
	if _, ok := c.get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Fatal("a should survive eviction")
	}

	time.Sleep(40 * time.Millisecond)
	c.purgeExpired()
	if got := c.len(); got != 0 {
		t.Fatalf("expected empty cache after TTL, have %d entries", got)
	}
}

func TestCacheKeyVariesByDirection(t *testing.T) {
	t.Parallel()
	c := newResultCache(8, time.Minute)
	input := []byte(`{"x":1}`)
	if c.key("p", "request", input) == c.key("p", "response", input) {
		t.Fatal("cache key must include direction")
	}
}

func TestApplyRejectsUnregisteredOperationOnHandBuiltTable(t *testing.T) {
	t.Parallel()

	// A hand-built table skips ParseMappingTable's validation; an unknown
	// ref must surface as an error, not a panic.
	table := &MappingTable{
		Version: "1",
		FieldMappings: map[Direction]DirectionMappings{
			DirectionRequest: {Fields: map[string]FieldMapping{
				"name": {Target: "name", Transform: &TransformSpec{Kind: KindTransform, Ref: "does_not_exist"}},
			}},
		},
	}
	m := NewMapper(table, Options{Strict: false})

	_, err := m.Apply("qwen", DirectionRequest, []byte(`{"name":"Qwen"}`))
	if err == nil || !strings.Contains(err.Error(), "unknown operation") {
		t.Fatalf("expected unknown-operation error, got %v", err)
	}

	table.FieldMappings[DirectionRequest].Fields["items"] = FieldMapping{
		Target: "items", Transform: &TransformSpec{Kind: KindArrayTransform, Ref: "does_not_exist"},
	}
	if _, err := m.Apply("qwen", DirectionRequest, []byte(`{"items":[1,2]}`)); err == nil {
		t.Fatal("array transform with unknown ref did not error")
	}
}
