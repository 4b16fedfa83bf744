package compat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routercore/llmrouter/internal/errcenter"
)

// Options tunes a Mapper. Strict mode enforces post-mapping validation;
// the cache short-circuits repeated identical inputs.
type Options struct {
	Strict       bool
	EnableCache  bool
	CacheEntries int
	CacheTTL     time.Duration
}

// DefaultOptions is strict with a modest cache.
func DefaultOptions() Options {
	return Options{
		Strict:       true,
		EnableCache:  true,
		CacheEntries: 256,
		CacheTTL:     5 * time.Minute,
	}
}

// Mapper applies one MappingTable to raw JSON documents.
type Mapper struct {
	table *MappingTable
	opts  Options
	cache *resultCache
}

// NewMapper builds a mapper around a parsed table.
func NewMapper(table *MappingTable, opts Options) *Mapper {
	m := &Mapper{table: table, opts: opts}
	if opts.EnableCache {
		m.cache = newResultCache(opts.CacheEntries, opts.CacheTTL)
	}
	return m
}

// Apply rewrites rawJSON per the table's mappings for the given protocol
// and direction. Mappings run in deterministic source-path order: the value
// at each source path moves to its target path, optionally transformed;
// absent sources fall back to the mapping's default or are skipped.
func (m *Mapper) Apply(protocol string, direction Direction, rawJSON []byte) ([]byte, error) {
	if !gjson.ValidBytes(rawJSON) {
		return nil, errcenter.New(errcenter.CodeDataInvalidFormat, "compat", "input is not valid JSON")
	}

	var cacheKey string
	if m.cache != nil {
		cacheKey = m.cache.key(protocol, string(direction), rawJSON)
		if out, ok := m.cache.get(cacheKey); ok {
			return out, nil
		}
	}

	fields, required := m.table.mappingsFor(protocol, direction)

	sources := make([]string, 0, len(fields))
	for source := range fields {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	input := gjson.ParseBytes(rawJSON)
	out := string(rawJSON)

	for _, source := range sources {
		fm := fields[source]

		if fm.Condition != nil && !evalCondition(input, fm.Condition) {
			continue
		}

		value := input.Get(source)
		if !value.Exists() {
			if fm.Default != nil {
				var err error
				out, err = setValue(out, fm.Target, json.RawMessage(fm.Default))
				if err != nil {
					log.WithField("target", fm.Target).Warnf("compat: default not applied: %v", err)
				}
			}
			continue
		}

		mapped, err := m.transformValue(value, fm.Transform)
		if err != nil {
			return nil, errcenter.New(errcenter.CodeDataValidationFailed, "compat",
				fmt.Sprintf("transform %q on %s: %v", transformName(fm.Transform), source, err))
		}

		if source != fm.Target {
			out, _ = sjson.Delete(out, source)
		}
		out, err = setValue(out, fm.Target, mapped)
		if err != nil {
			log.WithField("target", fm.Target).Warnf("compat: mapping skipped: %v", err)
		}
	}

	if m.opts.Strict {
		if err := validateRequired([]byte(out), required); err != nil {
			return nil, err
		}
	}

	result := []byte(out)
	if m.cache != nil {
		m.cache.put(cacheKey, result)
	}
	return result, nil
}

func (m *Mapper) transformValue(value gjson.Result, spec *TransformSpec) (any, error) {
	if spec == nil {
		return value.Value(), nil
	}
	switch spec.Kind {
	case KindMapping:
		table := m.table.EnumMappings[spec.Ref]
		if mapped, ok := table[value.String()]; ok {
			return mapped, nil
		}
		if spec.Fallback != "" {
			return spec.Fallback, nil
		}
		return value.Value(), nil
	case KindTransform, KindFunction:
		op, ok := LookupOperation(spec.Ref)
		if !ok {
			return nil, fmt.Errorf("unknown operation %q", spec.Ref)
		}
		return op(value)
	case KindArrayTransform:
		op, ok := LookupOperation(spec.Ref)
		if !ok {
			return nil, fmt.Errorf("unknown operation %q", spec.Ref)
		}
		if !value.IsArray() {
			return nil, fmt.Errorf("array_transform on non-array value")
		}
		var outItems []any
		var opErr error
		value.ForEach(func(_, item gjson.Result) bool {
			mapped, err := op(item)
			if err != nil {
				opErr = err
				return false
			}
			outItems = append(outItems, mapped)
			return true
		})
		if opErr != nil {
			return nil, opErr
		}
		return outItems, nil
	}
	return nil, fmt.Errorf("unknown transform kind %q", spec.Kind)
}

// setValue writes a value at a dotted path, creating intermediate objects
// as needed but refusing to replace an existing non-object segment.
func setValue(doc, path string, value any) (string, error) {
	segments := strings.Split(path, ".")
	for i := 1; i < len(segments); i++ {
		prefix := strings.Join(segments[:i], ".")
		existing := gjson.Get(doc, prefix)
		if existing.Exists() && !existing.IsObject() && !existing.IsArray() {
			return doc, fmt.Errorf("path %q crosses non-object segment %q", path, prefix)
		}
	}
	if raw, ok := value.(json.RawMessage); ok {
		return sjson.SetRaw(doc, path, string(raw))
	}
	return sjson.Set(doc, path, value)
}

func evalCondition(input gjson.Result, cond *Condition) bool {
	value := input.Get(cond.Path)
	switch cond.Operator {
	case "exists":
		return value.Exists()
	case "not_exists":
		return !value.Exists()
	case "equals", "not_equals":
		var want any
		if cond.Value != nil {
			_ = json.Unmarshal(cond.Value, &want)
		}
		equal := fmt.Sprint(value.Value()) == fmt.Sprint(want)
		if cond.Operator == "equals" {
			return equal
		}
		return !equal
	}
	return false
}

// validateRequired enforces strict-mode requirements on the mapped output.
func validateRequired(out []byte, required []RequiredField) error {
	doc := gjson.ParseBytes(out)
	for _, req := range required {
		value := doc.Get(req.Path)
		if !value.Exists() {
			return errcenter.New(errcenter.CodeDataValidationFailed, "compat",
				fmt.Sprintf("required field %q missing after mapping", req.Path))
		}
		if req.Type != "" && !typeMatches(value, req.Type) {
			return errcenter.New(errcenter.CodeDataValidationFailed, "compat",
				fmt.Sprintf("field %q has type %s, want %s", req.Path, gjsonTypeName(value), req.Type))
		}
	}
	return nil
}

func typeMatches(value gjson.Result, want string) bool {
	return gjsonTypeName(value) == want
}

func gjsonTypeName(value gjson.Result) string {
	switch {
	case value.IsArray():
		return "array"
	case value.IsObject():
		return "object"
	case value.Type == gjson.String:
		return "string"
	case value.Type == gjson.Number:
		return "number"
	case value.Type == gjson.True, value.Type == gjson.False:
		return "boolean"
	case value.Type == gjson.Null:
		return "null"
	}
	return "unknown"
}

func transformName(spec *TransformSpec) string {
	if spec == nil {
		return "identity"
	}
	return spec.Ref
}
