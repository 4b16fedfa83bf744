// Package compat implements the compatibility mapper: declarative,
// field-level request/response rewriting driven by a MappingTable. Paths
// use gjson/sjson dotted notation; transforms come from a closed registry
// of named pure operations, never from evaluated strings.
package compat

import (
	"encoding/json"
	"fmt"
)

// Direction selects which mapping set applies.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// TransformKind names the four supported transform families.
type TransformKind string

const (
	// KindMapping looks the value up in a named enum table with fallback.
	KindMapping TransformKind = "mapping"
	// KindTransform applies one named primitive operation.
	KindTransform TransformKind = "transform"
	// KindArrayTransform applies a named operation to each array element.
	KindArrayTransform TransformKind = "array_transform"
	// KindFunction applies a whitelisted pure function.
	KindFunction TransformKind = "function"
)

// TransformSpec references a registered operation or enum table.
type TransformSpec struct {
	Kind     TransformKind `json:"kind"`
	Ref      string        `json:"ref"`
	Fallback string        `json:"fallback,omitempty"`
}

// Condition gates a field mapping on the source document.
type Condition struct {
	Path     string          `json:"path"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// FieldMapping maps one source path to a target path, optionally through a
// transform. In JSON it is either a bare string (the target path) or an
// object carrying transform, default and condition.
type FieldMapping struct {
	Target    string          `json:"target"`
	Transform *TransformSpec  `json:"transform,omitempty"`
	Default   json.RawMessage `json:"default,omitempty"`
	Condition *Condition      `json:"condition,omitempty"`
}

// UnmarshalJSON accepts the shorthand string form.
func (m *FieldMapping) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var target string
		if err := json.Unmarshal(data, &target); err != nil {
			return err
		}
		*m = FieldMapping{Target: target}
		return nil
	}
	type alias FieldMapping
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = FieldMapping(a)
	return nil
}

// RequiredField declares a post-mapping validation requirement.
type RequiredField struct {
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}

// DirectionMappings is one direction's field mappings keyed by source path,
// with its validation requirements.
type DirectionMappings struct {
	Fields   map[string]FieldMapping `json:"fields"`
	Required []RequiredField         `json:"required,omitempty"`
}

// MappingTable is the declarative mapper configuration. ProtocolMappings
// overlay the base FieldMappings for a concrete upstream dialect.
type MappingTable struct {
	Version          string                                   `json:"version"`
	Description      string                                   `json:"description,omitempty"`
	FieldMappings    map[Direction]DirectionMappings          `json:"fieldMappings"`
	ProtocolMappings map[string]map[Direction]DirectionMappings `json:"protocolMappings,omitempty"`
	EnumMappings     map[string]map[string]string             `json:"enumMappings,omitempty"`
}

// ParseMappingTable decodes and validates a table. Every transform must
// reference a registered operation or a declared enum table; unknown names
// are a configuration error, not a runtime fallback.
func ParseMappingTable(raw []byte) (*MappingTable, error) {
	var table MappingTable
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("compat: parse mapping table: %w", err)
	}
	if err := table.validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

func (t *MappingTable) validate() error {
	check := func(scope string, mappings map[Direction]DirectionMappings) error {
		for direction, dm := range mappings {
			if direction != DirectionRequest && direction != DirectionResponse {
				return fmt.Errorf("compat: %s: unknown direction %q", scope, direction)
			}
			for source, fm := range dm.Fields {
				if fm.Target == "" {
					return fmt.Errorf("compat: %s: mapping for %q has no target", scope, source)
				}
				if fm.Transform != nil {
					if err := t.validateTransform(scope, source, fm.Transform); err != nil {
						return err
					}
				}
				if fm.Condition != nil && !knownConditionOperator(fm.Condition.Operator) {
					return fmt.Errorf("compat: %s: mapping for %q uses unknown condition operator %q", scope, source, fm.Condition.Operator)
				}
			}
		}
		return nil
	}

	if err := check("fieldMappings", t.FieldMappings); err != nil {
		return err
	}
	for protocol, mappings := range t.ProtocolMappings {
		if err := check("protocolMappings."+protocol, mappings); err != nil {
			return err
		}
	}
	return nil
}

func (t *MappingTable) validateTransform(scope, source string, spec *TransformSpec) error {
	switch spec.Kind {
	case KindMapping:
		if _, ok := t.EnumMappings[spec.Ref]; !ok {
			return fmt.Errorf("compat: %s: mapping for %q references unknown enum table %q", scope, source, spec.Ref)
		}
	case KindTransform, KindArrayTransform, KindFunction:
		if _, ok := operations[spec.Ref]; !ok {
			return fmt.Errorf("compat: %s: mapping for %q references unknown operation %q", scope, source, spec.Ref)
		}
	default:
		return fmt.Errorf("compat: %s: mapping for %q has unknown transform kind %q", scope, source, spec.Kind)
	}
	return nil
}

// mappingsFor resolves the effective field mappings for a protocol and
// direction: protocol overlays replace base entries with the same source
// path.
func (t *MappingTable) mappingsFor(protocol string, direction Direction) (map[string]FieldMapping, []RequiredField) {
	fields := make(map[string]FieldMapping)
	var required []RequiredField

	if base, ok := t.FieldMappings[direction]; ok {
		for source, fm := range base.Fields {
			fields[source] = fm
		}
		required = append(required, base.Required...)
	}
	if overlay, ok := t.ProtocolMappings[protocol]; ok {
		if dm, ok := overlay[direction]; ok {
			for source, fm := range dm.Fields {
				fields[source] = fm
			}
			required = append(required, dm.Required...)
		}
	}
	return fields, required
}

func knownConditionOperator(op string) bool {
	switch op {
	case "equals", "not_equals", "exists", "not_exists":
		return true
	}
	return false
}
