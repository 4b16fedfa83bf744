package compat

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Operation is one pure value transform. Input and output are gjson-style
// scalar values or raw JSON; operations never touch the surrounding
// document.
type Operation func(value gjson.Result) (any, error)

// operations is the closed registry of named operations a MappingTable may
// reference. There is deliberately no way to register more at runtime:
// config names an operation or it is invalid.
var operations = map[string]Operation{
	"identity": func(v gjson.Result) (any, error) {
		return v.Value(), nil
	},
	"to_string": func(v gjson.Result) (any, error) {
		return v.String(), nil
	},
	"to_number": func(v gjson.Result) (any, error) {
		if v.Type == gjson.Number {
			return v.Float(), nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", v.String())
		}
		return f, nil
	},
	"to_int": func(v gjson.Result) (any, error) {
		if v.Type == gjson.Number {
			return v.Int(), nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", v.String())
		}
		return n, nil
	},
	"lowercase": func(v gjson.Result) (any, error) {
		return strings.ToLower(v.String()), nil
	},
	"uppercase": func(v gjson.Result) (any, error) {
		return strings.ToUpper(v.String()), nil
	},
	"trim": func(v gjson.Result) (any, error) {
		return strings.TrimSpace(v.String()), nil
	},
	// millis_to_seconds floors an epoch-milliseconds timestamp down to
	// whole seconds.
	"millis_to_seconds": func(v gjson.Result) (any, error) {
		return int64(math.Floor(v.Float() / 1000)), nil
	},
	"seconds_to_millis": func(v gjson.Result) (any, error) {
		return v.Int() * 1000, nil
	},
	"string_to_array": func(v gjson.Result) (any, error) {
		if v.IsArray() {
			return v.Value(), nil
		}
		return []any{v.Value()}, nil
	},
}

// LookupOperation returns a registered operation by name.
func LookupOperation(name string) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}
