package util

import "strings"

// FixJSON repairs tool-call argument payloads that use single quotes for
// strings, rewriting them into valid JSON double-quoted strings. Existing
// double-quoted strings pass through untouched; double quotes inside a
// converted string are escaped. Anything beyond the quote style is left
// alone.
func FixJSON(input string) string {
	var out strings.Builder
	out.Grow(len(input))

	const (
		outside = iota
		inDouble
		inSingle
	)
	state := outside
	escaped := false

	for _, r := range input {
		switch state {
		case inDouble:
			out.WriteRune(r)
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				state = outside
			}
		case inSingle:
			if escaped {
				escaped = false
				switch r {
				case '\'':
					out.WriteRune('\'')
				case '"':
					out.WriteString(`\"`)
				default:
					out.WriteRune('\\')
					out.WriteRune(r)
				}
				continue
			}
			switch r {
			case '\\':
				escaped = true
			case '\'':
				out.WriteByte('"')
				state = outside
			case '"':
				out.WriteString(`\"`)
			default:
				out.WriteRune(r)
			}
		default:
			switch r {
			case '"':
				state = inDouble
				out.WriteRune(r)
			case '\'':
				state = inSingle
				out.WriteByte('"')
			default:
				out.WriteRune(r)
			}
		}
	}
	if state == inSingle {
		out.WriteByte('"')
	}
	return out.String()
}
