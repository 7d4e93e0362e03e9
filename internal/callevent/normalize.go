package callevent

import (
	"strings"
)

// NormalizeJSON rewrites the pseudo-JSON that call platforms sometimes emit for
// data-collection values into strict JSON: single-quoted strings become
// double-quoted and the Python literals True, False and None become their JSON
// counterparts. Text inside double-quoted strings is left untouched.
func NormalizeJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)

	const (
		outside = iota
		inDouble
		inSingle
	)
	state := outside

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case inDouble:
			b.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			} else if c == '"' {
				state = outside
			}

		case inSingle:
			switch {
			case c == '\\' && i+1 < len(s):
				i++
				if s[i] == '\'' {
					b.WriteByte('\'')
				} else {
					b.WriteByte('\\')
					b.WriteByte(s[i])
				}
			case c == '\'':
				b.WriteByte('"')
				state = outside
			case c == '"':
				b.WriteString(`\"`)
			default:
				b.WriteByte(c)
			}

		default:
			switch c {
			case '"':
				b.WriteByte(c)
				state = inDouble
			case '\'':
				b.WriteByte('"')
				state = inSingle
			default:
				if lit, n := pythonLiteral(s, i); n > 0 {
					b.WriteString(lit)
					i += n - 1
					continue
				}
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

var pythonLiterals = []struct{ from, to string }{
	{"True", "true"},
	{"False", "false"},
	{"None", "null"},
}

func pythonLiteral(s string, i int) (string, int) {
	if i > 0 && isIdentByte(s[i-1]) {
		return "", 0
	}
	for _, l := range pythonLiterals {
		end := i + len(l.from)
		if end > len(s) || s[i:end] != l.from {
			continue
		}
		if end < len(s) && isIdentByte(s[end]) {
			continue
		}
		return l.to, len(l.from)
	}
	return "", 0
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
