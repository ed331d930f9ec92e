package sandbox

import "strings"

// Quote wraps s in single quotes, escaping embedded single quotes, so it is
// safe to interpolate into a shell command line.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !needsQuoting(s) {
		return s
	}
	return "'" + replaceSingleQuotes(s) + "'"
}

func needsQuoting(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.', r == '/', r == ':', r == '=', r == '@', r == '+', r == '%', r == ',':
		default:
			return true
		}
	}
	return false
}

func replaceSingleQuotes(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\'' {
			b.WriteString(`'\''`)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
