package command

import (
	"regexp"
	"strings"
	"time"

	"nudgebot/internal/deadline"
)

// tokenize splits command text into tokens while supporting quotes and
// backslash escapes:
//
//	/add "math homework" 2030-01-02 18:00
//
// A quote only opens at the start of a token, so "Mom's-gift" stays one
// word. When a quote is never closed the line is split with quotes taken
// literally.
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if out, ok := split(s, true); ok {
		return out
	}
	out, _ := split(s, false)
	return out
}

// split reports ok=false when quotes is set and a quoted token is left open.
func split(s string, quotes bool) ([]string, bool) {
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar rune
		esc   bool
		quote bool // current token was quoted, so keep it even when empty
	)
	flush := func() {
		if buf.Len() > 0 || quote {
			out = append(out, buf.String())
			buf.Reset()
		}
		quote = false
	}
	for _, ch := range s {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteRune(ch)
		case quotes && buf.Len() == 0 && !quote && (ch == '"' || ch == '\'' || ch == '“' || ch == '”'):
			inQ, quote = true, true
			qChar = ch
			if ch == '“' {
				qChar = '”'
			}
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	if inQ {
		return nil, false
	}
	flush()
	return out, true
}

// commandName normalizes the first token: "/Add@nudge_bot" -> "add".
func commandName(tok string) string {
	tok = strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(tok, '@'); i >= 0 {
		tok = tok[:i]
	}
	return strings.ToLower(tok)
}

var (
	reDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	reTime = regexp.MustCompile(`^\d{1,2}:\d{2}(:\d{2})?$`)
)

func isDate(s string) bool {
	if !reDate.MatchString(s) {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func isTime(s string) bool {
	if !reTime.MatchString(s) {
		return false
	}
	_, err := time.Parse("15:04:05", deadline.NormalizeTime(s))
	return err == nil
}
