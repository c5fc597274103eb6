package envelope

import (
	"strings"
	"unicode"
)

// ParseCommandLine recognises a structured command: content that starts with
// one of prefixes followed directly by a name. The name is lowercased and a
// trailing "@botname" is dropped when it matches botName (or always, when
// botName is empty). Args keep their case.
func ParseCommandLine(content string, prefixes []string, botName string) (*Structured, bool) {
	s := strings.TrimSpace(content)
	var rest string
	matched := false
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			rest = s[len(p):]
			matched = true
			break
		}
	}
	if !matched || rest == "" || unicode.IsSpace(rune(rest[0])) {
		return nil, false
	}
	toks := Tokenize(rest)
	if len(toks) == 0 {
		return nil, false
	}
	name := strings.ToLower(toks[0])
	if at := strings.IndexByte(name, '@'); at >= 0 {
		if botName != "" && !strings.EqualFold(name[at+1:], botName) {
			// Addressed to another bot.
			return nil, false
		}
		name = name[:at]
	}
	if name == "" {
		return nil, false
	}
	return &Structured{Name: name, Args: toks[1:], Raw: s}, true
}

// Tokenize splits on whitespace. Double quotes (straight or curly) group
// words and a backslash escapes the next byte. Apostrophes are literal so
// "don't" stays one token.
func Tokenize(s string) []string {
	var (
		out  []string
		buf  strings.Builder
		inQ  bool
		esc  bool
		have bool
	)
	flush := func() {
		if have {
			out = append(out, buf.String())
			buf.Reset()
			have = false
		}
	}
	for _, r := range s {
		switch {
		case esc:
			buf.WriteRune(r)
			esc, have = false, true
		case r == '\\':
			esc = true
		case r == '"' || r == '“' || r == '”':
			inQ = !inQ
			have = true
		case !inQ && unicode.IsSpace(r):
			flush()
		default:
			buf.WriteRune(r)
			have = true
		}
	}
	flush()
	return out
}
