// Package textsplit cuts long text into chunks a chat platform will accept.
package textsplit

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Boundaries in order of preference. Sentence ends keep their punctuation
// in the first chunk.
var seps = []string{"\n\n", "\n", ". ", "! ", "? ", " "}

// Split returns chunks of at most limit runes. Each cut prefers a paragraph
// break, then a line break, then a sentence end, then a space, and falls back
// to a hard cut when none of them leaves a chunk of at least a quarter of the
// limit. Whitespace around cuts is dropped.
func Split(s string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	rest := s
	for utf8.RuneCountInString(rest) > limit {
		cut := cutPoint(rest, limit)
		if head := strings.TrimRightFunc(rest[:cut], unicode.IsSpace); head != "" {
			out = append(out, head)
		}
		rest = strings.TrimLeftFunc(rest[cut:], unicode.IsSpace)
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}

// SplitMarked is Split with marker appended, on its own line, to every chunk
// but the last. Chunks including the marker stay within limit.
func SplitMarked(s string, limit int, marker string) []string {
	suffix := "\n" + marker
	room := limit - utf8.RuneCountInString(suffix)
	if limit <= 0 || room <= 0 || utf8.RuneCountInString(s) <= limit {
		return Split(s, limit)
	}
	chunks := Split(s, room)
	for i := 0; i < len(chunks)-1; i++ {
		chunks[i] += suffix
	}
	return chunks
}

// cutPoint returns the byte offset to cut s at so the head holds at most
// limit runes.
func cutPoint(s string, limit int) int {
	end := len(s)
	n := 0
	for i := range s {
		if n == limit {
			end = i
			break
		}
		n++
	}
	window := s[:end]
	floor := len(window) / 4
	for _, sep := range seps {
		i := strings.LastIndex(window, sep)
		if i <= 0 || i < floor {
			continue
		}
		if sep[0] == '.' || sep[0] == '!' || sep[0] == '?' {
			return i + 1
		}
		return i + len(sep)
	}
	return end
}
