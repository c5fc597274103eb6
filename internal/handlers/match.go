package handlers

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/reinhrst/fzf-lib"

	"seedkeeper/internal/platform"
)

const (
	matchThreshold = 0.6
	substringScore = 0.85
	searchTimeout  = 500 * time.Millisecond
)

// candidate is one searchable spelling of a member.
type candidate struct {
	text   string
	member int
}

// matchMember finds the member whose name or username best fits name or
// nickname. An exact match wins at once. Otherwise fzf ranks the spellings
// that contain the term as a subsequence; each hit scores 2*matched/total
// runes, substrings score at least 0.85, and scores below 0.6 are no match.
func matchMember(name, nickname string, members []platform.Member) (platform.Member, float64, bool) {
	var terms []string
	for _, t := range []string{name, nickname} {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		terms = append(terms, t)
		if c := alnum(t); c != t && c != "" {
			terms = append(terms, c)
		}
	}

	var cands []candidate
	for i, m := range members {
		for _, n := range []string{m.Name, m.Username} {
			n = strings.ToLower(strings.TrimSpace(n))
			if n == "" {
				continue
			}
			cands = append(cands, candidate{text: n, member: i})
			if c := alnum(n); c != n && c != "" {
				cands = append(cands, candidate{text: c, member: i})
			}
		}
	}
	for _, term := range terms {
		for _, c := range cands {
			if term == c.text {
				return members[c.member], 1, true
			}
		}
	}

	hay := make([]string, len(cands))
	for i, c := range cands {
		hay[i] = c.text
	}
	best, bestScore := -1, 0.0
	for _, term := range terms {
		hits, err := fuzzyFind(term, hay)
		if err != nil {
			continue
		}
		// Every rune of the term is matched in a fuzzy hit.
		n := utf8.RuneCountInString(term)
		for _, h := range hits {
			c := cands[h.HayIndex]
			score := ratio(n, term, c.text)
			if strings.Contains(c.text, term) {
				score = max(score, substringScore)
			}
			if score > bestScore {
				best, bestScore = c.member, score
			}
		}
		// A spelling shorter than the term never holds it as a subsequence.
		for _, c := range cands {
			if strings.Contains(term, c.text) && substringScore > bestScore {
				best, bestScore = c.member, substringScore
			}
		}
	}
	if best < 0 || bestScore < matchThreshold {
		return platform.Member{}, bestScore, false
	}
	return members[best], bestScore, true
}

// fuzzyFind runs one fzf search over hay and waits for its result.
func fuzzyFind(query string, hay []string) ([]fzf.MatchResult, error) {
	opts := fzf.DefaultOptions()
	opts.Extended = false
	s := fzf.New(hay, opts)
	defer s.End()

	s.Search(query)
	select {
	case res := <-s.GetResultChannel():
		return res.Matches, nil
	case <-time.After(searchTimeout):
		return nil, fmt.Errorf("member search timed out after %v", searchTimeout)
	}
}

// ratio mirrors a sequence-match ratio: twice the matched runes over the
// runes of both strings.
func ratio(matched int, a, b string) float64 {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 1
	}
	return float64(2*matched) / float64(total)
}

func alnum(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
