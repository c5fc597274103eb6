package handlers

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var monthNames = map[string]int{
	"january": 1, "jan": 1, "february": 2, "feb": 2, "march": 3, "mar": 3,
	"april": 4, "apr": 4, "may": 5, "june": 6, "jun": 6, "july": 7, "jul": 7,
	"august": 8, "aug": 8, "september": 9, "sep": 9, "sept": 9,
	"october": 10, "oct": 10, "november": 11, "nov": 11, "december": 12, "dec": 12,
}

var (
	reOrdinal   = regexp.MustCompile(`(?i)(\d+)(st|nd|rd|th)\b`)
	reISO       = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})[-/](\d{1,2})$`)
	reNameFirst = regexp.MustCompile(`^([A-Za-z]+)\.?\s+(\d{1,2})(?:\s*,?\s*(\d{2,4}))?$`)
	reDayFirst  = regexp.MustCompile(`^(\d{1,2})\s+([A-Za-z]+)\.?(?:\s+(\d{2,4}))?$`)
	reNumeric3  = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})[-/.](\d{2,4})$`)
	reNumeric2  = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})$`)
	reNickname  = regexp.MustCompile(`\(([^)]*)\)`)
)

var errDateFormat = errors.New("could not read that date; try 03-15, March 15, 15 Mar 1990 or 1990-03-15")

// Date is a birthday. Year is 0 when it was not given.
type Date struct {
	Month int `json:"month"`
	Day   int `json:"day"`
	Year  int `json:"year,omitempty"`
}

func (d Date) String() string { return fmt.Sprintf("%02d-%02d", d.Month, d.Day) }

// ParseDate reads the usual ways people write a birthday. Ambiguous numeric
// dates are month first unless the first number cannot be a month.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(reOrdinal.ReplaceAllString(strings.TrimSpace(s), "$1"))
	if s == "" {
		return Date{}, errors.New("no date given")
	}
	if m := reISO.FindStringSubmatch(s); m != nil {
		return validDate(atoi(m[2]), atoi(m[3]), atoi(m[1]))
	}
	if m := reNameFirst.FindStringSubmatch(s); m != nil {
		if mo, ok := monthNames[strings.ToLower(m[1])]; ok {
			return validDate(mo, atoi(m[2]), fullYear(m[3]))
		}
	}
	if m := reDayFirst.FindStringSubmatch(s); m != nil {
		if mo, ok := monthNames[strings.ToLower(m[2])]; ok {
			return validDate(mo, atoi(m[1]), fullYear(m[3]))
		}
	}
	if m := reNumeric3.FindStringSubmatch(s); m != nil {
		mo, d := monthFirst(atoi(m[1]), atoi(m[2]))
		return validDate(mo, d, fullYear(m[3]))
	}
	if m := reNumeric2.FindStringSubmatch(s); m != nil {
		mo, d := monthFirst(atoi(m[1]), atoi(m[2]))
		return validDate(mo, d, 0)
	}
	return Date{}, errDateFormat
}

func monthFirst(a, b int) (month, day int) {
	if a > 12 {
		return b, a
	}
	return a, b
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// fullYear widens two digit years: 00-29 is 2000s, 30-99 is 1900s.
func fullYear(s string) int {
	if s == "" {
		return 0
	}
	y := atoi(s)
	switch {
	case len(s) > 2:
		return y
	case y <= 29:
		return 2000 + y
	default:
		return 1900 + y
	}
}

func validDate(month, day, year int) (Date, error) {
	if month < 1 || month > 12 {
		return Date{}, fmt.Errorf("invalid month %d", month)
	}
	if day < 1 || day > 31 {
		return Date{}, fmt.Errorf("invalid day %d", day)
	}
	check := year
	if check == 0 {
		// Leap year so 02-29 is accepted.
		check = 2024
	}
	t := time.Date(check, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(month) {
		return Date{}, fmt.Errorf("invalid date %02d-%02d", month, day)
	}
	if year != 0 && (year < 1900 || year > time.Now().Year()) {
		return Date{}, fmt.Errorf("year %d is out of range", year)
	}
	return Date{Month: month, Day: day, Year: year}, nil
}

// Entry is one parsed "name date" pair.
type Entry struct {
	Name     string `json:"name"`
	Nickname string `json:"nickname,omitempty"`
	Date     Date   `json:"date"`
}

// ParseEntries reads entries separated by semicolons or newlines, each a
// name with an optional "(nickname)" followed by a date. Entries that do not
// parse are returned as rejects.
func ParseEntries(text string) (entries []Entry, rejects []string) {
	parts := strings.FieldsFunc(text, func(r rune) bool { return r == ';' || r == '\n' })
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		e, ok := parseEntry(p)
		if !ok {
			rejects = append(rejects, p)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rejects
}

func parseEntry(s string) (Entry, bool) {
	var nick string
	if m := reNickname.FindStringSubmatch(s); m != nil {
		nick = strings.TrimSpace(m[1])
		s = strings.TrimSpace(reNickname.ReplaceAllString(s, " "))
	}
	s = strings.ReplaceAll(s, ":", " ")
	words := strings.Fields(s)
	// The date is the longest tail that parses, at most three words.
	for n := min(3, len(words)-1); n >= 1; n-- {
		d, err := ParseDate(strings.Join(words[len(words)-n:], " "))
		if err != nil {
			continue
		}
		name := strings.TrimRight(strings.Join(words[:len(words)-n], " "), " ,-")
		if name == "" {
			return Entry{}, false
		}
		return Entry{Name: name, Nickname: nick, Date: d}, true
	}
	return Entry{}, false
}
