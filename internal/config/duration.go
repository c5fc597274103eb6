package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Window is one sliding-window ceiling: at most Limit uses per Span.
type Window struct {
	Span  time.Duration
	Limit int
}

// ParseWindows converts {"1h": 10, "24h": 50} into windows sorted by span.
func ParseWindows(path string, raw map[string]int) ([]Window, error) {
	out := make([]Window, 0, len(raw))
	for k, n := range raw {
		d, err := ParseDurationField(path+"."+k, k)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s.%s: window must be > 0", path, k)
		}
		if n <= 0 {
			return nil, fmt.Errorf("%s.%s: limit must be > 0", path, k)
		}
		out = append(out, Window{Span: d, Limit: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Span < out[j].Span })
	return out, nil
}
