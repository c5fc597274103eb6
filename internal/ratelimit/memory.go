package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"seedkeeper/internal/config"
)

// Memory keeps usage in process. Use it when one process runs every worker.
type Memory struct {
	pol atomic.Pointer[policy]
	now func() time.Time

	mu     sync.Mutex
	users  map[userKey]*usage
	global map[string][]time.Time
}

type userKey struct{ user, class string }

type usage struct {
	last time.Time
	hits []time.Time
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption { return func(m *Memory) { m.now = now } }

func NewMemory(cfg config.RateLimitConfig, opts ...MemoryOption) (*Memory, error) {
	m := &Memory{now: time.Now, users: map[userKey]*usage{}, global: map[string][]time.Time{}}
	for _, o := range opts {
		o(m)
	}
	if err := m.Apply(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Memory) Apply(cfg config.RateLimitConfig) error {
	p, err := compile(cfg)
	if err != nil {
		return err
	}
	m.pol.Store(p)
	return nil
}

// dropBefore removes hits at or before cutoff. hits is oldest first.
func dropBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

// inWindow counts hits newer than now-span and returns the oldest of them.
func inWindow(hits []time.Time, now time.Time, span time.Duration) (int, time.Time) {
	cutoff := now.Add(-span)
	for i, h := range hits {
		if h.After(cutoff) {
			return len(hits) - i, h
		}
	}
	return 0, time.Time{}
}

func firstFull(hits []time.Time, ws []config.Window, now time.Time) (config.Window, time.Duration, bool) {
	for _, w := range ws {
		n, oldest := inWindow(hits, now, w.Span)
		if n >= w.Limit {
			return w, oldest.Add(w.Span).Sub(now), true
		}
	}
	return config.Window{}, 0, false
}

func (m *Memory) Check(_ context.Context, userID, command string, privileged bool) (Decision, error) {
	p := m.pol.Load()
	c, d, done := p.precheck(command, privileged)
	if done {
		return record(d), nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	k := userKey{userID, c.Name}
	u := m.users[k]
	if u == nil {
		u = &usage{}
		m.users[k] = u
	}
	u.hits = dropBefore(u.hits, now.Add(-c.longest(c.Windows)))
	g := dropBefore(m.global[c.Name], now.Add(-c.longest(c.Global)))
	m.global[c.Name] = g

	if c.Cooldown > 0 && !u.last.IsZero() {
		if since := now.Sub(u.last); since < c.Cooldown {
			return record(denyCooldown(c, c.Cooldown-since)), nil
		}
	}
	if w, retry, full := firstFull(u.hits, c.Windows, now); full {
		return record(denyWindow(c, w, retry)), nil
	}
	if _, retry, full := firstFull(g, c.Global, now); full {
		return record(denyGlobal(c, retry)), nil
	}

	u.last = now
	if len(c.Windows) > 0 {
		u.hits = append(u.hits, now)
	}
	if len(c.Global) > 0 {
		m.global[c.Name] = append(g, now)
	}
	return record(Decision{Allowed: true, Result: ResultAllowed, Class: c.Name}), nil
}

func (m *Memory) Reset(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.users {
		if k.user == userID {
			delete(m.users, k)
		}
	}
	return nil
}

func (m *Memory) Status(_ context.Context, userID string) ([]ClassStatus, error) {
	p := m.pol.Load()
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ClassStatus, 0, len(p.order))
	for _, name := range p.order {
		c := p.classes[name]
		st := ClassStatus{Class: name}
		u := m.users[userKey{userID, name}]
		if u != nil && c.Cooldown > 0 && !u.last.IsZero() {
			st.CooldownLeft = max(c.Cooldown-now.Sub(u.last), 0)
		}
		var hits []time.Time
		if u != nil {
			hits = u.hits
		}
		for _, w := range c.Windows {
			n, _ := inWindow(hits, now, w.Span)
			st.Windows = append(st.Windows, WindowStatus{Span: w.Span, Limit: w.Limit, Used: n, Remaining: max(w.Limit-n, 0)})
		}
		for _, w := range c.Global {
			n, _ := inWindow(m.global[name], now, w.Span)
			st.Windows = append(st.Windows, WindowStatus{Span: w.Span, Limit: w.Limit, Used: n, Remaining: max(w.Limit-n, 0), Global: true})
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *Memory) Prune(context.Context) (int, error) {
	p := m.pol.Load()
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, u := range m.users {
		c := p.classes[k.class]
		if c == nil {
			removed += len(u.hits)
			delete(m.users, k)
			continue
		}
		before := len(u.hits)
		u.hits = dropBefore(u.hits, now.Add(-c.longest(c.Windows)))
		removed += before - len(u.hits)
		if len(u.hits) == 0 && now.Sub(u.last) >= c.Cooldown {
			delete(m.users, k)
		}
	}
	for name, g := range m.global {
		c := p.classes[name]
		if c == nil {
			removed += len(g)
			delete(m.global, name)
			continue
		}
		before := len(g)
		g = dropBefore(g, now.Add(-c.longest(c.Global)))
		removed += before - len(g)
		if len(g) == 0 {
			delete(m.global, name)
		} else {
			m.global[name] = g
		}
	}
	return removed, nil
}
