// Package ttlcache is an in-memory byte store with per-entry expiry.
//
// Expired entries are never returned. They are removed lazily on read,
// by an amortized sweep piggybacked on writes, and by explicit Sweep calls
// from the owner's housekeeping job.
package ttlcache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	b   []byte
	exp time.Time // zero means no expiry
}

type Cache struct {
	mu sync.RWMutex

	max        int
	sweepEvery time.Duration
	nextSweep  time.Time
	now        func() time.Time

	m map[string]entry
}

type Option func(*Cache)

// WithMax bounds the number of live entries. When exceeded, entries closest
// to expiry are evicted first.
func WithMax(n int) Option { return func(c *Cache) { c.max = n } }

// WithSweepEvery sets how often writes trigger a full expiry sweep.
func WithSweepEvery(d time.Duration) Option { return func(c *Cache) { c.sweepEvery = d } }

// WithClock replaces time.Now. Tests use it to move time deterministically.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func New(opts ...Option) *Cache {
	c := &Cache{
		max:        10000,
		sweepEvery: time.Minute,
		now:        time.Now,
		m:          map[string]entry{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.sweepEvery <= 0 {
		c.sweepEvery = time.Minute
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Set stores a copy of b. ttl <= 0 stores without expiry.
func (c *Cache) Set(key string, b []byte, ttl time.Duration) {
	now := c.now()
	e := entry{b: append([]byte(nil), b...)}
	if ttl > 0 {
		e.exp = now.Add(ttl)
	}

	c.mu.Lock()
	c.m[key] = e
	c.maybeSweepLocked(now)
	c.enforceMaxLocked()
	c.mu.Unlock()
}

// Get returns a copy of the value. An expired entry is deleted and reported
// as absent.
func (c *Cache) Get(key string) ([]byte, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		c.mu.Lock()
		if cur, ok := c.m[key]; ok && cur.expired(now) {
			delete(c.m, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return append([]byte(nil), e.b...), true
}

// Take returns the value and removes it in one step. At most one caller
// observes a given write.
func (c *Cache) Take(key string) ([]byte, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	delete(c.m, key)
	if e.expired(now) {
		return nil, false
	}
	return e.b, true
}

func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.m[key]
	delete(c.m, key)
	c.mu.Unlock()
	return ok
}

// Keys lists live keys with the given prefix, sorted.
func (c *Cache) Keys(prefix string) []string {
	now := c.now()
	c.mu.RLock()
	out := make([]string, 0, len(c.m))
	for k, e := range c.m {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			out = append(out, k)
		}
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	n := c.sweepLocked(now)
	c.nextSweep = now.Add(c.sweepEvery)
	c.mu.Unlock()
	return n
}

func (e entry) expired(now time.Time) bool {
	return !e.exp.IsZero() && !now.Before(e.exp)
}

func (c *Cache) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range c.m {
		if e.expired(now) {
			delete(c.m, k)
			n++
		}
	}
	return n
}

func (c *Cache) maybeSweepLocked(now time.Time) {
	if c.nextSweep.IsZero() {
		c.nextSweep = now.Add(c.sweepEvery)
		return
	}
	if now.Before(c.nextSweep) {
		return
	}
	c.sweepLocked(now)
	c.nextSweep = now.Add(c.sweepEvery)
}

func (c *Cache) enforceMaxLocked() {
	if c.max <= 0 || len(c.m) <= c.max {
		return
	}
	c.sweepLocked(c.now())
	over := len(c.m) - c.max
	if over <= 0 {
		return
	}
	type kv struct {
		k   string
		exp time.Time
	}
	all := make([]kv, 0, len(c.m))
	for k, e := range c.m {
		all = append(all, kv{k, e.exp})
	}
	// Entries without expiry go last.
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].exp, all[j].exp
		if a.IsZero() != b.IsZero() {
			return !a.IsZero()
		}
		return a.Before(b)
	})
	for i := 0; i < over; i++ {
		delete(c.m, all[i].k)
	}
}
