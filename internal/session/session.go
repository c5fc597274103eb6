// Package session stores short-lived state for multi-step flows such as
// "parse, then match, then confirm". Entries expire; nothing here is durable.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/config"
	"seedkeeper/internal/observability/metrics"
	logx "seedkeeper/pkg/logx"
	"seedkeeper/pkg/ttlcache"
)

// Store holds JSON-encodable values under string keys with a TTL.
type Store interface {
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	// Get decodes the value into out. ok is false when the key is absent or
	// expired.
	Get(ctx context.Context, key string, out any) (ok bool, err error)
	Delete(ctx context.Context, key string) error
}

// Key builds the conventional "feature:user" key.
func Key(feature, userID string) string { return feature + ":" + userID }

// Memory is a process-local store. Expired entries are dropped on read and
// by Run's periodic sweep.
type Memory struct {
	c          *ttlcache.Cache
	defaultTTL time.Duration
}

func NewMemory(defaultTTL time.Duration, opts ...ttlcache.Option) *Memory {
	return &Memory{c: ttlcache.New(opts...), defaultTTL: defaultTTL}
}

func (m *Memory) Set(_ context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.c.Set(key, b, ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, key string, out any) (bool, error) {
	b, ok := m.c.Get(key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

// Sweep removes every expired entry now.
func (m *Memory) Sweep() int {
	n := m.c.Sweep()
	metrics.SessionSweeps.Add(float64(n))
	return n
}

func (m *Memory) Len() int { return m.c.Len() }

// Shared keeps sessions in the broker so any worker can continue a flow a
// different worker started. Expiry is the broker's.
type Shared struct {
	b          broker.Broker
	prefix     string
	defaultTTL time.Duration
}

func NewShared(b broker.Broker, defaultTTL time.Duration) *Shared {
	return &Shared{b: b, prefix: "session:", defaultTTL: defaultTTL}
}

func (s *Shared) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.b.Set(ctx, s.prefix+key, b, ttl)
}

func (s *Shared) Get(ctx context.Context, key string, out any) (bool, error) {
	b, ok, err := s.b.Get(ctx, s.prefix+key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

func (s *Shared) Delete(ctx context.Context, key string) error {
	return s.b.Delete(ctx, s.prefix+key)
}

// Open builds the configured store. The memory store is returned as
// *Memory so the caller can schedule its sweep.
func Open(cfg config.SessionConfig, b broker.Broker, log logx.Logger) (Store, *Memory, error) {
	ttl, err := config.ParseDurationOrDefault("session.default_ttl", cfg.DefaultTTL, 5*time.Minute)
	if err != nil {
		return nil, nil, err
	}
	if strings.EqualFold(cfg.Backend, "broker") {
		log.Info("session store on broker", logx.String("driver", b.Driver()))
		return NewShared(b, ttl), nil, nil
	}
	every, err := config.ParseDurationOrDefault("session.sweep_every", cfg.SweepEvery, time.Minute)
	if err != nil {
		return nil, nil, err
	}
	m := NewMemory(ttl, ttlcache.WithMax(cfg.MaxEntries), ttlcache.WithSweepEvery(every))
	return m, m, nil
}
