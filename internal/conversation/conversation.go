// Package conversation keeps the last few direct-message turns per user in
// the broker. The front writes both sides of the exchange; workers read it
// to give the language model some context.
package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"seedkeeper/internal/broker"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	maxContent = 500
)

type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Log stores turns under "conversation:<user>". Append is a read-modify-write
// guarded by a process mutex, which is enough while the front is its only
// writer.
type Log struct {
	b    broker.Broker
	size int
	ttl  time.Duration
	mu   sync.Mutex
}

func New(b broker.Broker, size int, ttl time.Duration) *Log {
	if size <= 0 {
		size = 10
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Log{b: b, size: size, ttl: ttl}
}

func Key(userID string) string { return "conversation:" + userID }

func (l *Log) Append(ctx context.Context, userID string, t Turn) error {
	if utf8.RuneCountInString(t.Content) > maxContent {
		t.Content = string([]rune(t.Content)[:maxContent])
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	turns, err := l.Load(ctx, userID)
	if err != nil {
		return err
	}
	turns = append(turns, t)
	if len(turns) > l.size {
		turns = turns[len(turns)-l.size:]
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	return l.b.Set(ctx, Key(userID), b, l.ttl)
}

// Load returns the stored turns oldest first; none is not an error.
func (l *Log) Load(ctx context.Context, userID string) ([]Turn, error) {
	raw, ok, err := l.b.Get(ctx, Key(userID))
	if err != nil || !ok {
		return nil, err
	}
	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

func (l *Log) Clear(ctx context.Context, userID string) error {
	return l.b.Delete(ctx, Key(userID))
}
