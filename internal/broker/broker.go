// Package broker is the shared substrate between the front and the workers:
// named FIFO lists, a publish/subscribe channel and a keyed store with
// per-key expiry.
//
// The memory driver serves a single process. The redis driver lets front and
// worker processes run on different hosts.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"seedkeeper/internal/config"
	logx "seedkeeper/pkg/logx"
)

var (
	ErrClosed = errors.New("broker closed")
	ErrDriver = errors.New("unknown broker driver")
)

// Subscription delivers raw channel payloads until Close or until the
// context passed to Subscribe ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type Broker interface {
	// Push appends to the tail of list.
	Push(ctx context.Context, list string, payload []byte) error
	// PopBlocking removes the head of list, waiting up to timeout for one to
	// appear. ok is false on timeout.
	PopBlocking(ctx context.Context, list string, timeout time.Duration) (payload []byte, ok bool, err error)
	Len(ctx context.Context, list string) (int64, error)

	// Publish returns the number of subscribers that received payload.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Set stores value under key. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Take reads and deletes key in one step. Only one caller can win.
	Take(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	// Keys lists live keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

// Open builds the broker selected by cfg.Driver and checks it is reachable.
func Open(ctx context.Context, cfg config.BrokerConfig, log logx.Logger) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		dial, err := config.ParseDurationOrDefault("broker.dial_timeout", cfg.DialTimeout, 5*time.Second)
		if err != nil {
			return nil, err
		}
		b := NewRedis(RedisOptions{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			KeyPrefix:   cfg.KeyPrefix,
			DialTimeout: dial,
		}, log)
		pctx, cancel := context.WithTimeout(ctx, dial)
		defer cancel()
		if err := b.Ping(pctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("broker ping %s: %w", cfg.Addr, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrDriver, cfg.Driver)
	}
}
