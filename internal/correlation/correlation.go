// Package correlation ferries the result of a front-side query back to the
// worker that asked for it.
//
// The worker picks a request id, publishes an action carrying it and waits on
// the key of the same name. The front writes the result once with a TTL so an
// abandoned result expires on its own.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/observability/metrics"
	logx "seedkeeper/pkg/logx"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// Result is what the front writes under a request id.
type Result struct {
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func OK(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusOK, Data: b}, nil
}

func NotFound() Result { return Result{Status: StatusNotFound} }

func Failed(msg string) Result { return Result{Status: StatusError, Error: msg} }

var ErrNotOK = errors.New("correlation result not ok")

// Decode unmarshals Data into out. Non-ok results return ErrNotOK.
func (r Result) Decode(out any) error {
	if r.Status != StatusOK {
		if r.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrNotOK, r.Status, r.Error)
		}
		return fmt.Errorf("%w: %s", ErrNotOK, r.Status)
	}
	return json.Unmarshal(r.Data, out)
}

// NewRequestID returns "<purpose>:<requester>:<random>".
func NewRequestID(purpose, requester string) string {
	return purpose + ":" + requester + ":" + uuid.NewString()
}

// Purpose returns the first segment of a request id.
func Purpose(id string) string {
	p, _, _ := strings.Cut(id, ":")
	return p
}

type Store struct {
	b   broker.Broker
	log logx.Logger
}

func New(b broker.Broker, log logx.Logger) *Store {
	return &Store{b: b, log: log.With(logx.String("comp", "correlation"))}
}

// Put writes r under id. A second Put with the same id overwrites.
func (s *Store) Put(ctx context.Context, id string, r Result, ttl time.Duration) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.b.Set(ctx, id, b, ttl)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.b.Delete(ctx, id)
}

// PollUntil checks for id every interval until it appears or timeout
// elapses. It leaves the entry in place; callers that read it should Delete
// it. ok is false on timeout. err is set only when ctx ended.
func (s *Store) PollUntil(ctx context.Context, id string, timeout, interval time.Duration) (Result, bool, error) {
	return s.poll(ctx, id, timeout, interval, s.b.Get)
}

// Await is PollUntil with delete-on-read folded into one atomic step, so of
// several concurrent waiters on one id at most one gets the result.
func (s *Store) Await(ctx context.Context, id string, timeout, interval time.Duration) (Result, bool, error) {
	return s.poll(ctx, id, timeout, interval, s.b.Take)
}

type readFunc func(ctx context.Context, key string) ([]byte, bool, error)

func (s *Store) poll(ctx context.Context, id string, timeout, interval time.Duration, read readFunc) (Result, bool, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	start := time.Now()
	purpose := Purpose(id)
	observe := func(outcome string) {
		metrics.CorrelationWaits.WithLabelValues(purpose, outcome).Observe(time.Since(start).Seconds())
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	try := func() (Result, bool) {
		raw, ok, err := read(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("correlation read failed", logx.String("request_id", id), logx.Err(err))
			}
			return Result{}, false
		}
		if !ok {
			return Result{}, false
		}
		var r Result
		if err := json.Unmarshal(raw, &r); err != nil {
			s.log.Warn("undecodable correlation result", logx.String("request_id", id), logx.Err(err))
			return Failed("undecodable result"), true
		}
		return r, true
	}

	for {
		if r, ok := try(); ok {
			observe("hit")
			return r, true, nil
		}
		select {
		case <-ctx.Done():
			observe("canceled")
			return Result{}, false, ctx.Err()
		case <-deadline.C:
			// One last look so a result written right at the deadline counts.
			if r, ok := try(); ok {
				observe("hit")
				return r, true, nil
			}
			observe("timeout")
			return Result{}, false, nil
		case <-tick.C:
		}
	}
}
