// Package worker drains the command queue and runs handlers. Workers hold no
// state of their own between commands: everything they share goes through
// the broker, so any number of them can run in any number of processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"seedkeeper/internal/config"
	"seedkeeper/internal/envelope"
	"seedkeeper/internal/observability/metrics"
	logx "seedkeeper/pkg/logx"
)

type Options struct {
	ID                  string
	Concurrency         int
	PopTimeout          time.Duration
	HeartbeatEvery      int
	HeartbeatMultiplier int
	PollInterval        time.Duration
	FetchTimeout        time.Duration
	HandlerTimeout      time.Duration
	Capabilities        []string
}

func OptionsFromConfig(cfg config.WorkerConfig) (Options, error) {
	o := Options{
		ID:                  strings.TrimSpace(cfg.ID),
		Concurrency:         cfg.Concurrency,
		HeartbeatEvery:      cfg.HeartbeatEvery,
		HeartbeatMultiplier: cfg.HeartbeatMultiplier,
		Capabilities:        append([]string(nil), cfg.Capabilities...),
	}
	var err error
	if o.PopTimeout, err = config.ParseDurationOrDefault("worker.pop_timeout", cfg.PopTimeout, time.Second); err != nil {
		return o, err
	}
	if o.PollInterval, err = config.ParseDurationOrDefault("worker.poll_interval", cfg.PollInterval, 500*time.Millisecond); err != nil {
		return o, err
	}
	if o.FetchTimeout, err = config.ParseDurationOrDefault("worker.fetch_timeout", cfg.FetchTimeout, 10*time.Second); err != nil {
		return o, err
	}
	if o.HandlerTimeout, err = config.ParseDurationOrDefault("worker.handler_timeout", cfg.HandlerTimeout, 2*time.Minute); err != nil {
		return o, err
	}
	return o, nil
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = defaultID()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = time.Second
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 30
	}
	if o.HeartbeatMultiplier <= 0 {
		o.HeartbeatMultiplier = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 2 * time.Minute
	}
	return o
}

func defaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// HeartbeatInterval is the nominal time between renewals: HeartbeatEvery
// idle pops.
func (o Options) HeartbeatInterval() time.Duration {
	o = o.withDefaults()
	return o.PopTimeout * time.Duration(o.HeartbeatEvery)
}

// RegistrationTTL is how long a registration outlives its last renewal.
func (o Options) RegistrationTTL() time.Duration {
	o = o.withDefaults()
	return o.HeartbeatInterval() * time.Duration(o.HeartbeatMultiplier)
}

type Worker struct {
	id   string
	opts Options
	svc  *Services
	log  logx.Logger

	processed    atomic.Uint64
	lastBeat     atomic.Int64
	registeredAt time.Time
}

func New(id string, opts Options, svc *Services, log logx.Logger) *Worker {
	opts = opts.withDefaults()
	if id == "" {
		id = opts.ID
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		id:   id,
		opts: opts,
		svc:  svc,
		log:  log.With(logx.String("comp", "worker"), logx.String("worker_id", id)),
	}
}

func (w *Worker) ID() string        { return w.id }
func (w *Worker) Processed() uint64 { return w.processed.Load() }
func (w *Worker) Options() Options  { return w.opts }

// Run pops and dispatches commands until ctx ends. A failing command is
// logged and the loop moves on; the command is not requeued.
func (w *Worker) Run(ctx context.Context) error {
	w.registeredAt = time.Now().UTC()
	w.heartbeat(ctx, StatusRunning)
	defer w.deregister()
	w.log.Info("worker started", logx.Duration("pop_timeout", w.opts.PopTimeout), logx.Strings("capabilities", w.opts.Capabilities))

	iter := 0
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped", logx.Uint64("processed", w.processed.Load()))
			return nil
		}
		start := time.Now()
		cmd, ok, err := w.svc.Queue.PopBlocking(ctx, w.opts.PopTimeout)
		switch {
		case err != nil:
			continue
		case ok:
			stop := w.renewWhileBusy(ctx)
			err := w.Dispatch(ctx, cmd)
			stop()
			if err != nil {
				w.log.Debug("dispatch error", logx.String("id", cmd.ID), logx.Err(err))
			}
		case time.Since(start) < w.opts.PopTimeout/4:
			// The queue answered early without a command, so the broker is
			// failing. Back off instead of spinning.
			select {
			case <-ctx.Done():
			case <-time.After(w.opts.PopTimeout):
			}
		}
		iter++
		// Slow iterations would stretch a count-only schedule past the TTL.
		if iter%w.opts.HeartbeatEvery == 0 || w.sinceBeat() >= w.opts.HeartbeatInterval() {
			w.heartbeat(ctx, StatusRunning)
		}
	}
}

// Dispatch runs one command through the current table. The returned error is
// informational: Run logs it and carries on.
func (w *Worker) Dispatch(ctx context.Context, cmd envelope.Command) error {
	if err := cmd.Validate(); err != nil {
		metrics.Dispatches.WithLabelValues("invalid", "error").Inc()
		w.log.Warn("invalid command dropped", logx.String("id", cmd.ID), logx.Err(err))
		return err
	}
	t := w.svc.Registry.Load()
	req := w.newRequest(ctx, cmd)

	var route Route
	switch cmd.Kind {
	case envelope.KindStructured:
		r, ok := t.Lookup(cmd.Structured.Name)
		if !ok {
			metrics.Dispatches.WithLabelValues("unknown", "unknown").Inc()
			req.Log.Debug("unknown command", logx.String("name", cmd.Structured.Name))
			if cmd.IsDM {
				return req.Reply(ctx, "I don't know that command. Try !help")
			}
			return nil
		}
		if t.Disabled(r.Name) {
			metrics.Dispatches.WithLabelValues(r.Name, "disabled").Inc()
			return req.Reply(ctx, "That command is turned off right now.")
		}
		route = r
		req.Args = cmd.Structured.Args
	case envelope.KindMessage:
		if t.Message == nil {
			return nil
		}
		route = *t.Message
	case envelope.KindReaction:
		if t.Reaction == nil {
			return nil
		}
		route = *t.Reaction
	}
	req.Name = route.Name
	req.Log = req.Log.With(logx.String("cmd", route.Name))

	timeout := w.opts.HandlerTimeout
	if route.Timeout > 0 {
		timeout = route.Timeout
	}
	final := Chain(route.Handler,
		MWPanicRecover(w.log),
		MWRequestLog(w.log),
		MWTimeout(timeout),
		MWAccess(route),
		MWRateLimit(route),
	)

	start := time.Now()
	err := final(ctx, req)
	w.processed.Add(1)
	metrics.DispatchLatency.WithLabelValues(route.Name).Observe(time.Since(start).Seconds())
	metrics.Dispatches.WithLabelValues(route.Name, outcome(err, req.denied)).Inc()
	return err
}

func outcome(err error, denied string) string {
	switch {
	case errors.Is(err, ErrPanic):
		return "panic"
	case err != nil:
		return "error"
	case denied != "":
		return "denied"
	default:
		return "ok"
	}
}

func (w *Worker) newRequest(ctx context.Context, cmd envelope.Command) *Request {
	rid := uuid.NewString()[:8]
	req := &Request{
		Command:  cmd,
		ReqID:    rid,
		WorkerID: w.id,
		svc:      w.svc,
		fetch:    w.opts.FetchTimeout,
		poll:     w.opts.PollInterval,
		Log: w.log.With(
			logx.String("req_id", rid),
			logx.String("author_id", cmd.AuthorID),
			logx.String("channel_id", cmd.ChannelID),
		),
	}
	if a := w.svc.Access; a != nil {
		req.Owner = a.IsOwner(cmd.AuthorID)
		req.Privileged = req.Owner || a.IsPrivileged(ctx, cmd.AuthorID)
	}
	return req
}
