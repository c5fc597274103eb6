// Package queue carries commands and actions over the broker. Failures are
// logged and counted and never retried: a dropped command or action is an
// accepted loss for chat traffic.
package queue

import (
	"context"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/envelope"
	"seedkeeper/internal/observability/metrics"
	logx "seedkeeper/pkg/logx"
)

// CommandQueue is the FIFO hand-off from the front to the worker pool.
type CommandQueue struct {
	b    broker.Broker
	name string
	log  logx.Logger
}

func NewCommandQueue(b broker.Broker, name string, log logx.Logger) *CommandQueue {
	return &CommandQueue{b: b, name: name, log: log.With(logx.String("comp", "queue"), logx.String("queue", name))}
}

// Push appends cmd. It reports false, without error, when the command could
// not be encoded or the broker rejected it.
func (q *CommandQueue) Push(ctx context.Context, cmd envelope.Command) bool {
	b, err := envelope.EncodeCommand(cmd)
	if err != nil {
		metrics.QueueOps.WithLabelValues("push", "bad_payload").Inc()
		q.log.Warn("command not queued", logx.String("kind", string(cmd.Kind)), logx.Err(err))
		return false
	}
	if err := q.b.Push(ctx, q.name, b); err != nil {
		metrics.QueueOps.WithLabelValues("push", "error").Inc()
		q.log.Warn("command dropped", logx.String("kind", string(cmd.Kind)), logx.String("id", cmd.ID), logx.Err(err))
		return false
	}
	metrics.QueueOps.WithLabelValues("push", "ok").Inc()
	return true
}

// PopBlocking waits up to timeout for the next command. ok is false on
// timeout, on a broker error (logged) and on an undecodable payload (logged
// and discarded). err is only set when ctx ended.
func (q *CommandQueue) PopBlocking(ctx context.Context, timeout time.Duration) (envelope.Command, bool, error) {
	raw, ok, err := q.b.PopBlocking(ctx, q.name, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return envelope.Command{}, false, ctx.Err()
		}
		metrics.QueueOps.WithLabelValues("pop", "error").Inc()
		q.log.Warn("queue pop failed", logx.Err(err))
		return envelope.Command{}, false, nil
	}
	if !ok {
		metrics.QueueOps.WithLabelValues("pop", "timeout").Inc()
		return envelope.Command{}, false, nil
	}
	cmd, err := envelope.DecodeCommand(raw)
	if err != nil {
		metrics.QueueOps.WithLabelValues("pop", "bad_payload").Inc()
		q.log.Warn("discarding undecodable command", logx.Int("bytes", len(raw)), logx.Err(err))
		return envelope.Command{}, false, nil
	}
	metrics.QueueOps.WithLabelValues("pop", "ok").Inc()
	return cmd, true, nil
}

func (q *CommandQueue) Len(ctx context.Context) (int64, error) {
	return q.b.Len(ctx, q.name)
}

// ActionChannel is the broadcast path from workers back to the front.
type ActionChannel struct {
	b    broker.Broker
	name string
	log  logx.Logger
}

func NewActionChannel(b broker.Broker, name string, log logx.Logger) *ActionChannel {
	return &ActionChannel{b: b, name: name, log: log.With(logx.String("comp", "channel"), logx.String("channel", name))}
}

// Publish broadcasts act. It reports false when the action was invalid or
// the broker failed. Zero receivers is logged but still counts as sent.
func (c *ActionChannel) Publish(ctx context.Context, act envelope.Action) bool {
	kind := string(act.Kind)
	b, err := envelope.EncodeAction(act)
	if err != nil {
		metrics.ActionsPublished.WithLabelValues(kind, "bad_payload").Inc()
		c.log.Warn("action not published", logx.String("kind", kind), logx.Err(err))
		return false
	}
	n, err := c.b.Publish(ctx, c.name, b)
	if err != nil {
		metrics.ActionsPublished.WithLabelValues(kind, "error").Inc()
		c.log.Warn("action dropped", logx.String("kind", kind), logx.String("request_id", act.RequestID), logx.Err(err))
		return false
	}
	if n == 0 {
		metrics.ActionsPublished.WithLabelValues(kind, "no_receivers").Inc()
		c.log.Debug("action published with no front listening", logx.String("kind", kind))
		return true
	}
	metrics.ActionsPublished.WithLabelValues(kind, "ok").Inc()
	return true
}

// Subscribe streams decoded actions until ctx ends or stop is called.
// Undecodable payloads are logged and skipped.
func (c *ActionChannel) Subscribe(ctx context.Context) (<-chan envelope.Action, func(), error) {
	sub, err := c.b.Subscribe(ctx, c.name)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan envelope.Action, 64)
	go func() {
		defer close(out)
		for raw := range sub.Messages() {
			act, err := envelope.DecodeAction(raw)
			if err != nil {
				c.log.Warn("discarding undecodable action", logx.Int("bytes", len(raw)), logx.Err(err))
				continue
			}
			select {
			case out <- act:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}
