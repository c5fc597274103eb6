package app

import (
	"context"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/config"
	"seedkeeper/internal/observability/metrics"
	"seedkeeper/internal/schedule"
	"seedkeeper/internal/storage"
	"seedkeeper/internal/worker"
	logx "seedkeeper/pkg/logx"
)

// jobs lists the housekeeping the process needs for the components it built.
func (a *App) jobs(cfg *config.Config) []schedule.Job {
	var out []schedule.Job

	if a.sessMem != nil {
		every, err := config.ParseDurationOrDefault("session.sweep_every", cfg.Session.SweepEvery, time.Minute)
		if err != nil || every < time.Second {
			every = time.Minute
		}
		out = append(out, schedule.Job{Name: "session.sweep", Every: every, Run: func(context.Context) error {
			a.sessMem.Sweep()
			return nil
		}})
	}
	if a.limiter != nil {
		out = append(out, schedule.Job{Name: "ratelimit.prune", Every: 5 * time.Minute, Run: func(ctx context.Context) error {
			n, err := a.limiter.Prune(ctx)
			if n > 0 {
				a.log.Debug("rate limit state pruned", logx.Int("removed", n))
			}
			return err
		}})
	}
	if m, ok := a.broker.(*broker.Memory); ok {
		out = append(out, schedule.Job{Name: "broker.sweep", Every: time.Minute, Run: func(context.Context) error {
			m.Sweep()
			return nil
		}})
	}
	if a.front != nil {
		every := a.front.StatusEvery()
		if every < time.Second {
			every = time.Second
		}
		out = append(out, schedule.Job{Name: "front.status", Every: every, Run: a.front.RefreshStatus})
	}
	out = append(out, schedule.Job{Name: "workers.count", Every: 30 * time.Second, Run: func(ctx context.Context) error {
		regs, err := worker.ActiveWorkers(ctx, a.broker)
		if err != nil {
			return err
		}
		metrics.ActiveWorkers.Set(float64(len(regs)))
		return nil
	}})
	if a.store != nil {
		out = append(out, schedule.Job{Name: "storage.prune", Every: 24 * time.Hour, Timeout: time.Minute, Run: func(ctx context.Context) error {
			n, err := a.store.Prune(ctx, time.Now().Add(-storage.UsageRetention))
			if n > 0 {
				a.log.Info("usage rows pruned", logx.Int("removed", n))
			}
			return err
		}})
	}
	return out
}
