// Package app wires one seedkeeper process. The role decides whether it
// runs the front, the worker pool or both; everything else (config,
// logging, broker, ops server, housekeeping) is shared.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/config"
	"seedkeeper/internal/conversation"
	"seedkeeper/internal/correlation"
	"seedkeeper/internal/front"
	"seedkeeper/internal/handlers"
	"seedkeeper/internal/llm"
	"seedkeeper/internal/observability/ops"
	"seedkeeper/internal/platform"
	"seedkeeper/internal/platform/telegram"
	"seedkeeper/internal/queue"
	"seedkeeper/internal/ratelimit"
	rtsup "seedkeeper/internal/runtime/supervisor"
	"seedkeeper/internal/schedule"
	"seedkeeper/internal/session"
	"seedkeeper/internal/storage"
	"seedkeeper/internal/worker"
	logx "seedkeeper/pkg/logx"
	"seedkeeper/pkg/systemd"
)

type App struct {
	role config.Role
	info handlers.Info

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service

	broker   broker.Broker
	store    storage.Store
	limiter  ratelimit.Limiter
	sessions session.Store
	sessMem  *session.Memory

	client platform.Client
	front  *front.Front
	svc    *worker.Services
	pool   *worker.Pool

	ops   *ops.Service
	sched *schedule.Scheduler

	frontStop context.CancelFunc
	frontDone chan struct{}
	poolStop  context.CancelFunc
	poolDone  chan struct{}
}

type Option func(*App)

// WithClient replaces the Telegram adapter.
func WithClient(c platform.Client) Option { return func(a *App) { a.client = c } }

// WithVersion is reported by about and status.
func WithVersion(v string) Option { return func(a *App) { a.info.Version = v } }

func New(cfgPath string, role config.Role, opts ...Option) (_ *App, err error) {
	switch role {
	case config.RoleFront, config.RoleWorker, config.RoleAll:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	a := &App{role: role, info: handlers.Info{Name: "Seedkeeper", StartedAt: time.Now()}}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	a.cfgm = config.NewConfigManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.ValidateRole(cfg, role); err != nil {
		return nil, err
	}

	// The adapter is built before logging so it can serve as the chat sink.
	if a.client == nil && needsPlatform(cfg, role) {
		poll, err := config.ParseDurationOrDefault("platform.poll_timeout", cfg.Platform.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Platform.Token,
			PollTimeout: poll,
			HistorySize: cfg.Front.HistorySize,
		}, logx.NewConsole("INFO"))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.client = ad
	}

	var sink logx.ChatSink
	if s, ok := a.client.(logx.ChatSink); ok {
		sink = s
	}
	logs, root := logx.New(logConfig(cfg), sink)
	logs.SetChatTarget(chatTarget(cfg))
	a.logs = logs
	a.root = root.With(logx.String("role", string(role)))
	a.log = a.root.With(logx.String("comp", "app"))

	a.broker, err = broker.Open(context.Background(), cfg.Broker, a.root)
	if err != nil {
		return nil, err
	}

	cmds := queue.NewCommandQueue(a.broker, cfg.Broker.Queue, a.root)
	actions := queue.NewActionChannel(a.broker, cfg.Broker.Channel, a.root)
	results := correlation.New(a.broker, a.root)
	convTTL, err := config.ParseDurationOrDefault("front.conversation_ttl", cfg.Front.ConversationTTL, time.Hour)
	if err != nil {
		return nil, err
	}
	convs := conversation.New(a.broker, cfg.Front.ConversationSize, convTTL)

	if role != config.RoleFront {
		if err := a.buildWorkers(cfg, cmds, actions, results, convs); err != nil {
			return nil, err
		}
	}
	if role != config.RoleWorker {
		fo, err := front.OptionsFromConfig(cfg.Front)
		if err != nil {
			return nil, err
		}
		a.front = front.New(fo, front.Deps{
			Client:        a.client,
			Broker:        a.broker,
			Queue:         cmds,
			Actions:       actions,
			Results:       results,
			Conversations: convs,
			Log:           a.root,
		})
	}

	a.ops = ops.New(ops.ConfigFrom(cfg.Ops), ops.Sources{Broker: a.broker, Role: string(role)}, a.root)
	a.sched = schedule.New(a.root)
	for _, j := range a.jobs(cfg) {
		if err := a.sched.Add(j); err != nil {
			return nil, err
		}
	}

	a.log.Info("app built",
		logx.String("broker", a.broker.Driver()),
		logx.Bool("front", a.front != nil),
		logx.Bool("workers", a.pool != nil),
	)
	return a, nil
}

// buildWorkers wires storage, limiter, sessions, the model and the handler
// registry into a pool.
func (a *App) buildWorkers(cfg *config.Config, cmds *queue.CommandQueue, actions *queue.ActionChannel, results *correlation.Store, convs *conversation.Log) error {
	sc, err := storage.MapConfig(cfg.Storage)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, a.root); err != nil {
		return err
	}
	if sc.Driver != "none" {
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	if a.limiter, err = ratelimit.New(cfg.RateLimit, a.broker, a.root); err != nil {
		return err
	}
	if a.sessions, a.sessMem, err = session.Open(cfg.Session, a.broker, a.root); err != nil {
		return err
	}
	completer, err := llm.New(cfg.LLM, a.root)
	if err != nil {
		return err
	}
	wo, err := worker.OptionsFromConfig(cfg.Worker)
	if err != nil {
		return err
	}

	build := func() (*worker.Table, error) { return handlers.Build(a.cfgm.Get(), a.info) }
	tbl, err := build()
	if err != nil {
		return err
	}
	reg := worker.NewRegistry(tbl)
	reg.SetBuilder(build)

	a.svc = &worker.Services{
		Broker:        a.broker,
		Queue:         cmds,
		Actions:       actions,
		Results:       results,
		Sessions:      a.sessions,
		Limiter:       a.limiter,
		Store:         a.store,
		LLM:           completer,
		Conversations: convs,
		Registry:      reg,
		Access:        worker.NewAccess(cfg.Platform.OwnerUserIDs, a.store),
	}
	a.pool = worker.NewPool(wo, a.svc, a.root)
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Role() config.Role { return a.role }

// Broker is the shared broker the process was built with.
func (a *App) Broker() broker.Broker { return a.broker }

// Registry is nil for the front role.
func (a *App) Registry() *worker.Registry {
	if a.svc == nil {
		return nil
	}
	return a.svc.Registry
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if a.pool != nil {
		a.poolStop, a.poolDone = a.run("workers", a.pool.Run)
	}
	if a.front != nil {
		a.frontStop, a.frontDone = a.run("front", a.front.Run)
	}

	cfg := a.cfgm.Get()
	a.ops.Reconfigure(a.sup.Context(), ops.ConfigFrom(cfg.Ops))
	a.sched.Start(a.sup.Context())

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.Strings("jobs", a.sched.Jobs()))
	return nil
}

// run starts fn under the app supervisor with its own cancel so Stop can
// halt components one at a time.
func (a *App) run(name string, fn func(context.Context) error) (context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(a.sup.Context())
	done := make(chan struct{})
	a.sup.Go(name, func(context.Context) error {
		defer close(done)
		return fn(ctx)
	})
	return cancel, done
}

// validate runs before a reloaded config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := config.ValidateRole(cfg, a.role); err != nil {
		return err
	}
	if _, err := storage.MapConfig(cfg.Storage); err != nil {
		return err
	}
	if _, err := front.OptionsFromConfig(cfg.Front); err != nil {
		return err
	}
	if _, err := worker.OptionsFromConfig(cfg.Worker); err != nil {
		return err
	}
	if a.svc != nil {
		if _, err := handlers.Build(cfg, a.info); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Debug("config change summary", changed...)

	// update the chat target first so records emitted by Apply land in the new chat
	a.logs.SetChatTarget(chatTarget(cfg))
	a.logs.Apply(logConfig(cfg))

	if a.limiter != nil {
		if err := a.limiter.Apply(cfg.RateLimit); err != nil {
			a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
		}
	}
	if a.svc != nil {
		a.svc.Access.SetOwners(cfg.Platform.OwnerUserIDs)
		if err := a.svc.Registry.Rebuild(); err != nil {
			a.log.Warn("command table rebuild failed; keeping previous", logx.Err(err))
		}
	}
	a.ops.Reconfigure(ctx, ops.ConfigFrom(cfg.Ops))

	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.Strings("sections", restart))
	}
	a.log.Info("config reloaded", changed...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.release()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	// The front goes first so nothing new is queued while workers drain.
	a.step(ctx, "front", 6*time.Second, func(c context.Context) error { return halt(c, a.frontStop, a.frontDone) })
	a.step(ctx, "workers", 8*time.Second, func(c context.Context) error { return halt(c, a.poolStop, a.poolDone) })
	a.step(ctx, "scheduler", 2*time.Second, a.sched.Stop)
	a.step(ctx, "ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })

	// Finally, wait for supervised goroutines (config watch/reload, etc.)
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "broker", 2*time.Second, func(context.Context) error { return a.broker.Close() })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honour its context; if it doesn't, the
// step is abandoned and its eventual completion logged.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = max0(rem)
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

func max0(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// halt cancels one component and waits for its Run to return.
func halt(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}) error {
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release closes whatever New opened before failing.
func (a *App) release() {
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// needsPlatform reports whether the process talks to Telegram: the front
// always does, a worker only to forward logs.
func needsPlatform(cfg *config.Config, role config.Role) bool {
	if role != config.RoleWorker {
		return true
	}
	return cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Platform.Token) != ""
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

// chatTarget parses platform.group_log; anything unparsable disables the
// chat sink.
func chatTarget(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Platform.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
