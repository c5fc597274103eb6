// Package front owns the platform connection. It turns platform events into
// commands on the queue and executes the actions workers broadcast back,
// answering fetch actions through the correlation store.
package front

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/config"
	"seedkeeper/internal/conversation"
	"seedkeeper/internal/correlation"
	"seedkeeper/internal/envelope"
	"seedkeeper/internal/observability/metrics"
	"seedkeeper/internal/platform"
	"seedkeeper/internal/queue"
	rtsup "seedkeeper/internal/runtime/supervisor"
	logx "seedkeeper/pkg/logx"
)

type Options struct {
	Prefixes       []string
	ActionTimeout  time.Duration
	CorrelationTTL time.Duration
	FetchWorkers   int
	SendRatePerSec int
	StatusEvery    time.Duration
}

func OptionsFromConfig(cfg config.FrontConfig) (Options, error) {
	o := Options{
		Prefixes:       append([]string(nil), cfg.CommandPrefixes...),
		FetchWorkers:   cfg.FetchWorkers,
		SendRatePerSec: cfg.SendRatePerSec,
	}
	var err error
	if o.ActionTimeout, err = config.ParseDurationOrDefault("front.action_timeout", cfg.ActionTimeout, 15*time.Second); err != nil {
		return o, err
	}
	if o.CorrelationTTL, err = config.ParseDurationOrDefault("front.correlation_ttl", cfg.CorrelationTTL, 30*time.Second); err != nil {
		return o, err
	}
	if o.StatusEvery, err = config.ParseDurationOrDefault("front.status_every", cfg.StatusEvery, 30*time.Second); err != nil {
		return o, err
	}
	return o, nil
}

// Deps are the collaborators a Front works against. Nothing is global, so
// several fronts can run side by side in a test.
type Deps struct {
	Client        platform.Client
	Broker        broker.Broker
	Queue         *queue.CommandQueue
	Actions       *queue.ActionChannel
	Results       *correlation.Store
	Conversations *conversation.Log
	Log           logx.Logger
}

type Front struct {
	opts Options
	d    Deps
	log  logx.Logger

	throttle *rate.Limiter
	fetchSem chan struct{}
	// bg tracks fetches and typing loops that outlive the action that
	// started them.
	bg sync.WaitGroup

	typingMu sync.Mutex
	typing   map[string]context.CancelFunc

	startedAt time.Time
}

func New(opts Options, d Deps) *Front {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 15 * time.Second
	}
	if opts.CorrelationTTL <= 0 {
		opts.CorrelationTTL = 30 * time.Second
	}
	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = 4
	}
	if opts.StatusEvery <= 0 {
		opts.StatusEvery = 30 * time.Second
	}
	limit := rate.Inf
	if opts.SendRatePerSec > 0 {
		limit = rate.Limit(opts.SendRatePerSec)
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Front{
		opts:     opts,
		d:        d,
		log:      d.Log.With(logx.String("comp", "front")),
		throttle: rate.NewLimiter(limit, max(opts.SendRatePerSec, 1)),
		fetchSem: make(chan struct{}, opts.FetchWorkers),
		typing:   make(map[string]context.CancelFunc),
	}
}

// Run connects to the platform and serves until ctx ends. It returns an
// error only when the platform cannot be started.
func (f *Front) Run(ctx context.Context) error {
	f.startedAt = time.Now()
	sup := rtsup.New(ctx, rtsup.WithLogger(f.log), rtsup.WithCancelOnError(false))

	acts, stop, err := f.d.Actions.Subscribe(sup.Context())
	if err != nil {
		sup.Cancel()
		return err
	}
	first := make(chan (<-chan envelope.Action), 1)
	first <- acts
	sup.GoRestart("front.actions", func(c context.Context) error {
		return f.serveActions(c, first, stop)
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithRestartOnCleanExit(false),
	)

	events := make(chan platform.Event, 256)
	sup.Go0("front.events", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev := <-events:
				f.OnPlatformEvent(c, ev)
			}
		}
	})

	if err := f.d.Client.Start(sup.Context(), events); err != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		return err
	}
	f.log.Info("front started", logx.String("bot", f.d.Client.Self()), logx.Int("fetch_workers", f.opts.FetchWorkers))
	_ = f.RefreshStatus(ctx)

	<-ctx.Done()
	f.shutdown(sup)
	return nil
}

func (f *Front) shutdown(sup *rtsup.Supervisor) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.d.Client.Stop(stopCtx); err != nil {
		f.log.Warn("platform stop failed", logx.Err(err))
	}
	sup.Cancel()
	if err := sup.Wait(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		f.log.Warn("front loops did not stop cleanly", logx.Err(err))
	}
	done := make(chan struct{})
	go func() { f.bg.Wait(); close(done) }()
	select {
	case <-done:
	case <-stopCtx.Done():
		f.log.Warn("front background work still running at shutdown")
	}
	f.writeStatus(stopCtx, "stopped")
	f.log.Info("front stopped")
}

// serveActions executes actions until the subscription ends. The first run
// uses the subscription Run opened; a restart opens a new one.
func (f *Front) serveActions(ctx context.Context, first chan (<-chan envelope.Action), firstStop func()) error {
	var acts <-chan envelope.Action
	stop := firstStop
	select {
	case acts = <-first:
	default:
		var err error
		acts, stop, err = f.d.Actions.Subscribe(ctx)
		if err != nil {
			return err
		}
		f.log.Info("action subscription re-established")
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case act, ok := <-acts:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("action subscription closed")
			}
			f.OnAction(ctx, act)
		}
	}
}

// OnPlatformEvent turns ev into a command and queues it. Events from bots
// are ignored. A failed push is logged by the queue and the event is lost.
func (f *Front) OnPlatformEvent(ctx context.Context, ev platform.Event) bool {
	if ev.IsBot {
		metrics.EventsIngested.WithLabelValues(string(ev.Kind), "ignored").Inc()
		return false
	}
	cmd, ok := f.buildCommand(ev)
	if !ok {
		metrics.EventsIngested.WithLabelValues(string(ev.Kind), "ignored").Inc()
		return false
	}
	if cmd.Kind == envelope.KindMessage && cmd.IsDM && f.d.Conversations != nil {
		turn := conversation.Turn{Role: conversation.RoleUser, Content: cmd.Message.Content, At: cmd.CreatedAt}
		if err := f.d.Conversations.Append(ctx, cmd.AuthorID, turn); err != nil {
			f.log.Debug("conversation not recorded", logx.String("author_id", cmd.AuthorID), logx.Err(err))
		}
	}
	if !f.d.Queue.Push(ctx, cmd) {
		metrics.EventsIngested.WithLabelValues(string(cmd.Kind), "dropped").Inc()
		return false
	}
	metrics.EventsIngested.WithLabelValues(string(cmd.Kind), "queued").Inc()
	f.log.Debug("command queued",
		logx.String("id", cmd.ID),
		logx.String("kind", string(cmd.Kind)),
		logx.String("author_id", cmd.AuthorID),
		logx.String("channel_id", cmd.ChannelID),
	)
	return true
}

func (f *Front) buildCommand(ev platform.Event) (envelope.Command, bool) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	cmd := envelope.Command{
		ID:         uuid.NewString(),
		ChannelID:  ev.ChannelID,
		AuthorID:   ev.AuthorID,
		AuthorName: ev.AuthorName,
		IsDM:       ev.IsDM,
		GuildID:    ev.GuildID,
		CreatedAt:  at.UTC(),
	}
	switch ev.Kind {
	case platform.EventMessage:
		if st, ok := envelope.ParseCommandLine(ev.Text, f.opts.Prefixes, f.d.Client.Self()); ok {
			st.MessageID = ev.MessageID
			cmd.Kind, cmd.Structured = envelope.KindStructured, st
			return cmd, true
		}
		if strings.TrimSpace(ev.Text) == "" {
			return cmd, false
		}
		cmd.Kind = envelope.KindMessage
		cmd.Message = &envelope.Message{MessageID: ev.MessageID, Content: ev.Text}
	case platform.EventReaction:
		if ev.Emoji == "" {
			return cmd, false
		}
		cmd.Kind = envelope.KindReaction
		cmd.Reaction = &envelope.Reaction{MessageID: ev.MessageID, Emoji: ev.Emoji, Added: ev.Added}
	default:
		return cmd, false
	}
	return cmd, true
}
