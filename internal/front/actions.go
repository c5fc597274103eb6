package front

import (
	"context"
	"errors"
	"time"

	"seedkeeper/internal/conversation"
	"seedkeeper/internal/correlation"
	"seedkeeper/internal/envelope"
	"seedkeeper/internal/observability/metrics"
	"seedkeeper/internal/platform"
	logx "seedkeeper/pkg/logx"
	"seedkeeper/pkg/textsplit"
)

const (
	// Telegram shows "typing" for about five seconds per call.
	typingPulse = 4 * time.Second
	putTimeout  = 2 * time.Second
)

// OnAction executes one action. Send, typing and react run inline under the
// action timeout. Fetches go to the bounded fetch pool so a slow history
// read never holds up the subscription.
func (f *Front) OnAction(ctx context.Context, act envelope.Action) {
	kind := string(act.Kind)
	if act.Kind.ExpectsReply() {
		f.dispatchFetch(ctx, act)
		return
	}
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, f.opts.ActionTimeout)
	defer cancel()

	var err error
	switch act.Kind {
	case envelope.ActSend:
		err = f.send(actx, act.Send)
	case envelope.ActTyping:
		err = f.showTyping(ctx, act.Typing)
	case envelope.ActReact:
		err = f.d.Client.React(actx, act.React.ChannelID, act.React.MessageID, act.React.Emoji)
	default:
		err = envelope.ErrUnknownKind
	}
	metrics.ActionLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ActionsExecuted.WithLabelValues(kind, "error").Inc()
		f.log.Warn("action failed", logx.String("kind", kind), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	metrics.ActionsExecuted.WithLabelValues(kind, "ok").Inc()
}

func (f *Front) send(ctx context.Context, s *envelope.Send) error {
	if s.Content == "" {
		return errors.New("empty message")
	}
	f.stopTyping(s.ChannelID)
	for _, chunk := range textsplit.Split(s.Content, f.d.Client.MaxMessageLen()) {
		if err := f.throttle.Wait(ctx); err != nil {
			return err
		}
		if _, err := f.d.Client.SendText(ctx, s.ChannelID, chunk); err != nil {
			return err
		}
	}
	if s.IsDM && s.AuthorID != "" && f.d.Conversations != nil {
		turn := conversation.Turn{Role: conversation.RoleAssistant, Content: s.Content}
		if err := f.d.Conversations.Append(ctx, s.AuthorID, turn); err != nil {
			f.log.Debug("conversation not recorded", logx.String("author_id", s.AuthorID), logx.Err(err))
		}
	}
	return nil
}

// showTyping sends one indicator now. A duration longer than one pulse keeps
// it alive in the background until the duration or the action timeout runs
// out, or a message goes to the channel.
func (f *Front) showTyping(ctx context.Context, t *envelope.Typing) error {
	pctx, cancel := context.WithTimeout(ctx, f.opts.ActionTimeout)
	err := f.d.Client.ShowTyping(pctx, t.ChannelID)
	cancel()
	if err != nil || t.Duration <= typingPulse {
		return err
	}

	lctx, stop := context.WithTimeout(ctx, min(t.Duration, f.opts.ActionTimeout))
	f.typingMu.Lock()
	if prev := f.typing[t.ChannelID]; prev != nil {
		prev()
	}
	f.typing[t.ChannelID] = stop
	f.typingMu.Unlock()

	f.bg.Add(1)
	go func() {
		defer f.bg.Done()
		defer stop()
		tick := time.NewTicker(typingPulse)
		defer tick.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-tick.C:
				if err := f.d.Client.ShowTyping(lctx, t.ChannelID); err != nil && lctx.Err() == nil {
					f.log.Debug("typing refresh failed", logx.String("channel_id", t.ChannelID), logx.Err(err))
				}
			}
		}
	}()
	return nil
}

func (f *Front) stopTyping(channelID string) {
	f.typingMu.Lock()
	defer f.typingMu.Unlock()
	if stop := f.typing[channelID]; stop != nil {
		stop()
		delete(f.typing, channelID)
	}
}

func (f *Front) dispatchFetch(ctx context.Context, act envelope.Action) {
	kind := string(act.Kind)
	select {
	case f.fetchSem <- struct{}{}:
	default:
		metrics.ActionsExecuted.WithLabelValues(kind, "busy").Inc()
		f.log.Warn("fetch pool saturated", logx.String("kind", kind), logx.String("req_id", act.RequestID))
		f.putResult(ctx, act.RequestID, correlation.Failed("front busy"))
		return
	}
	f.bg.Add(1)
	go func() {
		defer f.bg.Done()
		defer func() { <-f.fetchSem }()
		start := time.Now()
		fctx, cancel := context.WithTimeout(ctx, f.opts.ActionTimeout)
		res := f.fetch(fctx, act)
		cancel()
		metrics.ActionLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		metrics.ActionsExecuted.WithLabelValues(kind, string(res.Status)).Inc()
		f.putResult(ctx, act.RequestID, res)
		f.log.Debug("fetch answered",
			logx.String("kind", kind),
			logx.String("req_id", act.RequestID),
			logx.String("status", string(res.Status)),
			logx.Duration("dur", time.Since(start)),
		)
	}()
}

func (f *Front) fetch(ctx context.Context, act envelope.Action) correlation.Result {
	var (
		v   any
		err error
	)
	switch act.Kind {
	case envelope.ActFetchHistory:
		q := platform.HistoryQuery{ChannelID: act.History.ChannelID, AfterID: act.History.AfterID, Limit: act.History.Limit}
		var msgs []platform.HistoryMessage
		msgs, err = f.d.Client.History(ctx, q)
		if msgs == nil {
			msgs = []platform.HistoryMessage{}
		}
		v = msgs
	case envelope.ActFetchMembers:
		if act.Members.GuildID == "" {
			return correlation.NotFound()
		}
		var ms []platform.Member
		ms, err = f.d.Client.Members(ctx, act.Members.GuildID)
		if ms == nil {
			ms = []platform.Member{}
		}
		v = ms
	default:
		return correlation.Failed("unsupported fetch")
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return correlation.Failed("timed out")
		}
		if errors.Is(err, platform.ErrNotFound) {
			return correlation.NotFound()
		}
		f.log.Warn("fetch failed", logx.String("kind", string(act.Kind)), logx.String("req_id", act.RequestID), logx.Err(err))
		return correlation.Failed(err.Error())
	}
	res, err := correlation.OK(v)
	if err != nil {
		return correlation.Failed(err.Error())
	}
	return res
}

// putResult writes even when ctx has ended so a waiting worker is not left
// to time out on a result the front already has.
func (f *Front) putResult(ctx context.Context, id string, r correlation.Result) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), putTimeout)
	defer cancel()
	if err := f.d.Results.Put(pctx, id, r, f.opts.CorrelationTTL); err != nil {
		f.log.Warn("correlation result not written", logx.String("req_id", id), logx.Err(err))
	}
}
