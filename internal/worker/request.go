package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/conversation"
	"seedkeeper/internal/correlation"
	"seedkeeper/internal/envelope"
	"seedkeeper/internal/llm"
	"seedkeeper/internal/platform"
	"seedkeeper/internal/queue"
	"seedkeeper/internal/ratelimit"
	"seedkeeper/internal/session"
	"seedkeeper/internal/storage"
	logx "seedkeeper/pkg/logx"
	"seedkeeper/pkg/textsplit"
)

const (
	// Outbound text is cut below the platform limit so the marker fits.
	sendChunk      = 1900
	continueMarker = "[continued]"
)

var (
	// ErrUnavailable means the front did not answer a fetch in time.
	ErrUnavailable = errors.New("could not retrieve that data right now")
	ErrNotFound    = errors.New("not found")
	ErrNotSent     = errors.New("action not published")
)

// Services are shared by every worker in a process. Nothing here is global,
// so several pools can run side by side in a test.
type Services struct {
	Broker        broker.Broker
	Queue         *queue.CommandQueue
	Actions       *queue.ActionChannel
	Results       *correlation.Store
	Sessions      session.Store
	Limiter       ratelimit.Limiter
	Store         storage.Store
	LLM           llm.Completer
	Conversations *conversation.Log
	Registry      *Registry
	Access        *Access
}

// Request is the handler's view of one command.
type Request struct {
	Command envelope.Command
	// Name is the resolved route name. Args are the structured command
	// arguments.
	Name  string
	Args  []string
	ReqID string
	Log   logx.Logger

	Owner      bool
	Privileged bool
	WorkerID   string

	svc    *Services
	fetch  time.Duration
	poll   time.Duration
	denied string
}

func (r *Request) Services() *Services { return r.svc }

func (r *Request) Sessions() session.Store          { return r.svc.Sessions }
func (r *Request) Limiter() ratelimit.Limiter       { return r.svc.Limiter }
func (r *Request) Store() storage.Store             { return r.svc.Store }
func (r *Request) LLM() llm.Completer               { return r.svc.LLM }
func (r *Request) Conversations() *conversation.Log { return r.svc.Conversations }
func (r *Request) Registry() *Registry              { return r.svc.Registry }
func (r *Request) Table() *Table                    { return r.svc.Registry.Load() }

// Arg returns the i-th argument or "".
func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

// Rest joins the arguments from i on.
func (r *Request) Rest(i int) string {
	if i >= len(r.Args) {
		return ""
	}
	return strings.Join(r.Args[i:], " ")
}

// Reply sends text to the channel the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.send(ctx, r.Command.ChannelID, text, true)
}

// Send sends text to any channel. Long text goes out in several messages,
// each but the last ending with a continuation marker.
func (r *Request) Send(ctx context.Context, channelID, text string) error {
	return r.send(ctx, channelID, text, channelID == r.Command.ChannelID)
}

func (r *Request) send(ctx context.Context, channelID, text string, own bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	for _, chunk := range textsplit.SplitMarked(text, sendChunk, continueMarker) {
		act := envelope.SendMessage(channelID, chunk)
		if own {
			act.Send.AuthorID = r.Command.AuthorID
			act.Send.IsDM = r.Command.IsDM
		}
		if err := r.publish(ctx, act); err != nil {
			return err
		}
	}
	return nil
}

// Typing shows the typing indicator in the command's channel for d.
func (r *Request) Typing(ctx context.Context, d time.Duration) error {
	return r.publish(ctx, envelope.ShowTyping(r.Command.ChannelID, d))
}

// React adds emoji to the message that carried the command.
func (r *Request) React(ctx context.Context, emoji string) error {
	id := r.Command.MessageID()
	if id == "" {
		return errors.New("command has no message to react to")
	}
	return r.publish(ctx, envelope.AddReaction(r.Command.ChannelID, id, emoji))
}

func (r *Request) publish(ctx context.Context, act envelope.Action) error {
	if !r.svc.Actions.Publish(ctx, act) {
		return fmt.Errorf("%s: %w", act.Kind, ErrNotSent)
	}
	return nil
}

// FetchHistory asks the front for messages in channelID after afterID and
// waits for the answer. A missing answer is ErrUnavailable.
func (r *Request) FetchHistory(ctx context.Context, channelID, afterID string, limit int) ([]platform.HistoryMessage, error) {
	id := correlation.NewRequestID("history", r.Command.AuthorID)
	act := envelope.FetchHistory(id, envelope.HistoryRequest{ChannelID: channelID, AfterID: afterID, Limit: limit})
	var out []platform.HistoryMessage
	if err := r.ask(ctx, act, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMembers asks the front for the members of guildID.
func (r *Request) FetchMembers(ctx context.Context, guildID string) ([]platform.Member, error) {
	id := correlation.NewRequestID("members", r.Command.AuthorID)
	var out []platform.Member
	if err := r.ask(ctx, envelope.FetchMembers(id, guildID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Request) ask(ctx context.Context, act envelope.Action, out any) error {
	if err := r.publish(ctx, act); err != nil {
		return err
	}
	res, ok, err := r.svc.Results.Await(ctx, act.RequestID, r.fetch, r.poll)
	if err != nil {
		return err
	}
	if !ok {
		r.Log.Info("fetch unanswered", logx.String("req_id", act.RequestID), logx.Duration("timeout", r.fetch))
		return ErrUnavailable
	}
	switch res.Status {
	case correlation.StatusOK:
		return res.Decode(out)
	case correlation.StatusNotFound:
		return ErrNotFound
	default:
		r.Log.Info("fetch failed on front", logx.String("req_id", act.RequestID), logx.String("error", res.Error))
		return fmt.Errorf("%w: %s", ErrUnavailable, res.Error)
	}
}
