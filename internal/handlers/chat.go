package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"seedkeeper/internal/conversation"
	"seedkeeper/internal/llm"
	"seedkeeper/internal/observability/metrics"
	"seedkeeper/internal/worker"
	logx "seedkeeper/pkg/logx"
)

const (
	chatHistory  = 10
	chatMaxToken = 800
)

const chatSystem = `You are a friendly member of a small community chat, talking with someone in a direct message.
Answer conversationally and briefly. Say so when you do not know something.`

func completer(req *worker.Request) llm.Completer {
	if c := req.LLM(); c != nil {
		return c
	}
	return llm.Disabled{}
}

// conversation answers direct messages with the model, using the recent
// turns the front recorded for this user. Group chatter is ignored.
func (h *set) conversation(ctx context.Context, req *worker.Request) error {
	cmd := req.Command
	if !cmd.IsDM || cmd.Message == nil {
		return nil
	}
	c := completer(req)
	if _, off := c.(llm.Disabled); off {
		return nil
	}
	if lim := req.Limiter(); lim != nil {
		d, err := lim.Check(ctx, cmd.AuthorID, "conversation", req.Privileged)
		if err != nil {
			req.Log.Warn("rate limit check failed", logx.Err(err))
		} else if !d.Allowed {
			return req.Reply(ctx, d.Reason)
		}
	}
	_ = req.Typing(ctx, 5*time.Second)

	msgs := chatMessages(ctx, req)
	resp, err := c.Complete(ctx, llm.Request{System: chatSystem, Messages: msgs, MaxTokens: chatMaxToken})
	if errors.Is(err, llm.ErrDisabled) {
		return nil
	}
	if err != nil {
		req.Log.Warn("conversation reply failed", logx.Err(err))
		return req.Reply(ctx, "I couldn't think of a reply just now. Try again in a moment.")
	}
	recordUsage(ctx, req, "dm", resp)
	return req.Reply(ctx, resp.Text)
}

// chatMessages turns the stored turns into model messages. The front records
// the user's turn before queueing it, so the last turn is normally this
// message; it is added when the cache missed it.
func chatMessages(ctx context.Context, req *worker.Request) []llm.Message {
	content := req.Command.Message.Content
	var turns []conversation.Turn
	if log := req.Conversations(); log != nil {
		t, err := log.Load(ctx, req.Command.AuthorID)
		if err != nil {
			req.Log.Debug("conversation history unavailable", logx.Err(err))
		}
		turns = t
	}
	if len(turns) > chatHistory {
		turns = turns[len(turns)-chatHistory:]
	}
	msgs := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	if n := len(msgs); n == 0 || msgs[n-1].Role != llm.RoleUser || msgs[n-1].Content == "" || !strings.HasPrefix(content, msgs[n-1].Content) {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: content})
	}
	return msgs
}

func (h *set) reaction(ctx context.Context, req *worker.Request) error {
	r := req.Command.Reaction
	if r == nil {
		return nil
	}
	change := "removed"
	if r.Added {
		change = "added"
	}
	metrics.Reactions.WithLabelValues(change).Inc()
	req.Log.Debug("reaction", logx.String("message_id", r.MessageID), logx.String("emoji", r.Emoji), logx.String("change", change))
	return nil
}
