package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"seedkeeper/internal/llm"
	"seedkeeper/internal/platform"
	"seedkeeper/internal/storage"
	"seedkeeper/internal/worker"
	logx "seedkeeper/pkg/logx"
)

const (
	catchupLimit    = 200
	maxFocus        = 100
	maxTranscript   = 4000
	catchupMaxToken = 1000
)

const catchupSystem = `You summarize group chat conversations for someone who missed them.
Write a short digest: a one line overview, then the main threads as bullet points naming who said what.
Keep it under 300 words. Do not invent anything that is not in the transcript.`

func (h *set) catchup(ctx context.Context, req *worker.Request) error {
	anchor := messageRef(req.Arg(0))
	if anchor == "" {
		return req.Reply(ctx, strings.Join([]string{
			"Usage: " + h.prefix + "catchup <message_id|link> [focus]",
			"I'll summarize the conversation from that message onwards.",
		}, "\n"))
	}
	focus := clip(strings.TrimSpace(req.Rest(1)), maxFocus)

	_ = req.Typing(ctx, 10*time.Second)
	msgs, err := req.FetchHistory(ctx, req.Command.ChannelID, anchor, catchupLimit)
	switch {
	case errors.Is(err, worker.ErrNotFound):
		return req.Reply(ctx, "I can't find that message in this chat.")
	case errors.Is(err, worker.ErrUnavailable):
		return req.Reply(ctx, worker.ErrUnavailable.Error())
	case err != nil:
		return err
	}
	msgs = humanOnly(msgs)
	if len(msgs) == 0 {
		return req.Reply(ctx, "No messages found after that point.")
	}

	transcript := clip(renderTranscript(msgs), maxTranscript)
	prompt := "Summarize this conversation:\n\n" + transcript
	if focus != "" {
		prompt += "\n\nPay particular attention to anything about: " + focus
	}
	resp, err := completer(req).Complete(ctx, llm.Request{
		System:    catchupSystem,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: catchupMaxToken,
	})
	if err != nil {
		if !errors.Is(err, llm.ErrDisabled) {
			req.Log.Warn("catchup digest failed, using fallback", logx.Err(err))
		}
		return req.Reply(ctx, fallbackDigest(msgs))
	}
	recordUsage(ctx, req, "catchup", resp)
	return req.Reply(ctx, fmt.Sprintf("Catchup (%d messages):\n\n%s", len(msgs), resp.Text))
}

// messageRef accepts a bare id or a message link and returns the id, which
// is the last path segment of a link.
func messageRef(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return s
}

func humanOnly(msgs []platform.HistoryMessage) []platform.HistoryMessage {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.IsBot || strings.TrimSpace(m.Text) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func renderTranscript(msgs []platform.HistoryMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.AuthorName
		if name == "" {
			name = m.AuthorID
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// fallbackDigest is the answer when no model is available: who talked and
// how much, busiest first.
func fallbackDigest(msgs []platform.HistoryMessage) string {
	counts := map[string]int{}
	for _, m := range msgs {
		name := m.AuthorName
		if name == "" {
			name = m.AuthorID
		}
		counts[name]++
	}
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	lines := []string{fmt.Sprintf("%d messages from %d people since then:", len(msgs), len(names))}
	for _, n := range names {
		lines = append(lines, fmt.Sprintf("- %s: %d", n, counts[n]))
	}
	return strings.Join(lines, "\n")
}

func recordUsage(ctx context.Context, req *worker.Request, command string, resp llm.Response) {
	err := req.Store().AppendUsage(ctx, storage.Usage{
		At:           time.Now().UTC(),
		UserID:       req.Command.AuthorID,
		Command:      command,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		req.Log.Debug("usage not recorded", logx.Err(err))
	}
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
