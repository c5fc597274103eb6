// Package fake is an in-memory platform.Client for tests.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"seedkeeper/internal/platform"
)

type Sent struct {
	ChannelID string
	Text      string
}

type Reaction struct {
	ChannelID, MessageID, Emoji string
}

// Client records every outbound call. History and Members are served from
// HistoryByChannel and MembersByGuild.
type Client struct {
	mu sync.Mutex

	Name             string
	MaxLen           int
	Sent             []Sent
	Typing           []string
	Reacts           []Reaction
	HistoryByChannel map[string][]platform.HistoryMessage
	MembersByGuild   map[string][]platform.Member

	// HistoryDelay makes History block, honouring ctx.
	HistoryDelay time.Duration
	// FailSends makes SendText fail.
	FailSends bool

	out   chan<- platform.Event
	msgID int
	sent  chan struct{}
}

func New() *Client {
	return &Client{
		Name:             "seedbot",
		MaxLen:           4000,
		HistoryByChannel: map[string][]platform.HistoryMessage{},
		MembersByGuild:   map[string][]platform.Member{},
		sent:             make(chan struct{}, 1024),
	}
}

func (c *Client) Start(_ context.Context, out chan<- platform.Event) error {
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	return nil
}

func (c *Client) Stop(context.Context) error {
	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
	return nil
}

// Emit delivers ev as if it came from the platform.
func (c *Client) Emit(ev platform.Event) bool {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return false
	}
	out <- ev
	return true
}

func (c *Client) Self() string       { return c.Name }
func (c *Client) MaxMessageLen() int { return c.MaxLen }

func (c *Client) SendText(_ context.Context, channelID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSends {
		return "", errors.New("send failed")
	}
	if len([]rune(text)) > c.MaxLen {
		return "", fmt.Errorf("message too long: %d", len([]rune(text)))
	}
	c.Sent = append(c.Sent, Sent{channelID, text})
	c.msgID++
	select {
	case c.sent <- struct{}{}:
	default:
	}
	return strconv.Itoa(c.msgID), nil
}

// WaitSent blocks until at least n messages were sent or d elapses.
func (c *Client) WaitSent(n int, d time.Duration) []Sent {
	deadline := time.After(d)
	for {
		c.mu.Lock()
		if len(c.Sent) >= n {
			out := append([]Sent(nil), c.Sent...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.sent:
		case <-deadline:
			c.mu.Lock()
			defer c.mu.Unlock()
			return append([]Sent(nil), c.Sent...)
		}
	}
}

func (c *Client) ShowTyping(_ context.Context, channelID string) error {
	c.mu.Lock()
	c.Typing = append(c.Typing, channelID)
	c.mu.Unlock()
	return nil
}

func (c *Client) React(_ context.Context, channelID, messageID, emoji string) error {
	c.mu.Lock()
	c.Reacts = append(c.Reacts, Reaction{channelID, messageID, emoji})
	c.mu.Unlock()
	return nil
}

func (c *Client) History(ctx context.Context, q platform.HistoryQuery) ([]platform.HistoryMessage, error) {
	if c.HistoryDelay > 0 {
		select {
		case <-time.After(c.HistoryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	after := 0
	if q.AfterID != "" {
		n, err := strconv.Atoi(q.AfterID)
		if err != nil {
			return nil, platform.ErrNotFound
		}
		after = n
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	all, ok := c.HistoryByChannel[q.ChannelID]
	if !ok {
		return nil, nil
	}
	var out []platform.HistoryMessage
	for _, m := range all {
		id, _ := strconv.Atoi(m.ID)
		if id > after {
			out = append(out, m)
		}
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (c *Client) Members(_ context.Context, guildID string) ([]platform.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]platform.Member(nil), c.MembersByGuild[guildID]...), nil
}

// Snapshot returns copies of what was recorded so far.
func (c *Client) Snapshot() (sent []Sent, typing []string, reacts []Reaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.Sent...), append([]string(nil), c.Typing...), append([]Reaction(nil), c.Reacts...)
}
