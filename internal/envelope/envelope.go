// Package envelope defines what travels through the broker: Commands from the
// front to the workers and Actions from the workers back to the front.
//
// Both are tagged unions. Kind selects exactly one non-nil variant pointer;
// Validate rejects anything else so a handler switch can rely on it.
package envelope

import (
	"errors"
	"fmt"
	"time"
)

type CommandKind string

const (
	KindMessage    CommandKind = "message"
	KindStructured CommandKind = "structured_command"
	KindReaction   CommandKind = "reaction"
)

// Command is created once by the front per inbound platform event and
// consumed by at most one worker.
type Command struct {
	Kind       CommandKind `json:"type"`
	ID         string      `json:"id"`
	ChannelID  string      `json:"channel_id"`
	AuthorID   string      `json:"author_id"`
	AuthorName string      `json:"author_name,omitempty"`
	IsDM       bool        `json:"is_dm"`
	GuildID    string      `json:"guild_id,omitempty"`
	CreatedAt  time.Time   `json:"timestamp"`

	Message    *Message    `json:"message,omitempty"`
	Structured *Structured `json:"command,omitempty"`
	Reaction   *Reaction   `json:"reaction,omitempty"`
}

type Message struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// Structured is a prefixed command line such as "!catchup 1234 design".
type Structured struct {
	MessageID string   `json:"message_id"`
	Name      string   `json:"name"`
	Args      []string `json:"args,omitempty"`
	Raw       string   `json:"raw"`
}

type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Added     bool   `json:"added"`
}

var (
	ErrUnknownKind = errors.New("unknown kind")
	ErrVariant     = errors.New("variant does not match kind")
	ErrRequestID   = errors.New("request_id mismatch")
)

func (c *Command) Validate() error {
	if c == nil {
		return errors.New("nil command")
	}
	set := 0
	for _, p := range []bool{c.Message != nil, c.Structured != nil, c.Reaction != nil} {
		if p {
			set++
		}
	}
	var ok bool
	switch c.Kind {
	case KindMessage:
		ok = c.Message != nil
	case KindStructured:
		ok = c.Structured != nil && c.Structured.Name != ""
	case KindReaction:
		ok = c.Reaction != nil
	default:
		return fmt.Errorf("command %q: %w", c.Kind, ErrUnknownKind)
	}
	if !ok || set != 1 {
		return fmt.Errorf("command %q: %w", c.Kind, ErrVariant)
	}
	if c.ChannelID == "" {
		return fmt.Errorf("command %q: channel_id is required", c.Kind)
	}
	return nil
}

// MessageID is the platform message the command came from, whatever its kind.
func (c *Command) MessageID() string {
	switch {
	case c.Message != nil:
		return c.Message.MessageID
	case c.Structured != nil:
		return c.Structured.MessageID
	case c.Reaction != nil:
		return c.Reaction.MessageID
	}
	return ""
}

type ActionKind string

const (
	ActSend         ActionKind = "send_message"
	ActTyping       ActionKind = "show_typing"
	ActReact        ActionKind = "add_reaction"
	ActFetchHistory ActionKind = "fetch_history"
	ActFetchMembers ActionKind = "fetch_members"
)

// ExpectsReply reports whether the front must write a correlation result.
func (k ActionKind) ExpectsReply() bool {
	return k == ActFetchHistory || k == ActFetchMembers
}

// Action is produced by a worker and executed by the front.
type Action struct {
	Kind      ActionKind `json:"type"`
	RequestID string     `json:"request_id,omitempty"`

	Send    *Send           `json:"send,omitempty"`
	Typing  *Typing         `json:"typing,omitempty"`
	React   *React          `json:"react,omitempty"`
	History *HistoryRequest `json:"history,omitempty"`
	Members *MembersRequest `json:"members,omitempty"`
}

type Send struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
	AuthorID  string `json:"author_id,omitempty"`
	IsDM      bool   `json:"is_dm,omitempty"`
}

type Typing struct {
	ChannelID string        `json:"channel_id"`
	Duration  time.Duration `json:"duration,omitempty"`
}

type React struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// HistoryRequest asks for messages in ChannelID posted after AfterID, oldest
// first. Limit <= 0 means everything the front still has.
type HistoryRequest struct {
	ChannelID string `json:"channel_id"`
	AfterID   string `json:"after_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type MembersRequest struct {
	GuildID string `json:"guild_id"`
}

func (a *Action) Validate() error {
	if a == nil {
		return errors.New("nil action")
	}
	set := 0
	for _, p := range []bool{a.Send != nil, a.Typing != nil, a.React != nil, a.History != nil, a.Members != nil} {
		if p {
			set++
		}
	}
	var ok bool
	switch a.Kind {
	case ActSend:
		ok = a.Send != nil && a.Send.ChannelID != ""
	case ActTyping:
		ok = a.Typing != nil && a.Typing.ChannelID != ""
	case ActReact:
		ok = a.React != nil && a.React.MessageID != "" && a.React.Emoji != ""
	case ActFetchHistory:
		ok = a.History != nil && a.History.ChannelID != ""
	case ActFetchMembers:
		ok = a.Members != nil
	default:
		return fmt.Errorf("action %q: %w", a.Kind, ErrUnknownKind)
	}
	if !ok || set != 1 {
		return fmt.Errorf("action %q: %w", a.Kind, ErrVariant)
	}
	if a.Kind.ExpectsReply() != (a.RequestID != "") {
		return fmt.Errorf("action %q: %w", a.Kind, ErrRequestID)
	}
	return nil
}

func SendMessage(channelID, content string) Action {
	return Action{Kind: ActSend, Send: &Send{ChannelID: channelID, Content: content}}
}

func ShowTyping(channelID string, d time.Duration) Action {
	return Action{Kind: ActTyping, Typing: &Typing{ChannelID: channelID, Duration: d}}
}

func AddReaction(channelID, messageID, emoji string) Action {
	return Action{Kind: ActReact, React: &React{ChannelID: channelID, MessageID: messageID, Emoji: emoji}}
}

func FetchHistory(requestID string, q HistoryRequest) Action {
	return Action{Kind: ActFetchHistory, RequestID: requestID, History: &q}
}

func FetchMembers(requestID, guildID string) Action {
	return Action{Kind: ActFetchMembers, RequestID: requestID, Members: &MembersRequest{GuildID: guildID}}
}
