// Package platform describes the chat platform as the front sees it. Only the
// front holds a Client; workers reach the platform through actions.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a queried object does not exist on the platform,
// such as a history anchor that is not a message id.
var ErrNotFound = errors.New("platform: not found")

type EventKind string

const (
	EventMessage  EventKind = "message"
	EventReaction EventKind = "reaction"
)

// Event is one inbound platform event. IDs are platform ids rendered as
// strings. GuildID is empty for direct messages.
type Event struct {
	Kind       EventKind
	MessageID  string
	ChannelID  string
	GuildID    string
	AuthorID   string
	AuthorName string
	IsDM       bool
	IsBot      bool
	Text       string
	Emoji      string
	Added      bool
	At         time.Time
}

type HistoryMessage struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	IsBot      bool      `json:"is_bot,omitempty"`
	Text       string    `json:"text"`
	At         time.Time `json:"at"`
}

type Member struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
}

// HistoryQuery selects messages in ChannelID newer than AfterID, oldest
// first. Limit <= 0 means no limit.
type HistoryQuery struct {
	ChannelID string
	AfterID   string
	Limit     int
}

type Client interface {
	// Start begins delivering events to out. A full out drops events.
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	// Self is the bot's own handle, used to strip "@bot" from commands.
	Self() string
	// MaxMessageLen is the longest text one SendText call may carry.
	MaxMessageLen() int

	SendText(ctx context.Context, channelID, text string) (messageID string, err error)
	ShowTyping(ctx context.Context, channelID string) error
	React(ctx context.Context, channelID, messageID, emoji string) error
	History(ctx context.Context, q HistoryQuery) ([]HistoryMessage, error)
	Members(ctx context.Context, guildID string) ([]Member, error)
}
