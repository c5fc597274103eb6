// Package storage persists the records the bot keeps past a restart: admins,
// birthdays, language model usage and an audit trail of privileged actions.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config is the resolved storage configuration.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
//   - "file":   JSON snapshot plus JSON Lines appends
//   - "none":   nothing is kept
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type Birthday struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Month     int       `json:"month"`
	Day       int       `json:"day"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usage is one language model call.
type Usage struct {
	At           time.Time `json:"at"`
	UserID       string    `json:"user_id"`
	Command      string    `json:"command"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}

// AuditEntry records a privileged action.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ActorID string    `json:"actor_id"`
	Action  string    `json:"action"`
	Target  string    `json:"target,omitempty"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	Meta    string    `json:"meta,omitempty"`
}

type Store interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
	SetAdmin(ctx context.Context, userID string, admin bool) error
	ListAdmins(ctx context.Context) ([]string, error)

	// PutBirthday inserts or replaces the birthday of b.UserID.
	PutBirthday(ctx context.Context, b Birthday) error
	ListBirthdays(ctx context.Context) ([]Birthday, error)

	AppendUsage(ctx context.Context, u Usage) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	// Prune drops usage rows older than before.
	Prune(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Nop keeps nothing. Reads come back empty and writes of durable records
// fail with ErrDisabled; usage and audit appends are silently dropped.
type Nop struct{}

func (Nop) IsAdmin(context.Context, string) (bool, error)     { return false, nil }
func (Nop) SetAdmin(context.Context, string, bool) error      { return ErrDisabled }
func (Nop) ListAdmins(context.Context) ([]string, error)      { return nil, nil }
func (Nop) PutBirthday(context.Context, Birthday) error       { return ErrDisabled }
func (Nop) ListBirthdays(context.Context) ([]Birthday, error) { return nil, nil }
func (Nop) AppendUsage(context.Context, Usage) error          { return nil }
func (Nop) AppendAudit(context.Context, AuditEntry) error     { return nil }
func (Nop) Prune(context.Context, time.Time) (int, error)     { return 0, nil }
func (Nop) Close() error                                      { return nil }
