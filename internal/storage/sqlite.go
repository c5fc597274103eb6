package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "seedkeeper/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// UsageRetention is how long usage rows survive a prune.
const UsageRetention = 90 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage ready", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM admins WHERE user_id = ?`, userID).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) SetAdmin(ctx context.Context, userID string, admin bool) error {
	if !admin {
		_, err := s.db.ExecContext(ctx, `DELETE FROM admins WHERE user_id = ?`, userID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admins(user_id, added_at) VALUES(?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) ListAdmins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM admins ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutBirthday(ctx context.Context, b Birthday) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO birthdays(user_id, name, month, day, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET name=excluded.name, month=excluded.month, day=excluded.day, updated_at=excluded.updated_at`,
		b.UserID, b.Name, b.Month, b.Day, b.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) ListBirthdays(ctx context.Context) ([]Birthday, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, name, month, day, updated_at FROM birthdays ORDER BY month, day, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Birthday
	for rows.Next() {
		var (
			b  Birthday
			at string
		)
		if err := rows.Scan(&b.UserID, &b.Name, &b.Month, &b.Day, &at); err != nil {
			return nil, err
		}
		b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendUsage(ctx context.Context, u Usage) error {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage(at_ms, user_id, command, input_tokens, output_tokens) VALUES(?,?,?,?,?)`,
		u.At.UnixMilli(), u.UserID, u.Command, u.InputTokens, u.OutputTokens)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, perr := s.Prune(pctx, time.Now().Add(-UsageRetention)); perr != nil {
			s.log.Debug("usage prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, ok, err, meta) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, e.Action, nullStr(e.Target), ok, nullStr(e.Error), nullStr(e.Meta))
	return err
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
