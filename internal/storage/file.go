package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "seedkeeper/pkg/logx"
)

// fileStore keeps everything in plain files next to cfg.Path:
//
//   - <prefix>.state.json     snapshot of admins and birthdays
//   - <prefix>.journal.jsonl  changes since the snapshot
//   - <prefix>.usage.jsonl    append-only usage
//   - <prefix>.audit.jsonl    append-only audit
//
// The journal is folded into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	usagePath    string
	journal      *os.File
	usage        *os.File
	audit        *os.File

	state  fileState
	writes int
}

const compactEvery = 100

type fileState struct {
	Admins    map[string]time.Time `json:"admins"`
	Birthdays map[string]Birthday  `json:"birthdays"`
}

type journalRecord struct {
	Op       string    `json:"op"` // admin_add, admin_remove, birthday
	UserID   string    `json:"user_id"`
	At       time.Time `json:"at"`
	Birthday *Birthday `json:"birthday,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".state.json",
		usagePath:    prefix + ".usage.jsonl",
		state:        fileState{Admins: map[string]time.Time{}, Birthdays: map[string]Birthday{}},
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	var err error
	open := func(p string) *os.File {
		if err != nil {
			return nil
		}
		var f *os.File
		f, err = os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
		return f
	}
	s.journal = open(journalPath)
	s.usage = open(s.usagePath)
	s.audit = open(prefix + ".audit.jsonl")
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	for k, v := range st.Admins {
		s.state.Admins[k] = v
	}
	for k, v := range st.Birthdays {
		s.state.Birthdays[k] = v
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.apply(r)
	}
	return sc.Err()
}

func (s *fileStore) apply(r journalRecord) {
	switch r.Op {
	case "admin_add":
		s.state.Admins[r.UserID] = r.At
	case "admin_remove":
		delete(s.state.Admins, r.UserID)
	case "birthday":
		if r.Birthday != nil {
			s.state.Birthdays[r.UserID] = *r.Birthday
		}
	}
}

func (s *fileStore) writeLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.apply(r)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	b, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	for _, f := range []**os.File{&s.usage, &s.audit} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) IsAdmin(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.Admins[userID]
	return ok, nil
}

func (s *fileStore) SetAdmin(_ context.Context, userID string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := "admin_remove"
	if admin {
		op = "admin_add"
	}
	return s.writeLocked(journalRecord{Op: op, UserID: userID, At: time.Now().UTC()})
}

func (s *fileStore) ListAdmins(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.state.Admins))
	for id := range s.state.Admins {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) PutBirthday(_ context.Context, b Birthday) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(journalRecord{Op: "birthday", UserID: b.UserID, At: b.UpdatedAt, Birthday: &b})
}

func (s *fileStore) ListBirthdays(context.Context) ([]Birthday, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Birthday, 0, len(s.state.Birthdays))
	for _, b := range s.state.Birthdays {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *fileStore) AppendUsage(_ context.Context, u Usage) error {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return errors.New("usage file closed")
	}
	return json.NewEncoder(s.usage).Encode(u)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.audit).Encode(e)
}

// Prune rewrites the usage file without rows older than before.
func (s *fileStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		return 0, errors.New("usage file closed")
	}
	if _, err := s.usage.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var keep [][]byte
	removed := 0
	sc := bufio.NewScanner(s.usage)
	for sc.Scan() {
		var u Usage
		if err := json.Unmarshal(sc.Bytes(), &u); err == nil && u.At.Before(before) {
			removed++
			continue
		}
		keep = append(keep, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if removed == 0 {
		_, err := s.usage.Seek(0, io.SeekEnd)
		return 0, err
	}
	if err := s.usage.Truncate(0); err != nil {
		return 0, err
	}
	w := bufio.NewWriter(s.usage)
	for _, line := range keep {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	return removed, w.Flush()
}
