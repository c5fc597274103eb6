package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"seedkeeper/internal/platform"
)

// historyPage is how many messages are copied per lock hold while serving a
// query.
const historyPage = 100

// Telegram bots cannot read chat history, so the adapter remembers what it
// saw. Each chat keeps the last size messages in a ring.
type ring struct {
	buf  []platform.HistoryMessage
	next int
	full bool
}

func (r *ring) add(m platform.HistoryMessage) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// ordered returns the ring oldest first.
func (r *ring) ordered() []platform.HistoryMessage {
	if !r.full {
		return append([]platform.HistoryMessage(nil), r.buf[:r.next]...)
	}
	out := make([]platform.HistoryMessage, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

type historyBook struct {
	mu    sync.Mutex
	size  int
	chats map[string]*ring
	seen  map[string]map[string]platform.Member
}

func newHistoryBook(size int) *historyBook {
	if size <= 0 {
		size = 500
	}
	return &historyBook{
		size:  size,
		chats: make(map[string]*ring),
		seen:  make(map[string]map[string]platform.Member),
	}
}

func (h *historyBook) add(chatID string, m platform.HistoryMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.chats[chatID]
	if r == nil {
		r = &ring{buf: make([]platform.HistoryMessage, h.size)}
		h.chats[chatID] = r
	}
	r.add(m)
}

func (h *historyBook) observe(chatID string, m platform.Member) {
	if m.ID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	users := h.seen[chatID]
	if users == nil {
		users = make(map[string]platform.Member)
		h.seen[chatID] = users
	}
	users[m.ID] = m
}

// after serves q from the ring. Telegram message ids grow within a chat, so
// "after" is a numeric comparison. An unknown chat yields nil, nil. An anchor
// that is not a message id yields platform.ErrNotFound.
func (h *historyBook) after(ctx context.Context, q platform.HistoryQuery) ([]platform.HistoryMessage, error) {
	var floor int64
	if a := strings.TrimSpace(q.AfterID); a != "" {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("history anchor %q: %w", q.AfterID, platform.ErrNotFound)
		}
		floor = n
	}

	h.mu.Lock()
	r := h.chats[q.ChannelID]
	var all []platform.HistoryMessage
	if r != nil {
		all = r.ordered()
	}
	h.mu.Unlock()

	var out []platform.HistoryMessage
	for start := 0; start < len(all); start += historyPage {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+historyPage, len(all))
		for _, m := range all[start:end] {
			id, _ := strconv.ParseInt(m.ID, 10, 64)
			if id <= floor {
				continue
			}
			out = append(out, m)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// members returns users observed in chatID sorted by id.
func (h *historyBook) members(chatID string) []platform.Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]platform.Member, 0, len(h.seen[chatID]))
	for _, m := range h.seen[chatID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
