package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"seedkeeper/internal/platform"
)

func msg(id int) platform.HistoryMessage {
	return platform.HistoryMessage{ID: strconv.Itoa(id), AuthorID: "1", Text: "m" + strconv.Itoa(id)}
}

func TestRingKeepsNewestInOrder(t *testing.T) {
	h := newHistoryBook(3)
	for i := 1; i <= 5; i++ {
		h.add("-100", msg(i))
	}
	got, err := h.after(context.Background(), platform.HistoryQuery{ChannelID: "-100"})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "3,4,5" {
		t.Fatalf("got %v, want [3 4 5]", ids)
	}
}

func TestHistoryAfterAndLimit(t *testing.T) {
	h := newHistoryBook(500)
	for i := 1; i <= 250; i++ {
		h.add("c", msg(i))
	}
	ctx := context.Background()

	got, _ := h.after(ctx, platform.HistoryQuery{ChannelID: "c", AfterID: "240"})
	if len(got) != 10 || got[0].ID != "241" {
		t.Fatalf("after 240: got %d messages starting %v", len(got), got)
	}
	got, _ = h.after(ctx, platform.HistoryQuery{ChannelID: "c", AfterID: "100", Limit: 120})
	if len(got) != 120 || got[119].ID != "220" {
		t.Fatalf("limit across pages: got %d, last %s", len(got), got[len(got)-1].ID)
	}
	got, _ = h.after(ctx, platform.HistoryQuery{ChannelID: "unknown"})
	if got != nil {
		t.Fatalf("unknown chat returned %v", got)
	}
}

func TestHistoryRejectsUnknownAnchor(t *testing.T) {
	h := newHistoryBook(10)
	for i := 5; i <= 7; i++ {
		h.add("c", msg(i))
	}
	got, err := h.after(context.Background(), platform.HistoryQuery{ChannelID: "c", AfterID: "notanumber"})
	if !errors.Is(err, platform.ErrNotFound) || got != nil {
		t.Fatalf("got %d messages, err=%v, want platform.ErrNotFound", len(got), err)
	}
	got, err = h.after(context.Background(), platform.HistoryQuery{ChannelID: "c", AfterID: " 6 "})
	if err != nil || len(got) != 1 || got[0].ID != "7" {
		t.Fatalf("after 6: got %v err=%v", got, err)
	}
}

func TestHistoryHonoursContext(t *testing.T) {
	h := newHistoryBook(10)
	h.add("c", msg(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.after(ctx, platform.HistoryQuery{ChannelID: "c"}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestMergeMembersMarksAdmins(t *testing.T) {
	h := newHistoryBook(10)
	h.observe("g", platform.Member{ID: "2", Name: "Bo"})
	h.observe("g", platform.Member{ID: "1", Name: "Ann"})
	admins := []tele.ChatMember{
		{User: &tele.User{ID: 2, FirstName: "Bo"}, Role: tele.Creator},
		{User: &tele.User{ID: 9, FirstName: "Cy", Username: "cy"}, Role: tele.Administrator},
	}
	got := mergeMembers(h.members("g"), admins)
	if len(got) != 3 {
		t.Fatalf("got %d members, want 3", len(got))
	}
	if got[0].ID != "1" || got[0].Admin {
		t.Fatalf("first = %+v", got[0])
	}
	if !got[1].Admin || got[2].Username != "cy" || !got[2].Admin {
		t.Fatalf("admins not merged: %+v", got)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("newline split: %q", got)
	}
	got = splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len([]rune(got[2])) != 5 {
		t.Fatalf("hard split: %q", got)
	}
	for _, c := range splitText(strings.Repeat("é", 30), 7) {
		if len([]rune(c)) > 7 {
			t.Fatalf("chunk over limit: %d runes", len([]rune(c)))
		}
	}
}

func TestSetMessageReaction(t *testing.T) {
	var gotPath string
	var body struct {
		ChatID    int64          `json:"chat_id"`
		MessageID int            `json:"message_id"`
		Reaction  []reactionType `json:"reaction"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	a := &Adapter{cfg: Config{Token: "T"}, apiBase: srv.URL, http: srv.Client()}
	if err := a.React(context.Background(), "-42", "7", "👍"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/botT/setMessageReaction" {
		t.Fatalf("path = %q", gotPath)
	}
	if body.ChatID != -42 || body.MessageID != 7 || len(body.Reaction) != 1 || body.Reaction[0].Emoji != "👍" {
		t.Fatalf("body = %+v", body)
	}
}

func TestCallAPIReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"REACTION_INVALID"}`))
	}))
	t.Cleanup(srv.Close)

	a := &Adapter{cfg: Config{Token: "T"}, apiBase: srv.URL, http: srv.Client()}
	err := a.React(context.Background(), "1", "2", "x")
	if err == nil || !strings.Contains(err.Error(), "REACTION_INVALID") {
		t.Fatalf("err = %v", err)
	}
	if err := a.React(context.Background(), "nope", "2", "x"); err == nil {
		t.Fatalf("bad chat id accepted")
	}
}
