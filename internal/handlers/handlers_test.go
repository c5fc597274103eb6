package handlers

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/config"
	"seedkeeper/internal/conversation"
	"seedkeeper/internal/correlation"
	"seedkeeper/internal/envelope"
	"seedkeeper/internal/front"
	"seedkeeper/internal/llm"
	"seedkeeper/internal/platform"
	"seedkeeper/internal/platform/fake"
	"seedkeeper/internal/queue"
	"seedkeeper/internal/ratelimit"
	"seedkeeper/internal/session"
	"seedkeeper/internal/storage"
	"seedkeeper/internal/worker"
	logx "seedkeeper/pkg/logx"
)

// memStore keeps everything in maps so tests can look inside.
type memStore struct {
	mu        sync.Mutex
	admins    map[string]bool
	birthdays map[string]storage.Birthday
	usage     []storage.Usage
	audit     []storage.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{admins: map[string]bool{}, birthdays: map[string]storage.Birthday{}}
}

func (s *memStore) IsAdmin(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admins[id], nil
}

func (s *memStore) SetAdmin(_ context.Context, id string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if admin {
		s.admins[id] = true
	} else {
		delete(s.admins, id)
	}
	return nil
}

func (s *memStore) ListAdmins(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.admins {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (s *memStore) PutBirthday(_ context.Context, b storage.Birthday) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.birthdays[b.UserID] = b
	return nil
}

func (s *memStore) ListBirthdays(context.Context) ([]storage.Birthday, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Birthday
	for _, b := range s.birthdays {
		out = append(out, b)
	}
	return out, nil
}

func (s *memStore) AppendUsage(_ context.Context, u storage.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, u)
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) Prune(context.Context, time.Time) (int, error) { return 0, nil }
func (s *memStore) Close() error                                  { return nil }

// scripted answers every completion with text and remembers the requests.
type scripted struct {
	mu   sync.Mutex
	text string
	err  error
	seen []llm.Request
}

func (s *scripted) Complete(_ context.Context, r llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, r)
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return llm.Response{Text: s.text, InputTokens: 12, OutputTokens: 34}, nil
}

type env struct {
	b      *broker.Memory
	svc    *worker.Services
	w      *worker.Worker
	store  *memStore
	client *fake.Client
	acts   <-chan envelope.Action
}

func newEnv(t *testing.T, completer llm.Completer) *env {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	lim, err := ratelimit.NewMemory(cfg.RateLimit)
	if err != nil {
		t.Fatal(err)
	}
	store := newMemStore()
	if completer == nil {
		completer = llm.Disabled{}
	}
	svc := &worker.Services{
		Broker:        b,
		Queue:         queue.NewCommandQueue(b, "commands", logx.Nop()),
		Actions:       queue.NewActionChannel(b, "responses", logx.Nop()),
		Results:       correlation.New(b, logx.Nop()),
		Sessions:      session.NewMemory(time.Minute),
		Limiter:       lim,
		Store:         store,
		LLM:           completer,
		Conversations: conversation.New(b, 10, time.Hour),
		Access:        worker.NewAccess([]int64{1}, store),
	}
	tbl, err := Build(cfg, Info{Name: "Seedkeeper"})
	if err != nil {
		t.Fatal(err)
	}
	svc.Registry = worker.NewRegistry(tbl)
	svc.Registry.SetBuilder(func() (*worker.Table, error) { return Build(cfg, Info{Name: "Seedkeeper"}) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	acts, stop, err := svc.Actions.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(stop)
	opts := worker.Options{ID: "t", PopTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond, FetchTimeout: 2 * time.Second}
	return &env{b: b, svc: svc, w: worker.New("t-1", opts, svc, logx.Nop()), store: store, acts: acts}
}

// withFront runs a front over a fake client so fetches get answered.
func (e *env) withFront(t *testing.T) *fake.Client {
	t.Helper()
	client := fake.New()
	f := front.New(front.Options{Prefixes: []string{"!"}, CorrelationTTL: 5 * time.Second}, front.Deps{
		Client: client, Broker: e.b, Queue: e.svc.Queue, Actions: e.svc.Actions, Results: e.svc.Results,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for !client.Emit(platform.Event{Kind: platform.EventMessage, IsBot: true}) {
		if time.Now().After(deadline) {
			t.Fatalf("front never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.client = client
	return client
}

// run dispatches cmd and returns the text of every message it sent.
func (e *env) run(t *testing.T, cmd envelope.Command) []string {
	t.Helper()
	if err := e.w.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("dispatch %+v: %v", cmd.Structured, err)
	}
	var out []string
	for {
		select {
		case a := <-e.acts:
			if a.Kind == envelope.ActSend {
				out = append(out, a.Send.Content)
			}
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func (e *env) one(t *testing.T, cmd envelope.Command) string {
	t.Helper()
	out := e.run(t, cmd)
	if len(out) != 1 {
		t.Fatalf("replies = %q, want one", out)
	}
	return out[0]
}

func command(author, name string, args ...string) envelope.Command {
	return envelope.Command{
		Kind: envelope.KindStructured, ID: "c-" + name, ChannelID: "room", GuildID: "room", AuthorID: author,
		CreatedAt:  time.Now(),
		Structured: &envelope.Structured{MessageID: "99", Name: name, Args: args},
	}
}

func dm(author, text string) envelope.Command {
	return envelope.Command{
		Kind: envelope.KindMessage, ID: "m-" + text, ChannelID: "dm-" + author, AuthorID: author, IsDM: true,
		Message: &envelope.Message{MessageID: "5", Content: text},
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		in   string
		want Date
	}{
		{"03-15", Date{Month: 3, Day: 15}},
		{"3/5", Date{Month: 3, Day: 5}},
		{"15/03", Date{Month: 3, Day: 15}},
		{"March 15", Date{Month: 3, Day: 15}},
		{"mar 4 90", Date{Month: 3, Day: 4, Year: 1990}},
		{"15th Mar 1990", Date{Month: 3, Day: 15, Year: 1990}},
		{"1990-03-15", Date{Month: 3, Day: 15, Year: 1990}},
		{"15/03/1990", Date{Month: 3, Day: 15, Year: 1990}},
		{"02-29", Date{Month: 2, Day: 29}},
	}
	for _, tc := range cases {
		got, err := ParseDate(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseDate(%q) = %+v, %v; want %+v", tc.in, got, err, tc.want)
		}
	}
	for _, bad := range []string{"", "02-30", "13-13", "hello", "Smarch 3", "1850-01-01"} {
		if d, err := ParseDate(bad); err == nil {
			t.Errorf("ParseDate(%q) = %+v, want error", bad, d)
		}
	}
}

func TestParseEntries(t *testing.T) {
	entries, rejects := ParseEntries("Alice 03-15; Bob (Bobby) March 4;  ; nonsense here\nCarol Ann 15 Mar 1990")
	if len(entries) != 3 || len(rejects) != 1 || rejects[0] != "nonsense here" {
		t.Fatalf("entries = %+v rejects = %q", entries, rejects)
	}
	if entries[1].Name != "Bob" || entries[1].Nickname != "Bobby" || entries[1].Date != (Date{Month: 3, Day: 4}) {
		t.Fatalf("bob = %+v", entries[1])
	}
	if entries[2].Name != "Carol Ann" || entries[2].Date.Year != 1990 {
		t.Fatalf("carol = %+v", entries[2])
	}
}

func TestMatchMember(t *testing.T) {
	members := []platform.Member{
		{ID: "1", Name: "Alice Smith", Username: "alice"},
		{ID: "2", Name: "Robert", Username: "bobby_r"},
		{ID: "3", Name: "Zed", Username: "zz"},
	}
	if m, score, ok := matchMember("Alice", "", members); !ok || m.ID != "1" || score != 1 {
		t.Fatalf("alice = %+v %v %v", m, score, ok)
	}
	if m, score, ok := matchMember("Bob", "Bobby", members); !ok || m.ID != "2" || score != substringScore {
		t.Fatalf("bob = %+v %v %v", m, score, ok)
	}
	// Subsequence of "alicesmith": 2*7/(7+10).
	if m, score, ok := matchMember("alsmith", "", members); !ok || m.ID != "1" || score < 0.8 || score > 0.83 {
		t.Fatalf("alsmith = %+v %v %v", m, score, ok)
	}
	if m, score, ok := matchMember("ae", "", members); ok {
		t.Fatalf("ae matched %+v at %v", m, score)
	}
	if m, score, ok := matchMember("Quentin", "", members); ok {
		t.Fatalf("quentin matched %+v at %v", m, score)
	}
}

func TestHelpHidesAdminRoutesFromOthers(t *testing.T) {
	e := newEnv(t, nil)
	text := e.one(t, command("7", "help"))
	if !strings.Contains(text, "!hello: say hello (also hi, intro)") || !strings.Contains(text, "!catchup") {
		t.Fatalf("help = %q", text)
	}
	if strings.Contains(text, "!reload") || strings.Contains(text, "Admin:") {
		t.Fatalf("help shows admin routes to a regular user: %q", text)
	}
	owner := e.one(t, command("1", "help"))
	if !strings.Contains(owner, "Admin:") || !strings.Contains(owner, "!reload") {
		t.Fatalf("owner help = %q", owner)
	}
	detail := e.one(t, command("7", "help", "whoami"))
	if !strings.Contains(detail, "!about") || !strings.Contains(detail, "Aliases: whoami, whoareyou") {
		t.Fatalf("help about = %q", detail)
	}
}

func TestAliasReachesRoute(t *testing.T) {
	e := newEnv(t, nil)
	if text := e.one(t, command("7", "hi")); !strings.HasPrefix(text, "Hello") {
		t.Fatalf("hi = %q", text)
	}
}

func TestCatchupUsesModelAndRecordsUsage(t *testing.T) {
	model := &scripted{text: "- bob asked, cat answered"}
	e := newEnv(t, model)
	client := e.withFront(t)
	client.HistoryByChannel["room"] = []platform.HistoryMessage{
		{ID: "10", AuthorName: "ann", Text: "before"},
		{ID: "11", AuthorName: "bob", Text: "one?"},
		{ID: "12", AuthorName: "helper", Text: "beep", IsBot: true},
		{ID: "13", AuthorName: "cat", Text: "two"},
	}

	text := e.one(t, command("7", "catchup", "https://t.me/c/123/10", "release", "dates"))
	if text != "Catchup (2 messages):\n\n- bob asked, cat answered" {
		t.Fatalf("reply = %q", text)
	}
	model.mu.Lock()
	defer model.mu.Unlock()
	if len(model.seen) != 1 {
		t.Fatalf("model calls = %d", len(model.seen))
	}
	prompt := model.seen[0].Messages[0].Content
	if !strings.Contains(prompt, "bob: one?\ncat: two") || strings.Contains(prompt, "beep") || !strings.Contains(prompt, "release dates") {
		t.Fatalf("prompt = %q", prompt)
	}
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	if len(e.store.usage) != 1 || e.store.usage[0].Command != "catchup" || e.store.usage[0].OutputTokens != 34 {
		t.Fatalf("usage = %+v", e.store.usage)
	}
}

func TestCatchupFallbackWithoutModel(t *testing.T) {
	e := newEnv(t, nil)
	client := e.withFront(t)
	client.HistoryByChannel["room"] = []platform.HistoryMessage{
		{ID: "10", AuthorName: "ann", Text: "before"},
		{ID: "11", AuthorName: "cat", Text: "a"},
		{ID: "12", AuthorName: "bob", Text: "b"},
		{ID: "13", AuthorName: "cat", Text: "c"},
	}
	text := e.one(t, command("7", "catchup", "10"))
	want := "3 messages from 2 people since then:\n- cat: 2\n- bob: 1"
	if text != want {
		t.Fatalf("reply = %q, want %q", text, want)
	}
}

func TestCatchupNothingNew(t *testing.T) {
	e := newEnv(t, nil)
	client := e.withFront(t)
	client.HistoryByChannel["room"] = []platform.HistoryMessage{{ID: "10", AuthorName: "ann", Text: "last"}}
	if text := e.one(t, command("7", "catchup", "10")); text != "No messages found after that point." {
		t.Fatalf("reply = %q", text)
	}
}

func TestCatchupUnknownAnchor(t *testing.T) {
	e := newEnv(t, nil)
	client := e.withFront(t)
	client.HistoryByChannel["room"] = []platform.HistoryMessage{{ID: "10", AuthorName: "ann", Text: "last"}}
	if text := e.one(t, command("7", "catchup", "foo")); text != "I can't find that message in this chat." {
		t.Fatalf("reply = %q", text)
	}
}

func TestCatchupWithoutFrontIsUnavailable(t *testing.T) {
	e := newEnv(t, nil)
	e.w = worker.New("t-1", worker.Options{ID: "t", FetchTimeout: 150 * time.Millisecond, PollInterval: 10 * time.Millisecond}, e.svc, logx.Nop())
	if text := e.one(t, command("7", "catchup", "10")); text != worker.ErrUnavailable.Error() {
		t.Fatalf("reply = %q", text)
	}
}

func TestCatchupUsage(t *testing.T) {
	e := newEnv(t, nil)
	if text := e.one(t, command("7", "catchup")); !strings.HasPrefix(text, "Usage: !catchup") {
		t.Fatalf("reply = %q", text)
	}
}

func TestBirthdayImportMatchConfirm(t *testing.T) {
	e := newEnv(t, nil)
	client := e.withFront(t)
	client.MembersByGuild["room"] = []platform.Member{
		{ID: "100", Name: "Alice Smith", Username: "alice"},
		{ID: "200", Name: "Robert", Username: "bobby_r"},
	}

	if text := e.one(t, command("7", "birthday", "import", "Alice", "03-15")); text != "Only admins can change birthdays." {
		t.Fatalf("non-admin import = %q", text)
	}

	text := e.one(t, command("1", "birthday", "import", "Alice", "03-15;", "Bob", "(Bobby)", "March", "4;", "Quentin", "12-01"))
	if !strings.Contains(text, "Parsed 3 birthdays") || !strings.Contains(text, "Bob (Bobby): 03-04") {
		t.Fatalf("import = %q", text)
	}
	var parsed []Entry
	if ok, err := e.svc.Sessions.Get(context.Background(), "birthday_parse:1", &parsed); !ok || err != nil || len(parsed) != 3 {
		t.Fatalf("parse session = %+v %v %v", parsed, ok, err)
	}

	text = e.one(t, command("1", "birthday", "match"))
	if !strings.Contains(text, "Matched (2)") || !strings.Contains(text, "03-15 Alice -> Alice Smith [exact]") || !strings.Contains(text, "No match (1)") {
		t.Fatalf("match = %q", text)
	}

	text = e.one(t, command("1", "birthday", "confirm"))
	if text != "Saved 2 birthdays." {
		t.Fatalf("confirm = %q", text)
	}
	if b := e.store.birthdays["100"]; b.Month != 3 || b.Day != 15 || b.Name != "Alice Smith" {
		t.Fatalf("alice = %+v", b)
	}
	if b := e.store.birthdays["200"]; b.Month != 3 || b.Day != 4 {
		t.Fatalf("bob = %+v", b)
	}
	for _, key := range []string{"birthday_parse:1", "birthday_matched:1"} {
		var v any
		if ok, _ := e.svc.Sessions.Get(context.Background(), key, &v); ok {
			t.Fatalf("%s survived confirm", key)
		}
	}
	if len(e.store.audit) != 1 || e.store.audit[0].Action != "birthday.import" || !e.store.audit[0].OK {
		t.Fatalf("audit = %+v", e.store.audit)
	}

	// Owners skip the birthday cooldown that the denied import above started.
	list := e.one(t, command("1", "birthday", "list"))
	if list != "Birthdays (2):\n- 03-04 Robert\n- 03-15 Alice Smith" {
		t.Fatalf("list = %q", list)
	}
}

func TestBirthdayConfirmWithoutMatch(t *testing.T) {
	e := newEnv(t, nil)
	if text := e.one(t, command("1", "birthday", "confirm")); !strings.HasPrefix(text, "Nothing to confirm") {
		t.Fatalf("confirm = %q", text)
	}
	_ = e.one(t, command("1", "birthday", "import", "Alice", "03-15"))
	_ = e.one(t, command("1", "birthday", "cancel"))
	if text := e.one(t, command("1", "birthday", "match")); !strings.HasPrefix(text, "Nothing to match") {
		t.Fatalf("match after cancel = %q", text)
	}
}

func TestAdminAddGrantsPrivilege(t *testing.T) {
	e := newEnv(t, nil)
	if text := e.one(t, command("7", "admin", "add", "8")); text != "you are not allowed to use that command" {
		t.Fatalf("non-owner admin = %q", text)
	}
	if text := e.one(t, command("1", "admin", "add", "8")); text != "8 is now an admin." {
		t.Fatalf("add = %q", text)
	}
	if text := e.one(t, command("8", "reload")); !strings.HasPrefix(text, "Reloaded: ") {
		t.Fatalf("reload by new admin = %q", text)
	}
	if text := e.one(t, command("1", "admin", "list")); text != "Admins: 8" {
		t.Fatalf("list = %q", text)
	}
	_ = e.one(t, command("1", "admin", "remove", "8"))
	if text := e.one(t, command("8", "reload")); text != "you are not allowed to use that command" {
		t.Fatalf("reload after removal = %q", text)
	}
}

func TestLimitsShowAndReset(t *testing.T) {
	e := newEnv(t, nil)
	_ = e.one(t, command("7", "ping"))
	text := e.one(t, command("7", "limits"))
	if !strings.Contains(text, "Rate limits for 7") || !strings.Contains(text, "- general: 1/10 per 1m0s") {
		t.Fatalf("limits = %q", text)
	}
	if text := e.one(t, command("7", "limits", "9")); text != "Only admins can see other people's limits." {
		t.Fatalf("other user = %q", text)
	}
	if text := e.one(t, command("7", "limits", "reset", "7")); text != "Only admins can reset limits." {
		t.Fatalf("reset by user = %q", text)
	}
	if text := e.one(t, command("1", "limits", "reset", "7")); text != "Limits reset for 7." {
		t.Fatalf("reset = %q", text)
	}
	if text := e.one(t, command("7", "limits")); !strings.Contains(text, "- general: 0/10 per 1m0s") {
		t.Fatalf("after reset = %q", text)
	}
}

func TestStatusReportsWorkersAndFront(t *testing.T) {
	e := newEnv(t, nil)
	e.withFront(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	other := worker.New("t-2", worker.Options{ID: "t", PopTimeout: 50 * time.Millisecond}, e.svc, logx.Nop())
	go func() { done <- other.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(2 * time.Second)
	for {
		regs, _ := worker.ActiveWorkers(context.Background(), e.b)
		_, up, _ := front.ReadStatus(context.Background(), e.b)
		if len(regs) == 1 && up {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker or front never reported")
		}
		time.Sleep(10 * time.Millisecond)
	}
	text := e.one(t, command("7", "status"))
	for _, want := range []string{"queue: 0 waiting", "front: running", "workers: 1 active", "- t-2 running"} {
		if !strings.Contains(text, want) {
			t.Fatalf("status missing %q: %q", want, text)
		}
	}
}

func TestReloadPicksUpBuilder(t *testing.T) {
	e := newEnv(t, nil)
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Worker.DisabledCommands = []string{"ping"}
	e.svc.Registry.SetBuilder(func() (*worker.Table, error) { return Build(cfg, Info{}) })

	if text := e.one(t, command("1", "reload")); !strings.HasPrefix(text, "Reloaded: ") {
		t.Fatalf("reload = %q", text)
	}
	if text := e.one(t, command("7", "ping")); text != "That command is turned off right now." {
		t.Fatalf("ping after reload = %q", text)
	}

	e.svc.Registry.SetBuilder(func() (*worker.Table, error) { return nil, errors.New("bad config") })
	if text := e.one(t, command("1", "reload")); text != "Reload failed: bad config" {
		t.Fatalf("failed reload = %q", text)
	}
}

func TestConversationUsesHistory(t *testing.T) {
	model := &scripted{text: "fine, thanks"}
	e := newEnv(t, model)
	ctx := context.Background()
	convs := e.svc.Conversations
	_ = convs.Append(ctx, "7", conversation.Turn{Role: conversation.RoleUser, Content: "hi"})
	_ = convs.Append(ctx, "7", conversation.Turn{Role: conversation.RoleAssistant, Content: "hello!"})
	_ = convs.Append(ctx, "7", conversation.Turn{Role: conversation.RoleUser, Content: "how are you?"})

	if text := e.one(t, dm("7", "how are you?")); text != "fine, thanks" {
		t.Fatalf("reply = %q", text)
	}
	model.mu.Lock()
	defer model.mu.Unlock()
	msgs := model.seen[0].Messages
	if len(msgs) != 3 || msgs[1].Role != llm.RoleAssistant || msgs[2].Content != "how are you?" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestConversationIgnoredWhenModelDisabled(t *testing.T) {
	e := newEnv(t, nil)
	if out := e.run(t, dm("7", "hello?")); len(out) != 0 {
		t.Fatalf("replies = %q", out)
	}
	group := dm("7", "hello?")
	group.IsDM = false
	model := &scripted{text: "x"}
	e2 := newEnv(t, model)
	if out := e2.run(t, group); len(out) != 0 || len(model.seen) != 0 {
		t.Fatalf("group message answered: %q", out)
	}
}

func TestConversationModelFailure(t *testing.T) {
	e := newEnv(t, &scripted{err: errors.New("boom")})
	if text := e.one(t, dm("7", "hi")); !strings.HasPrefix(text, "I couldn't think of a reply") {
		t.Fatalf("reply = %q", text)
	}
}

func TestReactionIsQuiet(t *testing.T) {
	e := newEnv(t, nil)
	cmd := envelope.Command{
		Kind: envelope.KindReaction, ID: "r", ChannelID: "room", AuthorID: "7",
		Reaction: &envelope.Reaction{MessageID: "11", Emoji: "👍", Added: true},
	}
	if out := e.run(t, cmd); len(out) != 0 {
		t.Fatalf("replies = %q", out)
	}
}
