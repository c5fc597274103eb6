package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/config"
	"seedkeeper/internal/correlation"
	"seedkeeper/internal/envelope"
	"seedkeeper/internal/queue"
	"seedkeeper/internal/ratelimit"
	"seedkeeper/internal/session"
	"seedkeeper/internal/storage"
	logx "seedkeeper/pkg/logx"
)

type harness struct {
	b    *broker.Memory
	svc  *Services
	w    *Worker
	acts <-chan envelope.Action
}

func newHarness(t *testing.T, opts Options, routes ...Route) *harness {
	t.Helper()
	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	lim, err := ratelimit.NewMemory(config.RateLimitConfig{
		DefaultClass: "general",
		Classes:      map[string]config.RateClassConfig{"general": {Windows: map[string]int{"1m": 1}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := &Services{
		Broker:   b,
		Queue:    queue.NewCommandQueue(b, "commands", logx.Nop()),
		Actions:  queue.NewActionChannel(b, "responses", logx.Nop()),
		Results:  correlation.New(b, logx.Nop()),
		Sessions: session.NewMemory(time.Minute),
		Limiter:  lim,
		Store:    storage.Nop{},
		Registry: NewRegistry(NewTable(routes, nil, nil)),
		Access:   NewAccess([]int64{1}, storage.Nop{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	acts, stop, err := svc.Actions.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(stop)
	if opts.ID == "" {
		opts.ID = "w"
	}
	return &harness{b: b, svc: svc, w: New("w-1", opts, svc, logx.Nop()), acts: acts}
}

// recv collects n actions or fails after a second.
func (h *harness) recv(t *testing.T, n int) []envelope.Action {
	t.Helper()
	var out []envelope.Action
	deadline := time.After(time.Second)
	for len(out) < n {
		select {
		case a := <-h.acts:
			out = append(out, a)
		case <-deadline:
			t.Fatalf("got %d actions, want %d", len(out), n)
		}
	}
	return out
}

func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case a := <-h.acts:
		t.Fatalf("unexpected action %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

func structured(author, name string, args ...string) envelope.Command {
	return envelope.Command{
		Kind: envelope.KindStructured, ID: "c-" + name, ChannelID: "chan", AuthorID: author,
		Structured: &envelope.Structured{MessageID: "42", Name: name, Args: args},
	}
}

func reply(text string) HandlerFunc {
	return func(ctx context.Context, req *Request) error { return req.Reply(ctx, text) }
}

func TestTableLookup(t *testing.T) {
	tb := NewTable(
		[]Route{{Name: "About", Handler: reply("a")}, {Name: "noop"}},
		map[string]string{"WhoAmI": "about", "ghost": "missing", "about": "about"},
		[]string{"Catchup"},
	)
	if r, ok := tb.Lookup("ABOUT"); !ok || r.Name != "about" {
		t.Fatalf("lookup about = %+v %v", r, ok)
	}
	if r, ok := tb.Lookup("whoami"); !ok || r.Name != "about" {
		t.Fatalf("alias = %+v %v", r, ok)
	}
	for _, name := range []string{"ghost", "noop"} {
		if _, ok := tb.Lookup(name); ok {
			t.Fatalf("%s resolved", name)
		}
	}
	if !tb.Disabled("catchup") {
		t.Fatalf("catchup should be disabled")
	}
	if got := tb.AliasesOf("about"); len(got) != 1 || got[0] != "whoami" {
		t.Fatalf("aliases = %v", got)
	}
}

func TestRegistrySwapAppliesToNextCommand(t *testing.T) {
	h := newHarness(t, Options{}, Route{Name: "v", Handler: reply("one")})
	ctx := context.Background()
	_ = h.w.Dispatch(ctx, structured("7", "v"))
	h.svc.Registry.Swap(NewTable([]Route{{Name: "v", Handler: reply("two")}}, nil, nil))
	_ = h.w.Dispatch(ctx, structured("7", "v"))

	got := h.recv(t, 2)
	if got[0].Send.Content != "one" || got[1].Send.Content != "two" {
		t.Fatalf("got %q then %q", got[0].Send.Content, got[1].Send.Content)
	}
}

func TestRegistryRebuild(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Rebuild(); err == nil {
		t.Fatalf("rebuild without builder should fail")
	}
	fail := true
	r.SetBuilder(func() (*Table, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return NewTable([]Route{{Name: "x", Handler: reply("x")}}, nil, nil), nil
	})
	if err := r.Rebuild(); err == nil {
		t.Fatalf("want builder error")
	}
	if _, ok := r.Load().Lookup("x"); ok {
		t.Fatalf("failed rebuild replaced the table")
	}
	fail = false
	if err := r.Rebuild(); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Load().Lookup("x"); !ok {
		t.Fatalf("rebuild did not install the table")
	}
}

func TestUnknownCommandAnsweredOnlyInDM(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_ = h.w.Dispatch(ctx, structured("7", "nope"))
	h.quiet(t)

	dm := structured("7", "nope")
	dm.IsDM = true
	_ = h.w.Dispatch(ctx, dm)
	if got := h.recv(t, 1)[0]; !strings.Contains(got.Send.Content, "help") {
		t.Fatalf("reply = %q", got.Send.Content)
	}
}

func TestDisabledCommand(t *testing.T) {
	h := newHarness(t, Options{})
	called := false
	h.svc.Registry.Swap(NewTable([]Route{{Name: "x", Handler: func(context.Context, *Request) error {
		called = true
		return nil
	}}}, nil, []string{"x"}))
	_ = h.w.Dispatch(context.Background(), structured("7", "x"))
	if got := h.recv(t, 1)[0]; !strings.Contains(got.Send.Content, "turned off") {
		t.Fatalf("reply = %q", got.Send.Content)
	}
	if called {
		t.Fatalf("disabled handler ran")
	}
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, Options{},
		Route{Name: "boom", Handler: func(context.Context, *Request) error { panic("kaboom") }},
		Route{Name: "ok", Handler: reply("fine")},
	)
	ctx := context.Background()
	if err := h.w.Dispatch(ctx, structured("7", "boom")); !errors.Is(err, ErrPanic) {
		t.Fatalf("err = %v, want ErrPanic", err)
	}
	if err := h.w.Dispatch(ctx, structured("7", "ok")); err != nil {
		t.Fatal(err)
	}
	if got := h.recv(t, 1)[0]; got.Send.Content != "fine" {
		t.Fatalf("reply = %q", got.Send.Content)
	}
	if h.w.Processed() != 2 {
		t.Fatalf("processed = %d", h.w.Processed())
	}
}

func TestRateLimitDenialReplies(t *testing.T) {
	calls := 0
	h := newHarness(t, Options{}, Route{Name: "ping", RateClass: "ping", Handler: func(ctx context.Context, req *Request) error {
		calls++
		return req.Reply(ctx, "pong")
	}})
	ctx := context.Background()
	_ = h.w.Dispatch(ctx, structured("7", "ping"))
	_ = h.w.Dispatch(ctx, structured("7", "ping"))
	got := h.recv(t, 2)
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if got[0].Send.Content != "pong" || !strings.Contains(got[1].Send.Content, "limit") {
		t.Fatalf("replies = %q, %q", got[0].Send.Content, got[1].Send.Content)
	}

	// Owners bypass the limiter.
	_ = h.w.Dispatch(ctx, structured("1", "ping"))
	_ = h.w.Dispatch(ctx, structured("1", "ping"))
	h.recv(t, 2)
	if calls != 3 {
		t.Fatalf("handler ran %d times, want 3", calls)
	}
}

func TestPrivilegedRoute(t *testing.T) {
	h := newHarness(t, Options{},
		Route{Name: "admin", Privileged: true, Handler: reply("done")},
		Route{Name: "root", OwnerOnly: true, Handler: reply("done")},
	)
	ctx := context.Background()
	_ = h.w.Dispatch(ctx, structured("7", "admin"))
	_ = h.w.Dispatch(ctx, structured("7", "root"))
	_ = h.w.Dispatch(ctx, structured("1", "root"))
	got := h.recv(t, 3)
	for i, want := range []string{"not allowed", "not allowed", "done"} {
		if !strings.Contains(got[i].Send.Content, want) {
			t.Fatalf("reply %d = %q, want %q", i, got[i].Send.Content, want)
		}
	}
}

func TestReplySplitsLongText(t *testing.T) {
	long := strings.Repeat("All work and no play makes a dull bot. ", 150)
	h := newHarness(t, Options{}, Route{Name: "long", Handler: reply(long)})
	dm := structured("7", "long")
	dm.IsDM = true
	_ = h.w.Dispatch(context.Background(), dm)

	var parts []envelope.Action
	for {
		a := h.recv(t, 1)[0]
		parts = append(parts, a)
		if !strings.HasSuffix(a.Send.Content, continueMarker) {
			break
		}
	}
	if len(parts) < 3 {
		t.Fatalf("got %d parts", len(parts))
	}
	for _, p := range parts {
		if n := len([]rune(p.Send.Content)); n > sendChunk {
			t.Fatalf("part of %d runes", n)
		}
		if p.Send.AuthorID != "7" || !p.Send.IsDM {
			t.Fatalf("part lost its author: %+v", p.Send)
		}
	}
}

func TestFetchWithoutFrontIsUnavailable(t *testing.T) {
	var got error
	h := newHarness(t, Options{FetchTimeout: 200 * time.Millisecond, PollInterval: 20 * time.Millisecond},
		Route{Name: "hist", Handler: func(ctx context.Context, req *Request) error {
			_, got = req.FetchHistory(ctx, "chan", "1", 0)
			return nil
		}})
	start := time.Now()
	_ = h.w.Dispatch(context.Background(), structured("7", "hist"))
	if !errors.Is(got, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", got)
	}
	if d := time.Since(start); d < 200*time.Millisecond {
		t.Fatalf("returned after %v", d)
	}
	a := h.recv(t, 1)[0]
	if a.Kind != envelope.ActFetchHistory || correlation.Purpose(a.RequestID) != "history" {
		t.Fatalf("published %+v", a)
	}
}

func TestRunProcessesInOrderAndRegisters(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	h := newHarness(t, Options{PopTimeout: 50 * time.Millisecond, HeartbeatEvery: 1, Capabilities: []string{"structured_command"}},
		Route{Name: "n", Handler: func(_ context.Context, req *Request) error {
			mu.Lock()
			seen = append(seen, req.Arg(0))
			mu.Unlock()
			return nil
		}})
	ctx, cancel := context.WithCancel(context.Background())
	for i := 1; i <= 5; i++ {
		h.svc.Queue.Push(ctx, structured("7", "n", fmt.Sprint(i)))
	}
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.w.Processed() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	order := strings.Join(seen, ",")
	mu.Unlock()
	if order != "1,2,3,4,5" {
		t.Fatalf("order = %s", order)
	}

	regs, err := ActiveWorkers(context.Background(), h.b)
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 1 || regs[0].WorkerID != "w-1" || regs[0].Status != StatusRunning || regs[0].Capabilities[0] != "structured_command" {
		t.Fatalf("registrations = %+v", regs)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if regs, _ := ActiveWorkers(context.Background(), h.b); len(regs) != 0 {
		t.Fatalf("still registered after stop: %+v", regs)
	}
}

func TestRegistrationTTL(t *testing.T) {
	o := Options{PopTimeout: time.Second, HeartbeatEvery: 30, HeartbeatMultiplier: 2}
	if got := o.RegistrationTTL(); got != time.Minute {
		t.Fatalf("ttl = %v, want 1m", got)
	}
}

func TestSlowCommandKeepsRegistration(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Options{PopTimeout: 10 * time.Millisecond, HeartbeatEvery: 5, HeartbeatMultiplier: 2},
		Route{Name: "slow", Handler: func(ctx context.Context, _ *Request) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}})
	if ttl := h.w.Options().RegistrationTTL(); ttl != 100*time.Millisecond {
		t.Fatalf("ttl = %v", ttl)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	h.svc.Queue.Push(ctx, structured("7", "slow"))
	go func() { done <- h.w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Several TTLs pass while the handler is still running.
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		regs, err := ActiveWorkers(context.Background(), h.b)
		if err != nil {
			t.Fatal(err)
		}
		if len(regs) != 1 || regs[0].WorkerID != "w-1" {
			t.Fatalf("after %dms registrations = %+v", (i+1)*100, regs)
		}
	}
	close(release)
}

func TestPoolNamesWorkers(t *testing.T) {
	p := NewPool(Options{ID: "box", Concurrency: 3}, &Services{}, logx.Nop())
	var ids []string
	for _, w := range p.Workers() {
		ids = append(ids, w.ID())
	}
	if strings.Join(ids, ",") != "box-1,box-2,box-3" {
		t.Fatalf("ids = %v", ids)
	}
}
