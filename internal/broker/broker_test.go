package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"seedkeeper/internal/config"
	logx "seedkeeper/pkg/logx"
)

type harness struct {
	b       Broker
	advance func(time.Duration)
}

func drivers(t *testing.T) map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		"memory": func(t *testing.T) harness {
			var mu sync.Mutex
			now := time.Unix(1_700_000_000, 0)
			m := NewMemory(WithMemoryClock(func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			}))
			t.Cleanup(func() { _ = m.Close() })
			return harness{b: m, advance: func(d time.Duration) {
				mu.Lock()
				now = now.Add(d)
				mu.Unlock()
			}}
		},
		"redis": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			r := NewRedis(RedisOptions{Addr: mr.Addr(), KeyPrefix: "test:"}, logx.Nop())
			t.Cleanup(func() { _ = r.Close() })
			return harness{b: r, advance: mr.FastForward}
		},
	}
}

func TestQueueIsFIFO(t *testing.T) {
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				if err := h.b.Push(ctx, "q", []byte(fmt.Sprint(i))); err != nil {
					t.Fatal(err)
				}
			}
			if n, _ := h.b.Len(ctx, "q"); n != 5 {
				t.Fatalf("Len = %d, want 5", n)
			}
			for i := 0; i < 5; i++ {
				got, ok, err := h.b.PopBlocking(ctx, "q", time.Second)
				if err != nil || !ok {
					t.Fatalf("pop %d: ok=%v err=%v", i, ok, err)
				}
				if string(got) != fmt.Sprint(i) {
					t.Fatalf("pop %d = %q", i, got)
				}
			}
		})
	}
}

func TestPopTimesOutOnEmptyQueue(t *testing.T) {
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			start := time.Now()
			_, ok, err := h.b.PopBlocking(context.Background(), "empty", 50*time.Millisecond)
			if err != nil || ok {
				t.Fatalf("ok=%v err=%v, want timeout", ok, err)
			}
			if time.Since(start) > 3*time.Second {
				t.Fatalf("pop blocked too long")
			}
		})
	}
}

func TestPopWakesOnPush(t *testing.T) {
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()
			got := make(chan string, 1)
			go func() {
				b, ok, _ := h.b.PopBlocking(ctx, "q", 3*time.Second)
				if ok {
					got <- string(b)
				}
				close(got)
			}()
			time.Sleep(50 * time.Millisecond)
			_ = h.b.Push(ctx, "q", []byte("late"))
			if v := <-got; v != "late" {
				t.Fatalf("got %q, want late", v)
			}
		})
	}
}

func TestEachItemPoppedOnce(t *testing.T) {
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()
			const n = 40
			for i := 0; i < n; i++ {
				_ = h.b.Push(ctx, "q", []byte(fmt.Sprint(i)))
			}
			var (
				mu   sync.Mutex
				seen = map[string]int{}
				wg   sync.WaitGroup
			)
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						b, ok, err := h.b.PopBlocking(ctx, "q", 100*time.Millisecond)
						if err != nil || !ok {
							return
						}
						mu.Lock()
						seen[string(b)]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if len(seen) != n {
				t.Fatalf("saw %d distinct items, want %d", len(seen), n)
			}
			for k, c := range seen {
				if c != 1 {
					t.Fatalf("item %s popped %d times", k, c)
				}
			}
		})
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if n, _ := h.b.Publish(ctx, "ch", []byte("nobody")); n != 0 {
				t.Fatalf("receivers with no subscriber = %d", n)
			}
			s1, err := h.b.Subscribe(ctx, "ch")
			if err != nil {
				t.Fatal(err)
			}
			defer s1.Close()
			s2, _ := h.b.Subscribe(ctx, "ch")
			defer s2.Close()

			if n, _ := h.b.Publish(ctx, "ch", []byte("hello")); n != 2 {
				t.Fatalf("receivers = %d, want 2", n)
			}
			for i, s := range []Subscription{s1, s2} {
				select {
				case b := <-s.Messages():
					if string(b) != "hello" {
						t.Fatalf("sub %d got %q", i, b)
					}
				case <-time.After(2 * time.Second):
					t.Fatalf("sub %d got nothing", i)
				}
			}
		})
	}
}

func TestKeyExpiryAndTake(t *testing.T) {
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			h := mk(t)
			ctx := context.Background()

			_ = h.b.Set(ctx, "fetch_history:1:a", []byte("x"), 30*time.Second)
			_ = h.b.Set(ctx, "fetch_history:2:b", []byte("y"), 0)
			_ = h.b.Set(ctx, "worker:w1", []byte("z"), 10*time.Second)

			keys, _ := h.b.Keys(ctx, "fetch_history:")
			if len(keys) != 2 || keys[0] != "fetch_history:1:a" {
				t.Fatalf("keys = %v", keys)
			}

			v, ok, _ := h.b.Take(ctx, "fetch_history:1:a")
			if !ok || string(v) != "x" {
				t.Fatalf("Take = %q,%v", v, ok)
			}
			if _, ok, _ := h.b.Take(ctx, "fetch_history:1:a"); ok {
				t.Fatalf("second Take must miss")
			}

			h.advance(11 * time.Second)
			if _, ok, _ := h.b.Get(ctx, "worker:w1"); ok {
				t.Fatalf("worker key should have expired")
			}
			if _, ok, _ := h.b.Get(ctx, "fetch_history:2:b"); !ok {
				t.Fatalf("key without ttl vanished")
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.BrokerConfig{Driver: "kafka"}, logx.Nop())
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), config.BrokerConfig{Driver: "redis", Addr: mr.Addr(), KeyPrefix: "sk:"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	_ = b.Set(context.Background(), "k", []byte("v"), 0)
	if got, _ := mr.Get("sk:k"); got != "v" {
		t.Fatalf("prefixed key = %q", got)
	}
}

func TestMemoryCloseWakesPoppers(t *testing.T) {
	m := NewMemory()
	done := make(chan error, 1)
	go func() {
		_, _, err := m.PopBlocking(context.Background(), "q", time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = m.Close()
	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("popper not woken by Close")
	}
}
