package correlation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"seedkeeper/internal/broker"
	logx "seedkeeper/pkg/logx"
)

func TestRequestIDShape(t *testing.T) {
	id := NewRequestID("fetch_history", "42")
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "fetch_history" || parts[1] != "42" || len(parts[2]) != 36 {
		t.Fatalf("id = %q", id)
	}
	if Purpose(id) != "fetch_history" {
		t.Fatalf("Purpose = %q", Purpose(id))
	}
	if NewRequestID("a", "b") == NewRequestID("a", "b") {
		t.Fatalf("ids must not repeat")
	}
}

func TestPollUntilSeesLateWrite(t *testing.T) {
	s := New(broker.NewMemory(), logx.Nop())
	ctx := context.Background()
	id := NewRequestID("fetch_members", "7")

	go func() {
		time.Sleep(60 * time.Millisecond)
		r, _ := OK([]string{"ann", "bo"})
		_ = s.Put(ctx, id, r, 30*time.Second)
	}()

	r, ok, err := s.PollUntil(ctx, id, 2*time.Second, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	var names []string
	if err := r.Decode(&names); err != nil || len(names) != 2 {
		t.Fatalf("decode: %v %v", names, err)
	}
	// PollUntil leaves the entry for the caller to delete.
	if _, ok, _ := s.PollUntil(ctx, id, 10*time.Millisecond, 5*time.Millisecond); !ok {
		t.Fatalf("entry vanished after non-destructive poll")
	}
}

func TestPollUntilTimesOut(t *testing.T) {
	s := New(broker.NewMemory(), logx.Nop())
	start := time.Now()
	_, ok, err := s.PollUntil(context.Background(), "fetch_history:1:x", 150*time.Millisecond, 20*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if d := time.Since(start); d < 150*time.Millisecond || d > time.Second {
		t.Fatalf("returned after %v", d)
	}
}

func TestAwaitDeliversAtMostOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	b := broker.NewRedis(broker.RedisOptions{Addr: mr.Addr()}, logx.Nop())
	t.Cleanup(func() { _ = b.Close() })
	s := New(b, logx.Nop())
	ctx := context.Background()
	id := NewRequestID("fetch_history", "1")
	_ = s.Put(ctx, id, NotFound(), 30*time.Second)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		hits int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := s.Await(ctx, id, 200*time.Millisecond, 20*time.Millisecond); ok {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if hits != 1 {
		t.Fatalf("hits = %d, want exactly 1", hits)
	}
}

func TestAbandonedResultExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	b := broker.NewRedis(broker.RedisOptions{Addr: mr.Addr()}, logx.Nop())
	t.Cleanup(func() { _ = b.Close() })
	s := New(b, logx.Nop())
	ctx := context.Background()
	_ = s.Put(ctx, "fetch_history:1:gone", Failed("boom"), 30*time.Second)
	mr.FastForward(31 * time.Second)
	if _, ok, _ := s.Await(ctx, "fetch_history:1:gone", 10*time.Millisecond, 5*time.Millisecond); ok {
		t.Fatalf("expired result was returned")
	}
}

func TestDecodeNotOK(t *testing.T) {
	var v any
	if err := Failed("front busy").Decode(&v); !errors.Is(err, ErrNotOK) || !strings.Contains(err.Error(), "front busy") {
		t.Fatalf("err = %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	s := New(broker.NewMemory(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Await(ctx, "x:y:z", time.Second, 10*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
