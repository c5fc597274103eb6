package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"seedkeeper/internal/eventbus"
	"seedkeeper/pkg/ttlcache"
)

// Memory keeps everything in process. Front and workers must share the same
// *Memory value.
type Memory struct {
	mu     sync.Mutex
	lists  map[string]*memList
	kv     *ttlcache.Cache
	bus    eventbus.Bus
	closed atomic.Bool
	done   chan struct{}
}

type memList struct {
	items [][]byte
	// ready is closed and replaced on every push so blocked poppers wake.
	ready chan struct{}
}

type MemoryOption func(*Memory)

// WithMemoryClock drives key expiry from now instead of the wall clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.kv = ttlcache.New(ttlcache.WithMax(0), ttlcache.WithClock(now)) }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		lists: map[string]*memList{},
		kv:    ttlcache.New(ttlcache.WithMax(0)),
		bus:   eventbus.New(),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Driver() string { return "memory" }

func (m *Memory) list(name string) *memList {
	l := m.lists[name]
	if l == nil {
		l = &memList{ready: make(chan struct{})}
		m.lists[name] = l
	}
	return l
}

func (m *Memory) Push(_ context.Context, list string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	l := m.list(list)
	l.items = append(l.items, append([]byte(nil), payload...))
	close(l.ready)
	l.ready = make(chan struct{})
	m.mu.Unlock()
	return nil
}

func (m *Memory) PopBlocking(ctx context.Context, list string, timeout time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if m.closed.Load() {
			return nil, false, ErrClosed
		}
		m.mu.Lock()
		l := m.list(list)
		if len(l.items) > 0 {
			head := l.items[0]
			l.items[0] = nil
			l.items = l.items[1:]
			m.mu.Unlock()
			return head, true, nil
		}
		ready := l.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-timer.C:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-m.done:
			return nil, false, ErrClosed
		}
	}
}

func (m *Memory) Len(_ context.Context, list string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.lists[list]; l != nil {
		return int64(len(l.items)), nil
	}
	return 0, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) (int64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	n := m.bus.Publish(eventbus.Event{Topic: channel, Data: append([]byte(nil), payload...)})
	return int64(n), nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	events, unsub := m.bus.Subscribe(channel, 256)
	s := &memSub{out: make(chan []byte), stop: make(chan struct{})}
	go func() {
		defer close(s.out)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-m.done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				b, _ := ev.Data.([]byte)
				select {
				case s.out <- b:
				case <-ctx.Done():
					return
				case <-s.stop:
					return
				}
			}
		}
	}()
	return s, nil
}

type memSub struct {
	out  chan []byte
	stop chan struct{}
	once sync.Once
}

func (s *memSub) Messages() <-chan []byte { return s.out }

func (s *memSub) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.kv.Set(key, value, ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := m.kv.Get(key)
	return b, ok, nil
}

func (m *Memory) Take(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := m.kv.Take(key)
	return b, ok, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.kv.Delete(key)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	return m.kv.Keys(prefix), nil
}

// Sweep drops expired keys now and reports how many went.
func (m *Memory) Sweep() int { return m.kv.Sweep() }

func (m *Memory) Ping(context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
	return nil
}
