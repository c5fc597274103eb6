package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-process signal. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

type Bus interface {
	// Publish returns how many subscribers received the event.
	Publish(e Event) int
	// Subscribe receives events for topic, or for every topic when topic is "".
	Subscribe(topic string, buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	topic string
	ch    chan Event
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) int {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == "" || s.topic == e.Topic {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, ch := range targets {
		if b.offer(ch, e) {
			delivered++
		}
	}
	return delivered
}

// offer tolerates a channel closed by a concurrent unsubscribe.
func (b *memBus) offer(ch chan Event, e Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case ch <- e:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

func (b *memBus) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{topic: topic, ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
