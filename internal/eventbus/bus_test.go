package eventbus

import "testing"

func TestPublishRoutesByTopic(t *testing.T) {
	b := New()
	respCh, unsubResp := b.Subscribe("responses", 1)
	defer unsubResp()
	allCh, unsubAll := b.Subscribe("", 4)
	defer unsubAll()

	if n := b.Publish(Event{Topic: "typing", Data: "w1"}); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if n := b.Publish(Event{Topic: "responses"}); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if e := <-respCh; e.Topic != "responses" || e.Time.IsZero() {
		t.Fatalf("got %+v", e)
	}
	if got := len(allCh); got != 2 {
		t.Fatalf("wildcard got %d events, want 2", got)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("x", 1)
	b.Publish(Event{Topic: "x"})
	if n := b.Publish(Event{Topic: "x"}); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d", b.Dropped())
	}
	unsub()
	unsub()
	if n := b.Publish(Event{Topic: "x"}); n != 0 {
		t.Fatalf("delivered after unsubscribe = %d", n)
	}
}
