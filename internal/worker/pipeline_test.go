package worker_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"seedkeeper/internal/broker"
	"seedkeeper/internal/correlation"
	"seedkeeper/internal/front"
	"seedkeeper/internal/platform"
	"seedkeeper/internal/platform/fake"
	"seedkeeper/internal/queue"
	"seedkeeper/internal/session"
	"seedkeeper/internal/storage"
	"seedkeeper/internal/worker"
	logx "seedkeeper/pkg/logx"
)

// A platform message goes through the front, the queue, a worker, a fetch
// round trip back through the front, and out as a reply.
func TestPipelineFetchHistoryEndToEnd(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	q := queue.NewCommandQueue(b, "commands", logx.Nop())
	acts := queue.NewActionChannel(b, "responses", logx.Nop())
	results := correlation.New(b, logx.Nop())

	client := fake.New()
	client.HistoryByChannel["room"] = []platform.HistoryMessage{
		{ID: "10", AuthorName: "ann", Text: "before"},
		{ID: "11", AuthorName: "bob", Text: "one"},
		{ID: "12", AuthorName: "cat", Text: "two"},
	}
	f := front.New(front.Options{Prefixes: []string{"!"}, CorrelationTTL: 5 * time.Second}, front.Deps{
		Client: client, Broker: b, Queue: q, Actions: acts, Results: results,
	})

	digest := worker.Route{Name: "digest", Handler: func(ctx context.Context, req *worker.Request) error {
		msgs, err := req.FetchHistory(ctx, req.Command.ChannelID, req.Arg(0), 0)
		if err != nil {
			return req.Reply(ctx, err.Error())
		}
		var who []string
		for _, m := range msgs {
			who = append(who, m.AuthorName)
		}
		return req.Reply(ctx, fmt.Sprintf("%d messages from %s", len(msgs), strings.Join(who, ", ")))
	}}
	svc := &worker.Services{
		Broker: b, Queue: q, Actions: acts, Results: results,
		Sessions: session.NewMemory(time.Minute),
		Store:    storage.Nop{},
		Registry: worker.NewRegistry(worker.NewTable([]worker.Route{digest}, nil, nil)),
		Access:   worker.NewAccess(nil, storage.Nop{}),
	}
	pool := worker.NewPool(worker.Options{ID: "t", Concurrency: 2, PopTimeout: 100 * time.Millisecond, PollInterval: 20 * time.Millisecond, FetchTimeout: 5 * time.Second}, svc, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	frontDone := make(chan error, 1)
	poolDone := make(chan error, 1)
	go func() { frontDone <- f.Run(ctx) }()
	go func() { poolDone <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-frontDone
		<-poolDone
	})

	deadline := time.Now().Add(2 * time.Second)
	for !client.Emit(platform.Event{Kind: platform.EventMessage, IsBot: true}) {
		if time.Now().After(deadline) {
			t.Fatalf("front never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	client.Emit(platform.Event{Kind: platform.EventMessage, MessageID: "13", ChannelID: "room", GuildID: "room", AuthorID: "7", Text: "!digest 10"})

	sent := client.WaitSent(1, 5*time.Second)
	if len(sent) != 1 {
		t.Fatalf("sent = %+v", sent)
	}
	if sent[0].ChannelID != "room" || sent[0].Text != "2 messages from bob, cat" {
		t.Fatalf("reply = %+v", sent[0])
	}
	regs, err := worker.ActiveWorkers(context.Background(), b)
	if err != nil || len(regs) != 2 {
		t.Fatalf("active workers = %+v, %v", regs, err)
	}
}
