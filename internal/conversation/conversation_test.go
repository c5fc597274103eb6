package conversation

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"seedkeeper/internal/broker"
)

func TestAppendKeepsLastN(t *testing.T) {
	ctx := context.Background()
	l := New(broker.NewMemory(), 3, time.Minute)
	for i := 0; i < 5; i++ {
		if err := l.Append(ctx, "7", Turn{Role: RoleUser, Content: strconv.Itoa(i)}); err != nil {
			t.Fatal(err)
		}
	}
	turns, err := l.Load(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 || turns[0].Content != "2" || turns[2].Content != "4" {
		t.Fatalf("got %+v, want turns 2..4", turns)
	}
}

func TestAppendTruncatesContent(t *testing.T) {
	ctx := context.Background()
	l := New(broker.NewMemory(), 10, time.Minute)
	_ = l.Append(ctx, "7", Turn{Role: RoleAssistant, Content: strings.Repeat("é", 800)})
	turns, _ := l.Load(ctx, "7")
	if n := len([]rune(turns[0].Content)); n != 500 {
		t.Fatalf("content has %d runes, want 500", n)
	}
}

func TestConversationExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b := broker.NewMemory(broker.WithMemoryClock(func() time.Time { return now }))
	l := New(b, 10, time.Hour)
	_ = l.Append(ctx, "7", Turn{Role: RoleUser, Content: "hi"})
	now = now.Add(61 * time.Minute)
	turns, err := l.Load(ctx, "7")
	if err != nil || turns != nil {
		t.Fatalf("got %v, %v after ttl", turns, err)
	}
}
