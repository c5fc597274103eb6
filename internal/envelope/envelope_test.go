package envelope

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestCommandValidate(t *testing.T) {
	base := func() Command {
		return Command{Kind: KindMessage, ChannelID: "c1", Message: &Message{Content: "hi"}}
	}
	tests := []struct {
		name   string
		mutate func(*Command)
		want   error
	}{
		{"ok", func(*Command) {}, nil},
		{"unknown kind", func(c *Command) { c.Kind = "poke" }, ErrUnknownKind},
		{"wrong variant", func(c *Command) { c.Kind = KindReaction }, ErrVariant},
		{"two variants", func(c *Command) { c.Reaction = &Reaction{} }, ErrVariant},
		{"structured without name", func(c *Command) {
			c.Kind, c.Message, c.Structured = KindStructured, nil, &Structured{}
		}, ErrVariant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestActionRequestIDOnlyForFetches(t *testing.T) {
	send := SendMessage("c", "x")
	send.RequestID = "r"
	if err := send.Validate(); !errors.Is(err, ErrRequestID) {
		t.Fatalf("send with request id: err = %v", err)
	}
	fetch := FetchHistory("", HistoryRequest{ChannelID: "c"})
	if err := fetch.Validate(); !errors.Is(err, ErrRequestID) {
		t.Fatalf("fetch without request id: err = %v", err)
	}
	fetch.RequestID = "fetch_history:1:abc"
	if err := fetch.Validate(); err != nil {
		t.Fatalf("valid fetch: %v", err)
	}
}

func TestCodecFraming(t *testing.T) {
	cmd := Command{
		Kind: KindStructured, ID: "1", ChannelID: "c", AuthorID: "u",
		Structured: &Structured{Name: "catchup", Args: []string{"42"}, Raw: "!catchup 42"},
	}
	b, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(b, &frame); err != nil {
		t.Fatal(err)
	}
	if _, ok := frame["timestamp"]; !ok {
		t.Fatalf("frame lacks timestamp: %s", b)
	}
	got, err := DecodeCommand(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatedAt.IsZero() || time.Since(got.CreatedAt) > time.Minute {
		t.Fatalf("CreatedAt not taken from frame: %v", got.CreatedAt)
	}
	if !reflect.DeepEqual(got.Structured, cmd.Structured) {
		t.Fatalf("got %+v, want %+v", got.Structured, cmd.Structured)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeAction([]byte("not json")); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := DecodeAction([]byte(`{"data":{"type":"send_message"}}`)); err == nil {
		t.Fatalf("expected variant error")
	}
}

func TestParseCommandLine(t *testing.T) {
	prefixes := []string{"!", "/"}
	tests := []struct {
		in       string
		bot      string
		wantOK   bool
		wantName string
		wantArgs []string
	}{
		{"!catchup 123 design review", "", true, "catchup", []string{"123", "design", "review"}},
		{"/Birthday import \"Ann Lee 03-04\"", "", true, "birthday", []string{"import", "Ann Lee 03-04"}},
		{"/help@seedbot", "seedbot", true, "help", []string{}},
		{"/help@otherbot", "seedbot", false, "", nil},
		{"! spaced", "", false, "", nil},
		{"hello there", "", false, "", nil},
		{"!", "", false, "", nil},
		{"!say don't stop", "", true, "say", []string{"don't", "stop"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseCommandLine(tt.in, prefixes, tt.bot)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Name != tt.wantName {
				t.Fatalf("name = %q, want %q", got.Name, tt.wantName)
			}
			if len(got.Args) != len(tt.wantArgs) {
				t.Fatalf("args = %q, want %q", got.Args, tt.wantArgs)
			}
			for i := range got.Args {
				if got.Args[i] != tt.wantArgs[i] {
					t.Fatalf("args = %q, want %q", got.Args, tt.wantArgs)
				}
			}
		})
	}
}
