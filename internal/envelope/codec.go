package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// wire is the on-broker framing: {"timestamp": ..., "data": {...}}.
type wire struct {
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func encode(v any, at time.Time) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire{Timestamp: at.UTC(), Data: data})
}

func EncodeCommand(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return encode(c, time.Now())
}

func EncodeAction(a Action) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return encode(a, time.Now())
}

func DecodeCommand(b []byte) (Command, error) {
	var w wire
	var c Command
	if err := json.Unmarshal(b, &w); err != nil {
		return c, fmt.Errorf("decode command: %w", err)
	}
	if err := json.Unmarshal(w.Data, &c); err != nil {
		return c, fmt.Errorf("decode command: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = w.Timestamp
	}
	return c, c.Validate()
}

func DecodeAction(b []byte) (Action, error) {
	var w wire
	var a Action
	if err := json.Unmarshal(b, &w); err != nil {
		return a, fmt.Errorf("decode action: %w", err)
	}
	if err := json.Unmarshal(w.Data, &a); err != nil {
		return a, fmt.Errorf("decode action: %w", err)
	}
	return a, a.Validate()
}
