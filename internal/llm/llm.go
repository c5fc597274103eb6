// Package llm is the completion collaborator used by chat handlers. The
// pipeline treats it as opaque: a prompt goes in, text and token counts come
// out.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"seedkeeper/internal/config"
	logx "seedkeeper/pkg/logx"
)

var ErrDisabled = errors.New("llm: disabled")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	defaultSystem = "You are a helpful assistant."
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Disabled always fails with ErrDisabled.
type Disabled struct{}

func (Disabled) Complete(context.Context, Request) (Response, error) { return Response{}, ErrDisabled }

// HTTP talks to an OpenAI-compatible chat completions endpoint (Ollama,
// vLLM, llama.cpp server and the hosted APIs all accept this shape).
type HTTP struct {
	endpoint    string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
	log         logx.Logger
}

type Option func(*HTTP)

func WithHTTPClient(c *http.Client) Option { return func(h *HTTP) { h.client = c } }

func NewHTTP(endpoint, apiKey, model string, log logx.Logger, opts ...Option) *HTTP {
	h := &HTTP{
		endpoint:  completionsURL(endpoint),
		apiKey:    strings.TrimSpace(apiKey),
		model:     model,
		maxTokens: 1024,
		client:    &http.Client{Timeout: 60 * time.Second},
		log:       log,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// completionsURL accepts either a base URL ("http://host:11434/v1") or the
// full method URL.
func completionsURL(endpoint string) string {
	e := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if strings.HasSuffix(e, "/chat/completions") {
		return e
	}
	return e + "/chat/completions"
}

// New returns the completer described by cfg. A disabled or incomplete
// config yields Disabled.
func New(cfg config.LLMConfig, log logx.Logger) (Completer, error) {
	if !cfg.Enabled {
		return Disabled{}, nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: endpoint and model are required when enabled")
	}
	timeout, err := config.ParseDurationOrDefault("llm.timeout", cfg.Timeout, 60*time.Second)
	if err != nil {
		return nil, err
	}
	h := NewHTTP(cfg.Endpoint, cfg.APIKey, cfg.Model, log.With(logx.String("comp", "llm")),
		WithHTTPClient(&http.Client{Timeout: timeout}))
	if cfg.MaxTokens > 0 {
		h.maxTokens = cfg.MaxTokens
	}
	h.temperature = cfg.Temperature
	return h, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (h *HTTP) Complete(ctx context.Context, req Request) (Response, error) {
	system := strings.TrimSpace(req.System)
	if system == "" {
		system = defaultSystem
	}
	body := chatRequest{
		Model:       h.model,
		Messages:    append([]Message{{Role: "system", Content: system}}, req.Messages...),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = h.maxTokens
	}
	if body.Temperature == 0 {
		body.Temperature = h.temperature
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(b))
	if err != nil {
		return Response{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	start := time.Now()
	resp, err := h.client.Do(hreq)
	if err != nil {
		return Response{}, fmt.Errorf("llm: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("llm: read: %w", err)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode/100 == 2 {
		return Response{}, fmt.Errorf("llm: decode: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		if out.Error != nil && out.Error.Message != "" {
			return Response{}, fmt.Errorf("llm: http %d: %s", resp.StatusCode, out.Error.Message)
		}
		return Response{}, fmt.Errorf("llm: http %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return Response{}, errors.New("llm: empty response")
	}

	r := Response{Text: strings.TrimSpace(out.Choices[0].Message.Content), Model: out.Model}
	if r.Model == "" {
		r.Model = h.model
	}
	if out.Usage != nil {
		r.InputTokens, r.OutputTokens = out.Usage.PromptTokens, out.Usage.CompletionTokens
	}
	h.log.Debug("completion done",
		logx.String("model", r.Model),
		logx.Int("in", r.InputTokens),
		logx.Int("out", r.OutputTokens),
		logx.Duration("dur", time.Since(start)),
	)
	return r, nil
}
