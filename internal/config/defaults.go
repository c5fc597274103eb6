package config

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the process role selected on the command line.
type Role string

const (
	RoleFront  Role = "front"
	RoleWorker Role = "worker"
	RoleAll    Role = "run"
)

func setStr(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func boolPtr(v bool) *bool { return &v }

// DefaultRateClasses mirrors the limits the bot has always shipped with.
func DefaultRateClasses() map[string]RateClassConfig {
	return map[string]RateClassConfig{
		"catchup": {
			Cooldown: "10s",
			Windows:  map[string]int{"1h": 10, "24h": 50},
			Global:   map[string]int{"1h": 100, "24h": 500},
		},
		"birthday": {
			Match:    []string{"birthday*"},
			Cooldown: "2s",
			Windows:  map[string]int{"1h": 20},
		},
		"general": {
			Windows: map[string]int{"1m": 10},
		},
	}
}

// ApplyDefaults fills every omitted field in place.
func ApplyDefaults(cfg *Config) {
	setStr(&cfg.Platform.PollTimeout, "10s")

	setStr(&cfg.Logging.Level, "info")
	setInt(&cfg.Logging.Chat.RatePerSec, 1)
	setStr(&cfg.Logging.Chat.MinLevel, "warn")

	b := &cfg.Broker
	setStr(&b.Driver, "memory")
	setStr(&b.Addr, "127.0.0.1:6379")
	setStr(&b.KeyPrefix, "seedkeeper:")
	setStr(&b.Queue, "commands")
	setStr(&b.Channel, "responses")
	setStr(&b.DialTimeout, "5s")

	f := &cfg.Front
	if len(f.CommandPrefixes) == 0 {
		f.CommandPrefixes = []string{"!", "/"}
	}
	setStr(&f.ActionTimeout, "15s")
	setStr(&f.CorrelationTTL, "30s")
	setInt(&f.FetchWorkers, 4)
	setInt(&f.HistorySize, 500)
	setInt(&f.SendRatePerSec, 20)
	setStr(&f.StatusEvery, "30s")
	setStr(&f.ConversationTTL, "1h")
	setInt(&f.ConversationSize, 10)

	w := &cfg.Worker
	setInt(&w.Concurrency, 1)
	setStr(&w.PopTimeout, "1s")
	setInt(&w.HeartbeatEvery, 30)
	setInt(&w.HeartbeatMultiplier, 2)
	setStr(&w.PollInterval, "500ms")
	setStr(&w.FetchTimeout, "10s")
	setStr(&w.HandlerTimeout, "2m")
	if len(w.Capabilities) == 0 {
		w.Capabilities = []string{"message", "structured_command", "reaction"}
	}

	if cfg.Commands.Aliases == nil {
		cfg.Commands.Aliases = map[string]string{
			"whoami":    "about",
			"whoareyou": "about",
			"hi":        "hello",
			"intro":     "hello",
		}
	}

	rl := &cfg.RateLimit
	if rl.Enabled == nil {
		rl.Enabled = boolPtr(true)
	}
	if rl.AdminBypass == nil {
		rl.AdminBypass = boolPtr(true)
	}
	// Workers on a redis broker may run in several processes, so their
	// limiter windows and sessions live on the broker too.
	shared := "memory"
	if !strings.EqualFold(cfg.Broker.Driver, "memory") {
		shared = "broker"
	}
	setStr(&rl.Backend, shared)
	setStr(&rl.DefaultClass, "general")
	if rl.Classes == nil {
		rl.Classes = DefaultRateClasses()
	}

	s := &cfg.Session
	setStr(&s.Backend, shared)
	setStr(&s.DefaultTTL, "5m")
	setStr(&s.SweepEvery, "1m")
	setInt(&s.MaxEntries, 10000)

	setStr(&cfg.Storage.Driver, "none")
	setStr(&cfg.Storage.BusyTimeout, "5s")

	setInt(&cfg.LLM.MaxTokens, 1024)
	setStr(&cfg.LLM.Timeout, "60s")

	setStr(&cfg.Ops.Addr, "127.0.0.1:9090")
}

// Validate rejects configs that would fail at runtime. It expects defaults
// to be applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}

	dur("platform.poll_timeout", cfg.Platform.PollTimeout)
	nonNeg("logging.chat.rate_per_sec", cfg.Logging.Chat.RatePerSec)

	switch strings.ToLower(cfg.Broker.Driver) {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("broker.driver: unknown %q", cfg.Broker.Driver))
	}
	dur("broker.dial_timeout", cfg.Broker.DialTimeout)
	nonNeg("broker.db", cfg.Broker.DB)

	f := cfg.Front
	dur("front.action_timeout", f.ActionTimeout)
	dur("front.correlation_ttl", f.CorrelationTTL)
	dur("front.status_every", f.StatusEvery)
	dur("front.conversation_ttl", f.ConversationTTL)
	nonNeg("front.fetch_workers", f.FetchWorkers)
	nonNeg("front.history_size", f.HistorySize)
	nonNeg("front.send_rate_per_sec", f.SendRatePerSec)
	nonNeg("front.conversation_size", f.ConversationSize)

	w := cfg.Worker
	dur("worker.pop_timeout", w.PopTimeout)
	dur("worker.poll_interval", w.PollInterval)
	dur("worker.fetch_timeout", w.FetchTimeout)
	dur("worker.handler_timeout", w.HandlerTimeout)
	nonNeg("worker.concurrency", w.Concurrency)
	nonNeg("worker.heartbeat_every", w.HeartbeatEvery)
	nonNeg("worker.heartbeat_multiplier", w.HeartbeatMultiplier)

	switch strings.ToLower(cfg.RateLimit.Backend) {
	case "memory", "broker":
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend: unknown %q", cfg.RateLimit.Backend))
	}
	for name, c := range cfg.RateLimit.Classes {
		p := "rate_limit.classes." + name
		dur(p+".cooldown", c.Cooldown)
		if _, err := ParseWindows(p+".windows", c.Windows); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseWindows(p+".global", c.Global); err != nil {
			errs = append(errs, err)
		}
	}
	if dc := cfg.RateLimit.DefaultClass; dc != "" {
		if _, ok := cfg.RateLimit.Classes[dc]; !ok {
			errs = append(errs, fmt.Errorf("rate_limit.default_class %q is not a configured class", dc))
		}
	}

	switch strings.ToLower(cfg.Session.Backend) {
	case "memory", "broker":
	default:
		errs = append(errs, fmt.Errorf("session.backend: unknown %q", cfg.Session.Backend))
	}
	dur("session.default_ttl", cfg.Session.DefaultTTL)
	dur("session.sweep_every", cfg.Session.SweepEvery)
	nonNeg("session.max_entries", cfg.Session.MaxEntries)

	switch strings.ToLower(cfg.Storage.Driver) {
	case "none", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("llm.timeout", cfg.LLM.Timeout)
	nonNeg("llm.max_tokens", cfg.LLM.MaxTokens)

	return errors.Join(errs...)
}

// ValidateRole checks constraints that depend on the process role.
func ValidateRole(cfg *Config, role Role) error {
	if role != RoleAll && strings.EqualFold(cfg.Broker.Driver, "memory") {
		return fmt.Errorf("broker.driver memory only works with the %q role; use redis for %q", RoleAll, role)
	}
	if role != RoleFront && !strings.EqualFold(cfg.Broker.Driver, "memory") {
		var errs []error
		if strings.EqualFold(cfg.RateLimit.Backend, "memory") {
			errs = append(errs, errors.New("rate_limit.backend memory keeps limits per process; use broker with a redis broker"))
		}
		if strings.EqualFold(cfg.Session.Backend, "memory") {
			errs = append(errs, errors.New("session.backend memory keeps sessions per process; use broker with a redis broker"))
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
	}
	if role != RoleWorker && strings.TrimSpace(cfg.Platform.Token) == "" {
		return errors.New("platform.token is required for the front role")
	}
	return nil
}
