package config

// Config is the on-disk configuration. YAML and JSON are both accepted; unknown
// keys are rejected. Durations are Go duration strings ("500ms", "10s", "24h").
type Config struct {
	Platform  PlatformConfig  `json:"platform"`
	Logging   LoggingConfig   `json:"logging"`
	Broker    BrokerConfig    `json:"broker"`
	Front     FrontConfig     `json:"front"`
	Worker    WorkerConfig    `json:"worker"`
	Commands  CommandsConfig  `json:"commands"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Session   SessionConfig   `json:"session"`
	Storage   StorageConfig   `json:"storage"`
	LLM       LLMConfig       `json:"llm"`
	Ops       OpsConfig       `json:"ops"`
}

type PlatformConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives forwarded log records.
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// BrokerConfig selects the shared broker.
//
//	driver: memory  single process only (seedkeeper run)
//	driver: redis   front and workers in separate processes
type BrokerConfig struct {
	Driver      string `json:"driver"`
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	Queue       string `json:"queue,omitempty"`
	Channel     string `json:"channel,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

type FrontConfig struct {
	CommandPrefixes  []string `json:"command_prefixes,omitempty"`
	ActionTimeout    string   `json:"action_timeout,omitempty"`
	CorrelationTTL   string   `json:"correlation_ttl,omitempty"`
	FetchWorkers     int      `json:"fetch_workers,omitempty"`
	HistorySize      int      `json:"history_size,omitempty"`
	SendRatePerSec   int      `json:"send_rate_per_sec,omitempty"`
	StatusEvery      string   `json:"status_every,omitempty"`
	ConversationTTL  string   `json:"conversation_ttl,omitempty"`
	ConversationSize int      `json:"conversation_size,omitempty"`
}

type WorkerConfig struct {
	ID                  string   `json:"id,omitempty"`
	Concurrency         int      `json:"concurrency,omitempty"`
	PopTimeout          string   `json:"pop_timeout,omitempty"`
	HeartbeatEvery      int      `json:"heartbeat_every,omitempty"`
	HeartbeatMultiplier int      `json:"heartbeat_multiplier,omitempty"`
	PollInterval        string   `json:"poll_interval,omitempty"`
	FetchTimeout        string   `json:"fetch_timeout,omitempty"`
	HandlerTimeout      string   `json:"handler_timeout,omitempty"`
	Capabilities        []string `json:"capabilities,omitempty"`
	DisabledCommands    []string `json:"disabled_commands,omitempty"`
}

type CommandsConfig struct {
	Aliases map[string]string `json:"aliases,omitempty"`
}

// RateLimitConfig is adjustable at runtime via hot reload.
//
// Example:
//
//	rate_limit:
//	  admin_bypass: true
//	  classes:
//	    catchup:
//	      cooldown: 10s
//	      windows: {"1h": 10, "24h": 50}
//	      global:  {"1h": 100, "24h": 500}
type RateLimitConfig struct {
	Enabled      *bool                     `json:"enabled,omitempty"`
	AdminBypass  *bool                     `json:"admin_bypass,omitempty"`
	Backend      string                    `json:"backend,omitempty"`
	DefaultClass string                    `json:"default_class,omitempty"`
	Classes      map[string]RateClassConfig `json:"classes,omitempty"`
}

type RateClassConfig struct {
	Match    []string       `json:"match,omitempty"`
	Cooldown string         `json:"cooldown,omitempty"`
	Windows  map[string]int `json:"windows,omitempty"`
	Global   map[string]int `json:"global,omitempty"`
}

type SessionConfig struct {
	Backend    string `json:"backend,omitempty"`
	DefaultTTL string `json:"default_ttl,omitempty"`
	SweepEvery string `json:"sweep_every,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
}

// StorageConfig controls the persistence collaborator.
//
//	"storage": { "driver": "sqlite", "path": "./data/seedkeeper.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LLMConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

// OpsConfig controls the metrics/health/pprof HTTP server.
// Binding to a non-loopback address requires a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
