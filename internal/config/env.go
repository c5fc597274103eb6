package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvPlatformToken = "SEEDKEEPER_PLATFORM_TOKEN"
	EnvRedisAddr     = "SEEDKEEPER_REDIS_ADDR"
	EnvRedisPassword = "SEEDKEEPER_REDIS_PASSWORD"
	EnvWorkerID      = "SEEDKEEPER_WORKER_ID"
	EnvLLMKey        = "SEEDKEEPER_LLM_API_KEY"
)

// LoadDotenv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotenv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Platform.Token, EnvPlatformToken)
	set(&cfg.Broker.Addr, EnvRedisAddr)
	set(&cfg.Broker.Password, EnvRedisPassword)
	set(&cfg.Worker.ID, EnvWorkerID)
	set(&cfg.LLM.APIKey, EnvLLMKey)
	if getenv(EnvRedisAddr) != "" && cfg.Broker.Driver == "" {
		cfg.Broker.Driver = "redis"
	}
}
