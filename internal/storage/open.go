package storage

import (
	"fmt"
	"strings"
	"time"

	"seedkeeper/internal/config"
	logx "seedkeeper/pkg/logx"
)

// MapConfig resolves the on-disk section into a Config.
func MapConfig(sc config.StorageConfig) (Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return Config{Driver: "none"}, nil
	case "file":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./data/seedkeeper.json"
		}
		return Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return Config{}, err
		}
		return Config{Driver: "sqlite", Path: sc.Path, BusyTimeout: busy}, nil
	}
	return Config{}, fmt.Errorf("unknown storage driver: %s", driver)
}

// Open initializes the configured store. "none" yields Nop.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(cfg, log)
	}
	return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
}
