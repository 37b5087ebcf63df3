package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and the daemon runs
// memory-only: tasks come from config, history and alerts start empty.
type Config struct {
	Driver string
	Path   string

	// MetricsRetention bounds how far back persisted metric points are
	// kept; 0 means 24h.
	MetricsRetention time.Duration

	// ExecutionsKeep bounds the persisted execution tail; 0 means 5000.
	ExecutionsKeep int

	BusyTimeout time.Duration // sqlite only; 0 means default
}

func (c Config) withDefaults() Config {
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = 24 * time.Hour
	}
	if c.ExecutionsKeep <= 0 {
		c.ExecutionsKeep = 5000
	}
	return c
}
