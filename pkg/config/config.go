// Package config holds the daemon and relay settings. Every setting has a default and an
// environment variable; the binaries expose them as command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"sync-scheduler/pkg/connectivity"
	"sync-scheduler/pkg/scheduler"
	"sync-scheduler/pkg/work"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Store       string
	SQLitePath  string
	DatabaseURL string
	DBMaxConns  int
	RabbitMQURL string

	ListenAddr  string
	MetricsAddr string
	LogLevel    string

	Scheduler   scheduler.Config
	BusCapacity int

	ProbeAddrs    string
	ProbeInterval time.Duration
	Debounce      time.Duration

	BootMarkerPath string
	BootIDPath     string

	PushURL     string
	PullURL     string
	SyncCommand string

	RelayInterval  time.Duration
	RelayBatchSize int
}

func Default() Config {
	return Config{
		Store:          StoreSQLite,
		SQLitePath:     "syncd.db",
		DBMaxConns:     10,
		ListenAddr:     ":8080",
		MetricsAddr:    ":8081",
		LogLevel:       "info",
		Scheduler:      scheduler.DefaultConfig(),
		BusCapacity:    64,
		ProbeAddrs:     "1.1.1.1:443,8.8.8.8:53",
		ProbeInterval:  connectivity.DefaultProbeInterval,
		Debounce:       connectivity.DefaultDebounce,
		BootMarkerPath: "syncd.boot",
		BootIDPath:     "/proc/sys/kernel/random/boot_id",
		RelayInterval:  time.Second,
		RelayBatchSize: 100,
	}
}

// Probes splits ProbeAddrs into host:port entries.
func (c Config) Probes() []string {
	var out []string
	for _, a := range strings.Split(c.ProbeAddrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c Config) validateStore() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite store needs a path", work.ErrInvalidArgument)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: postgres store needs DATABASE_URL", work.ErrInvalidArgument)
		}
		if c.DBMaxConns < 1 {
			return fmt.Errorf("%w: db max conns must be at least 1", work.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", work.ErrInvalidArgument, c.Store)
	}
	return nil
}

// Validate checks the settings the daemon needs.
func (c Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	switch {
	case c.BusCapacity < 1:
		return fmt.Errorf("%w: bus capacity must be at least 1", work.ErrInvalidArgument)
	case c.ProbeInterval <= 0:
		return fmt.Errorf("%w: probe interval must be positive", work.ErrInvalidArgument)
	case c.Debounce < 0:
		return fmt.Errorf("%w: negative debounce", work.ErrInvalidArgument)
	case c.BootMarkerPath == "":
		return fmt.Errorf("%w: boot marker path is empty", work.ErrInvalidArgument)
	case c.SyncCommand != "" && (c.PushURL != "" || c.PullURL != ""):
		return fmt.Errorf("%w: sync command and sync URLs are mutually exclusive", work.ErrInvalidArgument)
	}
	return nil
}

// ValidateRelay checks the settings the outbox relay needs.
func (c Config) ValidateRelay() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	switch {
	case c.Store == StoreMemory:
		return fmt.Errorf("%w: the relay needs a durable store", work.ErrInvalidArgument)
	case c.RabbitMQURL == "":
		return fmt.Errorf("%w: the relay needs RABBITMQ_URL", work.ErrInvalidArgument)
	case c.RelayInterval <= 0:
		return fmt.Errorf("%w: relay interval must be positive", work.ErrInvalidArgument)
	case c.RelayBatchSize < 1:
		return fmt.Errorf("%w: relay batch size must be at least 1", work.ErrInvalidArgument)
	}
	return nil
}
