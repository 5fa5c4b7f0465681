package config

import "github.com/urfave/cli"

func (c *Config) storeFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:        "store",
			Usage:       "work store driver: memory, sqlite or postgres",
			EnvVar:      "STORE_DRIVER",
			Value:       c.Store,
			Destination: &c.Store,
		},
		cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "database file for the sqlite store",
			EnvVar:      "SQLITE_PATH",
			Value:       c.SQLitePath,
			Destination: &c.SQLitePath,
		},
		cli.StringFlag{
			Name:        "database-url",
			Usage:       "postgres connection string",
			EnvVar:      "DATABASE_URL",
			Value:       c.DatabaseURL,
			Destination: &c.DatabaseURL,
		},
		cli.IntFlag{
			Name:        "db-max-conns",
			Usage:       "postgres pool size",
			EnvVar:      "DB_MAX_CONNS",
			Value:       c.DBMaxConns,
			Destination: &c.DBMaxConns,
		},
		cli.StringFlag{
			Name:        "rabbitmq-url",
			Usage:       "AMQP broker for reports and connectivity status (optional for the daemon)",
			EnvVar:      "RABBITMQ_URL",
			Value:       c.RabbitMQURL,
			Destination: &c.RabbitMQURL,
		},
		cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "listen address of the prometheus endpoint",
			EnvVar:      "METRICS_ADDR",
			Value:       c.MetricsAddr,
			Destination: &c.MetricsAddr,
		},
		cli.StringFlag{
			Name:        "log-level",
			Usage:       "debug, info, warn or error",
			EnvVar:      "LOG_LEVEL",
			Value:       c.LogLevel,
			Destination: &c.LogLevel,
		},
	}
}

// DaemonFlags binds every daemon setting to a flag that writes into c.
func (c *Config) DaemonFlags() []cli.Flag {
	s := &c.Scheduler
	flags := c.storeFlags()
	return append(flags,
		cli.StringFlag{
			Name:        "listen, l",
			Usage:       "HTTP listen address for /trigger, /status and /rpc",
			EnvVar:      "HTTP_ADDR",
			Value:       c.ListenAddr,
			Destination: &c.ListenAddr,
		},
		cli.DurationFlag{
			Name:        "interval",
			Usage:       "period of the periodic sync",
			EnvVar:      "SYNC_INTERVAL",
			Value:       s.PeriodicInterval,
			Destination: &s.PeriodicInterval,
		},
		cli.StringFlag{
			Name:        "cron",
			Usage:       "cron expression driving the periodic sync instead of the interval",
			EnvVar:      "SYNC_CRON",
			Value:       s.PeriodicCron,
			Destination: &s.PeriodicCron,
		},
		cli.DurationFlag{
			Name:        "timeout",
			Usage:       "execution timeout of one sync",
			EnvVar:      "SYNC_TIMEOUT",
			Value:       s.Timeout,
			Destination: &s.Timeout,
		},
		cli.BoolTFlag{
			Name:        "requires-network",
			Usage:       "defer syncs while offline (default: true)",
			EnvVar:      "SYNC_REQUIRES_NETWORK",
			Destination: &s.RequiresNetwork,
		},
		cli.IntFlag{
			Name:        "max-retries",
			Usage:       "failed attempts before a sync is reported as failed",
			EnvVar:      "SYNC_MAX_RETRIES",
			Value:       s.MaxRetries,
			Destination: &s.MaxRetries,
		},
		cli.DurationFlag{
			Name:        "backoff-base",
			EnvVar:      "SYNC_BACKOFF_BASE",
			Value:       s.BackoffBase,
			Destination: &s.BackoffBase,
		},
		cli.DurationFlag{
			Name:        "backoff-max",
			EnvVar:      "SYNC_BACKOFF_MAX",
			Value:       s.BackoffMax,
			Destination: &s.BackoffMax,
		},
		cli.DurationFlag{
			Name:        "contention-delay",
			EnvVar:      "SYNC_CONTENTION_DELAY",
			Value:       s.ContentionDelay,
			Destination: &s.ContentionDelay,
			Hidden:      true,
		},
		cli.DurationFlag{
			Name:        "min-trigger-gap",
			Usage:       "connectivity kicks closer than this are skipped",
			EnvVar:      "SYNC_MIN_GAP",
			Value:       s.MinTriggerGap,
			Destination: &s.MinTriggerGap,
		},
		cli.IntFlag{
			Name:        "bus-capacity",
			EnvVar:      "BUS_CAPACITY",
			Value:       c.BusCapacity,
			Destination: &c.BusCapacity,
			Hidden:      true,
		},
		cli.StringFlag{
			Name:        "probe-addrs",
			Usage:       "comma separated host:port list dialed to detect connectivity",
			EnvVar:      "NET_PROBE_ADDRS",
			Value:       c.ProbeAddrs,
			Destination: &c.ProbeAddrs,
		},
		cli.DurationFlag{
			Name:        "probe-interval",
			EnvVar:      "NET_PROBE_INTERVAL",
			Value:       c.ProbeInterval,
			Destination: &c.ProbeInterval,
		},
		cli.DurationFlag{
			Name:        "debounce",
			Usage:       "connectivity changes shorter than this are ignored",
			EnvVar:      "NET_DEBOUNCE",
			Value:       c.Debounce,
			Destination: &c.Debounce,
		},
		cli.StringFlag{
			Name:        "boot-marker",
			EnvVar:      "BOOT_MARKER",
			Value:       c.BootMarkerPath,
			Destination: &c.BootMarkerPath,
		},
		cli.StringFlag{
			Name:        "boot-id-path",
			EnvVar:      "BOOT_ID_PATH",
			Value:       c.BootIDPath,
			Destination: &c.BootIDPath,
			Hidden:      true,
		},
		cli.StringFlag{
			Name:        "push-url",
			Usage:       "endpoint receiving local changes (POST)",
			EnvVar:      "SYNC_PUSH_URL",
			Value:       c.PushURL,
			Destination: &c.PushURL,
		},
		cli.StringFlag{
			Name:        "pull-url",
			Usage:       "endpoint serving remote changes (GET)",
			EnvVar:      "SYNC_PULL_URL",
			Value:       c.PullURL,
			Destination: &c.PullURL,
		},
		cli.StringFlag{
			Name:        "command, c",
			Usage:       "external command run as the sync task",
			EnvVar:      "SYNC_COMMAND",
			Value:       c.SyncCommand,
			Destination: &c.SyncCommand,
		},
	)
}

// RelayFlags binds the outbox relay settings.
func (c *Config) RelayFlags() []cli.Flag {
	flags := c.storeFlags()
	return append(flags,
		cli.DurationFlag{
			Name:        "interval",
			Usage:       "outbox poll period",
			EnvVar:      "RELAY_INTERVAL",
			Value:       c.RelayInterval,
			Destination: &c.RelayInterval,
		},
		cli.IntFlag{
			Name:        "batch",
			EnvVar:      "RELAY_BATCH_SIZE",
			Value:       c.RelayBatchSize,
			Destination: &c.RelayBatchSize,
		},
	)
}
