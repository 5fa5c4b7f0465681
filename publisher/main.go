package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli"

	"sync-scheduler/pkg/config"
	"sync-scheduler/pkg/database"
	"sync-scheduler/pkg/mq"
	"sync-scheduler/pkg/observability"
)

func main() {
	cfg := config.Default()

	app := cli.NewApp()
	app.Name = "publisher"
	app.Usage = "relay sync failure reports from the store outbox to RabbitMQ"
	app.Flags = cfg.RelayFlags()
	app.Action = func(*cli.Context) error {
		return run(cfg)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "publisher: %s\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := cfg.SQLitePath
	if cfg.Store == config.StorePostgres {
		dsn = cfg.DatabaseURL
	}
	db, err := database.Open(ctx, cfg.Store, dsn, cfg.DBMaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return err
	}

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		db.Close()
		return err
	}

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		return closeAll(err, mqClient.Close, db.Close)
	}

	var metricsStop func() error
	if cfg.MetricsAddr != "" {
		srv := observability.StartMetricsServer(cfg.MetricsAddr)
		metricsStop = func() error { return srv.Close() }
	}

	logger.Info("outbox relay started", "store", cfg.Store, "interval", cfg.RelayInterval)
	ticker := time.NewTicker(cfg.RelayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox relay stopping")
			closers := []func() error{mqClient.Close, db.Close}
			if metricsStop != nil {
				closers = append(closers, metricsStop)
			}
			return closeAll(nil, closers...)
		case <-ticker.C:
			processOutbox(ctx, db, mqClient, cfg.RelayBatchSize, logger)
		}
	}
}

func closeAll(err error, closers ...func() error) error {
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, c := range closers {
		if cerr := c(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
	}
	return result.ErrorOrNil()
}
