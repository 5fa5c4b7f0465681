package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"sync-scheduler/pkg/api"
	"sync-scheduler/pkg/boot"
	"sync-scheduler/pkg/config"
	"sync-scheduler/pkg/connectivity"
	"sync-scheduler/pkg/database"
	"sync-scheduler/pkg/dispatch"
	"sync-scheduler/pkg/mq"
	"sync-scheduler/pkg/observability"
	"sync-scheduler/pkg/registry"
	"sync-scheduler/pkg/report"
	"sync-scheduler/pkg/rpc"
	"sync-scheduler/pkg/scheduler"
	"sync-scheduler/pkg/synctask"
	"sync-scheduler/pkg/trigger"
	"sync-scheduler/pkg/work"
)

const shutdownTimeout = 10 * time.Second

func run(cfg config.Config) (err error) {
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}
	task, err := newTask(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		var result *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				result = multierror.Append(result, cerr)
			}
		}
		if cerr := result.ErrorOrNil(); cerr != nil {
			logger.Error("shutdown finished with errors", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	var (
		store    registry.Store
		health   func(context.Context) error
		reporter = report.Multi{report.Log{Logger: logger}}
	)
	if cfg.Store == config.StoreMemory {
		store = registry.NewMemoryStore()
		logger.Warn("using the in-memory store; pending work is lost on restart")
	} else {
		dsn := cfg.SQLitePath
		if cfg.Store == config.StorePostgres {
			dsn = cfg.DatabaseURL
		}
		db, err := database.Open(ctx, cfg.Store, dsn, cfg.DBMaxConns)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", cfg.Store, err)
		}
		closers = append(closers, db.Close)
		store, health = db, db.Ping
		reporter = append(reporter, db)
	}

	var mqClient *mq.Client
	if cfg.RabbitMQURL != "" {
		mqClient, err = mq.New(cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		closers = append(closers, mqClient.Close)
		if err := mqClient.SetupTopology(); err != nil {
			return fmt.Errorf("failed to setup rabbitmq topology: %w", err)
		}
		// durable stores relay reports through their outbox
		if cfg.Store == config.StoreMemory {
			reporter = append(reporter, mqClient)
		}
	}

	bus := trigger.NewBus(cfg.BusCapacity,
		trigger.WithBusLogger(logger),
		trigger.WithDropHook(func(ev trigger.Event) {
			observability.TriggersDropped.WithLabelValues(ev.Kind.String()).Inc()
		}),
	)
	reg := registry.New(store, registry.WithLogger(logger))
	disp := dispatch.New(task,
		dispatch.WithTimeout(cfg.Scheduler.Timeout),
		dispatch.WithLogger(logger),
		dispatch.WithObserver(func(name string, out work.Outcome, took time.Duration) {
			observability.ObserveExecution(name, string(out.Kind), took)
		}),
	)

	var prober connectivity.Prober
	if addrs := cfg.Probes(); len(addrs) > 0 {
		prober = connectivity.DialProber{Addrs: addrs}
	}
	watcher := connectivity.NewWatcher(
		connectivity.WithProber(prober),
		connectivity.WithProbeInterval(cfg.ProbeInterval),
		connectivity.WithDebounce(cfg.Debounce),
		connectivity.WithLogger(logger),
	)
	onChange := func(connected bool) {
		if err := bus.Publish(ctx, trigger.Network(connected)); err != nil && !errors.Is(err, trigger.ErrClosed) {
			logger.Error("failed to publish connectivity change", "error", err)
		}
	}
	startWatcher := func(ctx context.Context) {
		if err := watcher.Start(ctx, onChange); err != nil && !errors.Is(err, connectivity.ErrAlreadyStarted) {
			logger.Error("failed to start connectivity watcher", "error", err)
		}
	}

	sched, err := scheduler.New(reg, bus, disp, watcher,
		scheduler.WithConfig(cfg.Scheduler),
		scheduler.WithReporter(reporter),
		scheduler.WithLogger(logger),
		scheduler.WithBootHook(func(ctx context.Context) {
			if !watcher.Running() {
				logger.Info("restarting connectivity watcher after boot")
				startWatcher(ctx)
			}
		}),
	)
	if err != nil {
		return err
	}

	rpcSrv := rpc.NewServer(sched, watcher, logger)
	watcher.AddObserver(rpcSrv.Notifier())
	watcher.AddObserver(connectivity.ObserverFunc(func(s connectivity.Snapshot) {
		observability.SetConnectivity(s.Online())
	}))
	if mqClient != nil {
		watcher.AddObserver(mqClient)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = observability.StartMetricsServer(cfg.MetricsAddr)
		closers = append(closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(sctx)
		})
	}

	// Every process start re-submits the periodic item; the detector only tells a device
	// boot from a daemon restart.
	deviceBoot, err := boot.NewDetector(nil, cfg.BootMarkerPath,
		boot.WithBootIDPath(cfg.BootIDPath),
		boot.WithLogger(logger),
	).Booted()
	if err != nil {
		logger.Warn("boot detection failed", "error", err)
	}
	logger.Info("starting sync daemon", "version", version, "store", cfg.Store, "device_boot", deviceBoot)
	if err := bus.Publish(ctx, trigger.Boot()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	startWatcher(gctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		srv := api.New(sched, api.WithRPC(rpcSrv), api.WithHealthCheck(health), api.WithLogger(logger))
		return srv.Run(gctx, cfg.ListenAddr)
	})

	err = g.Wait()
	// Close first so a watcher blocked on a full bus is released.
	bus.Close()
	watcher.Stop()

	wctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if werr := disp.Wait(wctx); werr != nil {
		logger.Warn("abandoning running syncs", "error", werr)
	}
	logger.Info("sync daemon stopped")
	return err
}

func newTask(cfg config.Config, logger *slog.Logger) (dispatch.Task, error) {
	switch {
	case cfg.SyncCommand != "":
		return synctask.ParseCommand(cfg.SyncCommand)
	case cfg.PushURL != "" || cfg.PullURL != "":
		return &synctask.HTTP{
			Client:  &http.Client{},
			PushURL: cfg.PushURL,
			PullURL: cfg.PullURL,
			Log:     logger,
		}, nil
	default:
		return nil, fmt.Errorf("%w: no sync task configured, set --command or --push-url/--pull-url", work.ErrInvalidArgument)
	}
}
