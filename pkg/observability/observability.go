package observability

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TriggersReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_triggers_received_total",
		Help: "The total number of trigger events consumed by the scheduler",
	}, []string{"kind"})

	TriggersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_triggers_dropped_total",
		Help: "The total number of non-essential trigger events coalesced away by the bus",
	}, []string{"kind"})

	SubmitResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_submit_results_total",
		Help: "The total number of registry submits by policy and result",
	}, []string{"task", "policy", "result"})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_executions_total",
		Help: "The total number of sync executions",
	}, []string{"task", "outcome"}) // outcome: success, retry, failure, contended

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_execution_duration_seconds",
		Help:    "Duration of sync executions.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"task"})

	RetryBudgetExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_retry_budget_exhausted_total",
		Help: "The total number of attempt chains that ended in failure",
	}, []string{"task"})

	Deferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_deferred_total",
		Help: "The total number of dispatches deferred on an unmet constraint",
	}, []string{"task"})

	ConnectivityOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_connectivity_online",
		Help: "1 when the last committed connectivity state is online, 0 otherwise",
	})

	ReportsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_reports_published_total",
		Help: "The total number of failure reports relayed to the broker",
	}, []string{"status"}) // status: published, failed
)

// NewLogger creates a new structured logger. level is one of debug, info, warn, error.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ObserveExecution records one finished execution.
func ObserveExecution(task, outcome string, took time.Duration) {
	Executions.WithLabelValues(task, outcome).Inc()
	ExecutionDuration.WithLabelValues(task).Observe(took.Seconds())
}

func SetConnectivity(online bool) {
	if online {
		ConnectivityOnline.Set(1)
		return
	}
	ConnectivityOnline.Set(0)
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics. The returned server
// can be shut down by the caller.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
