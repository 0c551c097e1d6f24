// Package metrics exposes the Database's counters as real Prometheus
// collectors and serves them over HTTP, replacing the hand-rolled
// exposition-format writer this package is adapted from.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the transaction driver's counters (spec §4.8): how many
// transactions were begun, how many commit attempts were retried, and how
// much time was spent waiting to begin versus running the callback.
type Metrics struct {
	transactionsTotal   *prometheus.CounterVec
	retriesTotal         prometheus.Counter
	activeTransactions   prometheus.Gauge
	commitDuration       prometheus.Histogram
	waitDuration          prometheus.Histogram
	processDuration       prometheus.Histogram
}

// New registers a fresh set of collectors against registry. Pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer for a process-wide singleton.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tskv_transactions_total",
			Help: "Transactions completed, by terminal status.",
		}, []string{"status"}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tskv_transaction_retries_total",
			Help: "Retryable-abort retries performed by the transaction driver.",
		}),
		activeTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tskv_active_transactions",
			Help: "Transactions currently begun but not yet committed or aborted.",
		}),
		commitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tskv_commit_duration_seconds",
			Help:    "Time spent in the engine's Commit call.",
			Buckets: prometheus.DefBuckets,
		}),
		waitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tskv_transaction_wait_duration_seconds",
			Help:    "Time spent beginning a transaction, before the callback runs.",
			Buckets: prometheus.DefBuckets,
		}),
		processDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tskv_transaction_process_duration_seconds",
			Help:    "Time spent running the transaction callback.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// TransactionBegin should be called when the driver begins a transaction;
// it reports the time spent in Begin.
func (m *Metrics) TransactionBegin(wait time.Duration) {
	m.activeTransactions.Inc()
	m.waitDuration.Observe(wait.Seconds())
}

// TransactionEnd reports a terminal status and the callback's run time.
func (m *Metrics) TransactionEnd(status string, process time.Duration) {
	m.activeTransactions.Dec()
	m.transactionsTotal.WithLabelValues(status).Inc()
	m.processDuration.Observe(process.Seconds())
}

// Retry records one retryable-abort retry.
func (m *Metrics) Retry() {
	m.retriesTotal.Inc()
}

// Commit records the duration of one engine Commit call.
func (m *Metrics) Commit(d time.Duration) {
	m.commitDuration.Observe(d.Seconds())
}

// Server serves the registered collectors over HTTP at /metrics.
type Server struct {
	http *http.Server
}

// NewServer builds (but does not start) an HTTP server exposing registry's
// collectors at addr.
func NewServer(addr string, registry *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Start runs the server in a background goroutine. Errors other than a
// clean Shutdown are logged by the caller via the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
