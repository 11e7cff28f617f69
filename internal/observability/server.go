// Package observability provides Prometheus metrics for the Quickbase client
// and backup pipeline, plus the HTTP server exposing health and metrics
// endpoints while the backup daemon runs.
//
// # Endpoints
//
//   - GET /healthz: returns 200 while the process is running.
//   - GET /readyz: returns 200 once the daemon has finished initialization,
//     503 before that.
//   - GET /metrics: Prometheus text exposition, Go runtime metrics included.
//
// # Custom Metrics
//
//	┌──────────────────────────────────┬─────────┬────────────────────────────────────────┐
//	│ Metric Name                      │ Type    │ Description                            │
//	├──────────────────────────────────┼─────────┼────────────────────────────────────────┤
//	│ qb_api_requests_total            │ Counter │ Requests sent to the Quickbase API     │
//	│ qb_api_errors_total              │ Counter │ API errors by status code or kind      │
//	│ qb_api_latency_seconds           │ Hist    │ API response latency                   │
//	│ qb_backup_records_total          │ Counter │ Records exported, per table            │
//	│ qb_backup_reports_total          │ Counter │ Report exports by outcome              │
//	│ qb_backup_last_success_timestamp │ Gauge   │ Unix time of the last clean backup run │
//	│ qb_upsert_rows_total             │ Counter │ Upserted rows by outcome               │
//	│ qb_kafka_published_total         │ Counter │ Records published to Kafka             │
//	└──────────────────────────────────┴─────────┴────────────────────────────────────────┘
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics, registered with the default registry.
var Metrics = struct {
	APIRequestsTotal *prometheus.CounterVec
	APIErrorsTotal   *prometheus.CounterVec
	APILatency       *prometheus.HistogramVec

	BackupRecordsTotal *prometheus.CounterVec
	BackupReportsTotal *prometheus.CounterVec
	BackupLastSuccess  prometheus.Gauge

	UpsertRowsTotal *prometheus.CounterVec

	KafkaPublishedTotal *prometheus.CounterVec
}{
	APIRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qb_api_requests_total",
		Help: "Total number of Quickbase API requests.",
	}, []string{"method", "endpoint"}),

	APIErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qb_api_errors_total",
		Help: "Total number of Quickbase API errors by status code or failure kind.",
	}, []string{"method", "status_code"}),

	APILatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qb_api_latency_seconds",
		Help:    "Quickbase API response latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"method", "endpoint"}),

	BackupRecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qb_backup_records_total",
		Help: "Total number of records exported by backup runs.",
	}, []string{"table"}),

	BackupReportsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qb_backup_reports_total",
		Help: "Total number of report exports by outcome.",
	}, []string{"status"}),

	BackupLastSuccess: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qb_backup_last_success_timestamp",
		Help: "Unix time of the last backup run that finished without errors.",
	}),

	UpsertRowsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qb_upsert_rows_total",
		Help: "Total number of rows sent to the records endpoint by outcome.",
	}, []string{"table", "outcome"}),

	KafkaPublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qb_kafka_published_total",
		Help: "Total number of exported records published to Kafka.",
	}, []string{"topic"}),
}

// Server provides HTTP endpoints for health checks, readiness probes,
// and Prometheus metrics.
type Server struct {
	addr   string
	ready  atomic.Bool
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates a new observability HTTP server.
func NewServer(addr string, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		logger: logger.With("component", "observability"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's request multiplexer.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start begins listening for HTTP requests. Blocks until the context is
// cancelled, then gracefully shuts down the server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("observability server starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down observability server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observability server: %w", err)
	}
	return nil
}

// SetReady marks the server as ready (or not ready) for readiness probes.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("readiness state changed", "ready", ready)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"healthy"}`)
}

// handleReady responds with 200 if ready, 503 if not yet ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ready"}`)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, `{"status":"not_ready"}`)
	}
}
