// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to accept connections.
type ReadinessChecker func() bool

// Metrics contains the Prometheus metrics for the Leyline core.
// A nil *Metrics is valid; all record methods become no-ops, which lets the
// bus and store run without an observability server in tests.
type Metrics struct {
	EventsPublished    *prometheus.CounterVec
	EventsDeduplicated prometheus.Counter
	HandlerFailures    prometheus.Counter
	SavesTotal         *prometheus.CounterVec
	LoadsTotal         *prometheus.CounterVec
	SyncRunsTotal      *prometheus.CounterVec
	SyncConflictsTotal prometheus.Counter
	TrackedEntities    prometheus.Gauge
}

// NewMetrics creates and registers the Leyline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leyline_events_published_total",
				Help: "Total number of events published by source",
			},
			[]string{"source"},
		),
		EventsDeduplicated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leyline_events_deduplicated_total",
				Help: "Total number of events suppressed by deduplication",
			},
		),
		HandlerFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leyline_handler_failures_total",
				Help: "Total number of event handler failures",
			},
		),
		SavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leyline_saves_total",
				Help: "Total number of save operations by status",
			},
			[]string{"status"},
		),
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leyline_loads_total",
				Help: "Total number of load operations by status",
			},
			[]string{"status"},
		),
		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leyline_sync_runs_total",
				Help: "Total number of browser-state reconciliations by mode and status",
			},
			[]string{"mode", "status"},
		),
		SyncConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "leyline_sync_conflicts_total",
				Help: "Total number of per-property conflicts detected during merge",
			},
		),
		TrackedEntities: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "leyline_tracked_entities",
				Help: "Number of entities currently tracked by the state store",
			},
		),
	}

	reg.MustRegister(
		m.EventsPublished,
		m.EventsDeduplicated,
		m.HandlerFailures,
		m.SavesTotal,
		m.LoadsTotal,
		m.SyncRunsTotal,
		m.SyncConflictsTotal,
		m.TrackedEntities,
	)

	return m
}

// RecordEventPublished increments the published-events counter.
func (m *Metrics) RecordEventPublished(source string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(source).Inc()
}

// RecordEventDeduplicated increments the deduplication counter.
func (m *Metrics) RecordEventDeduplicated() {
	if m == nil {
		return
	}
	m.EventsDeduplicated.Inc()
}

// RecordHandlerFailure increments the handler failure counter.
func (m *Metrics) RecordHandlerFailure() {
	if m == nil {
		return
	}
	m.HandlerFailures.Inc()
}

// RecordSave increments the save counter with the given status.
func (m *Metrics) RecordSave(status string) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(status).Inc()
}

// RecordLoad increments the load counter with the given status.
func (m *Metrics) RecordLoad(status string) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(status).Inc()
}

// RecordSyncRun increments the reconciliation counter.
func (m *Metrics) RecordSyncRun(mode, status string) {
	if m == nil {
		return
	}
	m.SyncRunsTotal.WithLabelValues(mode, status).Inc()
}

// RecordSyncConflicts adds to the conflict counter.
func (m *Metrics) RecordSyncConflicts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SyncConflictsTotal.Add(float64(n))
}

// SetTrackedEntities updates the tracked-entity gauge.
func (m *Metrics) SetTrackedEntities(n int) {
	if m == nil {
		return
	}
	m.TrackedEntities.Set(float64(n))
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9300", ":9300" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Create a new registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 if the service is ready to accept connections,
// or 503 if not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
