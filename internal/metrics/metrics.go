// Copyright (c) 2023 Mikołaj Kuranowski
// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors of the bay tracker
// and a small HTTP server exposing them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MKuranowski/busbays/internal/logging"
)

var (
	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busbays_cycles_total",
			Help: "Poll cycles by outcome (ok, fetch_error, persistence_error).",
		},
		[]string{"outcome"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "busbays_fetch_duration_seconds",
			Help:    "Time spent retrieving the upstream departures page.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecordsExtracted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "busbays_records_extracted",
			Help: "Bus records extracted in the last cycle.",
		},
	)

	RowsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busbays_rows_skipped_total",
			Help: "Upstream table rows rejected by the extractor.",
		},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busbays_transitions_total",
			Help: "Detected bay transitions by kind (arrival, move).",
		},
		[]string{"kind"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busbays_notifications_total",
			Help: "Push notifications by tier (tag, subscribers) and outcome (sent, failed).",
		},
		[]string{"tier", "outcome"},
	)

	Resets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "busbays_midnight_resets_total",
			Help: "Executed resets of all bays.",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "busbays_circuit_breaker_state",
			Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open).",
		},
		[]string{"name"},
	)
)

// Server exposes the default Prometheus registry over HTTP.
// It implements suture.Service.
type Server struct {
	Addr string
}

func (s *Server) String() string { return "metrics-server" }

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.Addr).Msg("Serving metrics")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}
