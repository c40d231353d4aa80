package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "radar"

const (
	typeLabel   = "type"
	sideLabel   = "side"
	reasonLabel = "reason"
)

// Gap sides.
const (
	SideProcess = "process"
	SideFile    = "file"
	SideNewFile = "new_file"
)

// Drop reasons.
const (
	ReasonUnknownRecord = "unknown_record"
	ReasonIdentity      = "identity"
	ReasonFiltered      = "filtered"
)

// Metrics is the side channel for non-fatal conditions of the pipeline.
type Metrics struct {
	Records    *prometheus.CounterVec
	Gaps       *prometheus.CounterVec
	Dropped    *prometheus.CounterVec
	Duplicates prometheus.Counter
	Evictions  prometheus.Counter
	Rotations  prometheus.Counter
	OpenFlows  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "The total number of correlated records by type",
		}, []string{typeLabel}),
		Gaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_gaps_total",
			Help:      "The total number of references not found in the object tables",
		}, []string{sideLabel}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_records_total",
			Help:      "The total number of records skipped by reason",
		}, []string{reasonLabel}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_creations_total",
			Help:      "The total number of created records for an already live process",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_evictions_total",
			Help:      "The total number of files evicted from the file table",
		}),
		Rotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "The total number of output unit rotations",
		}),
		OpenFlows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_flows",
			Help:      "The number of flows currently aggregated",
		}),
	}
}

// Serve exposes the registry on addr until ctx is done.
func Serve(ctx context.Context, log *slog.Logger, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown", slog.Any("error", err))
		}
	}()

	log.Info("metrics server started", slog.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}

	return nil
}
