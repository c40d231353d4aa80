package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/ihippik/flow-radar/internal/metrics"
	"github.com/ihippik/flow-radar/internal/sysflow"
)

// Source delivers records in stream order. Next returns io.EOF at the end.
type Source interface {
	Next(ctx context.Context) (sysflow.Record, error)
}

// Drainer is implemented by sources holding aggregated state that must be
// emitted when the stream stops. After Drain, Next yields the remaining
// records and then io.EOF.
type Drainer interface {
	Drain()
}

type Sink interface {
	Write(c *Correlated) error
	Close() error
}

// Rotator is implemented by sinks that roll over to a new output unit.
type Rotator interface {
	Due(ts int64) bool
	Rotate(ts int64) error
}

// Engine runs the single-consumer correlation loop.
type Engine struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	corr    *Correlator
	sink    Sink
	clock   int64
	rotate  atomic.Bool
	count   int64
}

func New(log *slog.Logger, m *metrics.Metrics, corr *Correlator, sink Sink) *Engine {
	return &Engine{
		log:     log,
		metrics: m,
		corr:    corr,
		sink:    sink,
	}
}

// RequestRotate asks the loop to seal the current output unit before the
// next record. Safe for concurrent use.
func (e *Engine) RequestRotate() {
	e.rotate.Store(true)
}

// Count returns the number of records consumed by the last Run.
func (e *Engine) Count() int64 {
	return e.count
}

// Run consumes src until it ends or ctx is done. Open state held by the
// source is drained before the sink is closed.
func (e *Engine) Run(ctx context.Context, src Source) (err error) {
	defer func() {
		if cerr := e.sink.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close sink: %w", cerr)).ErrorOrNil()
		}
	}()

	for ctx.Err() == nil {
		rec, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}

			return fmt.Errorf("next record: %w", err)
		}

		if err := e.handle(rec); err != nil {
			return err
		}
	}

	if d, ok := src.(Drainer); ok {
		d.Drain()

		if err := e.drain(context.WithoutCancel(ctx), src); err != nil {
			return err
		}
	}

	e.log.Info("stream finished", slog.Int64("records", e.count))

	return nil
}

func (e *Engine) drain(ctx context.Context, src Source) error {
	for {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}

		if err := e.handle(rec); err != nil {
			return err
		}
	}
}

func (e *Engine) handle(rec sysflow.Record) error {
	e.count++

	if ts := RecordTime(rec); ts > e.clock {
		e.clock = ts
	}

	if err := e.maybeRotate(); err != nil {
		return err
	}

	out, err := e.corr.Correlate(rec)
	if err != nil {
		reason := metrics.ReasonIdentity
		if errors.Is(err, ErrUnknownRecord) {
			reason = metrics.ReasonUnknownRecord
		}

		e.metrics.Dropped.WithLabelValues(reason).Inc()
		e.log.Warn("record skipped", slog.String("reason", reason), slog.Any("error", err))

		return nil
	}

	e.metrics.Records.WithLabelValues(rec.Type().String()).Inc()

	if err := e.sink.Write(out); err != nil {
		return fmt.Errorf("write %s: %w", rec.Type(), err)
	}

	return nil
}

func (e *Engine) maybeRotate() error {
	r, ok := e.sink.(Rotator)
	if !ok {
		return nil
	}

	requested := e.rotate.Swap(false)
	if !requested && !r.Due(e.clock) {
		return nil
	}

	if err := r.Rotate(e.clock); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	e.metrics.Rotations.Inc()

	for _, c := range e.corr.Prelude() {
		if err := e.sink.Write(c); err != nil {
			return fmt.Errorf("write prelude: %w", err)
		}
	}

	return nil
}

// RecordTime is the stream time a record advances the clock to. Flows count
// at their end, headers and containers carry no time.
func RecordTime(rec sysflow.Record) int64 {
	switch r := rec.(type) {
	case *sysflow.Process:
		return r.Ts
	case *sysflow.File:
		return r.Ts
	case *sysflow.ProcessEvent:
		return r.Ts
	case *sysflow.NetworkFlow:
		return r.EndTs
	case *sysflow.FileFlow:
		return r.EndTs
	case *sysflow.FileEvent:
		return r.Ts
	default:
		return 0
	}
}
