package collector

import (
	"context"
	"io"

	"github.com/ihippik/flow-radar/internal/sysflow"
)

// maxReannounce bounds re-announcements for one record so a table smaller
// than the files a record references cannot stall the stream.
const maxReannounce = 4

// FileIndex reports whether the downstream file table still holds a file.
type FileIndex interface {
	HasFile(foid sysflow.FOID) bool
}

// Source feeds capture events through the collector and hands the
// resulting records to the engine one at a time. Before a record that
// references a file the index no longer holds, the file is handed out
// again in state REUP.
type Source struct {
	coll     *Collector
	events   <-chan *Event
	index    FileIndex
	pending  []sysflow.Record
	draining bool
	retries  int
}

// NewSource creates the source. index may be nil.
func NewSource(coll *Collector, events <-chan *Event, index FileIndex) *Source {
	return &Source{coll: coll, events: events, index: index}
}

func (s *Source) Next(ctx context.Context) (sysflow.Record, error) {
	for len(s.pending) == 0 {
		if s.draining {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				return nil, io.EOF
			}

			s.pending = s.coll.Handle(ev)
		}
	}

	if f := s.reannounce(s.pending[0]); f != nil {
		return f, nil
	}

	rec := s.pending[0]
	s.pending = s.pending[1:]
	s.retries = 0

	return rec, nil
}

// Drain stops reading events and queues every flow still open behind the
// records not yet consumed.
func (s *Source) Drain() {
	s.draining = true
	s.pending = append(s.pending, s.coll.Flush()...)
}

func (s *Source) reannounce(rec sysflow.Record) sysflow.Record {
	if s.index == nil || s.retries >= maxReannounce {
		return nil
	}

	for _, foid := range fileRefs(rec) {
		if foid.IsZero() || s.index.HasFile(foid) {
			continue
		}

		f, ok := s.coll.announced(foid)
		if !ok {
			continue
		}

		s.retries++
		f.State = sysflow.StateReup

		return f
	}

	return nil
}

func fileRefs(rec sysflow.Record) []sysflow.FOID {
	switch r := rec.(type) {
	case *sysflow.FileFlow:
		return []sysflow.FOID{r.FileOID}
	case *sysflow.FileEvent:
		if r.NewFileOID != nil {
			return []sysflow.FOID{r.FileOID, *r.NewFileOID}
		}

		return []sysflow.FOID{r.FileOID}
	default:
		return nil
	}
}
