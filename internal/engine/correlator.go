package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ihippik/flow-radar/internal/metrics"
	"github.com/ihippik/flow-radar/internal/sysflow"
	"github.com/ihippik/flow-radar/internal/table"
)

var ErrUnknownRecord = errors.New("unknown record type")

type Options struct {
	// KeepProcOnExit retains exited processes so late records still resolve.
	KeepProcOnExit bool
	// FileTableSize bounds the file table, zero means the default.
	FileTableSize int
}

// Correlator owns the object tables and joins every record against them.
// It is confined to a single goroutine.
type Correlator struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	opts       Options
	header     *sysflow.Header
	containers map[string]*sysflow.Container
	procs      *table.Processes
	files      *table.Files
}

func NewCorrelator(log *slog.Logger, m *metrics.Metrics, opts Options) (*Correlator, error) {
	files, err := table.NewFiles(opts.FileTableSize, func(*sysflow.File) {
		m.Evictions.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("file table: %w", err)
	}

	return &Correlator{
		log:        log,
		metrics:    m,
		opts:       opts,
		containers: make(map[string]*sysflow.Container),
		procs:      table.NewProcesses(),
		files:      files,
	}, nil
}

// Correlate applies the record to the tables and returns it enriched.
// A returned error means the record was skipped; it never poisons the stream.
func (c *Correlator) Correlate(rec sysflow.Record) (*Correlated, error) {
	switch r := rec.(type) {
	case *sysflow.Header:
		return c.onHeader(r), nil
	case *sysflow.Container:
		return c.onContainer(r), nil
	case *sysflow.Process:
		return c.onProcess(r), nil
	case *sysflow.File:
		return c.onFile(r)
	case *sysflow.ProcessEvent:
		return c.onProcessEvent(r), nil
	case *sysflow.NetworkFlow:
		return c.onNetworkFlow(r), nil
	case *sysflow.FileFlow:
		return c.onFileFlow(r), nil
	case *sysflow.FileEvent:
		return c.onFileEvent(r), nil
	default:
		if rec == nil {
			return nil, fmt.Errorf("nil record: %w", ErrUnknownRecord)
		}

		return nil, fmt.Errorf("%s: %w", rec.Type(), ErrUnknownRecord)
	}
}

func (c *Correlator) Header() (*sysflow.Header, bool) {
	if c.header == nil {
		return nil, false
	}

	h := *c.header

	return &h, true
}

func (c *Correlator) Process(oid sysflow.OID) (*sysflow.Process, bool) {
	return c.procs.Lookup(oid)
}

func (c *Correlator) File(foid sysflow.FOID) (*sysflow.File, bool) {
	return c.files.Lookup(foid)
}

// HasFile reports whether the file table still holds foid.
func (c *Correlator) HasFile(foid sysflow.FOID) bool {
	return c.files.Contains(foid)
}

// Prelude returns the records that make a fresh output unit self-contained:
// the header and every live container, process and file in state REUP.
// Processes retained after exit keep state EXITED.
func (c *Correlator) Prelude() []*Correlated {
	out := make([]*Correlated, 0, 1+len(c.containers)+c.procs.Len()+c.files.Len())

	if h, ok := c.Header(); ok {
		out = append(out, &Correlated{Record: h})
	}

	ids := make([]string, 0, len(c.containers))
	for id := range c.containers {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		cont := c.containers[id].Clone()
		out = append(out, &Correlated{Record: cont, Container: cont.Clone()})
	}

	for _, p := range c.procs.Snapshot(c.opts.KeepProcOnExit) {
		if p.State != sysflow.StateExited {
			p.State = sysflow.StateReup
		}

		out = append(out, &Correlated{Record: p, Process: p.Clone(), Container: c.container(p.ContainerID)})
	}

	for _, f := range c.files.Snapshot() {
		f.State = sysflow.StateReup
		out = append(out, &Correlated{Record: f, File: f.Clone(), Container: c.container(f.ContainerID)})
	}

	return out
}

func (c *Correlator) onHeader(h *sysflow.Header) *Correlated {
	cp := *h
	c.header = &cp

	c.log.Info("stream header", slog.Int64("version", h.Version), slog.String("exporter", h.Exporter))

	return &Correlated{Record: h}
}

func (c *Correlator) onContainer(cont *sysflow.Container) *Correlated {
	c.containers[cont.ID] = cont.Clone()

	return &Correlated{Record: cont, Container: cont.Clone()}
}

func (c *Correlator) onProcess(p *sysflow.Process) *Correlated {
	switch c.procs.Upsert(p) {
	case table.Replaced:
		c.metrics.Duplicates.Inc()
		c.log.Warn(
			"process already in the process table",
			slog.String("oid", p.OID.String()),
			slog.String("exe", p.Exe),
		)
	case table.InsertedModified:
		c.log.Debug("modified process was never created", slog.String("oid", p.OID.String()))
	}

	proc, _ := c.procs.Lookup(p.OID)

	return &Correlated{Record: p, Process: proc, Container: c.container(p.ContainerID)}
}

func (c *Correlator) onFile(f *sysflow.File) (*Correlated, error) {
	if _, err := c.files.Upsert(f); err != nil {
		return nil, fmt.Errorf("file %q: %w", f.Path, err)
	}

	file, _ := c.files.Lookup(f.OID)

	return &Correlated{Record: f, File: file, Container: c.container(f.ContainerID)}, nil
}

func (c *Correlator) onProcessEvent(ev *sysflow.ProcessEvent) *Correlated {
	out := &Correlated{Record: ev}
	c.resolveProcess(out, ev.ProcOID)

	if ev.OpFlags.Has(sysflow.OpExit) {
		if c.opts.KeepProcOnExit {
			c.procs.MarkExited(ev.ProcOID, ev.Tid, ev.Ts)
		} else {
			c.procs.Retire(ev.ProcOID, ev.Tid)
		}
	}

	return out
}

func (c *Correlator) onNetworkFlow(nf *sysflow.NetworkFlow) *Correlated {
	out := &Correlated{Record: nf}
	c.resolveProcess(out, nf.ProcOID)

	return out
}

func (c *Correlator) onFileFlow(ff *sysflow.FileFlow) *Correlated {
	out := &Correlated{Record: ff}
	c.resolveProcess(out, ff.ProcOID)
	c.resolveFile(out, ff.FileOID)

	return out
}

func (c *Correlator) onFileEvent(fe *sysflow.FileEvent) *Correlated {
	out := &Correlated{Record: fe}
	c.resolveProcess(out, fe.ProcOID)
	c.resolveFile(out, fe.FileOID)

	if fe.NewFileOID != nil {
		if f, ok := c.files.Lookup(*fe.NewFileOID); ok {
			out.NewFile = f
		} else {
			out.Gaps |= GapNewFile
			c.gap(fe, metrics.SideNewFile, fe.NewFileOID.String())
		}
	}

	return out
}

func (c *Correlator) resolveProcess(out *Correlated, oid sysflow.OID) {
	p, ok := c.procs.Lookup(oid)
	if !ok {
		out.Gaps |= GapProcess
		c.gap(out.Record, metrics.SideProcess, oid.String())

		return
	}

	out.Process = p
	out.Container = c.container(p.ContainerID)
}

func (c *Correlator) resolveFile(out *Correlated, foid sysflow.FOID) {
	f, ok := c.files.Lookup(foid)
	if !ok {
		out.Gaps |= GapFile
		c.gap(out.Record, metrics.SideFile, foid.String())

		return
	}

	out.File = f
}

func (c *Correlator) container(id *string) *sysflow.Container {
	if id == nil {
		return nil
	}

	cont, ok := c.containers[*id]
	if !ok {
		return nil
	}

	return cont.Clone()
}

func (c *Correlator) gap(rec sysflow.Record, side, id string) {
	c.metrics.Gaps.WithLabelValues(side).Inc()
	c.log.Debug(
		"correlation gap",
		slog.String("record", rec.Type().String()),
		slog.String("side", side),
		slog.String("id", id),
	)
}
