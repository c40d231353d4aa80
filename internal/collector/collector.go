package collector

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ihippik/flow-radar/internal/flow"
	"github.com/ihippik/flow-radar/internal/metrics"
	"github.com/ihippik/flow-radar/internal/sysflow"
	"github.com/ihippik/flow-radar/internal/table"
)

type Options struct {
	Exporter      string
	IP            string
	ContainerOnly bool
	// FileCacheSize bounds the catalog of announced files.
	FileCacheSize int
}

// Collector turns raw capture events into SysFlow records: object records
// on first sight, discrete events, and flows folded by the aggregator.
// It is confined to a single goroutine.
type Collector struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	opts    Options
	names   *names

	headerSent bool
	agg        *flow.Aggregator
	procs      map[sysflow.OID]*sysflow.Process
	containers map[string]struct{}
	files      *simplelru.LRU[sysflow.FOID, *sysflow.File]
}

func New(log *slog.Logger, m *metrics.Metrics, opts Options) (*Collector, error) {
	size := opts.FileCacheSize
	if size <= 0 {
		size = table.DefaultFileCapacity
	}

	files, err := simplelru.NewLRU[sysflow.FOID, *sysflow.File](size, nil)
	if err != nil {
		return nil, fmt.Errorf("file cache: %w", err)
	}

	return &Collector{
		log:        log,
		metrics:    m,
		opts:       opts,
		names:      newNames(),
		agg:        flow.NewAggregator(),
		procs:      make(map[sysflow.OID]*sysflow.Process),
		containers: make(map[string]struct{}),
		files:      files,
	}, nil
}

// Handle translates one event. The returned records are in emission order.
func (c *Collector) Handle(ev *Event) []sysflow.Record {
	var out []sysflow.Record

	if !c.headerSent {
		c.headerSent = true
		out = append(out, &sysflow.Header{Version: sysflow.Version, Exporter: c.opts.Exporter, IP: c.opts.IP})
	}

	if c.opts.ContainerOnly && ev.ContainerID == "" {
		c.metrics.Dropped.WithLabelValues(metrics.ReasonFiltered).Inc()
		return out
	}

	out = c.ensureProcess(out, ev)

	switch ev.Kind {
	case KindClone:
		out = append(out, c.processEvent(ev, sysflow.OpClone))
	case KindExec:
		out = c.exec(out, ev)
	case KindSetUID:
		out = c.setuid(out, ev)
	case KindExit:
		out = c.exit(out, ev)
	case KindOpen, KindAccept, KindConnect:
		out = c.open(out, ev)
	case KindRead, KindWrite:
		out = c.io(out, ev)
	case KindClose:
		if f, ok := c.agg.Lookup(c.key(ev)); ok {
			out = c.emitFlow(out, c.agg.Close(f.Key, f.Attrs, ev.Ts))
		}
	case KindTruncate:
		out = c.op(out, ev, sysflow.OpTruncate)
	case KindSetNS:
		out = c.op(out, ev, sysflow.OpSetNS)
	case KindMkdir, KindRmdir, KindLink, KindSymlink, KindUnlink, KindRename:
		out = c.fileEvent(out, ev)
	default:
		c.log.Warn("unknown capture event", slog.Uint64("kind", uint64(ev.Kind)))
	}

	c.metrics.OpenFlows.Set(float64(c.agg.Len()))

	return out
}

// Flush finishes every open flow. Called once when capture stops.
func (c *Collector) Flush() []sysflow.Record {
	flows := c.agg.Flush()
	out := make([]sysflow.Record, 0, len(flows))

	for _, f := range flows {
		out = c.emitFlow(out, f)
	}

	c.metrics.OpenFlows.Set(0)

	return out
}

func (c *Collector) ensureProcess(out []sysflow.Record, ev *Event) []sysflow.Record {
	oid := ev.proc()
	if _, ok := c.procs[oid]; ok {
		return out
	}

	out = c.ensureContainer(out, ev.ContainerID)

	p := &sysflow.Process{
		State:     sysflow.StateCreated,
		OID:       oid,
		Ts:        ev.Ts,
		Exe:       ev.Exe,
		ExeArgs:   ev.Args,
		UID:       ev.UID,
		UserName:  c.names.user(ev.UID),
		GID:       ev.GID,
		GroupName: c.names.group(ev.GID),
		TTY:       ev.TTY,
	}

	if ev.PPid != 0 {
		p.POID = &sysflow.OID{Hpid: ev.PPid, CreateTS: ev.PStart}
	}

	if ev.ContainerID != "" {
		id := ev.ContainerID
		p.ContainerID = &id
	}

	c.procs[oid] = p

	return append(out, p.Clone())
}

func (c *Collector) ensureContainer(out []sysflow.Record, id string) []sysflow.Record {
	if id == "" {
		return out
	}

	if _, ok := c.containers[id]; ok {
		return out
	}

	c.containers[id] = struct{}{}

	name := id
	if len(name) > 12 {
		name = name[:12]
	}

	return append(out, &sysflow.Container{ID: id, Name: name, Kind: sysflow.ContainerCRI})
}

// announced returns a copy of a file announced earlier.
func (c *Collector) announced(foid sysflow.FOID) (*sysflow.File, bool) {
	f, ok := c.files.Peek(foid)
	if !ok {
		return nil, false
	}

	return f.Clone(), true
}

// emitFlow appends the flow record. The file of a file flow is put back
// into the catalog so it can be announced again if the table lost it.
func (c *Collector) emitFlow(out []sysflow.Record, f *flow.Flow) []sysflow.Record {
	if file := f.Attrs.File; file != nil {
		c.files.Add(file.OID, file)
	}

	return append(out, f.Record())
}

// ensureFile returns the file of the event path, announcing it on first
// sight.
func (c *Collector) ensureFile(out []sysflow.Record, ev *Event, restype sysflow.Restype, path string) ([]sysflow.Record, *sysflow.File, error) {
	var extra []string

	if restype == sysflow.RestypePipe || restype == sysflow.RestypeUnix {
		extra = append(extra, strconv.FormatInt(ev.Pid, 10), strconv.FormatInt(int64(ev.FD), 10))
	}

	foid, err := sysflow.NewFOID(restype, path, extra...)
	if err != nil {
		return out, nil, err
	}

	if f, ok := c.files.Get(foid); ok {
		return out, f, nil
	}

	f := &sysflow.File{
		State:   sysflow.StateCreated,
		OID:     foid,
		Ts:      ev.Ts,
		Restype: restype,
		Path:    path,
	}

	if ev.ContainerID != "" {
		id := ev.ContainerID
		f.ContainerID = &id
	}

	c.files.Add(foid, f)

	return append(out, f.Clone()), f, nil
}

func (c *Collector) processEvent(ev *Event, op sysflow.OpFlags) *sysflow.ProcessEvent {
	var args []string
	if ev.Args != "" {
		args = strings.Fields(ev.Args)
	}

	return &sysflow.ProcessEvent{
		ProcOID: ev.proc(),
		Ts:      ev.Ts,
		Tid:     ev.Tid,
		OpFlags: op,
		Args:    args,
		Ret:     int32(ev.Ret),
	}
}

func (c *Collector) exec(out []sysflow.Record, ev *Event) []sysflow.Record {
	p := c.procs[ev.proc()]

	if ev.Ret == 0 && (p.Exe != ev.Exe || p.ExeArgs != ev.Args) {
		p.State = sysflow.StateModified
		p.Ts = ev.Ts
		p.Exe = ev.Exe
		p.ExeArgs = ev.Args
		out = append(out, p.Clone())
	}

	return append(out, c.processEvent(ev, sysflow.OpExec))
}

func (c *Collector) setuid(out []sysflow.Record, ev *Event) []sysflow.Record {
	p := c.procs[ev.proc()]

	if ev.Ret == 0 && p.UID != ev.UID {
		p.State = sysflow.StateModified
		p.Ts = ev.Ts
		p.UID = ev.UID
		p.UserName = c.names.user(ev.UID)
		out = append(out, p.Clone())
	}

	return append(out, c.processEvent(ev, sysflow.OpSetUID))
}

func (c *Collector) exit(out []sysflow.Record, ev *Event) []sysflow.Record {
	oid := ev.proc()

	// only the group leader ends the process
	if ev.Tid == ev.Pid {
		for _, f := range c.agg.EndProcess(oid, ev.Ts) {
			out = c.emitFlow(out, f)
		}

		delete(c.procs, oid)
	}

	return append(out, c.processEvent(ev, sysflow.OpExit))
}

func (c *Collector) key(ev *Event) flow.Key {
	return flow.Key{Proc: ev.proc(), FD: ev.FD}
}

func (c *Collector) attrs(out []sysflow.Record, ev *Event) ([]sysflow.Record, flow.Attrs, error) {
	attrs := flow.Attrs{Tid: ev.Tid, OpenFlags: ev.OpenFlags}

	if ev.isNetwork() {
		attrs.Kind = flow.KindNetwork
		attrs.SIP = sysflow.IPv4Int(ev.SIP)
		attrs.DIP = sysflow.IPv4Int(ev.DIP)
		attrs.SPort = int32(ev.SPort)
		attrs.DPort = int32(ev.DPort)
		attrs.Proto = int32(ev.Proto)

		return out, attrs, nil
	}

	restype := ev.Restype
	if restype == 0 {
		restype = sysflow.RestypeFile
	}

	out, f, err := c.ensureFile(out, ev, restype, ev.Path)
	if err != nil {
		return out, attrs, err
	}

	attrs.Kind = flow.KindFile
	attrs.FileOID = f.OID
	attrs.File = f

	return out, attrs, nil
}

func (c *Collector) open(out []sysflow.Record, ev *Event) []sysflow.Record {
	if ev.Ret < 0 {
		return out
	}

	// accept returns the new descriptor
	if ev.Kind == KindAccept {
		accepted := *ev
		accepted.FD = int32(ev.Ret)
		ev = &accepted
	}

	out, attrs, err := c.attrs(out, ev)
	if err != nil {
		c.dropIdentity(ev, err)
		return out
	}

	op := sysflow.OpOpen

	switch ev.Kind {
	case KindAccept:
		op = sysflow.OpAccept
	case KindConnect:
		op = sysflow.OpConnect
	}

	if prev := c.agg.Open(c.key(ev), attrs, ev.Ts, op); prev != nil {
		out = c.emitFlow(out, prev)
	}

	return out
}

func (c *Collector) io(out []sysflow.Record, ev *Event) []sysflow.Record {
	if ev.Ret < 0 {
		return out
	}

	key := c.key(ev)

	var attrs flow.Attrs

	if f, ok := c.agg.Lookup(key); ok {
		attrs = f.Attrs
	} else {
		var err error

		if out, attrs, err = c.attrs(out, ev); err != nil {
			c.dropIdentity(ev, err)
			return out
		}
	}

	if ev.Kind == KindRead {
		c.agg.Read(key, attrs, ev.Ts, ev.Ret)
	} else {
		c.agg.Write(key, attrs, ev.Ts, ev.Ret)
	}

	return out
}

func (c *Collector) op(out []sysflow.Record, ev *Event, op sysflow.OpFlags) []sysflow.Record {
	if f, ok := c.agg.Lookup(c.key(ev)); ok {
		c.agg.Op(f.Key, f.Attrs, ev.Ts, op)
	}

	return out
}

func (c *Collector) fileEvent(out []sysflow.Record, ev *Event) []sysflow.Record {
	var op sysflow.OpFlags

	restype := sysflow.RestypeFile

	switch ev.Kind {
	case KindMkdir:
		op, restype = sysflow.OpMkdir, sysflow.RestypeDir
	case KindRmdir:
		op, restype = sysflow.OpRmdir, sysflow.RestypeDir
	case KindLink:
		op = sysflow.OpLink
	case KindSymlink:
		op = sysflow.OpSymlink
	case KindUnlink:
		op = sysflow.OpUnlink
	case KindRename:
		op = sysflow.OpRename
	}

	out, f, err := c.ensureFile(out, ev, restype, ev.Path)
	if err != nil {
		c.dropIdentity(ev, err)
		return out
	}

	fe := &sysflow.FileEvent{
		ProcOID: ev.proc(),
		Ts:      ev.Ts,
		Tid:     ev.Tid,
		OpFlags: op,
		FileOID: f.OID,
		Ret:     int32(ev.Ret),
	}

	if ev.NewPath != "" {
		var nf *sysflow.File

		if out, nf, err = c.ensureFile(out, ev, restype, ev.NewPath); err != nil {
			c.dropIdentity(ev, err)
			return out
		}

		newFOID := nf.OID
		fe.NewFileOID = &newFOID
	}

	return append(out, fe)
}

func (c *Collector) dropIdentity(ev *Event, err error) {
	c.metrics.Dropped.WithLabelValues(metrics.ReasonIdentity).Inc()
	c.log.Warn(
		"file identity",
		slog.String("kind", ev.Kind.String()),
		slog.String("path", ev.Path),
		slog.Any("error", err),
	)
}
