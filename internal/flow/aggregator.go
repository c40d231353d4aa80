package flow

import (
	"cmp"
	"slices"

	"github.com/ihippik/flow-radar/internal/sysflow"
)

type Kind int

const (
	KindFile Kind = iota
	KindNetwork
)

// Key names one logical session: a descriptor of a process instance.
type Key struct {
	Proc sysflow.OID
	FD   int32
}

// Attrs are the session attributes known when the flow starts.
type Attrs struct {
	Kind      Kind
	Tid       int64
	FileOID   sysflow.FOID
	// File is the announced form of FileOID.
	File      *sysflow.File
	OpenFlags int32
	SIP       int32
	SPort     int32
	DIP       int32
	DPort     int32
	Proto     int32
}

// Flow accumulates the operations of one session.
type Flow struct {
	Key   Key
	Attrs Attrs

	Ts      int64
	EndTs   int64
	OpFlags sysflow.OpFlags

	NumRRecvOps   int64
	NumWSendOps   int64
	NumRRecvBytes int64
	NumWSendBytes int64

	Closed bool
}

func (f *Flow) touch(ts int64, op sysflow.OpFlags) {
	f.OpFlags |= op

	if ts > f.EndTs {
		f.EndTs = ts
	}
}

func (f *Flow) finish(ts int64) {
	if ts > f.EndTs {
		f.EndTs = ts
	}

	if f.EndTs < f.Ts {
		f.EndTs = f.Ts
	}
}

// Record converts the flow into its SysFlow record.
func (f *Flow) Record() sysflow.Record {
	if f.Attrs.Kind == KindNetwork {
		return &sysflow.NetworkFlow{
			ProcOID:       f.Key.Proc,
			Ts:            f.Ts,
			Tid:           f.Attrs.Tid,
			OpFlags:       f.OpFlags,
			EndTs:         f.EndTs,
			SIP:           f.Attrs.SIP,
			SPort:         f.Attrs.SPort,
			DIP:           f.Attrs.DIP,
			DPort:         f.Attrs.DPort,
			Proto:         f.Attrs.Proto,
			FD:            f.Key.FD,
			NumRRecvOps:   f.NumRRecvOps,
			NumWSendOps:   f.NumWSendOps,
			NumRRecvBytes: f.NumRRecvBytes,
			NumWSendBytes: f.NumWSendBytes,
		}
	}

	return &sysflow.FileFlow{
		ProcOID:       f.Key.Proc,
		Ts:            f.Ts,
		Tid:           f.Attrs.Tid,
		OpFlags:       f.OpFlags,
		OpenFlags:     f.Attrs.OpenFlags,
		EndTs:         f.EndTs,
		FileOID:       f.Attrs.FileOID,
		FD:            f.Key.FD,
		NumRRecvOps:   f.NumRRecvOps,
		NumWSendOps:   f.NumWSendOps,
		NumRRecvBytes: f.NumRRecvBytes,
		NumWSendBytes: f.NumWSendBytes,
	}
}

// Aggregator folds read/write operations into one flow per session.
// It is not safe for concurrent use.
type Aggregator struct {
	flows map[Key]*Flow
}

func NewAggregator() *Aggregator {
	return &Aggregator{flows: make(map[Key]*Flow)}
}

func (a *Aggregator) start(key Key, attrs Attrs, ts int64) *Flow {
	f := &Flow{Key: key, Attrs: attrs, Ts: ts, EndTs: ts}
	a.flows[key] = f

	return f
}

// Open begins a flow. A flow still open on the same descriptor was never
// closed by the source; it is finished and returned for emission.
func (a *Aggregator) Open(key Key, attrs Attrs, ts int64, op sysflow.OpFlags) (prev *Flow) {
	if old, ok := a.flows[key]; ok {
		old.finish(ts)
		delete(a.flows, key)
		prev = old
	}

	a.start(key, attrs, ts).touch(ts, op)

	return prev
}

// Read adds n received bytes. An unknown session starts implicitly.
func (a *Aggregator) Read(key Key, attrs Attrs, ts, n int64) {
	f := a.get(key, attrs, ts)

	f.NumRRecvOps++
	if n > 0 {
		f.NumRRecvBytes += n
	}

	f.touch(ts, sysflow.OpReadRecv)
}

// Write adds n sent bytes. An unknown session starts implicitly.
func (a *Aggregator) Write(key Key, attrs Attrs, ts, n int64) {
	f := a.get(key, attrs, ts)

	f.NumWSendOps++
	if n > 0 {
		f.NumWSendBytes += n
	}

	f.touch(ts, sysflow.OpWriteSend)
}

// Op records a non I/O operation such as truncate or setns.
func (a *Aggregator) Op(key Key, attrs Attrs, ts int64, op sysflow.OpFlags) {
	a.get(key, attrs, ts).touch(ts, op)
}

// Close finishes the session and returns it for emission.
func (a *Aggregator) Close(key Key, attrs Attrs, ts int64) *Flow {
	f := a.get(key, attrs, ts)

	f.touch(ts, sysflow.OpClose)
	f.finish(ts)
	f.Closed = true

	delete(a.flows, key)

	return f
}

// Lookup returns the open flow of a session.
func (a *Aggregator) Lookup(key Key) (*Flow, bool) {
	f, ok := a.flows[key]
	return f, ok
}

// EndProcess finishes every open flow of an exiting process.
func (a *Aggregator) EndProcess(proc sysflow.OID, ts int64) []*Flow {
	var out []*Flow

	for key, f := range a.flows {
		if key.Proc != proc {
			continue
		}

		f.finish(ts)
		out = append(out, f)
		delete(a.flows, key)
	}

	sortFlows(out)

	return out
}

// Flush finishes every open flow. Flows keep the time of their last
// operation as end time.
func (a *Aggregator) Flush() []*Flow {
	out := make([]*Flow, 0, len(a.flows))

	for key, f := range a.flows {
		f.finish(f.EndTs)
		out = append(out, f)
		delete(a.flows, key)
	}

	sortFlows(out)

	return out
}

func (a *Aggregator) Len() int {
	return len(a.flows)
}

func (a *Aggregator) get(key Key, attrs Attrs, ts int64) *Flow {
	if f, ok := a.flows[key]; ok {
		return f
	}

	return a.start(key, attrs, ts)
}

func sortFlows(flows []*Flow) {
	slices.SortFunc(flows, func(a, b *Flow) int {
		if c := cmp.Compare(a.Ts, b.Ts); c != 0 {
			return c
		}

		return cmp.Compare(a.Key.FD, b.Key.FD)
	})
}
