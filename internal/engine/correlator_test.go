package engine

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihippik/flow-radar/internal/metrics"
	"github.com/ihippik/flow-radar/internal/sysflow"
)

var (
	pid1 = sysflow.OID{Hpid: 100, CreateTS: 1000}
	pid2 = sysflow.OID{Hpid: 200, CreateTS: 2000}
)

func strPtr(s string) *string {
	return &s
}

func newTestCorrelator(t *testing.T, opts Options) (*Correlator, *metrics.Metrics) {
	t.Helper()

	m := metrics.New(prometheus.NewRegistry())

	corr, err := NewCorrelator(slog.New(slog.NewTextHandler(io.Discard, nil)), m, opts)
	require.NoError(t, err)

	return corr, m
}

func mustFOID(t *testing.T, path string) sysflow.FOID {
	t.Helper()

	foid, err := sysflow.NewFOID(sysflow.RestypeFile, path)
	require.NoError(t, err)

	return foid
}

func correlate(t *testing.T, c *Correlator, rec sysflow.Record) *Correlated {
	t.Helper()

	out, err := c.Correlate(rec)
	require.NoError(t, err)
	require.NotNil(t, out)

	return out
}

func TestCorrelator_ProcessEventUnresolved(t *testing.T) {
	c, m := newTestCorrelator(t, Options{})

	ev := &sysflow.ProcessEvent{ProcOID: pid1, Ts: 5, Tid: 100, OpFlags: sysflow.OpExec, Args: []string{"ls"}}

	out := correlate(t, c, ev)

	assert.Same(t, ev, out.Record)
	assert.True(t, out.Gaps.Has(GapProcess))
	assert.False(t, out.Resolved())
	assert.Nil(t, out.Process)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Gaps.WithLabelValues(metrics.SideProcess)))
}

func TestCorrelator_ProcessEventEnriched(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{})

	correlate(t, c, &sysflow.Container{ID: "c1", Name: "web", Image: "nginx"})
	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/sh", ContainerID: strPtr("c1")})

	out := correlate(t, c, &sysflow.ProcessEvent{ProcOID: pid1, Ts: 5, Tid: 100, OpFlags: sysflow.OpSetUID})

	assert.True(t, out.Resolved())
	require.NotNil(t, out.Process)
	assert.Equal(t, "/bin/sh", out.Process.Exe)
	require.NotNil(t, out.Container)
	assert.Equal(t, "nginx", out.Container.Image)
}

func TestCorrelator_ExitRetires(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{})

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/sh"})

	out := correlate(t, c, &sysflow.ProcessEvent{ProcOID: pid1, Ts: 9, Tid: pid1.Hpid, OpFlags: sysflow.OpExit})

	// enriched before retirement
	require.NotNil(t, out.Process)
	assert.Equal(t, "/bin/sh", out.Process.Exe)

	_, ok := c.Process(pid1)
	assert.False(t, ok)

	late := correlate(t, c, &sysflow.NetworkFlow{ProcOID: pid1, Ts: 8, EndTs: 10})
	assert.True(t, late.Gaps.Has(GapProcess))
}

func TestCorrelator_ExitOfReusedPid(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{})

	a := sysflow.OID{Hpid: 42, CreateTS: 1000}
	b := sysflow.OID{Hpid: 42, CreateTS: 2000}

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: a, Exe: "/bin/a"})
	correlate(t, c, &sysflow.ProcessEvent{ProcOID: b, Ts: 3000, Tid: 42, OpFlags: sysflow.OpExit})

	p, ok := c.Process(a)
	require.True(t, ok)
	assert.Equal(t, "/bin/a", p.Exe)
}

func TestCorrelator_ThreadExitKeepsProcess(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{})

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/sh"})
	correlate(t, c, &sysflow.ProcessEvent{ProcOID: pid1, Ts: 3, Tid: pid1.Hpid + 1, OpFlags: sysflow.OpExit})

	_, ok := c.Process(pid1)
	assert.True(t, ok)
}

func TestCorrelator_KeepProcOnExit(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{KeepProcOnExit: true})

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/sh"})
	correlate(t, c, &sysflow.ProcessEvent{ProcOID: pid1, Ts: 9, Tid: pid1.Hpid, OpFlags: sysflow.OpExit})

	late := correlate(t, c, &sysflow.NetworkFlow{ProcOID: pid1, Ts: 8, EndTs: 10})
	assert.True(t, late.Resolved())
	assert.Equal(t, sysflow.StateExited, late.Process.State)

	// retained processes carry into new output units with their exit state
	var procs []*sysflow.Process

	for _, rec := range c.Prelude() {
		if p, ok := rec.Record.(*sysflow.Process); ok {
			procs = append(procs, p)
		}
	}

	require.Len(t, procs, 1)
	assert.Equal(t, pid1, procs[0].OID)
	assert.Equal(t, sysflow.StateExited, procs[0].State)

	// a fresh correlator reading only the new unit still resolves late records
	next, _ := newTestCorrelator(t, Options{KeepProcOnExit: true})
	for _, rec := range c.Prelude() {
		correlate(t, next, rec.Record)
	}

	assert.False(t, correlate(t, next, &sysflow.NetworkFlow{ProcOID: pid1, Ts: 11, EndTs: 12}).Gaps.Has(GapProcess))
}

func TestCorrelator_ExitedWithoutKeepLeavesPrelude(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{})

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/sh"})
	correlate(t, c, &sysflow.ProcessEvent{ProcOID: pid1, Ts: 9, Tid: pid1.Hpid, OpFlags: sysflow.OpExit})

	for _, rec := range c.Prelude() {
		_, isProc := rec.Record.(*sysflow.Process)
		assert.False(t, isProc)
	}
}

func TestCorrelator_ExitedRecordIsNotDuplicate(t *testing.T) {
	c, m := newTestCorrelator(t, Options{})

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/sh"})
	out := correlate(t, c, &sysflow.Process{State: sysflow.StateExited, OID: pid1, Ts: 50, Exe: "/bin/sh"})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.Duplicates))
	require.NotNil(t, out.Process)
	assert.Equal(t, sysflow.StateExited, out.Process.State)
	assert.Equal(t, int64(50), out.Process.Ts)
}

func TestCorrelator_DuplicateCreation(t *testing.T) {
	c, m := newTestCorrelator(t, Options{})

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/old"})
	out := correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/new"})

	assert.Equal(t, "/bin/new", out.Process.Exe)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))

	p, ok := c.Process(pid1)
	require.True(t, ok)
	assert.Equal(t, "/bin/new", p.Exe)
}

func TestCorrelator_FileFlowSidesIndependent(t *testing.T) {
	c, m := newTestCorrelator(t, Options{})
	foid := mustFOID(t, "/var/log/app.log")

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/app"})
	correlate(t, c, &sysflow.File{State: sysflow.StateCreated, OID: foid, Restype: sysflow.RestypeFile, Path: "/var/log/app.log"})

	both := correlate(t, c, &sysflow.FileFlow{ProcOID: pid1, FileOID: foid})
	assert.True(t, both.Resolved())
	assert.Equal(t, "/var/log/app.log", both.File.Path)

	noFile := correlate(t, c, &sysflow.FileFlow{ProcOID: pid1, FileOID: mustFOID(t, "/nope")})
	assert.Equal(t, GapFile, noFile.Gaps)
	assert.NotNil(t, noFile.Process)

	noProc := correlate(t, c, &sysflow.FileFlow{ProcOID: pid2, FileOID: foid})
	assert.Equal(t, GapProcess, noProc.Gaps)
	assert.NotNil(t, noProc.File)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Gaps.WithLabelValues(metrics.SideFile)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Gaps.WithLabelValues(metrics.SideProcess)))
}

func TestCorrelator_FileEventRename(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{})
	from := mustFOID(t, "/tmp/a")
	to := mustFOID(t, "/tmp/b")
	missing := mustFOID(t, "/tmp/c")

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/mv"})
	correlate(t, c, &sysflow.File{State: sysflow.StateCreated, OID: from, Restype: sysflow.RestypeFile, Path: "/tmp/a"})
	correlate(t, c, &sysflow.File{State: sysflow.StateCreated, OID: to, Restype: sysflow.RestypeFile, Path: "/tmp/b"})

	out := correlate(t, c, &sysflow.FileEvent{ProcOID: pid1, OpFlags: sysflow.OpRename, FileOID: from, NewFileOID: &to})
	assert.True(t, out.Resolved())
	assert.Equal(t, "/tmp/b", out.NewFile.Path)

	out = correlate(t, c, &sysflow.FileEvent{ProcOID: pid1, OpFlags: sysflow.OpRename, FileOID: from, NewFileOID: &missing})
	assert.Equal(t, GapNewFile, out.Gaps)
	assert.Equal(t, "/tmp/a", out.File.Path)

	out = correlate(t, c, &sysflow.FileEvent{ProcOID: pid1, OpFlags: sysflow.OpUnlink, FileOID: from})
	assert.True(t, out.Resolved())
	assert.Nil(t, out.NewFile)
}

func TestCorrelator_FileIdentityFailure(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{})

	out, err := c.Correlate(&sysflow.File{State: sysflow.StateCreated, Path: "/etc/hosts"})
	assert.Error(t, err)
	assert.Nil(t, out)
	assert.Empty(t, c.Prelude())
}

func TestCorrelator_UnknownRecord(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{})

	_, err := c.Correlate(bogus{})
	assert.ErrorIs(t, err, ErrUnknownRecord)

	_, err = c.Correlate(nil)
	assert.ErrorIs(t, err, ErrUnknownRecord)
}

func TestCorrelator_OutputDoesNotAliasTables(t *testing.T) {
	c, _ := newTestCorrelator(t, Options{})

	correlate(t, c, &sysflow.Process{State: sysflow.StateCreated, OID: pid1, Exe: "/bin/sh"})

	out := correlate(t, c, &sysflow.NetworkFlow{ProcOID: pid1})
	out.Process.Exe = "/tampered"

	correlate(t, c, &sysflow.Process{State: sysflow.StateModified, OID: pid1, Exe: "/bin/bash"})
	assert.Equal(t, "/tampered", out.Process.Exe)

	p, _ := c.Process(pid1)
	assert.Equal(t, "/bin/bash", p.Exe)
}
