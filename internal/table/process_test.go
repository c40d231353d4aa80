package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihippik/flow-radar/internal/sysflow"
)

func newProc(pid, createTS int64, state sysflow.ObjectState, exe string) *sysflow.Process {
	return &sysflow.Process{
		State: state,
		OID:   sysflow.OID{Hpid: pid, CreateTS: createTS},
		Ts:    createTS,
		Exe:   exe,
	}
}

func TestProcesses_OneEntryPerIdentity(t *testing.T) {
	tbl := NewProcesses()

	for i := int64(1); i <= 100; i++ {
		assert.Equal(t, Inserted, tbl.Upsert(newProc(i, i*10, sysflow.StateCreated, "/bin/sh")))
	}

	assert.Equal(t, 100, tbl.Len())

	for i := int64(1); i <= 100; i++ {
		p, ok := tbl.Lookup(sysflow.OID{Hpid: i, CreateTS: i * 10})
		require.True(t, ok)
		assert.Equal(t, "/bin/sh", p.Exe)
	}
}

func TestProcesses_ModifiedUpdatesInPlace(t *testing.T) {
	tbl := NewProcesses()
	parent := sysflow.OID{Hpid: 1, CreateTS: 1}

	created := newProc(10, 100, sysflow.StateCreated, "/bin/bash")
	created.POID = &parent
	tbl.Upsert(created)

	modified := newProc(10, 100, sysflow.StateModified, "/usr/bin/curl")
	modified.ExeArgs = "-s example.com"
	modified.Ts = 200
	modified.UID = 1000

	assert.Equal(t, Updated, tbl.Upsert(modified))
	assert.Equal(t, 1, tbl.Len())

	p, ok := tbl.Lookup(created.OID)
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/curl", p.Exe)
	assert.Equal(t, "-s example.com", p.ExeArgs)
	assert.Equal(t, int64(200), p.Ts)
	assert.Equal(t, int32(1000), p.UID)
	assert.Equal(t, sysflow.StateModified, p.State)
	require.NotNil(t, p.POID)
	assert.Equal(t, parent, *p.POID)
}

func TestProcesses_ModifiedBeforeCreateIsInserted(t *testing.T) {
	tbl := NewProcesses()

	res := tbl.Upsert(newProc(7, 70, sysflow.StateModified, "/bin/ls"))

	assert.Equal(t, InsertedModified, res)

	p, ok := tbl.Lookup(sysflow.OID{Hpid: 7, CreateTS: 70})
	require.True(t, ok)
	assert.Equal(t, "/bin/ls", p.Exe)
}

func TestProcesses_DuplicateCreateReplaces(t *testing.T) {
	tbl := NewProcesses()

	tbl.Upsert(newProc(5, 50, sysflow.StateCreated, "/bin/old"))
	res := tbl.Upsert(newProc(5, 50, sysflow.StateCreated, "/bin/new"))

	assert.Equal(t, Replaced, res)
	assert.Equal(t, 1, tbl.Len())

	p, ok := tbl.Lookup(sysflow.OID{Hpid: 5, CreateTS: 50})
	require.True(t, ok)
	assert.Equal(t, "/bin/new", p.Exe)
}

func TestProcesses_RetireGuardsPidReuse(t *testing.T) {
	tbl := NewProcesses()
	a := newProc(42, 1000, sysflow.StateCreated, "/bin/a")
	tbl.Upsert(a)

	// same OS pid, different creation time
	b := sysflow.OID{Hpid: 42, CreateTS: 2000}

	assert.False(t, tbl.Retire(b, 42))

	_, ok := tbl.Lookup(a.OID)
	assert.True(t, ok)

	// tid of another thread in the group does not retire the process
	assert.False(t, tbl.Retire(a.OID, 43))
	assert.Equal(t, 1, tbl.Len())

	assert.True(t, tbl.Retire(a.OID, 42))
	assert.Equal(t, 0, tbl.Len())
}

func TestProcesses_MarkExited(t *testing.T) {
	tbl := NewProcesses()
	p := newProc(3, 30, sysflow.StateCreated, "/bin/true")
	tbl.Upsert(p)

	assert.True(t, tbl.MarkExited(p.OID, 3, 99))

	got, ok := tbl.Lookup(p.OID)
	require.True(t, ok)
	assert.Equal(t, sysflow.StateExited, got.State)
	assert.Empty(t, tbl.Snapshot(false))

	retained := tbl.Snapshot(true)
	require.Len(t, retained, 1)
	assert.Equal(t, sysflow.StateExited, retained[0].State)

	// a new CREATED record for a retained exited entry is not a duplicate
	assert.Equal(t, Inserted, tbl.Upsert(newProc(3, 30, sysflow.StateCreated, "/bin/true")))
}

func TestProcesses_ExitedRecordIsTransition(t *testing.T) {
	tbl := NewProcesses()
	p := newProc(5, 50, sysflow.StateCreated, "/bin/sleep")
	tbl.Upsert(p)

	exited := newProc(5, 50, sysflow.StateExited, "/bin/sleep")
	exited.Ts = 500

	assert.Equal(t, Updated, tbl.Upsert(exited))
	assert.Equal(t, 1, tbl.Len())

	got, ok := tbl.Lookup(p.OID)
	require.True(t, ok)
	assert.Equal(t, sysflow.StateExited, got.State)
	assert.Equal(t, int64(500), got.Ts)
	assert.Equal(t, "/bin/sleep", got.Exe)
}

func TestProcesses_LookupReturnsCopy(t *testing.T) {
	tbl := NewProcesses()
	p := newProc(1, 1, sysflow.StateCreated, "/bin/sh")
	tbl.Upsert(p)

	p.Exe = "/bin/changed"

	got, _ := tbl.Lookup(p.OID)
	got.Exe = "/bin/other"

	again, _ := tbl.Lookup(p.OID)
	assert.Equal(t, "/bin/sh", again.Exe)
}

func TestProcesses_SnapshotOrdered(t *testing.T) {
	tbl := NewProcesses()
	tbl.Upsert(newProc(2, 20, sysflow.StateCreated, "b"))
	tbl.Upsert(newProc(1, 10, sysflow.StateCreated, "a"))
	tbl.Upsert(newProc(3, 10, sysflow.StateCreated, "c"))

	snap := tbl.Snapshot(false)
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].Exe)
	assert.Equal(t, "c", snap[1].Exe)
	assert.Equal(t, "b", snap[2].Exe)
}
