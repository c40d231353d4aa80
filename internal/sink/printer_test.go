package sink

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihippik/flow-radar/internal/engine"
	"github.com/ihippik/flow-radar/internal/sysflow"
)

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer

	p := NewPrinter(&buf, false)
	proc := &sysflow.Process{State: sysflow.StateCreated, OID: sysflow.OID{Hpid: 7, CreateTS: 70}, Exe: "/usr/bin/curl", ExeArgs: "-s x"}
	file := &sysflow.File{State: sysflow.StateCreated, Restype: sysflow.RestypeFile, Path: "/etc/hosts"}

	lines := []*engine.Correlated{
		{Record: &sysflow.Header{Version: 4, Exporter: "node-1"}},
		{Record: proc, Process: proc},
		{
			Record: &sysflow.NetworkFlow{
				ProcOID: proc.OID, OpFlags: sysflow.OpConnect | sysflow.OpWriteSend,
				SIP: 16777343, DIP: 16777343, DPort: 443, Proto: 6, NumWSendBytes: 2048, NumWSendOps: 2,
			},
			Process: proc,
		},
		{
			Record:  &sysflow.FileFlow{ProcOID: proc.OID, FD: 3, OpFlags: sysflow.OpOpen | sysflow.OpReadRecv},
			Process: proc,
			File:    file,
		},
		{
			Record: &sysflow.ProcessEvent{ProcOID: sysflow.OID{Hpid: 9, CreateTS: 90}, Tid: 9, OpFlags: sysflow.OpExit},
			Gaps:   engine.GapProcess,
		},
		{
			Record:  &sysflow.FileEvent{ProcOID: proc.OID, OpFlags: sysflow.OpRename, NewFileOID: &sysflow.FOID{1}},
			Process: proc,
			File:    file,
			Gaps:    engine.GapNewFile,
		},
	}

	for _, c := range lines {
		require.NoError(t, p.Write(c))
	}

	require.NoError(t, p.Close())

	out := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, out, 7)

	assert.Equal(t, "Version: 4 Exporter: node-1 IP: ", out[0])
	assert.True(t, strings.HasPrefix(out[1], "PROC 7:70"))
	assert.Contains(t, out[2], "NETFLOW /usr/bin/curl 7")
	assert.Contains(t, out[2], "DIP: 127.0.0.1")
	assert.Contains(t, out[2], "WBytes: 2.0 kB")
	assert.Contains(t, out[3], "PATH: /etc/hosts")
	assert.Contains(t, out[4], "[unresolved process]")
	assert.Contains(t, out[4], "EXIT")
	assert.Contains(t, out[5], "NEW FOID: ")
	assert.Contains(t, out[5], "[unresolved file]")
	assert.Equal(t, "Number of records: 6", out[6])
}

func TestPrinter_Quiet(t *testing.T) {
	var buf bytes.Buffer

	p := NewPrinter(&buf, true)

	require.NoError(t, p.Write(&engine.Correlated{Record: &sysflow.Container{ID: "c"}}))
	require.NoError(t, p.Write(&engine.Correlated{Record: &sysflow.Process{}}))
	require.NoError(t, p.Close())

	assert.Equal(t, "Number of records: 2\n", buf.String())
}
