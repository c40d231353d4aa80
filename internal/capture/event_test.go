package capture

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ihippik/flow-radar/internal/collector"
	"github.com/ihippik/flow-radar/internal/sysflow"
)

const dockerID = "4f66ad9a0b2e71cd3f2ba18d4a1e6a7f90d1c4d0c8fdc5a1f2b3c4d5e6f7a8b9"

func TestContainerID(t *testing.T) {
	tests := []struct {
		name   string
		cgroup string
		want   string
	}{
		{name: "host", cgroup: "/user.slice/user-1000.slice/session-2.scope", want: ""},
		{name: "empty", cgroup: "", want: ""},
		{name: "docker", cgroup: "/docker/" + dockerID, want: dockerID},
		{name: "systemd scope", cgroup: "/system.slice/docker-" + dockerID + ".scope", want: dockerID},
		{name: "containerd", cgroup: "/kubepods/besteffort/pod1/cri-containerd:" + dockerID, want: dockerID},
		{name: "not hex", cgroup: "/docker/" + dockerID[:63] + "z", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, containerID(tt.cgroup))
		})
	}
}

func TestCoreEvent_toEvent(t *testing.T) {
	const boot = int64(1_000_000_000_000)

	t.Run("connect", func(t *testing.T) {
		e := coreEvent{
			Kind:     uint32(collector.KindConnect),
			Pid:      42,
			Tid:      43,
			Ppid:     1,
			Ts:       500,
			StartTs:  100,
			PStartTs: 10,
			Fd:       3,
			Family:   unix.AF_INET,
			Proto:    6,
			Sport:    40000,
			Dport:    443,
		}
		copy(e.Saddr[:], []byte{10, 0, 0, 1})
		copy(e.Daddr[:], []byte{10, 0, 0, 2})
		copy(e.Comm[:], "curl")

		ev := e.toEvent(boot)
		require.NotNil(t, ev)
		assert.Equal(t, collector.KindConnect, ev.Kind)
		assert.Equal(t, boot+500, ev.Ts)
		assert.Equal(t, boot+100, ev.ProcStart)
		assert.Equal(t, boot+10, ev.PStart)
		assert.Equal(t, int64(43), ev.Tid)
		assert.Equal(t, sysflow.RestypeIPv4, ev.Restype)
		assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ev.SIP)
		assert.Equal(t, netip.MustParseAddr("10.0.0.2"), ev.DIP)
		assert.Equal(t, uint16(443), ev.DPort)
		assert.Equal(t, uint8(6), ev.Proto)
		assert.Equal(t, "curl", ev.Exe)
	})

	t.Run("exec", func(t *testing.T) {
		e := coreEvent{Kind: uint32(collector.KindExec), Pid: 7, Tid: 7}
		copy(e.Comm[:], "sh")
		copy(e.Filename[:], "/usr/bin/ls")
		copy(e.Filename2[:], "-la /tmp")
		copy(e.Cgroup[:], "/docker/"+dockerID)

		ev := e.toEvent(boot)
		assert.Equal(t, "/usr/bin/ls", ev.Exe)
		assert.Equal(t, "-la /tmp", ev.Args)
		assert.Empty(t, ev.Path)
		assert.Empty(t, ev.NewPath)
		assert.Equal(t, dockerID, ev.ContainerID)
		assert.Zero(t, ev.PStart)
	})

	t.Run("open", func(t *testing.T) {
		e := coreEvent{Kind: uint32(collector.KindOpen), Pid: 7, Tid: 7, Fd: 4, Flags: unix.O_RDONLY}
		copy(e.Filename[:], "/etc/passwd")

		ev := e.toEvent(boot)
		assert.Equal(t, "/etc/passwd", ev.Path)
		assert.Equal(t, int32(4), ev.FD)
		assert.False(t, ev.SIP.IsValid())
	})
}
