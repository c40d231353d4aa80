package capture

import (
	"bytes"
	"net/netip"
	"path"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ihippik/flow-radar/internal/collector"
	"github.com/ihippik/flow-radar/internal/sysflow"
)

// coreEvent mirrors the packed struct the probe writes into the perf ring.
type coreEvent struct {
	Kind      uint32
	Pid       uint32
	Tid       uint32
	Ppid      uint32
	Uid       uint32
	Gid       uint32
	Ts        uint64
	StartTs   uint64
	PStartTs  uint64
	Ret       int64
	Fd        int32
	Flags     int32
	Family    uint16
	Proto     uint16
	Sport     uint16
	Dport     uint16
	Saddr     [16]byte
	Daddr     [16]byte
	TTY       uint32
	Comm      [16]byte
	Filename  [256]byte
	Filename2 [256]byte
	Cgroup    [128]byte
}

func cstring(b []byte) string {
	return string(bytes.Trim(b, "\x00"))
}

// toEvent converts kernel monotonic times using the boot time offset.
func (e *coreEvent) toEvent(bootNs int64) *collector.Event {
	ev := &collector.Event{
		Kind:        collector.Kind(e.Kind),
		Ts:          bootNs + int64(e.Ts),
		Pid:         int64(e.Pid),
		Tid:         int64(e.Tid),
		ProcStart:   bootNs + int64(e.StartTs),
		PPid:        int64(e.Ppid),
		UID:         int32(e.Uid),
		GID:         int32(e.Gid),
		TTY:         e.TTY != 0,
		Exe:         cstring(e.Comm[:]),
		ContainerID: containerID(cstring(e.Cgroup[:])),
		Ret:         e.Ret,
		FD:          e.Fd,
		OpenFlags:   e.Flags,
		Path:        cstring(e.Filename[:]),
		NewPath:     cstring(e.Filename2[:]),
		SPort:       e.Sport,
		DPort:       e.Dport,
		Proto:       uint8(e.Proto),
	}

	if e.Ppid != 0 {
		ev.PStart = bootNs + int64(e.PStartTs)
	}

	switch e.Family {
	case unix.AF_INET:
		ev.Restype = sysflow.RestypeIPv4
		ev.SIP = netip.AddrFrom4([4]byte(e.Saddr[:4]))
		ev.DIP = netip.AddrFrom4([4]byte(e.Daddr[:4]))
	case unix.AF_INET6:
		ev.Restype = sysflow.RestypeIPv6
		ev.SIP = netip.AddrFrom16(e.Saddr)
		ev.DIP = netip.AddrFrom16(e.Daddr)
	case unix.AF_UNIX:
		ev.Restype = sysflow.RestypeUnix
	}

	// exec carries the binary in filename and the arguments in filename2
	if ev.Kind == collector.KindExec {
		ev.Exe = ev.Path
		ev.Args = ev.NewPath
		ev.Path, ev.NewPath = "", ""
	}

	return ev
}

// containerID extracts the runtime id from a cgroup path such as
// /kubepods/.../cri-containerd-<id>.scope or /docker/<id>.
func containerID(cgroup string) string {
	if cgroup == "" {
		return ""
	}

	id := path.Base(cgroup)
	id = strings.TrimSuffix(id, ".scope")

	if i := strings.LastIndexAny(id, "-:"); i >= 0 {
		id = id[i+1:]
	}

	if len(id) != 64 {
		return ""
	}

	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return ""
		}
	}

	return id
}
