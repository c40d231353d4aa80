package collector

import (
	"net/netip"

	"github.com/ihippik/flow-radar/internal/sysflow"
)

// Kind is the syscall class of a raw capture event.
type Kind uint32

const (
	KindClone Kind = iota + 1
	KindExec
	KindExit
	KindSetUID
	KindOpen
	KindAccept
	KindConnect
	KindRead
	KindWrite
	KindClose
	KindTruncate
	KindSetNS
	KindMkdir
	KindRmdir
	KindLink
	KindSymlink
	KindUnlink
	KindRename
)

var kindNames = map[Kind]string{
	KindClone:    "clone",
	KindExec:     "exec",
	KindExit:     "exit",
	KindSetUID:   "setuid",
	KindOpen:     "open",
	KindAccept:   "accept",
	KindConnect:  "connect",
	KindRead:     "read",
	KindWrite:    "write",
	KindClose:    "close",
	KindTruncate: "truncate",
	KindSetNS:    "setns",
	KindMkdir:    "mkdir",
	KindRmdir:    "rmdir",
	KindLink:     "link",
	KindSymlink:  "symlink",
	KindUnlink:   "unlink",
	KindRename:   "rename",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "unknown"
}

// Event is one raw syscall observation with its process and descriptor
// context. Timestamps are nanoseconds since the epoch.
type Event struct {
	Kind Kind
	Ts   int64

	Pid       int64
	Tid       int64
	ProcStart int64
	PPid      int64
	PStart    int64
	UID       int32
	GID       int32
	TTY       bool
	// Exe is the executable path, Args the space separated arguments.
	Exe         string
	Args        string
	ContainerID string

	Ret       int64
	FD        int32
	OpenFlags int32
	Restype   sysflow.Restype
	Path      string
	// NewPath is the target of link, symlink and rename.
	NewPath string

	SIP   netip.Addr
	DIP   netip.Addr
	SPort uint16
	DPort uint16
	Proto uint8
}

func (e *Event) proc() sysflow.OID {
	return sysflow.OID{Hpid: e.Pid, CreateTS: e.ProcStart}
}

func (e *Event) isNetwork() bool {
	return e.SIP.IsValid() || e.DIP.IsValid() ||
		e.Restype == sysflow.RestypeIPv4 || e.Restype == sysflow.RestypeIPv6
}
