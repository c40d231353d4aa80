package sysflow

import "fmt"

// Version of the record schema written into headers.
const Version int64 = 4

type RecordType int

// TypeUnknown is reported for union branches without a Go type.
const TypeUnknown RecordType = -1

const (
	TypeHeader RecordType = iota
	TypeContainer
	TypeProcess
	TypeFile
	TypeProcessEvent
	TypeNetworkFlow
	TypeFileFlow
	TypeFileEvent
)

var recordTypeNames = [...]string{
	TypeHeader:       "header",
	TypeContainer:    "container",
	TypeProcess:      "process",
	TypeFile:         "file",
	TypeProcessEvent: "process_event",
	TypeNetworkFlow:  "network_flow",
	TypeFileFlow:     "file_flow",
	TypeFileEvent:    "file_event",
}

func (t RecordType) String() string {
	if t < 0 || int(t) >= len(recordTypeNames) {
		return fmt.Sprintf("unknown(%d)", int(t))
	}

	return recordTypeNames[t]
}

// Record is one element of the SysFlow stream. The concrete types are
// *Header, *Container, *Process, *File, *ProcessEvent, *NetworkFlow,
// *FileFlow and *FileEvent.
type Record interface {
	Type() RecordType
}

type ObjectState string

const (
	StateCreated  ObjectState = "CREATED"
	StateModified ObjectState = "MODIFIED"
	StateReup     ObjectState = "REUP"
	StateExited   ObjectState = "EXITED"
)

type ContainerType string

const (
	ContainerDocker     ContainerType = "CT_DOCKER"
	ContainerLXC        ContainerType = "CT_LXC"
	ContainerLibvirtLXC ContainerType = "CT_LIBVIRT_LXC"
	ContainerMesos      ContainerType = "CT_MESOS"
	ContainerRkt        ContainerType = "CT_RKT"
	ContainerCustom     ContainerType = "CT_CUSTOM"
	ContainerCRI        ContainerType = "CT_CRI"
	ContainerContainerd ContainerType = "CT_CONTAINERD"
	ContainerCRIO       ContainerType = "CT_CRIO"
	ContainerBPM        ContainerType = "CT_BPM"
)

// Restype is the resource type of a file object, using the capture
// source's fd type characters.
type Restype int32

const (
	RestypeFile      Restype = 'f'
	RestypeDir       Restype = 'd'
	RestypeIPv4      Restype = '4'
	RestypeIPv6      Restype = '6'
	RestypeUnix      Restype = 'u'
	RestypePipe      Restype = 'p'
	RestypeEvent     Restype = 'e'
	RestypeSignalFD  Restype = 's'
	RestypeEventPoll Restype = 'l'
	RestypeInotify   Restype = 'i'
	RestypeTimerFD   Restype = 't'
)

func (r Restype) String() string {
	return string(rune(r))
}

type Header struct {
	Version  int64  `avro:"version"`
	Exporter string `avro:"exporter"`
	IP       string `avro:"ip"`
}

func (*Header) Type() RecordType { return TypeHeader }

type Container struct {
	ID         string        `avro:"id"`
	Name       string        `avro:"name"`
	Image      string        `avro:"image"`
	ImageID    string        `avro:"imageid"`
	Kind       ContainerType `avro:"type"`
	Privileged bool          `avro:"privileged"`
}

func (*Container) Type() RecordType { return TypeContainer }

func (c *Container) Clone() *Container {
	cp := *c
	return &cp
}

type Process struct {
	State       ObjectState `avro:"state"`
	OID         OID         `avro:"oid"`
	POID        *OID        `avro:"poid"`
	Ts          int64       `avro:"ts"`
	Exe         string      `avro:"exe"`
	ExeArgs     string      `avro:"exeArgs"`
	UID         int32       `avro:"uid"`
	UserName    string      `avro:"userName"`
	GID         int32       `avro:"gid"`
	GroupName   string      `avro:"groupName"`
	TTY         bool        `avro:"tty"`
	ContainerID *string     `avro:"containerId"`
}

func (*Process) Type() RecordType { return TypeProcess }

// Clone returns a deep copy, optional fields included.
func (p *Process) Clone() *Process {
	cp := *p

	if p.POID != nil {
		poid := *p.POID
		cp.POID = &poid
	}

	if p.ContainerID != nil {
		id := *p.ContainerID
		cp.ContainerID = &id
	}

	return &cp
}

type File struct {
	State       ObjectState `avro:"state"`
	OID         FOID        `avro:"oid"`
	Ts          int64       `avro:"ts"`
	Restype     Restype     `avro:"restype"`
	Path        string      `avro:"path"`
	ContainerID *string     `avro:"containerId"`
}

func (*File) Type() RecordType { return TypeFile }

func (f *File) Clone() *File {
	cp := *f

	if f.ContainerID != nil {
		id := *f.ContainerID
		cp.ContainerID = &id
	}

	return &cp
}

type ProcessEvent struct {
	ProcOID OID      `avro:"procOID"`
	Ts      int64    `avro:"ts"`
	Tid     int64    `avro:"tid"`
	OpFlags OpFlags  `avro:"opFlags"`
	Args    []string `avro:"args"`
	Ret     int32    `avro:"ret"`
}

func (*ProcessEvent) Type() RecordType { return TypeProcessEvent }

type NetworkFlow struct {
	ProcOID       OID     `avro:"procOID"`
	Ts            int64   `avro:"ts"`
	Tid           int64   `avro:"tid"`
	OpFlags       OpFlags `avro:"opFlags"`
	EndTs         int64   `avro:"endTs"`
	SIP           int32   `avro:"sip"`
	SPort         int32   `avro:"sport"`
	DIP           int32   `avro:"dip"`
	DPort         int32   `avro:"dport"`
	Proto         int32   `avro:"proto"`
	FD            int32   `avro:"fd"`
	NumRRecvOps   int64   `avro:"numRRecvOps"`
	NumWSendOps   int64   `avro:"numWSendOps"`
	NumRRecvBytes int64   `avro:"numRRecvBytes"`
	NumWSendBytes int64   `avro:"numWSendBytes"`
}

func (*NetworkFlow) Type() RecordType { return TypeNetworkFlow }

type FileFlow struct {
	ProcOID       OID     `avro:"procOID"`
	Ts            int64   `avro:"ts"`
	Tid           int64   `avro:"tid"`
	OpFlags       OpFlags `avro:"opFlags"`
	OpenFlags     int32   `avro:"openFlags"`
	EndTs         int64   `avro:"endTs"`
	FileOID       FOID    `avro:"fileOID"`
	FD            int32   `avro:"fd"`
	NumRRecvOps   int64   `avro:"numRRecvOps"`
	NumWSendOps   int64   `avro:"numWSendOps"`
	NumRRecvBytes int64   `avro:"numRRecvBytes"`
	NumWSendBytes int64   `avro:"numWSendBytes"`
}

func (*FileFlow) Type() RecordType { return TypeFileFlow }

type FileEvent struct {
	ProcOID    OID     `avro:"procOID"`
	Ts         int64   `avro:"ts"`
	Tid        int64   `avro:"tid"`
	OpFlags    OpFlags `avro:"opFlags"`
	FileOID    FOID    `avro:"fileOID"`
	Ret        int32   `avro:"ret"`
	NewFileOID *FOID   `avro:"newFileOID"`
}

func (*FileEvent) Type() RecordType { return TypeFileEvent }
