package sysflow

import "strings"

// OpFlags is a bitmask of the operations observed on a process, file or
// flow. Process events, file events and flows share the same bit space.
type OpFlags int32

const (
	OpClone OpFlags = 1 << iota
	OpExec
	OpExit
	OpSetUID
	OpSetNS
	OpAccept
	OpConnect
	OpOpen
	OpReadRecv
	OpWriteSend
	OpClose
	OpTruncate
	OpShutdown
	OpMmap
	OpDigest
	OpMkdir
	OpRmdir
	OpLink
	OpUnlink
	OpSymlink
	OpRename
)

var opNames = []struct {
	op   OpFlags
	name string
}{
	{OpClone, "CLONE"},
	{OpExec, "EXEC"},
	{OpExit, "EXIT"},
	{OpSetUID, "SETUID"},
	{OpSetNS, "SETNS"},
	{OpAccept, "ACCEPT"},
	{OpConnect, "CONNECT"},
	{OpOpen, "OPEN"},
	{OpReadRecv, "READ"},
	{OpWriteSend, "WRITE"},
	{OpClose, "CLOSE"},
	{OpTruncate, "TRUNCATE"},
	{OpShutdown, "SHUTDOWN"},
	{OpMmap, "MMAP"},
	{OpDigest, "DIGEST"},
	{OpMkdir, "MKDIR"},
	{OpRmdir, "RMDIR"},
	{OpLink, "LINK"},
	{OpUnlink, "UNLINK"},
	{OpSymlink, "SYMLINK"},
	{OpRename, "RENAME"},
}

func (f OpFlags) Has(op OpFlags) bool {
	return f&op == op
}

func (f OpFlags) String() string {
	if f == 0 {
		return "NONE"
	}

	names := make([]string, 0, 4)

	for _, n := range opNames {
		if f&n.op != 0 {
			names = append(names, n.name)
		}
	}

	return strings.Join(names, "|")
}

// Letters renders the flow flags in the fixed-width column format of the
// text output, one letter or a blank per flag.
func (f OpFlags) Letters() string {
	letters := []struct {
		op OpFlags
		c  byte
	}{
		{OpOpen, 'O'},
		{OpAccept, 'A'},
		{OpConnect, 'C'},
		{OpWriteSend, 'W'},
		{OpReadRecv, 'R'},
		{OpSetNS, 'N'},
		{OpClose, 'C'},
		{OpTruncate, 'T'},
		{OpDigest, 'D'},
	}

	b := make([]byte, len(letters))

	for i, l := range letters {
		b[i] = ' '
		if f&l.op != 0 {
			b[i] = l.c
		}
	}

	return string(b)
}
