package sink

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ihippik/flow-radar/internal/engine"
	"github.com/ihippik/flow-radar/internal/sysflow"
)

const timeLayout = "01/02/06 15:04:05 MST"

// Printer renders correlated records as text, one line per record.
type Printer struct {
	w     *bufio.Writer
	quiet bool
	count int
}

// NewPrinter creates a text sink. Quiet suppresses process and container
// lines.
func NewPrinter(w io.Writer, quiet bool) *Printer {
	return &Printer{w: bufio.NewWriter(w), quiet: quiet}
}

func (p *Printer) Write(c *engine.Correlated) error {
	p.count++

	var line string

	switch r := c.Record.(type) {
	case *sysflow.Header:
		line = fmt.Sprintf("Version: %d Exporter: %s IP: %s", r.Version, r.Exporter, r.IP)
	case *sysflow.Container:
		if p.quiet {
			return nil
		}

		line = fmt.Sprintf("CONT Name: %s ID: %s Image: %s Image ID: %s Type: %s Privileged: %t",
			r.Name, r.ID, r.Image, r.ImageID, r.Kind, r.Privileged)
	case *sysflow.Process:
		if p.quiet {
			return nil
		}

		line = processLine(r)
	case *sysflow.File:
		line = fmt.Sprintf("FILE: %s %d %s %s", r.Path, r.Ts, r.State, r.Restype)
	case *sysflow.ProcessEvent:
		line = processEventLine(c, r)
	case *sysflow.NetworkFlow:
		line = networkFlowLine(c, r)
	case *sysflow.FileFlow:
		line = fileFlowLine(c, r)
	case *sysflow.FileEvent:
		line = fileEventLine(c, r)
	default:
		line = fmt.Sprintf("UNKNOWN %s", c.Record.Type())
	}

	if _, err := p.w.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("print: %w", err)
	}

	return nil
}

// Close writes the record count and flushes.
func (p *Printer) Close() error {
	if _, err := fmt.Fprintf(p.w, "Number of records: %d\n", p.count); err != nil {
		return fmt.Errorf("print: %w", err)
	}

	return p.w.Flush()
}

func processLine(r *sysflow.Process) string {
	var b strings.Builder

	fmt.Fprintf(&b, "PROC %s %d %s %s %s %s TTY: %t",
		r.OID, r.Ts, r.State, r.Exe, r.ExeArgs, r.UserName, r.TTY)

	if r.POID != nil {
		fmt.Fprintf(&b, " Parent: %s", r.POID)
	}

	if r.ContainerID != nil {
		fmt.Fprintf(&b, " Container ID: %s", *r.ContainerID)
	}

	return b.String()
}

// owner renders the process prefix of event and flow lines.
func owner(c *engine.Correlated, kind string, oid sysflow.OID, ts int64) string {
	if c.Gaps.Has(engine.GapProcess) {
		return fmt.Sprintf("%s %s OID: %s [unresolved process]", kind, stamp(ts), oid)
	}

	container := ""
	if c.Process.ContainerID != nil {
		container = *c.Process.ContainerID
	}

	if c.Container != nil {
		container = c.Container.Name
	}

	return fmt.Sprintf("%s %s %d %s %s", kind, c.Process.Exe, c.Process.OID.Hpid, container, stamp(ts))
}

func processEventLine(c *engine.Correlated, r *sysflow.ProcessEvent) string {
	line := fmt.Sprintf("%s TID: %d %s %d", owner(c, "PROC_EVT", r.ProcOID, r.Ts), r.Tid, r.OpFlags, r.Ret)

	if c.Process != nil {
		line += " " + c.Process.ExeArgs
	}

	if len(r.Args) > 0 {
		line += " " + r.Args[len(r.Args)-1]
	}

	return line
}

func networkFlowLine(c *engine.Correlated, r *sysflow.NetworkFlow) string {
	return fmt.Sprintf("%s %s %s TID: %d SIP: %s DIP: %s SPORT: %d DPORT: %d PROTO: %d WBytes: %s RBytes: %s WOps: %d ROps: %d",
		owner(c, "NETFLOW", r.ProcOID, r.Ts), stamp(r.EndTs), r.OpFlags.Letters(), r.Tid,
		sysflow.IPv4(r.SIP), sysflow.IPv4(r.DIP), r.SPort, r.DPort, r.Proto,
		humanize.Bytes(uint64(r.NumWSendBytes)), humanize.Bytes(uint64(r.NumRRecvBytes)),
		r.NumWSendOps, r.NumRRecvOps)
}

func fileFlowLine(c *engine.Correlated, r *sysflow.FileFlow) string {
	return fmt.Sprintf("%s %s %s %s FD: %d TID: %d Open Flags: %d WBytes: %s RBytes: %s WOps: %d ROps: %d",
		owner(c, "FILEFLOW", r.ProcOID, r.Ts), stamp(r.EndTs), r.OpFlags.Letters(),
		fileRef(c.File, c.Gaps.Has(engine.GapFile), r.FileOID), r.FD, r.Tid, r.OpenFlags,
		humanize.Bytes(uint64(r.NumWSendBytes)), humanize.Bytes(uint64(r.NumRRecvBytes)),
		r.NumWSendOps, r.NumRRecvOps)
}

func fileEventLine(c *engine.Correlated, r *sysflow.FileEvent) string {
	line := fmt.Sprintf("%s %s %s TID: %d %d",
		owner(c, "FILE_EVT", r.ProcOID, r.Ts), r.OpFlags,
		fileRef(c.File, c.Gaps.Has(engine.GapFile), r.FileOID), r.Tid, r.Ret)

	if r.NewFileOID != nil {
		line += " NEW " + fileRef(c.NewFile, c.Gaps.Has(engine.GapNewFile), *r.NewFileOID)
	}

	return line
}

func fileRef(f *sysflow.File, gap bool, foid sysflow.FOID) string {
	if gap || f == nil {
		return fmt.Sprintf("FOID: %s [unresolved file]", foid)
	}

	return fmt.Sprintf("Resource: %s PATH: %s", f.Restype, f.Path)
}

func stamp(ts int64) string {
	return time.Unix(0, ts).Format(timeLayout)
}
