package table

import (
	"cmp"
	"slices"

	"github.com/ihippik/flow-radar/internal/sysflow"
)

type UpsertResult int

const (
	// Inserted means the identity was not in the table.
	Inserted UpsertResult = iota
	// InsertedModified means a MODIFIED or REUP record arrived for an
	// identity never created; it is inserted as new.
	InsertedModified
	// Updated means mutable fields of a live entry were updated in place.
	Updated
	// Replaced means a CREATED record arrived for a live identity. The stale
	// entry was replaced.
	Replaced
	// Existing means the entry was already known and left untouched.
	Existing
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case InsertedModified:
		return "inserted_modified"
	case Updated:
		return "updated"
	case Replaced:
		return "replaced"
	case Existing:
		return "existing"
	default:
		return "unknown"
	}
}

// Processes holds at most one live entry per process identity.
// It is not safe for concurrent use.
type Processes struct {
	entries map[sysflow.OID]*sysflow.Process
}

func NewProcesses() *Processes {
	return &Processes{entries: make(map[sysflow.OID]*sysflow.Process)}
}

func (t *Processes) Upsert(p *sysflow.Process) UpsertResult {
	cur, ok := t.entries[p.OID]

	switch {
	case !ok:
		t.entries[p.OID] = p.Clone()

		if p.State == sysflow.StateModified || p.State == sysflow.StateReup {
			return InsertedModified
		}

		return Inserted
	case p.State == sysflow.StateExited:
		cur.State = p.State
		cur.Ts = p.Ts

		return Updated
	case cur.State == sysflow.StateExited:
		// retained after exit, not live anymore
		t.entries[p.OID] = p.Clone()

		return Inserted
	case p.State == sysflow.StateModified || p.State == sysflow.StateReup:
		update(cur, p)

		return Updated
	default:
		t.entries[p.OID] = p.Clone()

		return Replaced
	}
}

// update copies the mutable fields. Identity and lineage stay.
func update(cur, p *sysflow.Process) {
	next := p.Clone()

	cur.State = next.State
	cur.Ts = next.Ts
	cur.Exe = next.Exe
	cur.ExeArgs = next.ExeArgs
	cur.UID = next.UID
	cur.UserName = next.UserName
	cur.GID = next.GID
	cur.GroupName = next.GroupName
	cur.TTY = next.TTY
	cur.ContainerID = next.ContainerID

	if cur.POID == nil {
		cur.POID = next.POID
	}
}

// Lookup returns a copy of the entry.
func (t *Processes) Lookup(oid sysflow.OID) (*sysflow.Process, bool) {
	p, ok := t.entries[oid]
	if !ok {
		return nil, false
	}

	return p.Clone(), true
}

// Retire removes the entry when its pid matches the exiting thread id.
func (t *Processes) Retire(oid sysflow.OID, tid int64) bool {
	p, ok := t.entries[oid]
	if !ok || p.OID.Hpid != tid {
		return false
	}

	delete(t.entries, oid)

	return true
}

// MarkExited keeps the entry for late records but flags it as no longer live.
func (t *Processes) MarkExited(oid sysflow.OID, tid, ts int64) bool {
	p, ok := t.entries[oid]
	if !ok || p.OID.Hpid != tid {
		return false
	}

	p.State = sysflow.StateExited
	p.Ts = ts

	return true
}

func (t *Processes) Len() int {
	return len(t.entries)
}

// Snapshot returns copies of the entries ordered by identity. Exited
// entries retained after exit are included only when withExited is set.
func (t *Processes) Snapshot(withExited bool) []*sysflow.Process {
	out := make([]*sysflow.Process, 0, len(t.entries))

	for _, p := range t.entries {
		if p.State == sysflow.StateExited && !withExited {
			continue
		}

		out = append(out, p.Clone())
	}

	slices.SortFunc(out, func(a, b *sysflow.Process) int {
		if c := cmp.Compare(a.OID.CreateTS, b.OID.CreateTS); c != 0 {
			return c
		}

		return cmp.Compare(a.OID.Hpid, b.OID.Hpid)
	})

	return out
}
