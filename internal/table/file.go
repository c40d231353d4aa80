package table

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ihippik/flow-radar/internal/sysflow"
)

var ErrZeroFOID = errors.New("zero file identity")

// DefaultFileCapacity bounds the file table when no size is configured.
const DefaultFileCapacity = 1 << 18

// Files is the create-once file table. It is bounded by an LRU: the least
// recently resolved file is evicted first. Not safe for concurrent use.
type Files struct {
	lru *simplelru.LRU[sysflow.FOID, *sysflow.File]
}

// NewFiles creates a table of the given capacity. onEvict may be nil.
func NewFiles(capacity int, onEvict func(*sysflow.File)) (*Files, error) {
	if capacity <= 0 {
		capacity = DefaultFileCapacity
	}

	var cb simplelru.EvictCallback[sysflow.FOID, *sysflow.File]
	if onEvict != nil {
		cb = func(_ sysflow.FOID, f *sysflow.File) { onEvict(f) }
	}

	lru, err := simplelru.NewLRU[sysflow.FOID, *sysflow.File](capacity, cb)
	if err != nil {
		return nil, fmt.Errorf("new lru: %w", err)
	}

	return &Files{lru: lru}, nil
}

// Upsert inserts on first sight. Later CREATED or REUP records return the
// existing entry untouched; MODIFIED and EXITED update state and time only.
func (t *Files) Upsert(f *sysflow.File) (UpsertResult, error) {
	if f.OID.IsZero() {
		return Existing, ErrZeroFOID
	}

	cur, ok := t.lru.Get(f.OID)
	if !ok {
		t.lru.Add(f.OID, f.Clone())
		return Inserted, nil
	}

	switch f.State {
	case sysflow.StateModified, sysflow.StateExited:
		cur.State = f.State
		cur.Ts = f.Ts

		return Updated, nil
	default:
		return Existing, nil
	}
}

// Lookup returns a copy of the entry and refreshes its recency.
func (t *Files) Lookup(foid sysflow.FOID) (*sysflow.File, bool) {
	f, ok := t.lru.Get(foid)
	if !ok {
		return nil, false
	}

	return f.Clone(), true
}

// Contains reports whether foid is held without refreshing its recency.
func (t *Files) Contains(foid sysflow.FOID) bool {
	return t.lru.Contains(foid)
}

func (t *Files) Len() int {
	return t.lru.Len()
}

// Snapshot returns copies of all entries ordered by identity.
func (t *Files) Snapshot() []*sysflow.File {
	keys := t.lru.Keys()
	out := make([]*sysflow.File, 0, len(keys))

	for _, k := range keys {
		if f, ok := t.lru.Peek(k); ok {
			out = append(out, f.Clone())
		}
	}

	slices.SortFunc(out, func(a, b *sysflow.File) int {
		return bytes.Compare(a.OID[:], b.OID[:])
	})

	return out
}
