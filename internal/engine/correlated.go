package engine

import "github.com/ihippik/flow-radar/internal/sysflow"

// Gap marks the references of a record that could not be resolved.
type Gap uint8

const (
	GapProcess Gap = 1 << iota
	GapFile
	GapNewFile
)

func (g Gap) Has(side Gap) bool {
	return g&side != 0
}

// Correlated is a record joined with the objects it refers to. The joined
// objects are copies taken at emission time, nil when unresolved or not
// applicable.
type Correlated struct {
	Record    sysflow.Record
	Process   *sysflow.Process
	File      *sysflow.File
	NewFile   *sysflow.File
	Container *sysflow.Container
	Gaps      Gap
}

func (c *Correlated) Resolved() bool {
	return c.Gaps == 0
}
