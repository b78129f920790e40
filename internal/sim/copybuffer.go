package sim

import (
	"nck/internal/geom"
	"nck/internal/units"
)

// CopiedUnit is one unit's type and pick-frame offset, as held in a
// CopyBuffer.
type CopiedUnit struct {
	UnitTypeID        int32
	PositionOffset    geom.Vector
	OrientationOffset geom.Quaternion
}

// CopiedBond is a bond between two CopyBuffer-local unit indices.
type CopiedBond struct {
	Source, Dest units.Bond
}

// CopyBuffer holds a detached snapshot of units plus the internal bond
// subgraph for later paste, directly grounded on the original
// Simulation.h's copiedUnits/copiedBonds fields. Replaced atomically by a
// successful Copy.
type CopyBuffer struct {
	Units []CopiedUnit
	Bonds []CopiedBond
}

// NewCopyBuffer returns an empty buffer.
func NewCopyBuffer() *CopyBuffer {
	return &CopyBuffer{}
}

// InternalBondCount returns the number of bonds wholly internal to the
// buffer (both endpoints copied units), used by property 5 (copy/paste
// idempotence) to reason about expected bond counts after paste.
func (b *CopyBuffer) InternalBondCount() int {
	return len(b.Bonds)
}
