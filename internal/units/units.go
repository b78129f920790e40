// Package units owns the authoritative state model: the unit-type
// dictionary, the per-instance unit-state array, and the bond map. It
// enforces the index-consistency invariants that the rest of the
// simulation engine depends on: a unit's slot, grid-cell membership, and
// bond/pick cross-references never drift apart.
package units

import (
	"errors"
	"fmt"

	"nck/internal/geom"
)

// ErrBondSiteTaken names the condition of two bonds referencing the same
// bond site. No function in this package returns it; BondMap.Add
// overwrites an existing entry without checking.
var ErrBondSiteTaken = errors.New("units: bond site already bonded")

// ErrUnitIndexOutOfRange is returned by Store operations given an index
// that does not name a live unit.
var ErrUnitIndexOutOfRange = errors.New("units: unit index out of range")

// ErrUnitTypeOutOfRange names the condition of a unit whose type id is not
// in the session's UnitType list. No function in this package returns it;
// Store.Append does not check type ids.
var ErrUnitTypeOutOfRange = errors.New("units: unit type id out of range")

// UnitType is an immutable-within-a-session description of a class of
// structural unit: its geometry, mass properties, bond sites, and render
// mesh.
type UnitType struct {
	Name    string
	Radius  float64
	Mass    float64
	InvMass float64

	MomentOfInertia    geom.Matrix3
	InvMomentOfInertia geom.Matrix3

	// BondSites are offsets, in unit-local coordinates, of this type's
	// bond sites, in a stable order (0..N).
	BondSites []geom.Vector

	MeshVertices  []geom.Point
	MeshTriangles []int32
}

// NewUnitType builds a UnitType and precomputes InvMass/InvMomentOfInertia
// from Mass/MomentOfInertia, matching the recomputation the snapshot codec
// performs on load.
func NewUnitType(name string, radius, mass float64, moment geom.Matrix3, bondSites []geom.Vector, meshVerts []geom.Point, meshTris []int32) UnitType {
	t := UnitType{
		Name:            name,
		Radius:          radius,
		Mass:            mass,
		MomentOfInertia: moment,
		BondSites:       bondSites,
		MeshVertices:    meshVerts,
		MeshTriangles:   meshTris,
	}
	t.recompute()
	return t
}

func (t *UnitType) recompute() {
	if t.Mass > 0 {
		t.InvMass = 1 / t.Mass
	}
	t.InvMomentOfInertia = geom.Inverse3(t.MomentOfInertia)
}

// PickID identifies a pick (a held group of units). Zero means "unheld".
type PickID uint32

// UnitState is the per-instance mutable state of a structural unit.
type UnitState struct {
	UnitTypeID int32
	PickID     PickID

	Position    geom.Point
	Orientation geom.Quaternion

	LinearVelocity  geom.Vector
	AngularVelocity geom.Vector
}

// ReducedUnitState is the minimum per-unit payload needed for rendering:
// type plus pose, in 32-bit floats, used on the wire.
type ReducedUnitState struct {
	UnitTypeID  int32
	Position    [3]float32
	Orientation [4]float32
}

// Reduce downsamples a UnitState to its wire-transport ReducedUnitState.
func Reduce(s UnitState) ReducedUnitState {
	return ReducedUnitState{
		UnitTypeID: s.UnitTypeID,
		Position:   [3]float32{float32(s.Position.X), float32(s.Position.Y), float32(s.Position.Z)},
		Orientation: [4]float32{
			float32(s.Orientation.Real), float32(s.Orientation.Imag),
			float32(s.Orientation.Jmag), float32(s.Orientation.Kmag),
		},
	}
}

// Bond identifies one endpoint of a bond: the unit holding the bond site
// and the index of that bond site within its type's BondSites list.
type Bond struct {
	UnitIndex     int32
	BondSiteIndex int32
}

// IsUp reports whether a (source, dest) bond pair is the "up" half by the
// source.UnitIndex < dest.UnitIndex convention.
func IsUp(source, dest Bond) bool { return source.UnitIndex < dest.UnitIndex }

// BondMap stores every bond both directions: source -> dest, keyed by the
// source Bond. Both halves are present or neither is.
type BondMap struct {
	byBond map[Bond]Bond
}

// NewBondMap builds an empty bond map.
func NewBondMap() *BondMap {
	return &BondMap{byBond: make(map[Bond]Bond)}
}

// Add inserts both directions of a bond between a and b.
func (m *BondMap) Add(a, b Bond) {
	m.byBond[a] = b
	m.byBond[b] = a
}

// Remove deletes both directions of the bond involving a (if present).
func (m *BondMap) Remove(a Bond) {
	b, ok := m.byBond[a]
	if !ok {
		return
	}
	delete(m.byBond, a)
	delete(m.byBond, b)
}

// Has reports whether bond site a is currently bonded.
func (m *BondMap) Has(a Bond) bool {
	_, ok := m.byBond[a]
	return ok
}

// PartnerOf returns the bond site on the other end of a's bond, if any.
func (m *BondMap) PartnerOf(a Bond) (Bond, bool) {
	b, ok := m.byBond[a]
	return b, ok
}

// UpHalves returns every "up" half (source.UnitIndex < dest.UnitIndex) in
// the map, in an unspecified order. Callers needing determinism sort the
// result.
func (m *BondMap) UpHalves() []struct{ Source, Dest Bond } {
	out := make([]struct{ Source, Dest Bond }, 0, len(m.byBond)/2)
	for a, b := range m.byBond {
		if IsUp(a, b) {
			out = append(out, struct{ Source, Dest Bond }{a, b})
		}
	}
	return out
}

// Len returns the number of directed entries (twice the bond count).
func (m *BondMap) Len() int { return len(m.byBond) }

// RemoveUnit deletes every bond entry whose Bond.UnitIndex equals u. Used
// by Store.Delete before compacting the state array.
func (m *BondMap) RemoveUnit(u int32) {
	for a := range m.byBond {
		if a.UnitIndex == u {
			m.Remove(a)
		}
	}
}

// RewriteUnitIndex updates every bond entry referencing old to reference
// new instead (UnitIndex only; BondSiteIndex is unaffected). Used after a
// swap-with-last deletion moves a unit to a new slot.
func (m *BondMap) RewriteUnitIndex(old, new int32) {
	rewritten := make(map[Bond]Bond, len(m.byBond))
	for a, b := range m.byBond {
		if a.UnitIndex == old {
			a.UnitIndex = new
		}
		if b.UnitIndex == old {
			b.UnitIndex = new
		}
		rewritten[a] = b
	}
	m.byBond = rewritten
}

// PickRecord is one unit's membership in a pick: its index and the
// position/orientation offset recorded in the pick's inverse frame at
// pick time.
type PickRecord struct {
	UnitIndex         int32
	PositionOffset    geom.Vector
	OrientationOffset geom.Quaternion
}

// Domain is an axis-aligned bounding box, wrapping in all three axes.
type Domain struct {
	Min, Max geom.Point
}

// Size returns the per-axis extents of the domain.
func (d Domain) Size() geom.Vector {
	return geom.Sub(d.Max, d.Min)
}

// Wrap folds p into [Min, Max) on every axis.
func (d Domain) Wrap(p geom.Point) geom.Point {
	size := d.Size()
	return geom.NewVector(
		wrapAxis(p.X, d.Min.X, size.X),
		wrapAxis(p.Y, d.Min.Y, size.Y),
		wrapAxis(p.Z, d.Min.Z, size.Z),
	)
}

func wrapAxis(v, lo, size float64) float64 {
	if size <= 0 {
		return v
	}
	w := v - lo
	w -= size * floor(w/size)
	if w < 0 {
		w += size
	}
	return w + lo
}

func floor(x float64) float64 {
	i := float64(int64(x))
	if x < 0 && i != x {
		i--
	}
	return i
}

// WrapDelta folds a displacement d so each axis lies in [-size/2, size/2],
// the minimum-image convention used by every distance computation in the
// integrator.
func (d Domain) WrapDelta(delta geom.Vector) geom.Vector {
	size := d.Size()
	return geom.NewVector(
		wrapDeltaAxis(delta.X, size.X),
		wrapDeltaAxis(delta.Y, size.Y),
		wrapDeltaAxis(delta.Z, size.Z),
	)
}

func wrapDeltaAxis(d, size float64) float64 {
	if size <= 0 {
		return d
	}
	half := size / 2
	for d > half {
		d -= size
	}
	for d < -half {
		d += size
	}
	return d
}

// StateArray is the container published to readers: a session id, a
// tick timestamp, and the ordered unit-state sequence.
type StateArray struct {
	SessionID int64
	TimeStamp int64
	Units     []UnitState
}

// Clone returns a deep copy of the array, used by the integrator to keep a
// latest snapshot that shares no storage with the publisher slots.
func (a StateArray) Clone() StateArray {
	out := StateArray{SessionID: a.SessionID, TimeStamp: a.TimeStamp}
	out.Units = make([]UnitState, len(a.Units))
	copy(out.Units, a.Units)
	return out
}

// Store owns unit_types, states, and bonds, and enforces the
// index-consistency invariants of spec §4.B.
type Store struct {
	Types  []UnitType
	States []UnitState
	Bonds  *BondMap

	// onIndexMoved, when set, is invoked after Delete swaps the last
	// slot into a freed one, so dependents (grid, pick registry) can
	// rewrite their own back-references. Called with (oldIndex, newIndex).
	onIndexMoved func(oldIndex, newIndex int32)
}

// NewStore builds an empty Store over the given (immutable-within-session)
// unit-type dictionary.
func NewStore(types []UnitType) *Store {
	return &Store{
		Types:  types,
		States: make([]UnitState, 0, 1024),
		Bonds:  NewBondMap(),
	}
}

// SetIndexMovedHook installs the callback invoked whenever Delete
// relocates a unit's slot, so the grid and pick registry can stay in sync.
func (s *Store) SetIndexMovedHook(fn func(oldIndex, newIndex int32)) {
	s.onIndexMoved = fn
}

// Append adds a new unit and returns its index.
func (s *Store) Append(st UnitState) int32 {
	s.States = append(s.States, st)
	return int32(len(s.States) - 1)
}

// Get returns a copy of the unit state at index i.
func (s *Store) Get(i int32) (UnitState, error) {
	if i < 0 || int(i) >= len(s.States) {
		return UnitState{}, fmt.Errorf("units: get %d: %w", i, ErrUnitIndexOutOfRange)
	}
	return s.States[i], nil
}

// Set overwrites the unit state at index i.
func (s *Store) Set(i int32, st UnitState) error {
	if i < 0 || int(i) >= len(s.States) {
		return fmt.Errorf("units: set %d: %w", i, ErrUnitIndexOutOfRange)
	}
	s.States[i] = st
	return nil
}

// Delete removes unit u: both halves of every bond touching it, then
// swaps the last slot into u's freed slot (preserving array contiguity).
// If a unit moved, onIndexMoved is invoked with its old and new index so
// callers (grid, pick registry) can rewrite their own back-references; this
// happens before Delete returns.
func (s *Store) Delete(u int32) error {
	n := int32(len(s.States))
	if u < 0 || u >= n {
		return fmt.Errorf("units: delete %d: %w", u, ErrUnitIndexOutOfRange)
	}

	s.Bonds.RemoveUnit(u)

	last := n - 1
	if u != last {
		s.States[u] = s.States[last]
		s.Bonds.RewriteUnitIndex(last, u)
		if s.onIndexMoved != nil {
			s.onIndexMoved(last, u)
		}
	}
	s.States = s.States[:last]
	return nil
}

// Count returns the live unit count.
func (s *Store) Count() int32 { return int32(len(s.States)) }

// BondSiteWorldPosition returns the world-space position of bond site b
// given the unit's current pose.
func BondSiteWorldPosition(t UnitType, st UnitState, bondSiteIndex int32) geom.Point {
	offset := t.BondSites[bondSiteIndex]
	return geom.Add(st.Position, st.Orientation.Rotate(offset))
}
