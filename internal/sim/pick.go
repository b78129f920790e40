package sim

import (
	"sync"

	"nck/internal/geom"
	"nck/internal/spatial"
	"nck/internal/units"
)

// PickRegistry maps pick identifiers to the sets of units they hold,
// grounded on the teacher's mutex-guarded map[string]*Team pattern in
// internal/game/team.go, generalized to map[PickID][]PickRecord; the
// breadth-first connected-pick walk is new, grounded on the original
// UnitDragger.cpp's findLinkedUnits behavior.
type PickRegistry struct {
	mu      sync.Mutex
	records map[units.PickID][]units.PickRecord
	nextID  units.PickID
}

// NewPickRegistry builds an empty registry. Pick-id allocation starts at
// 1 (0 means unheld) and skips any id currently in use.
func NewPickRegistry() *PickRegistry {
	return &PickRegistry{records: make(map[units.PickID][]units.PickRecord)}
}

// AllocateID returns a fresh pick id, monotonic, skipping 0 and any id
// currently present in the registry. Safe to call concurrently with
// Records/Release from any producer goroutine — the integrator only
// mutates `records` while applying drained requests, so allocation and
// the later apply can race only in the sense that the returned id is
// reserved immediately and visible before the request is ever applied.
func (pr *PickRegistry) AllocateID() units.PickID {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for {
		pr.nextID++
		if pr.nextID == 0 {
			pr.nextID = 1
		}
		if _, exists := pr.records[pr.nextID]; !exists {
			return pr.nextID
		}
	}
}

// Records returns a copy of the PickRecord list for pid (nil if absent).
func (pr *PickRegistry) Records(pid units.PickID) []units.PickRecord {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	recs := pr.records[pid]
	if recs == nil {
		return nil
	}
	out := make([]units.PickRecord, len(recs))
	copy(out, recs)
	return out
}

// Has reports whether pid has any record.
func (pr *PickRegistry) Has(pid units.PickID) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.records[pid]) > 0
}

// setRecords replaces the record list for pid, or removes the key if recs
// is empty (the invariant "pick_records[pid] is non-empty iff any
// unit.pick_id == pid" means an empty list is the same as absent).
func (pr *PickRegistry) setRecords(pid units.PickID, recs []units.PickRecord) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if len(recs) == 0 {
		delete(pr.records, pid)
		return
	}
	pr.records[pid] = recs
}

// findPickHoldingUnit returns the pick id currently holding unit i, or 0.
func (pr *PickRegistry) findPickHoldingUnit(i int32, store *units.Store) units.PickID {
	st, err := store.Get(i)
	if err != nil {
		return 0
	}
	return st.PickID
}

// unpickRecord removes unit i's record from pid's list, without touching
// the unit's own PickID field (the caller does that separately).
func (pr *PickRegistry) unpickRecord(pid units.PickID, unitIndex int32) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	recs := pr.records[pid]
	for idx, r := range recs {
		if r.UnitIndex == unitIndex {
			recs[idx] = recs[len(recs)-1]
			recs = recs[:len(recs)-1]
			break
		}
	}
	if len(recs) == 0 {
		delete(pr.records, pid)
	} else {
		pr.records[pid] = recs
	}
}

// pickFrame computes the position/orientation offset of unit state st in
// the inverse frame of a pick anchored at (pos, orient).
func pickFrame(pos geom.Point, orient geom.Quaternion, st units.UnitState) units.PickRecord {
	inv := orient.Conj()
	offset := inv.Rotate(geom.Sub(st.Position, pos))
	orientOffset := inv.Mul(st.Orientation)
	return units.PickRecord{PositionOffset: offset, OrientationOffset: orientOffset}
}

// PickPoint implements spec §4.E's PickPoint: among the units in the
// 27-cell neighborhood of the cell containing pos, picks the unit with the
// smallest wrapped distance whose (r_unit+pick_radius)^2 dominates that
// distance. The search is not widened for larger pick radii; units outside
// those 27 cells are never picked. Re-picks (steals from another pick) if
// the candidate is already held.
func (pr *PickRegistry) PickPoint(store *units.Store, grid *spatial.Grid, domain units.Domain, pos geom.Point, radius float64, orient geom.Quaternion, connected bool, pid units.PickID) {
	best := int32(-1)
	bestDistSq := 0.0

	cellIdx := grid.CellOf([3]float64{pos.X, pos.Y, pos.Z})
	for _, neighborCell := range grid.NeighborhoodOfCell(cellIdx) {
		for _, i := range grid.UnitsIn(neighborCell) {
			st, err := store.Get(i)
			if err != nil {
				continue
			}
			delta := domain.WrapDelta(geom.Sub(st.Position, pos))
			distSq := geom.NormSq(delta)
			typeRadius := store.Types[st.UnitTypeID].Radius
			threshold := typeRadius + radius
			if threshold*threshold < distSq {
				continue
			}
			if best < 0 || distSq < bestDistSq {
				best = i
				bestDistSq = distSq
			}
		}
	}

	if best < 0 {
		return
	}

	var toPick []int32
	if connected {
		toPick = pr.connectedWalk(store, best)
	} else {
		toPick = []int32{best}
	}
	pr.attach(store, pid, pos, orient, toPick)
}

// connectedWalk performs a breadth-first walk over bonded neighbors of
// start, returning every reachable unit index including start itself.
func (pr *PickRegistry) connectedWalk(store *units.Store, start int32) []int32 {
	visited := map[int32]bool{start: true}
	queue := []int32{start}
	order := []int32{start}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		t := store.Types[mustGetType(store, cur)]
		for siteIdx := range t.BondSites {
			site := units.Bond{UnitIndex: cur, BondSiteIndex: int32(siteIdx)}
			partner, ok := store.Bonds.PartnerOf(site)
			if !ok {
				continue
			}
			if !visited[partner.UnitIndex] {
				visited[partner.UnitIndex] = true
				queue = append(queue, partner.UnitIndex)
				order = append(order, partner.UnitIndex)
			}
		}
	}
	return order
}

func mustGetType(store *units.Store, i int32) int32 {
	st, err := store.Get(i)
	if err != nil {
		return 0
	}
	return st.UnitTypeID
}

// attach assigns pid to every unit in units, re-picking (stealing) from
// any pick that currently holds one of them, and records each unit's
// position/orientation offset in the new pick's inverse frame.
func (pr *PickRegistry) attach(store *units.Store, pid units.PickID, pos geom.Point, orient geom.Quaternion, unitIndices []int32) {
	recs := pr.Records(pid)
	for _, i := range unitIndices {
		st, err := store.Get(i)
		if err != nil {
			continue
		}
		if st.PickID != 0 && st.PickID != pid {
			pr.unpickRecord(st.PickID, i)
		}
		st.PickID = pid
		store.Set(i, st)

		rec := pickFrame(pos, orient, st)
		rec.UnitIndex = i
		recs = append(recs, rec)
	}
	pr.setRecords(pid, recs)
}

// Paste instantiates the copy buffer's units in the target frame with
// linear/angular velocity propagation v + omega x offset, rewrites the
// copy buffer's internal bonds into the new state indices, and registers
// a PickRecord covering all new units.
func (pr *PickRegistry) Paste(store *units.Store, grid *spatial.Grid, domain units.Domain, buf *CopyBuffer, pos geom.Point, orient geom.Quaternion, v, omega geom.Vector, pid units.PickID) []int32 {
	base := store.Count()
	newIndices := make([]int32, len(buf.Units))

	for i, cu := range buf.Units {
		worldPos := domain.Wrap(geom.Add(pos, orient.Rotate(cu.PositionOffset)))
		worldOrient := orient.Mul(cu.OrientationOffset).Normalized()
		lv := geom.Add(v, geom.Cross(omega, orient.Rotate(cu.PositionOffset)))

		idx := store.Append(units.UnitState{
			UnitTypeID:      cu.UnitTypeID,
			Position:        worldPos,
			Orientation:     worldOrient,
			LinearVelocity:  lv,
			AngularVelocity: omega,
		})
		grid.Insert(idx, [3]float64{worldPos.X, worldPos.Y, worldPos.Z})
		newIndices[i] = idx
	}

	for _, b := range buf.Bonds {
		a := units.Bond{UnitIndex: base + b.Source.UnitIndex, BondSiteIndex: b.Source.BondSiteIndex}
		d := units.Bond{UnitIndex: base + b.Dest.UnitIndex, BondSiteIndex: b.Dest.BondSiteIndex}
		store.Bonds.Add(a, d)
	}

	recs := make([]units.PickRecord, len(newIndices))
	for i, idx := range newIndices {
		st, _ := store.Get(idx)
		st.PickID = pid
		store.Set(idx, st)
		recs[i] = pickFrame(pos, orient, st)
		recs[i].UnitIndex = idx
	}
	pr.setRecords(pid, recs)
	return newIndices
}

// Create adds a fresh unit at the request's pose, only if pid has no
// existing record; velocities are divided by timeFactor so UI-supplied
// real-time velocities land in sim-time. Registers a PickRecord with
// identity offsets.
func (pr *PickRegistry) Create(store *units.Store, grid *spatial.Grid, pid units.PickID, typeID int32, pos geom.Point, orient geom.Quaternion, v, omega geom.Vector, timeFactor float64) int32 {
	if pr.Has(pid) {
		return -1
	}
	if timeFactor == 0 {
		timeFactor = 1
	}
	idx := store.Append(units.UnitState{
		UnitTypeID:      typeID,
		PickID:          pid,
		Position:        pos,
		Orientation:     orient,
		LinearVelocity:  geom.Scale(1/timeFactor, v),
		AngularVelocity: geom.Scale(1/timeFactor, omega),
	})
	grid.Insert(idx, [3]float64{pos.X, pos.Y, pos.Z})
	pr.setRecords(pid, []units.PickRecord{{UnitIndex: idx}})
	return idx
}

// SetState repositions/reorients every unit in pid according to its
// recorded pick-frame offset, propagates velocity with v + omega x
// offset (divided by timeFactor), and updates grid membership.
func (pr *PickRegistry) SetState(store *units.Store, grid *spatial.Grid, domain units.Domain, pid units.PickID, pos geom.Point, orient geom.Quaternion, v, omega geom.Vector, timeFactor float64) {
	if timeFactor == 0 {
		timeFactor = 1
	}
	for _, rec := range pr.Records(pid) {
		st, err := store.Get(rec.UnitIndex)
		if err != nil {
			continue
		}
		worldOffset := orient.Rotate(rec.PositionOffset)
		st.Position = domain.Wrap(geom.Add(pos, worldOffset))
		st.Orientation = orient.Mul(rec.OrientationOffset).Normalized()
		st.LinearVelocity = geom.Scale(1/timeFactor, geom.Add(v, geom.Cross(omega, worldOffset)))
		st.AngularVelocity = geom.Scale(1/timeFactor, omega)
		store.Set(rec.UnitIndex, st)
		grid.Move(rec.UnitIndex, [3]float64{st.Position.X, st.Position.Y, st.Position.Z})
	}
}

// Copy snapshots the picked units (type + pick-frame offsets) and their
// internal bonds into buf, replacing any previous contents.
func (pr *PickRegistry) Copy(store *units.Store, buf *CopyBuffer, pid units.PickID) {
	recs := pr.Records(pid)
	localIndex := make(map[int32]int32, len(recs))
	units_ := make([]CopiedUnit, 0, len(recs))

	for i, rec := range recs {
		st, err := store.Get(rec.UnitIndex)
		if err != nil {
			continue
		}
		localIndex[rec.UnitIndex] = int32(i)
		units_ = append(units_, CopiedUnit{
			UnitTypeID:        st.UnitTypeID,
			PositionOffset:    rec.PositionOffset,
			OrientationOffset: rec.OrientationOffset,
		})
	}

	var bonds []CopiedBond
	seen := map[units.Bond]bool{}
	for origIdx, local := range localIndex {
		st, _ := store.Get(origIdx)
		t := store.Types[st.UnitTypeID]
		for siteIdx := range t.BondSites {
			a := units.Bond{UnitIndex: origIdx, BondSiteIndex: int32(siteIdx)}
			if seen[a] {
				continue
			}
			partner, ok := store.Bonds.PartnerOf(a)
			if !ok {
				continue
			}
			localPartner, inSet := localIndex[partner.UnitIndex]
			if !inSet {
				continue
			}
			seen[a] = true
			seen[partner] = true
			bonds = append(bonds, CopiedBond{
				Source: units.Bond{UnitIndex: local, BondSiteIndex: a.BondSiteIndex},
				Dest:   units.Bond{UnitIndex: localPartner, BondSiteIndex: partner.BondSiteIndex},
			})
		}
	}

	buf.Units = units_
	buf.Bonds = bonds
}

// Destroy deletes every unit in pid using the Store's deletion
// invariants, keeping the grid and pick records in sync via onIndexMoved,
// then erases the pick record.
func (pr *PickRegistry) Destroy(store *units.Store, grid *spatial.Grid, pid units.PickID) {
	recs := pr.Records(pid)
	indices := make([]int32, len(recs))
	for i, r := range recs {
		indices[i] = r.UnitIndex
	}
	// Delete from highest index to lowest so swap-with-last never moves
	// an index we still need to delete into an already-handled slot.
	sortDesc(indices)
	for _, idx := range indices {
		grid.Remove(idx)
		store.Delete(idx)
	}
	pr.setRecords(pid, nil)
}

// Release clears PickID on all held units and erases the pick record.
// Idempotent for unknown ids.
func (pr *PickRegistry) Release(store *units.Store, pid units.PickID) {
	for _, rec := range pr.Records(pid) {
		st, err := store.Get(rec.UnitIndex)
		if err != nil {
			continue
		}
		st.PickID = 0
		store.Set(rec.UnitIndex, st)
	}
	pr.setRecords(pid, nil)
}

// RewriteUnitIndex updates every PickRecord referencing old to reference
// new instead. Installed as part of the Store.onIndexMoved hook so that a
// swap-with-last deletion elsewhere in the Store keeps every pick's
// records pointing at the right slot.
func (pr *PickRegistry) RewriteUnitIndex(old, new int32) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for _, recs := range pr.records {
		for i := range recs {
			if recs[i].UnitIndex == old {
				recs[i].UnitIndex = new
			}
		}
	}
}

func sortDesc(s []int32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] < s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
