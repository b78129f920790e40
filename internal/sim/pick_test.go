package sim

import (
	"testing"

	"nck/internal/geom"
	"nck/internal/spatial"
	"nck/internal/units"
)

// newTestGridFor builds a grid sized for domain and inserts every unit
// already appended to store at its current position, wiring the store's
// index-moved hook so swap-with-last deletions keep grid membership in
// sync, mirroring Integrator's own wiring in NewIntegrator.
func newTestGridFor(domain units.Domain, store *units.Store) *spatial.Grid {
	grid := spatial.NewGrid(domain, 2.0, 64)
	store.SetIndexMovedHook(func(old, new int32) { grid.Reindex(old, new) })
	for i := int32(0); i < store.Count(); i++ {
		st, _ := store.Get(i)
		grid.Insert(i, [3]float64{st.Position.X, st.Position.Y, st.Position.Z})
	}
	return grid
}

func TestPickPointPicksNearestWithinRadius(t *testing.T) {
	store := units.NewStore([]units.UnitType{cubeType(1, nil)})
	store.Append(units.UnitState{UnitTypeID: 0, Position: geom.NewVector(5, 0, 0)})
	store.Append(units.UnitState{UnitTypeID: 0, Position: geom.NewVector(0, 0, 0)})
	domain := testDomain()
	grid := newTestGridFor(domain, store)

	picks := NewPickRegistry()
	picks.PickPoint(store, grid, domain, geom.NewVector(0.2, 0, 0), 0.1, geom.Identity(), false, 7)

	st, err := store.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if st.PickID != 7 {
		t.Fatalf("nearest unit should be picked, PickID = %d, want 7", st.PickID)
	}
	other, _ := store.Get(0)
	if other.PickID != 0 {
		t.Fatal("far unit should remain unpicked")
	}
}

func TestPickPointConnectedWalkPicksBondedGroup(t *testing.T) {
	sites := []geom.Vector{geom.NewVector(0.5, 0, 0), geom.NewVector(-0.5, 0, 0)}
	store := units.NewStore([]units.UnitType{cubeType(0.4, sites)})
	store.Append(units.UnitState{UnitTypeID: 0, Position: geom.NewVector(0, 0, 0)})
	store.Append(units.UnitState{UnitTypeID: 0, Position: geom.NewVector(1, 0, 0)})
	store.Append(units.UnitState{UnitTypeID: 0, Position: geom.NewVector(2, 0, 0)})
	store.Bonds.Add(units.Bond{UnitIndex: 0, BondSiteIndex: 0}, units.Bond{UnitIndex: 1, BondSiteIndex: 1})
	store.Bonds.Add(units.Bond{UnitIndex: 1, BondSiteIndex: 0}, units.Bond{UnitIndex: 2, BondSiteIndex: 1})

	domain := testDomain()
	grid := newTestGridFor(domain, store)

	picks := NewPickRegistry()
	picks.PickPoint(store, grid, domain, geom.NewVector(0, 0, 0), 0.1, geom.Identity(), true, 3)

	for i := 0; i < 3; i++ {
		st, _ := store.Get(int32(i))
		if st.PickID != 3 {
			t.Fatalf("unit %d should be picked via connected walk, PickID = %d", i, st.PickID)
		}
	}
}

func TestPickPointStealsFromExistingPick(t *testing.T) {
	store := units.NewStore([]units.UnitType{cubeType(1, nil)})
	store.Append(units.UnitState{UnitTypeID: 0, PickID: 1, Position: geom.NewVector(0, 0, 0)})
	domain := testDomain()
	grid := newTestGridFor(domain, store)

	picks := NewPickRegistry()
	picks.setRecords(1, []units.PickRecord{{UnitIndex: 0}})

	picks.PickPoint(store, grid, domain, geom.NewVector(0, 0, 0), 0.1, geom.Identity(), false, 2)

	st, _ := store.Get(0)
	if st.PickID != 2 {
		t.Fatalf("unit should have been stolen by pick 2, PickID = %d", st.PickID)
	}
	if picks.Has(1) {
		t.Fatal("original pick should have no records left")
	}
}

func TestCreateRefusesSecondUnitOnSamePick(t *testing.T) {
	store := units.NewStore([]units.UnitType{cubeType(1, nil)})
	domain := testDomain()
	grid := newTestGridFor(domain, store)
	picks := NewPickRegistry()

	idx := picks.Create(store, grid, 1, 0, geom.NewVector(0, 0, 0), geom.Identity(), geom.Zero, geom.Zero, 1.0)
	if idx < 0 {
		t.Fatal("first create should succeed")
	}
	idx2 := picks.Create(store, grid, 1, 0, geom.NewVector(1, 1, 1), geom.Identity(), geom.Zero, geom.Zero, 1.0)
	if idx2 != -1 {
		t.Fatalf("second create on same pick should refuse, got idx = %d", idx2)
	}
}

func TestCopyThenPasteReproducesGroup(t *testing.T) {
	sites := []geom.Vector{geom.NewVector(0.5, 0, 0), geom.NewVector(-0.5, 0, 0)}
	store := units.NewStore([]units.UnitType{cubeType(0.1, sites)})
	store.Append(units.UnitState{UnitTypeID: 0, Position: geom.NewVector(0, 0, 0), Orientation: geom.Identity()})
	store.Append(units.UnitState{UnitTypeID: 0, Position: geom.NewVector(1, 0, 0), Orientation: geom.Identity()})
	store.Bonds.Add(units.Bond{UnitIndex: 0, BondSiteIndex: 0}, units.Bond{UnitIndex: 1, BondSiteIndex: 1})

	domain := testDomain()
	grid := newTestGridFor(domain, store)
	picks := NewPickRegistry()

	picks.PickPoint(store, grid, domain, geom.NewVector(0, 0, 0), 0.1, geom.Identity(), true, 5)

	buf := NewCopyBuffer()
	picks.Copy(store, buf, 5)
	if len(buf.Units) != 2 {
		t.Fatalf("copy buffer should hold 2 units, got %d", len(buf.Units))
	}
	if buf.InternalBondCount() != 1 {
		t.Fatalf("copy buffer should hold 1 internal bond, got %d", buf.InternalBondCount())
	}

	before := store.Count()
	newIndices := picks.Paste(store, grid, domain, buf, geom.NewVector(10, 0, 0), geom.Identity(), geom.Zero, geom.Zero, 6)
	if len(newIndices) != 2 {
		t.Fatalf("paste should create 2 new units, got %d", len(newIndices))
	}
	if store.Count() != before+2 {
		t.Fatalf("store count after paste = %d, want %d", store.Count(), before+2)
	}
	a, _ := store.Get(newIndices[0])
	b, _ := store.Get(newIndices[1])
	if a.PickID != 6 || b.PickID != 6 {
		t.Fatal("pasted units should be held by the pasting pick")
	}
	partner, ok := store.Bonds.PartnerOf(units.Bond{UnitIndex: newIndices[0], BondSiteIndex: 0})
	if !ok || partner.UnitIndex != newIndices[1] {
		t.Fatal("pasted group's internal bond should be rewired onto the new indices")
	}
}

func TestDestroyRemovesUnitsAndRecord(t *testing.T) {
	store := units.NewStore([]units.UnitType{cubeType(1, nil)})
	for i := 0; i < 3; i++ {
		store.Append(units.UnitState{UnitTypeID: 0, Position: geom.NewVector(float64(i), 0, 0)})
	}
	domain := testDomain()
	grid := newTestGridFor(domain, store)
	picks := NewPickRegistry()
	picks.setRecords(9, []units.PickRecord{{UnitIndex: 0}, {UnitIndex: 2}})

	picks.Destroy(store, grid, 9)

	if store.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", store.Count())
	}
	if picks.Has(9) {
		t.Fatal("pick record should be erased after destroy")
	}
}

func TestReleaseClearsPickIDButKeepsUnits(t *testing.T) {
	store := units.NewStore([]units.UnitType{cubeType(1, nil)})
	store.Append(units.UnitState{UnitTypeID: 0, PickID: 4, Position: geom.NewVector(0, 0, 0)})
	picks := NewPickRegistry()
	picks.setRecords(4, []units.PickRecord{{UnitIndex: 0}})

	picks.Release(store, 4)

	st, _ := store.Get(0)
	if st.PickID != 0 {
		t.Fatalf("PickID after release = %d, want 0", st.PickID)
	}
	if picks.Has(4) {
		t.Fatal("pick record should be erased after release")
	}
	if store.Count() != 1 {
		t.Fatal("release must not delete the unit")
	}
}

func TestAllocateIDSkipsZeroAndInUse(t *testing.T) {
	picks := NewPickRegistry()
	picks.setRecords(1, []units.PickRecord{{UnitIndex: 0}})

	id := picks.AllocateID()
	if id == 0 {
		t.Fatal("allocated id must never be 0")
	}
	if id == 1 {
		t.Fatal("allocated id must skip ids already in use")
	}
}
