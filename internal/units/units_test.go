package units

import (
	"testing"

	"nck/internal/geom"
)

func testType() UnitType {
	return NewUnitType("T0", 1.0, 1.0, geom.Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		[]geom.Vector{geom.NewVector(1, 0, 0)}, nil, nil)
}

func TestDomainWrap(t *testing.T) {
	d := Domain{Min: geom.NewVector(0, 0, 0), Max: geom.NewVector(10, 10, 10)}

	cases := []struct {
		in   geom.Point
		want geom.Point
	}{
		{geom.NewVector(5, 5, 5), geom.NewVector(5, 5, 5)},
		{geom.NewVector(10.5, 0, 0), geom.NewVector(0.5, 0, 0)},
		{geom.NewVector(-0.5, 0, 0), geom.NewVector(9.5, 0, 0)},
		{geom.NewVector(0, -10.5, 0), geom.NewVector(0, 9.5, 0)},
	}
	for _, c := range cases {
		got := d.Wrap(c.in)
		if !approxEq(got, c.want) {
			t.Errorf("Wrap(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestDomainWrapDeltaRange(t *testing.T) {
	d := Domain{Min: geom.NewVector(0, 0, 0), Max: geom.NewVector(10, 10, 10)}
	got := d.WrapDelta(geom.NewVector(8, -8, 5.5))
	if got.X < -5 || got.X > 5 || got.Y < -5 || got.Y > 5 || got.Z < -5 || got.Z > 5 {
		t.Errorf("WrapDelta out of range: %v", got)
	}
}

func TestBondMapSymmetry(t *testing.T) {
	m := NewBondMap()
	a := Bond{UnitIndex: 0, BondSiteIndex: 0}
	b := Bond{UnitIndex: 1, BondSiteIndex: 0}
	m.Add(a, b)

	if !m.Has(a) || !m.Has(b) {
		t.Fatal("both halves should be present")
	}
	partner, ok := m.PartnerOf(a)
	if !ok || partner != b {
		t.Fatalf("PartnerOf(a) = %v, %v", partner, ok)
	}

	m.Remove(a)
	if m.Has(a) || m.Has(b) {
		t.Fatal("both halves should be removed together")
	}
}

func TestBondMapRewriteUnitIndex(t *testing.T) {
	m := NewBondMap()
	a := Bond{UnitIndex: 9, BondSiteIndex: 0}
	b := Bond{UnitIndex: 2, BondSiteIndex: 1}
	m.Add(a, b)

	m.RewriteUnitIndex(9, 5)

	moved := Bond{UnitIndex: 5, BondSiteIndex: 0}
	if !m.Has(moved) {
		t.Fatal("bond should be reachable at the new unit index")
	}
	partner, ok := m.PartnerOf(moved)
	if !ok || partner != b {
		t.Fatalf("PartnerOf(moved) = %v, %v, want %v", partner, ok, b)
	}
	if m.Has(a) {
		t.Fatal("old unit index should no longer be present")
	}
}

func TestStoreDeletePreservesIndices(t *testing.T) {
	// Mirrors S4: ten units, bonds (0,*)<->(1,*) and (5,*)<->(9,*); destroy unit 5;
	// unit 9 moves into slot 5, the (5,9) bond goes with unit 5, bond (0,1) unchanged.
	s := NewStore([]UnitType{testType()})
	for i := 0; i < 10; i++ {
		s.Append(UnitState{UnitTypeID: 0, Position: geom.NewVector(float64(i), 0, 0)})
	}
	s.Bonds.Add(Bond{UnitIndex: 0, BondSiteIndex: 0}, Bond{UnitIndex: 1, BondSiteIndex: 0})
	s.Bonds.Add(Bond{UnitIndex: 5, BondSiteIndex: 0}, Bond{UnitIndex: 9, BondSiteIndex: 0})

	var moved [2]int32
	s.SetIndexMovedHook(func(old, new int32) { moved = [2]int32{old, new} })

	if err := s.Delete(5); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if s.Count() != 9 {
		t.Fatalf("Count() = %d, want 9", s.Count())
	}
	if !s.Bonds.Has(Bond{UnitIndex: 0, BondSiteIndex: 0}) {
		t.Fatal("bond (0,1) should be unchanged")
	}
	if moved[0] != 9 || moved[1] != 5 {
		t.Fatalf("onIndexMoved(%d,%d), want (9,5)", moved[0], moved[1])
	}
	if s.Bonds.Has(Bond{UnitIndex: 5, BondSiteIndex: 0}) || s.Bonds.Has(Bond{UnitIndex: 9, BondSiteIndex: 0}) {
		t.Fatal("the (5,9) bond should be removed along with unit 5")
	}
}

func TestStoreDeleteOutOfRange(t *testing.T) {
	s := NewStore([]UnitType{testType()})
	if err := s.Delete(0); err == nil {
		t.Fatal("expected error deleting from empty store")
	}
}

func approxEq(a, b geom.Point) bool {
	const eps = 1e-9
	return absf(a.X-b.X) < eps && absf(a.Y-b.Y) < eps && absf(a.Z-b.Z) < eps
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
