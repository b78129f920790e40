package codec

import (
	"bytes"
	"testing"

	"nck/internal/geom"
	"nck/internal/units"
)

func testSnapshot() Snapshot {
	moment := geom.Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	cube := units.NewUnitType("cube", 1.0, 2.0, moment,
		[]geom.Vector{geom.NewVector(0.5, 0, 0), geom.NewVector(-0.5, 0, 0)},
		[]geom.Point{geom.NewVector(0, 0, 0), geom.NewVector(1, 1, 1)},
		[]int32{0, 1, 0})

	return Snapshot{
		Types:  []units.UnitType{cube},
		Domain: units.Domain{Min: geom.NewVector(-10, -10, -10), Max: geom.NewVector(10, 10, 10)},
		Params: Params{
			VertexForceRadius:     1,
			VertexForceStrength:   50,
			CentralForceOvershoot: 0.2,
			CentralForceStrength:  50,
			LinearDampening:       0.5,
			AngularDampening:      0.5,
			Attenuation:           0.999,
			TimeFactor:            1,
			MaxEffectiveDT:        0.06,
		},
		States: units.StateArray{
			SessionID: 42,
			TimeStamp: 1000,
			Units: []units.UnitState{
				{UnitTypeID: 0, PickID: 3, Position: geom.NewVector(1, 2, 3), Orientation: geom.Identity()},
				{UnitTypeID: 0, Position: geom.NewVector(-1, -2, -3), Orientation: geom.Identity()},
			},
		},
		Bonds: []BondPair{
			{Source: units.Bond{UnitIndex: 0, BondSiteIndex: 0}, Dest: units.Bond{UnitIndex: 1, BondSiteIndex: 1}},
		},
	}
}

func TestWriteReadSnapshotRoundTrip(t *testing.T) {
	snap := testSnapshot()

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	got, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}

	if len(got.Types) != 1 || got.Types[0].Name != "cube" {
		t.Fatalf("Types round-trip mismatch: %+v", got.Types)
	}
	if got.Types[0].Radius != 1.0 || got.Types[0].Mass != 2.0 {
		t.Fatalf("Type scalar fields mismatch: %+v", got.Types[0])
	}
	if len(got.Types[0].BondSites) != 2 {
		t.Fatalf("BondSites round-trip mismatch: %+v", got.Types[0].BondSites)
	}
	if got.Domain != snap.Domain {
		t.Fatalf("Domain mismatch: got %+v, want %+v", got.Domain, snap.Domain)
	}
	if got.Params != snap.Params {
		t.Fatalf("Params mismatch: got %+v, want %+v", got.Params, snap.Params)
	}
	if got.States.SessionID != 42 || got.States.TimeStamp != 1000 {
		t.Fatalf("StateArray header mismatch: %+v", got.States)
	}
	if len(got.States.Units) != 2 || got.States.Units[0].PickID != 3 {
		t.Fatalf("Units round-trip mismatch: %+v", got.States.Units)
	}
	if len(got.Bonds) != 1 || got.Bonds[0].Source.UnitIndex != 0 || got.Bonds[0].Dest.UnitIndex != 1 {
		t.Fatalf("Bonds round-trip mismatch: %+v", got.Bonds)
	}
}

func TestReadSnapshotRejectsBadTag(t *testing.T) {
	buf := bytes.NewBufferString("NOTNCKSNAP")
	if _, err := ReadSnapshot(buf); err == nil {
		t.Fatal("expected an error for a bad tag")
	}
}

func TestReadSnapshotTruncatedFileErrors(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, testSnapshot()); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-4]
	if _, err := ReadSnapshot(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected an error reading a truncated snapshot")
	}
}

func TestWriteSnapshotEmptyUnitsAndBonds(t *testing.T) {
	snap := Snapshot{
		Types:  []units.UnitType{units.NewUnitType("empty", 1, 1, geom.Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, nil, nil, nil)},
		Domain: units.Domain{Min: geom.NewVector(0, 0, 0), Max: geom.NewVector(1, 1, 1)},
		Params: Params{TimeFactor: 1},
	}

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(got.States.Units) != 0 || len(got.Bonds) != 0 {
		t.Fatalf("expected empty units/bonds, got %+v / %+v", got.States.Units, got.Bonds)
	}
}
