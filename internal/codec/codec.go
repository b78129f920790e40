// Package codec reads and writes NCK snapshot files: a fixed binary
// layout of a tag, the unit-type dictionary, the domain, the physics
// scalars, the unit-state array, and the bond list, per spec §4.I.
// Grounded on the teacher's internal/ipc/protocol.go header-field
// technique (fixed-width binary.Write/Read of scalar fields), extended
// across a whole file rather than a message frame. Uses encoding/binary
// rather than gob because this is a fixed external byte layout meant to
// outlive any particular Go struct definition, not a Go-internal RPC body.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"nck/internal/geom"
	"nck/internal/units"
)

// snapshotTag identifies the file format and is checked on read: the
// literal string "NanotechConstructionKit 2.0\r\n", zero-padded to 32
// bytes, per spec §4.I.
var snapshotTag = func() (tag [32]byte) {
	copy(tag[:], "NanotechConstructionKit 2.0\r\n")
	return tag
}()

// BondPair is one bond, as the "up" half plus its partner, in
// snapshot-local unit indices.
type BondPair struct {
	Source, Dest units.Bond
}

// Params mirrors sim.Parameters's fields. Duplicated here rather than
// imported, so this package (used by both sim and the higher-level server/
// client packages) never has to import package sim, which itself needs to
// call into codec from its SaveState/LoadState handling.
type Params struct {
	VertexForceRadius     float64
	VertexForceStrength   float64
	CentralForceOvershoot float64
	CentralForceStrength  float64
	LinearDampening       float64
	AngularDampening      float64
	Attenuation           float64
	TimeFactor            float64
	MaxEffectiveDT        float64
}

// Snapshot is the complete contents of one snapshot file.
type Snapshot struct {
	Types  []units.UnitType
	Domain units.Domain
	Params Params
	States units.StateArray
	Bonds  []BondPair
}

type writer struct {
	w   io.Writer
	err error
}

func (e *writer) write(v interface{}) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, v)
}

func (e *writer) writeString(s string) {
	if e.err != nil {
		return
	}
	e.write(uint32(len(s)))
	if e.err != nil {
		return
	}
	if _, err := e.w.Write([]byte(s)); err != nil {
		e.err = err
	}
}

type reader struct {
	r   io.Reader
	err error
}

func (d *reader) read(v interface{}) {
	if d.err != nil {
		return
	}
	d.err = binary.Read(d.r, binary.LittleEndian, v)
}

func (d *reader) readString() string {
	if d.err != nil {
		return ""
	}
	var n uint32
	d.read(&n)
	if d.err != nil {
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.err = err
		return ""
	}
	return string(buf)
}

// WriteSnapshot serializes snap to w in the NCK snapshot binary format.
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	e := &writer{w: w}

	if _, err := w.Write(snapshotTag[:]); err != nil {
		return fmt.Errorf("codec: write tag: %w", err)
	}

	e.write(uint32(len(snap.Types)))
	for _, t := range snap.Types {
		writeUnitType(e, t)
	}

	writePoint(e, snap.Domain.Min)
	writePoint(e, snap.Domain.Max)

	e.write(snap.Params.VertexForceRadius)
	e.write(snap.Params.VertexForceStrength)
	e.write(snap.Params.CentralForceOvershoot)
	e.write(snap.Params.CentralForceStrength)
	e.write(snap.Params.LinearDampening)
	e.write(snap.Params.AngularDampening)
	e.write(snap.Params.Attenuation)
	e.write(snap.Params.TimeFactor)
	e.write(snap.Params.MaxEffectiveDT)

	e.write(snap.States.SessionID)
	e.write(snap.States.TimeStamp)
	e.write(uint32(len(snap.States.Units)))
	for _, st := range snap.States.Units {
		writeUnitState(e, st)
	}

	e.write(uint32(len(snap.Bonds)))
	for _, b := range snap.Bonds {
		e.write(b.Source.UnitIndex)
		e.write(b.Source.BondSiteIndex)
		e.write(b.Dest.UnitIndex)
		e.write(b.Dest.BondSiteIndex)
	}

	if e.err != nil {
		return fmt.Errorf("codec: write snapshot: %w", e.err)
	}
	return nil
}

func writePoint(e *writer, p geom.Point) {
	e.write(p.X)
	e.write(p.Y)
	e.write(p.Z)
}

func readPoint(d *reader) geom.Point {
	var x, y, z float64
	d.read(&x)
	d.read(&y)
	d.read(&z)
	return geom.NewVector(x, y, z)
}

func writeQuaternion(e *writer, q geom.Quaternion) {
	e.write(q.Real)
	e.write(q.Imag)
	e.write(q.Jmag)
	e.write(q.Kmag)
}

func readQuaternion(d *reader) geom.Quaternion {
	var w, x, y, z float64
	d.read(&w)
	d.read(&x)
	d.read(&y)
	d.read(&z)
	return geom.NewQuaternion(w, x, y, z)
}

func writeMatrix3(e *writer, m geom.Matrix3) {
	for _, row := range m {
		for _, v := range row {
			e.write(v)
		}
	}
}

func readMatrix3(d *reader) geom.Matrix3 {
	var m geom.Matrix3
	for i := range m {
		for j := range m[i] {
			d.read(&m[i][j])
		}
	}
	return m
}

func writeUnitType(e *writer, t units.UnitType) {
	e.writeString(t.Name)
	e.write(t.Radius)
	e.write(t.Mass)
	writeMatrix3(e, t.MomentOfInertia)

	e.write(uint32(len(t.BondSites)))
	for _, site := range t.BondSites {
		writePoint(e, site)
	}

	e.write(uint32(len(t.MeshVertices)))
	for _, v := range t.MeshVertices {
		writePoint(e, v)
	}
	e.write(uint32(len(t.MeshTriangles)))
	for _, idx := range t.MeshTriangles {
		e.write(idx)
	}
}

func readUnitType(d *reader) units.UnitType {
	name := d.readString()
	var radius, mass float64
	d.read(&radius)
	d.read(&mass)
	moment := readMatrix3(d)

	var nSites uint32
	d.read(&nSites)
	sites := make([]geom.Vector, nSites)
	for i := range sites {
		sites[i] = readPoint(d)
	}

	var nVerts uint32
	d.read(&nVerts)
	verts := make([]geom.Point, nVerts)
	for i := range verts {
		verts[i] = readPoint(d)
	}

	var nTris uint32
	d.read(&nTris)
	tris := make([]int32, nTris)
	for i := range tris {
		d.read(&tris[i])
	}

	return units.NewUnitType(name, radius, mass, moment, sites, verts, tris)
}

func writeUnitState(e *writer, st units.UnitState) {
	e.write(st.UnitTypeID)
	e.write(uint32(st.PickID))
	writePoint(e, st.Position)
	writeQuaternion(e, st.Orientation)
	writePoint(e, st.LinearVelocity)
	writePoint(e, st.AngularVelocity)
}

func readUnitState(d *reader) units.UnitState {
	var st units.UnitState
	d.read(&st.UnitTypeID)
	var pid uint32
	d.read(&pid)
	st.PickID = units.PickID(pid)
	st.Position = readPoint(d)
	st.Orientation = readQuaternion(d)
	st.LinearVelocity = readPoint(d)
	st.AngularVelocity = readPoint(d)
	return st
}

// ReadSnapshot deserializes a snapshot file from r.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	var tag [32]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Snapshot{}, fmt.Errorf("codec: read tag: %w", err)
	}
	if tag != snapshotTag {
		return Snapshot{}, fmt.Errorf("codec: bad tag %q, want %q", tag, snapshotTag)
	}

	d := &reader{r: r}
	var snap Snapshot

	var nTypes uint32
	d.read(&nTypes)
	snap.Types = make([]units.UnitType, nTypes)
	for i := range snap.Types {
		snap.Types[i] = readUnitType(d)
	}

	snap.Domain.Min = readPoint(d)
	snap.Domain.Max = readPoint(d)

	d.read(&snap.Params.VertexForceRadius)
	d.read(&snap.Params.VertexForceStrength)
	d.read(&snap.Params.CentralForceOvershoot)
	d.read(&snap.Params.CentralForceStrength)
	d.read(&snap.Params.LinearDampening)
	d.read(&snap.Params.AngularDampening)
	d.read(&snap.Params.Attenuation)
	d.read(&snap.Params.TimeFactor)
	d.read(&snap.Params.MaxEffectiveDT)

	d.read(&snap.States.SessionID)
	d.read(&snap.States.TimeStamp)
	var nUnits uint32
	d.read(&nUnits)
	snap.States.Units = make([]units.UnitState, nUnits)
	for i := range snap.States.Units {
		snap.States.Units[i] = readUnitState(d)
	}

	var nBonds uint32
	d.read(&nBonds)
	snap.Bonds = make([]BondPair, nBonds)
	for i := range snap.Bonds {
		d.read(&snap.Bonds[i].Source.UnitIndex)
		d.read(&snap.Bonds[i].Source.BondSiteIndex)
		d.read(&snap.Bonds[i].Dest.UnitIndex)
		d.read(&snap.Bonds[i].Dest.BondSiteIndex)
	}

	if d.err != nil {
		return Snapshot{}, fmt.Errorf("codec: read snapshot: %w", d.err)
	}
	return snap, nil
}
