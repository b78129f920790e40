// Package spatial provides the 3-D wrap-around uniform grid used for
// O(1) neighborhood queries, and the lock-free queue that backs the
// simulation's request pipeline.
//
// All structures use preallocated slices with integer indices (not
// pointers) to minimize GC pressure and maximize cache locality.
package spatial

import (
	"math"

	"nck/internal/units"
)

// Cell holds the unit indices currently occupying one grid cell, plus
// fixed pointers to its 27 neighbors (self + 26), computed once at grid
// construction with wrap-around. Neighbor traversal is therefore
// branchless: callers iterate Neighbors without re-deriving wrapped
// offsets per step.
type Cell struct {
	Units     []int32
	Neighbors [27]int32
}

// Grid is a 3-D wrap-around uniform grid over a units.Domain. Cell counts
// and sizes are derived per-axis from the domain extents and a conservative
// interaction radius R, then nudged upward so float rounding can never
// walk a position into a cell index outside [0, n_i).
type Grid struct {
	domain units.Domain

	n    [3]int32   // per-axis cell counts
	size [3]float64 // per-axis cell size, nudged

	cells []Cell

	// cellOfUnit[i] is the cell index currently holding unit i; recovered
	// from here rather than from a pointer stored on the unit itself, to
	// avoid cyclic ownership between grid and state array.
	cellOfUnit []int32
}

// NewGrid builds a grid sized for worst-case interaction radius r over the
// given domain, per spec §4.A: n_i = floor(size_i / r), c_i = size_i / n_i,
// then c_i is nudged upward until floor((max_i-origin_i)/c_i) < n_i holds
// for every axis.
func NewGrid(domain units.Domain, r float64, maxUnitsHint int) *Grid {
	if r <= 0 {
		r = 1
	}
	size := domain.Size()
	sizeArr := [3]float64{size.X, size.Y, size.Z}

	g := &Grid{domain: domain}

	for axis := 0; axis < 3; axis++ {
		n := int32(math.Floor(sizeArr[axis] / r))
		if n < 1 {
			n = 1
		}
		c := sizeArr[axis] / float64(n)
		c = nudgeCellSize(c, sizeArr[axis], n)
		g.n[axis] = n
		g.size[axis] = c
	}

	total := int(g.n[0]) * int(g.n[1]) * int(g.n[2])
	g.cells = make([]Cell, total)

	avgPerCell := maxUnitsHint / total
	if avgPerCell < 4 {
		avgPerCell = 4
	}
	for i := range g.cells {
		g.cells[i].Units = make([]int32, 0, avgPerCell)
		g.computeNeighbors(int32(i))
	}

	g.cellOfUnit = make([]int32, 0, maxUnitsHint)
	return g
}

// nudgeCellSize increases c by the smallest representable increment until
// floor((size-0)/c) < n, guaranteeing no cell index overshoot under float
// rounding at the domain's far edge.
func nudgeCellSize(c, size float64, n int32) float64 {
	for int32(math.Floor(size/c)) >= n {
		c = math.Nextafter(c, math.Inf(1))
	}
	return c
}

func (g *Grid) coords(p units.Domain, pos [3]float64) [3]int32 {
	origin := [3]float64{p.Min.X, p.Min.Y, p.Min.Z}
	var coord [3]int32
	for axis := 0; axis < 3; axis++ {
		idx := int32(math.Floor((pos[axis] - origin[axis]) / g.size[axis]))
		if idx < 0 {
			idx = 0
		}
		if idx >= g.n[axis] {
			idx = g.n[axis] - 1
		}
		coord[axis] = idx
	}
	return coord
}

func (g *Grid) cellIndexOf(coord [3]int32) int32 {
	return coord[0] + g.n[0]*(coord[1]+g.n[1]*coord[2])
}

// CellOf returns the cell index that a (pre-wrapped) position belongs to.
func (g *Grid) CellOf(pos [3]float64) int32 {
	return g.cellIndexOf(g.coords(g.domain, pos))
}

// CellOfUnit returns the cell index currently recorded for unit i.
func (g *Grid) CellOfUnit(i int32) int32 {
	if int(i) >= len(g.cellOfUnit) {
		return -1
	}
	return g.cellOfUnit[i]
}

func (g *Grid) computeNeighbors(cellIdx int32) {
	coord := g.coordFromIndex(cellIdx)
	n := 0
	for dz := int32(-1); dz <= 1; dz++ {
		for dy := int32(-1); dy <= 1; dy++ {
			for dx := int32(-1); dx <= 1; dx++ {
				nc := [3]int32{
					wrapCoord(coord[0]+dx, g.n[0]),
					wrapCoord(coord[1]+dy, g.n[1]),
					wrapCoord(coord[2]+dz, g.n[2]),
				}
				g.cells[cellIdx].Neighbors[n] = g.cellIndexOf(nc)
				n++
			}
		}
	}
}

func (g *Grid) coordFromIndex(idx int32) [3]int32 {
	x := idx % g.n[0]
	rest := idx / g.n[0]
	y := rest % g.n[1]
	z := rest / g.n[1]
	return [3]int32{x, y, z}
}

func wrapCoord(v, n int32) int32 {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// ensureUnitCapacity grows cellOfUnit so index i is addressable.
func (g *Grid) ensureUnitCapacity(i int32) {
	for int32(len(g.cellOfUnit)) <= i {
		g.cellOfUnit = append(g.cellOfUnit, -1)
	}
}

// Insert places unit i (already pre-wrapped to pos) into its cell. O(1).
func (g *Grid) Insert(i int32, pos [3]float64) {
	g.ensureUnitCapacity(i)
	cellIdx := g.CellOf(pos)
	g.cells[cellIdx].Units = append(g.cells[cellIdx].Units, i)
	g.cellOfUnit[i] = cellIdx
}

// Move updates unit i's cell membership for a new (pre-wrapped) position.
// O(1) if the cell is unchanged, O(K) otherwise (K = old cell occupancy).
func (g *Grid) Move(i int32, pos [3]float64) {
	g.ensureUnitCapacity(i)
	newCell := g.CellOf(pos)
	old := g.CellOfUnit(i)
	if old == newCell {
		return
	}
	g.removeFromCell(old, i)
	g.cells[newCell].Units = append(g.cells[newCell].Units, i)
	g.cellOfUnit[i] = newCell
}

// Remove deletes unit i from its current cell.
func (g *Grid) Remove(i int32) {
	old := g.CellOfUnit(i)
	if old < 0 {
		return
	}
	g.removeFromCell(old, i)
	g.cellOfUnit[i] = -1
}

func (g *Grid) removeFromCell(cellIdx, i int32) {
	if cellIdx < 0 {
		return
	}
	units := g.cells[cellIdx].Units
	for idx, u := range units {
		if u == i {
			units[idx] = units[len(units)-1]
			g.cells[cellIdx].Units = units[:len(units)-1]
			return
		}
	}
}

// Reindex rewrites cellOfUnit so that the unit formerly tracked at oldIndex
// is now tracked at newIndex, and updates the owning cell's membership
// list in place. Used after units.Store.Delete moves the last slot into a
// freed one.
func (g *Grid) Reindex(oldIndex, newIndex int32) {
	cellIdx := g.CellOfUnit(oldIndex)
	g.ensureUnitCapacity(newIndex)
	if cellIdx < 0 {
		g.cellOfUnit[newIndex] = -1
		return
	}
	list := g.cells[cellIdx].Units
	for idx, u := range list {
		if u == oldIndex {
			list[idx] = newIndex
			break
		}
	}
	g.cellOfUnit[newIndex] = cellIdx
	if int(oldIndex) < len(g.cellOfUnit) {
		g.cellOfUnit[oldIndex] = -1
	}
}

// Neighborhood returns the 27 cells around unit i's cell.
func (g *Grid) Neighborhood(i int32) [27]int32 {
	return g.cells[g.CellOfUnit(i)].Neighbors
}

// NeighborhoodOfCell returns the 27 cells around the given cell index.
func (g *Grid) NeighborhoodOfCell(cellIdx int32) [27]int32 {
	return g.cells[cellIdx].Neighbors
}

// UnitsIn returns the unit indices currently stored in a cell.
func (g *Grid) UnitsIn(cellIdx int32) []int32 {
	return g.cells[cellIdx].Units
}

// CellCount returns the total number of cells.
func (g *Grid) CellCount() int32 { return int32(len(g.cells)) }

// CheckInvariant reports whether, for every tracked unit, its recorded
// cell actually contains it exactly once. Used by tests; not on any hot
// path.
func (g *Grid) CheckInvariant() bool {
	for i, cellIdx := range g.cellOfUnit {
		if cellIdx < 0 {
			continue
		}
		count := 0
		for _, u := range g.cells[cellIdx].Units {
			if u == int32(i) {
				count++
			}
		}
		if count != 1 {
			return false
		}
	}
	return true
}
