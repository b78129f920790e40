// Package sim hosts THE CORE's deterministic rigid-body integrator and the
// three collaborators that sit directly on its tick boundary: the request
// queue, the pick registry, and the copy buffer.
package sim

import (
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"nck/internal/codec"
	"nck/internal/geom"
	"nck/internal/pubsub"
	"nck/internal/spatial"
	"nck/internal/units"
)

// maxRequestsPerTick bounds how many queued requests a single Advance
// will drain, matching the teacher's pattern of bounding per-tick work
// even though the underlying queue itself is already bounded.
const maxRequestsPerTick = 4096

// Integrator owns the authoritative Store, Grid, request queue, pick
// registry, and copy buffer, and advances them one tick at a time,
// grounded on the teacher's Engine.tick() shape (mu-guarded state,
// ticker-driven cadence) generalized from 2-D combat to rigid-body
// dynamics.
type Integrator struct {
	mu sync.Mutex

	Store   *units.Store
	Grid    *spatial.Grid
	Domain  units.Domain
	Queue   *RequestQueue
	Picks   *PickRegistry
	CopyBuf *CopyBuffer

	ParamsPub *pubsub.Publisher[Parameters]
	StatePub  *pubsub.Publisher[units.StateArray]

	sessionID int64
	timeStamp int64

	forces  []geom.Vector
	torques []geom.Vector
	half    []units.UnitState

	// latestSnapshot lets HTTP/admin-API callers (internal/api) read the
	// current state without taking the StatePub reader role, which
	// internal/server already holds. Written once per tick by Advance (the
	// sole writer), so free to read from any number of goroutines.
	latestSnapshot atomic.Value // units.StateArray

	// currentParams mirrors the Parameters value Advance is using this
	// tick, guarded by mu (Advance holds mu for the whole tick), so
	// ParametersSnapshot can read it without touching ParamsPub's
	// single-reader-goroutine role (owned by Advance via LockNewValue).
	currentParams Parameters
}

// NewIntegrator builds an Integrator over a fresh session: the given
// unit-type dictionary and domain, with a grid sized from params'
// interaction radii.
func NewIntegrator(types []units.UnitType, domain units.Domain, params Parameters, maxUnitsHint int) *Integrator {
	store := units.NewStore(types)

	r := maxInteractionRadius(types, params)
	grid := spatial.NewGrid(domain, r, maxUnitsHint)

	picks := NewPickRegistry()
	store.SetIndexMovedHook(func(old, new int32) {
		grid.Reindex(old, new)
		picks.RewriteUnitIndex(old, new)
	})

	integ := &Integrator{
		Store:     store,
		Grid:      grid,
		Domain:    domain,
		Queue:     NewRequestQueue(1024),
		Picks:     picks,
		CopyBuf:   NewCopyBuffer(),
		ParamsPub: pubsub.NewPublisher(func() Parameters { return params }),
		StatePub: pubsub.NewPublisher(func() units.StateArray {
			return units.StateArray{Units: make([]units.UnitState, 0, maxUnitsHint)}
		}),
		sessionID: 1,
		currentParams: params,
	}
	*integ.ParamsPub.StartNewValue() = params
	integ.ParamsPub.PostNewValue()
	return integ
}

// maxInteractionRadius derives the worst-case interaction radius R the
// grid must be conservative for, per spec §4.A:
// R = max(2*r + central_force_overshoot, 2*|bond_site_offset| + vertex_force_radius).
func maxInteractionRadius(types []units.UnitType, p Parameters) float64 {
	maxR := 0.0
	maxBondOffset := 0.0
	for _, t := range types {
		if t.Radius > maxR {
			maxR = t.Radius
		}
		for _, site := range t.BondSites {
			if l := geom.Norm(site); l > maxBondOffset {
				maxBondOffset = l
			}
		}
	}
	central := 2*maxR + p.CentralForceOvershoot
	vertex := 2*maxBondOffset + p.VertexForceRadius
	if central > vertex {
		return central
	}
	return vertex
}

// SetParameters publishes new Parameters for the integrator to pick up on
// its next tick.
func (in *Integrator) SetParameters(p Parameters) {
	*in.ParamsPub.StartNewValue() = p
	in.ParamsPub.PostNewValue()
}

// SessionID returns the current session id.
func (in *Integrator) SessionID() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.sessionID
}

// UnitTypes returns the live unit-type dictionary. Safe to call
// concurrently with Advance; a LoadState request can replace the backing
// Store wholesale, so this takes in.mu like SessionID does.
func (in *Integrator) UnitTypes() []units.UnitType {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.Store.Types
}

// DomainInfo returns the current wrap-around domain bounds.
func (in *Integrator) DomainInfo() units.Domain {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.Domain
}

// Enqueue queues a UI request for the next tick to apply, per spec §4.D.
// A thin pass-through so callers (internal/api, internal/server) depend on
// Integrator rather than reaching into its Queue field directly.
func (in *Integrator) Enqueue(r Request) bool {
	return in.Queue.Enqueue(r)
}

// QueueStats returns current request-queue statistics.
func (in *Integrator) QueueStats() RequestQueueStats {
	return in.Queue.Stats()
}

// BondCount returns the current number of vertex bonds.
func (in *Integrator) BondCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.Store.Bonds.Len() / 2
}

// AllocatePickID allocates a fresh, globally unique pick id without
// attaching it to any unit yet — used by callers (the admin API) that need
// the id before enqueuing the PickPoint/PickRay request that will use it.
func (in *Integrator) AllocatePickID() units.PickID {
	return in.Picks.AllocateID()
}

// Advance runs one simulation tick: clamp dt, drain requests, integrate
// forces with a half-step predictor/corrector, apply UI requests, update
// bonds, and publish. Errors are never allowed to unwind past this call;
// Advance recovers and logs, matching spec §7's "nothing unwinds across
// the tick boundary".
func (in *Integrator) Advance(dtReal float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sim: recovered from panic during advance: %v", r)
		}
	}()

	in.mu.Lock()
	defer in.mu.Unlock()

	in.ParamsPub.LockNewValue()
	params := *in.ParamsPub.GetLockedValue()
	in.currentParams = params
	dt := params.EffectiveDT(dtReal)

	requests := in.Queue.Drain(maxRequestsPerTick)

	n := in.Store.Count()
	in.ensureScratch(int(n))

	forcesA, torquesA := in.calcForces(in.Store.States, params)
	in.apply(in.Store.States, in.half[:n], forcesA, torquesA, dt/2, params)

	forcesB, torquesB := in.calcForces(in.half[:n], params)

	nextSlot := in.StatePub.StartNewValue()
	in.resizeSlot(nextSlot, int(n), requests)
	copy(nextSlot.Units, in.Store.States)

	in.apply(in.Store.States, nextSlot.Units, forcesB, torquesB, dt, params)

	in.Store.States = nextSlot.Units

	in.applyRequests(requests, params)
	in.updateBonds(params)

	in.timeStamp++
	nextSlot.SessionID = in.sessionID
	nextSlot.TimeStamp = in.timeStamp
	// Requests (in particular LoadState) may have replaced in.Store
	// wholesale, so re-sync rather than assume nextSlot.Units is still the
	// array applyRequests/updateBonds mutated in place.
	nextSlot.Units = in.Store.States
	in.StatePub.PostNewValue()

	in.latestSnapshot.Store(nextSlot.Clone())
}

// LatestSnapshot returns a deep copy of the most recently published state,
// for read-only callers (the admin API) that must not contend with
// internal/server's StatePub reader role.
func (in *Integrator) LatestSnapshot() units.StateArray {
	if v := in.latestSnapshot.Load(); v != nil {
		return v.(units.StateArray)
	}
	return units.StateArray{}
}

// ParametersSnapshot returns the live Parameters under in.mu, safe to call
// from any goroutine without touching ParamsPub's single-reader role
// (owned by Advance).
func (in *Integrator) ParametersSnapshot() Parameters {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.currentParams
}

func (in *Integrator) ensureScratch(n int) {
	if cap(in.forces) < n {
		grown := n * 2
		in.forces = make([]geom.Vector, grown)
		in.torques = make([]geom.Vector, grown)
	}
	in.forces = in.forces[:n]
	in.torques = in.torques[:n]

	if cap(in.half) < n {
		in.half = make([]units.UnitState, n*2)
	}
	in.half = in.half[:n]
}

// resizeSlot reserves capacity in the next publisher slot for worst-case
// additions from pending CREATE/PASTE requests, then trims it to the
// current unit count so the half-step/full-step apply writes into exactly
// n live slots.
func (in *Integrator) resizeSlot(slot *units.StateArray, n int, requests []Request) {
	extra := 0
	for _, r := range requests {
		switch r.Kind {
		case ReqCreate:
			extra++
		case ReqPaste:
			extra += len(in.CopyBuf.Units)
		}
	}
	needed := n + extra
	if cap(slot.Units) < needed {
		grown := make([]units.UnitState, n, needed*2)
		slot.Units = grown
	} else {
		slot.Units = slot.Units[:n]
	}
}

func (in *Integrator) applyRequests(requests []Request, params Parameters) {
	for _, r := range requests {
		in.applyRequest(r, params)
	}
}

func (in *Integrator) applyRequest(r Request, params Parameters) {
	switch r.Kind {
	case ReqPickPoint:
		in.Picks.PickPoint(in.Store, in.Grid, in.Domain, r.Pos, r.Radius, r.Orient, r.Connected, r.PickID)
	case ReqPickRay:
		// Reserved: treated as a documented no-op per open question 2.
		// The pick id was already allocated at enqueue time; no pick record
		// is created for it and nothing further happens here.
	case ReqPaste:
		in.Picks.Paste(in.Store, in.Grid, in.Domain, in.CopyBuf, r.Pos, r.Orient, r.LinearVelocity, r.AngularVelocity, r.PickID)
	case ReqCreate:
		in.Picks.Create(in.Store, in.Grid, r.PickID, r.TypeID, r.Pos, r.Orient, r.LinearVelocity, r.AngularVelocity, params.TimeFactor)
	case ReqSetState:
		in.Picks.SetState(in.Store, in.Grid, in.Domain, r.PickID, r.Pos, r.Orient, r.LinearVelocity, r.AngularVelocity, params.TimeFactor)
	case ReqCopy:
		in.Picks.Copy(in.Store, in.CopyBuf, r.PickID)
	case ReqDestroy:
		in.Picks.Destroy(in.Store, in.Grid, r.PickID)
	case ReqRelease:
		in.Picks.Release(in.Store, r.PickID)
	case ReqSaveState:
		in.handleSaveState(r)
	case ReqLoadState:
		in.handleLoadState(r)
	}
}

// calcForces computes the net central-repulsion and vertex-bond force and
// torque on every unit in states, per spec §4.C. Pair traversal walks each
// unit's 27-cell neighborhood and counts every pair exactly once via the
// j > i convention (the grid's cell membership already reflects states'
// positions by the time this is called — see Advance).
func (in *Integrator) calcForces(states []units.UnitState, params Parameters) ([]geom.Vector, []geom.Vector) {
	n := len(states)
	forces := in.forces[:n]
	torques := in.torques[:n]
	for i := range forces {
		forces[i] = geom.Vector{}
		torques[i] = geom.Vector{}
	}

	for i := 0; i < n; i++ {
		cellIdx := in.Grid.CellOfUnit(int32(i))
		if cellIdx < 0 {
			continue
		}
		for _, neighborCell := range in.Grid.NeighborhoodOfCell(cellIdx) {
			for _, j := range in.Grid.UnitsIn(neighborCell) {
				if j <= int32(i) {
					continue
				}
				in.addCentralForce(states, forces, int(i), int(j), params)
			}
		}
	}

	halves := in.Store.Bonds.UpHalves()
	sort.Slice(halves, func(a, b int) bool {
		if halves[a].Source.UnitIndex != halves[b].Source.UnitIndex {
			return halves[a].Source.UnitIndex < halves[b].Source.UnitIndex
		}
		return halves[a].Source.BondSiteIndex < halves[b].Source.BondSiteIndex
	})
	for _, half := range halves {
		in.addBondForce(states, forces, torques, half.Source, half.Dest, params)
	}

	return forces, torques
}

// addCentralForce adds the repulsive central force between units i and j to
// forces, if they are within r_i + r_j + central_force_overshoot of each
// other (wrapped distance). Equal and opposite.
func (in *Integrator) addCentralForce(states []units.UnitState, forces []geom.Vector, i, j int, params Parameters) {
	a, b := states[i], states[j]
	threshold := in.Store.Types[a.UnitTypeID].Radius + in.Store.Types[b.UnitTypeID].Radius + params.CentralForceOvershoot
	if threshold <= 0 {
		return
	}

	delta := in.Domain.WrapDelta(geom.Sub(a.Position, b.Position))
	dist := geom.Norm(delta)
	if dist >= threshold || dist == 0 {
		return
	}

	magnitude := params.CentralForceStrength * (threshold - dist) / (threshold * threshold)
	f := geom.Scale(magnitude, delta)

	forces[i] = geom.Add(forces[i], f)
	forces[j] = geom.Sub(forces[j], f)
}

// addBondForce adds the attractive vertex-bond spring force, the
// velocity-difference linear dampening, and the angular dampening torque
// between a bond's two halves to forces/torques, plus the lever-arm torque
// those linear forces produce at each bond-site anchor. Equal and opposite.
func (in *Integrator) addBondForce(states []units.UnitState, forces, torques []geom.Vector, source, dest units.Bond, params Parameters) {
	i, j := source.UnitIndex, dest.UnitIndex
	a, b := states[i], states[j]
	ta, tb := in.Store.Types[a.UnitTypeID], in.Store.Types[b.UnitTypeID]

	offsetA := a.Orientation.Rotate(ta.BondSites[source.BondSiteIndex])
	offsetB := b.Orientation.Rotate(tb.BondSites[dest.BondSiteIndex])
	siteA := geom.Add(a.Position, offsetA)
	siteB := geom.Add(b.Position, offsetB)

	delta := in.Domain.WrapDelta(geom.Sub(siteB, siteA))
	dist := geom.Norm(delta)

	springMagnitude := params.VertexForceStrength * (params.VertexForceRadius - dist) / (params.VertexForceRadius * params.VertexForceRadius)
	spring := geom.Scale(springMagnitude, delta)

	velA := geom.Add(a.LinearVelocity, geom.Cross(a.AngularVelocity, offsetA))
	velB := geom.Add(b.LinearVelocity, geom.Cross(b.AngularVelocity, offsetB))
	dv := geom.Sub(velB, velA)
	damping := geom.Scale(params.LinearDampening, dv)

	fA := geom.Add(spring, damping)
	fB := geom.Scale(-1, fA)

	forces[i] = geom.Add(forces[i], fA)
	forces[j] = geom.Add(forces[j], fB)

	torques[i] = geom.Add(torques[i], geom.Cross(offsetA, fA))
	torques[j] = geom.Add(torques[j], geom.Cross(offsetB, fB))

	domega := geom.Sub(b.AngularVelocity, a.AngularVelocity)
	angularDamp := geom.Scale(params.AngularDampening, domega)
	torques[i] = geom.Add(torques[i], angularDamp)
	torques[j] = geom.Sub(torques[j], angularDamp)
}

// apply integrates source into dest over dt using the given per-unit
// forces/torques, per spec §4.C: held units pass their velocities through
// unmodified (ignoring force/torque entirely), unheld units integrate
// velocity from force/torque then position/orientation from the new
// velocity, then have attenuation applied. Grid cell membership is updated
// for every unit whose cell changed.
func (in *Integrator) apply(source, dest []units.UnitState, forces, torques []geom.Vector, dt float64, params Parameters) {
	attenuation := attenuationFactor(params.Attenuation, dt)

	for i := range source {
		st := source[i]
		t := in.Store.Types[st.UnitTypeID]

		if st.PickID == 0 {
			st.LinearVelocity = geom.Add(st.LinearVelocity, geom.Scale(t.InvMass*dt, forces[i]))
			st.AngularVelocity = geom.Add(st.AngularVelocity, geom.Scale(dt, t.InvMomentOfInertia.Apply(torques[i])))
		}

		st.Position = in.Domain.Wrap(geom.Add(st.Position, geom.Scale(dt, st.LinearVelocity)))
		st.Orientation = geom.FromAngularVelocity(st.AngularVelocity, dt).Mul(st.Orientation).Normalized()

		if st.PickID == 0 {
			st.LinearVelocity = geom.Scale(attenuation, st.LinearVelocity)
			st.AngularVelocity = geom.Scale(attenuation, st.AngularVelocity)
		}

		dest[i] = st
		in.Grid.Move(int32(i), [3]float64{st.Position.X, st.Position.Y, st.Position.Z})
	}
}

// attenuationFactor raises the per-tick attenuation constant to the dt
// power so damping strength is independent of step size.
func attenuationFactor(attenuation, dt float64) float64 {
	if attenuation <= 0 {
		return 0
	}
	return math.Pow(attenuation, dt)
}

// updateBonds breaks any bond whose bond-site world distance now exceeds
// vertex_force_radius, then scans every unbonded site's 27-cell
// neighborhood for a free partner within range, per spec §4.C. At most one
// bond per site; creation is symmetric.
func (in *Integrator) updateBonds(params Parameters) {
	states := in.Store.States

	for _, half := range in.Store.Bonds.UpHalves() {
		siteA := units.BondSiteWorldPosition(in.Store.Types[states[half.Source.UnitIndex].UnitTypeID], states[half.Source.UnitIndex], half.Source.BondSiteIndex)
		siteB := units.BondSiteWorldPosition(in.Store.Types[states[half.Dest.UnitIndex].UnitTypeID], states[half.Dest.UnitIndex], half.Dest.BondSiteIndex)
		dist := geom.Norm(in.Domain.WrapDelta(geom.Sub(siteB, siteA)))
		if dist > params.VertexForceRadius {
			in.Store.Bonds.Remove(half.Source)
		}
	}

	for i := range states {
		t := in.Store.Types[states[i].UnitTypeID]
		for siteIdx := range t.BondSites {
			site := units.Bond{UnitIndex: int32(i), BondSiteIndex: int32(siteIdx)}
			if in.Store.Bonds.Has(site) {
				continue
			}
			in.tryCreateBond(states, site, params)
		}
	}
}

// tryCreateBond searches site's owning unit's 27-cell neighborhood for the
// first free bond site on another unit within vertex_force_radius, and
// bonds to it if found.
func (in *Integrator) tryCreateBond(states []units.UnitState, site units.Bond, params Parameters) {
	st := states[site.UnitIndex]
	worldPos := units.BondSiteWorldPosition(in.Store.Types[st.UnitTypeID], st, site.BondSiteIndex)

	cellIdx := in.Grid.CellOfUnit(site.UnitIndex)
	if cellIdx < 0 {
		return
	}
	for _, neighborCell := range in.Grid.NeighborhoodOfCell(cellIdx) {
		for _, j := range in.Grid.UnitsIn(neighborCell) {
			if j == site.UnitIndex {
				continue
			}
			other := states[j]
			otherType := in.Store.Types[other.UnitTypeID]
			for k := range otherType.BondSites {
				candidate := units.Bond{UnitIndex: j, BondSiteIndex: int32(k)}
				if in.Store.Bonds.Has(candidate) {
					continue
				}
				otherPos := units.BondSiteWorldPosition(otherType, other, candidate.BondSiteIndex)
				dist := geom.Norm(in.Domain.WrapDelta(geom.Sub(otherPos, worldPos)))
				if dist <= params.VertexForceRadius {
					in.Store.Bonds.Add(site, candidate)
					return
				}
			}
		}
	}
}

// handleSaveState serializes the current session to r.Sink, per spec
// §4.D/§9.5. Concurrent saves are permitted (not serialized against each
// other); each save writes into its own request-supplied io.Writer.
func (in *Integrator) handleSaveState(r Request) {
	snap := codec.Snapshot{
		Types:  in.Store.Types,
		Domain: in.Domain,
		Params: toCodecParams(*in.ParamsPub.GetLockedValue()),
		States: units.StateArray{
			SessionID: in.sessionID,
			TimeStamp: in.timeStamp,
			Units:     in.Store.States,
		},
		Bonds: bondPairs(in.Store.Bonds),
	}

	var err error
	if r.Sink != nil {
		err = codec.WriteSnapshot(r.Sink, snap)
	}
	if r.Completion != nil {
		r.Completion(err)
	}
	if err != nil {
		log.Printf("sim: save state failed: %v", err)
	}
}

// handleLoadState replaces the entire session — types, domain, states,
// bonds — from r.Source, and rewires the grid and pick registry against
// the new unit count. The old grid/pick registry are discarded rather
// than reused, since a loaded snapshot may carry an incompatible unit-type
// dictionary or domain size.
func (in *Integrator) handleLoadState(r Request) {
	if r.Source == nil {
		return
	}
	snap, err := codec.ReadSnapshot(r.Source)
	if err != nil {
		if r.Completion != nil {
			r.Completion(err)
		}
		log.Printf("sim: load state failed: %v", err)
		return
	}

	store := units.NewStore(snap.Types)
	store.States = snap.States.Units
	for _, b := range snap.Bonds {
		store.Bonds.Add(b.Source, b.Dest)
	}

	grid := spatial.NewGrid(snap.Domain, maxInteractionRadius(snap.Types, fromCodecParams(snap.Params)), len(store.States)*2+64)
	for i, st := range store.States {
		grid.Insert(int32(i), [3]float64{st.Position.X, st.Position.Y, st.Position.Z})
	}

	picks := NewPickRegistry()
	store.SetIndexMovedHook(func(old, new int32) {
		grid.Reindex(old, new)
		picks.RewriteUnitIndex(old, new)
	})

	in.Store = store
	in.Grid = grid
	in.Domain = snap.Domain
	in.Picks = picks
	in.CopyBuf = NewCopyBuffer()

	if r.NewSessionID != 0 {
		in.sessionID = r.NewSessionID
	} else {
		in.sessionID++
	}
	in.timeStamp = 0
	in.SetParameters(fromCodecParams(snap.Params))

	if r.Completion != nil {
		r.Completion(nil)
	}
}

func toCodecParams(p Parameters) codec.Params {
	return codec.Params{
		VertexForceRadius:     p.VertexForceRadius,
		VertexForceStrength:   p.VertexForceStrength,
		CentralForceOvershoot: p.CentralForceOvershoot,
		CentralForceStrength:  p.CentralForceStrength,
		LinearDampening:       p.LinearDampening,
		AngularDampening:      p.AngularDampening,
		Attenuation:           p.Attenuation,
		TimeFactor:            p.TimeFactor,
		MaxEffectiveDT:        p.MaxEffectiveDT,
	}
}

func fromCodecParams(p codec.Params) Parameters {
	return Parameters{
		VertexForceRadius:     p.VertexForceRadius,
		VertexForceStrength:   p.VertexForceStrength,
		CentralForceOvershoot: p.CentralForceOvershoot,
		CentralForceStrength:  p.CentralForceStrength,
		LinearDampening:       p.LinearDampening,
		AngularDampening:      p.AngularDampening,
		Attenuation:           p.Attenuation,
		TimeFactor:            p.TimeFactor,
		MaxEffectiveDT:        p.MaxEffectiveDT,
	}
}

func bondPairs(m *units.BondMap) []codec.BondPair {
	halves := m.UpHalves()
	out := make([]codec.BondPair, len(halves))
	for i, h := range halves {
		out[i] = codec.BondPair{Source: h.Source, Dest: h.Dest}
	}
	return out
}
