package sim

// Parameters are the user-adjustable physics constants, published through
// their own triple buffer (pubsub.Publisher[Parameters]) separate from the
// unit-state publisher, per spec §5 ("parameters flow forward through a
// separate triple buffer").
type Parameters struct {
	VertexForceRadius     float64
	VertexForceStrength   float64
	CentralForceOvershoot float64
	CentralForceStrength  float64
	LinearDampening       float64
	AngularDampening      float64
	Attenuation           float64
	TimeFactor            float64

	// MaxEffectiveDT is the safety ceiling applied to dt_real*TimeFactor
	// before every advance. The original clamps to 0.06 "based on
	// experiments" with no physical derivation; exposed here as a knob
	// per open question 1 rather than a hardcoded literal.
	MaxEffectiveDT float64
}

// DefaultParameters returns a reasonable starting point matching the
// constants named in spec §4.I's snapshot-file four scalars, plus the
// dampening/attenuation/time-factor knobs from §6.
func DefaultParameters() Parameters {
	return Parameters{
		VertexForceRadius:     1.0,
		VertexForceStrength:   50.0,
		CentralForceOvershoot: 0.2,
		CentralForceStrength:  50.0,
		LinearDampening:       0.5,
		AngularDampening:      0.5,
		Attenuation:           0.999,
		TimeFactor:            1.0,
		MaxEffectiveDT:        0.06,
	}
}

// EffectiveDT converts a real-time step into the clamped simulation-time
// step the integrator actually advances by.
func (p Parameters) EffectiveDT(dtReal float64) float64 {
	dt := dtReal * p.TimeFactor
	if dt > p.MaxEffectiveDT {
		dt = p.MaxEffectiveDT
	}
	return dt
}
