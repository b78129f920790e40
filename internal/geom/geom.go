// Package geom provides the rigid-body math primitives shared by the
// simulation engine: points, vectors, quaternions and 3x3 tensors.
//
// Vector and quaternion algebra is delegated to gonum's spatial/r3 and
// num/quat packages rather than hand-rolled, matching how the rest of the
// retrieved pack leans on gonum for numerics.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Point is a position in simulation space.
type Point = r3.Vec

// Vector is a displacement, velocity, or force in simulation space.
type Vector = r3.Vec

// Zero is the additive identity vector.
var Zero = Vector{}

// NewVector builds a Vector from components.
func NewVector(x, y, z float64) Vector {
	return Vector{X: x, Y: y, Z: z}
}

// Add returns a+b.
func Add(a, b Vector) Vector { return r3.Add(a, b) }

// Sub returns a-b.
func Sub(a, b Vector) Vector { return r3.Sub(a, b) }

// Scale returns s*v.
func Scale(s float64, v Vector) Vector { return r3.Scale(s, v) }

// Dot returns the dot product of a and b.
func Dot(a, b Vector) float64 { return r3.Dot(a, b) }

// Cross returns the cross product a x b.
func Cross(a, b Vector) Vector { return r3.Cross(a, b) }

// Norm returns the Euclidean length of v.
func Norm(v Vector) float64 { return r3.Norm(v) }

// NormSq returns the squared Euclidean length of v, avoiding a sqrt.
func NormSq(v Vector) float64 { return r3.Dot(v, v) }

// Quaternion is a unit quaternion representing an orientation.
type Quaternion struct {
	quat.Number
}

// Identity is the identity orientation.
func Identity() Quaternion {
	return Quaternion{quat.Number{Real: 1}}
}

// NewQuaternion builds a quaternion from its four components (w,x,y,z).
func NewQuaternion(w, x, y, z float64) Quaternion {
	return Quaternion{quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}}
}

// Mul returns a*b (Hamilton product), composing b's rotation inside a's.
func (a Quaternion) Mul(b Quaternion) Quaternion {
	return Quaternion{quat.Mul(a.Number, b.Number)}
}

// Conj returns the conjugate of q.
func (q Quaternion) Conj() Quaternion {
	return Quaternion{quat.Conj(q.Number)}
}

// Norm returns the Euclidean norm of q's components.
func (q Quaternion) Norm() float64 {
	return quat.Abs(q.Number)
}

// Normalized returns q scaled to unit length, or Identity if q is
// (numerically) the zero quaternion.
func (q Quaternion) Normalized() Quaternion {
	n := q.Norm()
	if n < 1e-12 {
		return Identity()
	}
	inv := 1 / n
	return NewQuaternion(q.Real*inv, q.Imag*inv, q.Jmag*inv, q.Kmag*inv)
}

// Rotate applies q's rotation to vector v.
func (q Quaternion) Rotate(v Vector) Vector {
	p := quat.Number{Real: 0, Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q.Number, p), quat.Conj(q.Number))
	return Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// FromAngularVelocity builds the quaternion "delta" corresponding to
// integrating angular velocity omega over dt, suitable for composing on
// the left of an existing orientation: q' = delta.Mul(q).
//
// Uses the small-angle exponential map, exact for the magnitude of omega*dt
// the integrator is expected to see after the dt ceiling in spec.md §4.C.
func FromAngularVelocity(omega Vector, dt float64) Quaternion {
	theta := Norm(omega) * dt
	if theta < 1e-12 {
		return Identity()
	}
	half := theta / 2
	s := math.Sin(half) / theta * dt
	return NewQuaternion(math.Cos(half), omega.X*s, omega.Y*s, omega.Z*s)
}

// Matrix3 is a 3x3 tensor (moment of inertia or its inverse).
type Matrix3 [3][3]float64

// Apply returns m*v.
func (m Matrix3) Apply(v Vector) Vector {
	return Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Inverse3 computes the inverse of a 3x3 matrix. Callers precompute this
// once per unit type at load time (moment_of_inertia -> inv_moment_of_inertia).
func Inverse3(m Matrix3) Matrix3 {
	a, b, c := m[0][0], m[0][1], m[0][2]
	d, e, f := m[1][0], m[1][1], m[1][2]
	g, h, i := m[2][0], m[2][1], m[2][2]

	det := a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
	if math.Abs(det) < 1e-15 {
		return Matrix3{}
	}
	invDet := 1 / det

	return Matrix3{
		{(e*i - f*h) * invDet, (c*h - b*i) * invDet, (b*f - c*e) * invDet},
		{(f*g - d*i) * invDet, (a*i - c*g) * invDet, (c*d - a*f) * invDet},
		{(d*h - e*g) * invDet, (b*g - a*h) * invDet, (a*e - b*d) * invDet},
	}
}
