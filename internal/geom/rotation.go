// Package geom provides the rigid-transform types shared by the detector,
// pose solver, field layout and wire protocol, together with the basis
// change between the camera (vision) and field (robot) axis conventions.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Mul returns m*o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return out
}

// T returns the transpose of m.
func (m Mat3) T() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// MulVec returns m*v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Det returns the determinant of m.
func (m Mat3) Det() float64 {
	return m.R3().Det()
}

// R3 copies m into a gonum r3.Mat.
func (m Mat3) R3() *r3.Mat {
	return r3.NewMat([]float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
}

// Mat3FromR3 copies a gonum r3.Mat into a value matrix.
func Mat3FromR3(a *r3.Mat) Mat3 {
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = a.At(i, j)
		}
	}
	return m
}

// Col returns column j of m.
func (m Mat3) Col(j int) r3.Vec {
	return r3.Vec{X: m[0][j], Y: m[1][j], Z: m[2][j]}
}

// Rotation is a 3D rotation stored as a unit quaternion. The zero value is
// the identity rotation.
type Rotation struct {
	q quat.Number
}

// RotationFromQuaternion builds a rotation from quaternion components,
// normalizing them. A zero quaternion yields the identity.
func RotationFromQuaternion(w, x, y, z float64) Rotation {
	q := quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return Rotation{}
	}
	return Rotation{q: quat.Scale(1/n, q)}
}

// RotationFromUnitQuaternion stores the components verbatim. It is used by
// decoders, where renormalizing would perturb the low bits of a value that
// was already unit length when it was encoded.
func RotationFromUnitQuaternion(w, x, y, z float64) Rotation {
	return Rotation{q: quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}}
}

// AxisAngle returns a rotation of angle radians about axis.
func AxisAngle(axis r3.Vec, angle float64) Rotation {
	n := r3.Norm(axis)
	if n == 0 {
		return Rotation{}
	}
	s := math.Sin(angle/2) / n
	return Rotation{q: quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}}
}

// RotationFromEuler composes yaw (Z), pitch (Y) and roll (X) in the
// extrinsic X-then-Y-then-Z order used by the field convention.
func RotationFromEuler(roll, pitch, yaw float64) Rotation {
	rx := AxisAngle(r3.Vec{X: 1}, roll)
	ry := AxisAngle(r3.Vec{Y: 1}, pitch)
	rz := AxisAngle(r3.Vec{Z: 1}, yaw)
	return rz.Mul(ry).Mul(rx)
}

func (r Rotation) quat() quat.Number {
	if r.q == (quat.Number{}) {
		return quat.Number{Real: 1}
	}
	return r.q
}

// Quaternion returns the (w, x, y, z) components.
func (r Rotation) Quaternion() (w, x, y, z float64) {
	q := r.quat()
	return q.Real, q.Imag, q.Jmag, q.Kmag
}

// Mul returns the rotation that applies o first and then r.
func (r Rotation) Mul(o Rotation) Rotation {
	return Rotation{q: quat.Mul(r.quat(), o.quat())}
}

// Inverse returns the inverse rotation.
func (r Rotation) Inverse() Rotation {
	return Rotation{q: quat.Conj(r.quat())}
}

// Rotate applies the rotation to v.
func (r Rotation) Rotate(v r3.Vec) r3.Vec {
	return r.Matrix().MulVec(v)
}

// Angle returns the rotation angle in radians, in [0, pi].
func (r Rotation) Angle() float64 {
	q := r.quat()
	v := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	return 2 * math.Atan2(v, math.Abs(q.Real))
}

// Matrix returns the rotation as an orthonormal matrix.
func (r Rotation) Matrix() Mat3 {
	q := r.quat()
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return Mat3{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// RotationFromMatrix converts an orthonormal matrix to a rotation. The
// returned quaternion has a non-negative scalar part.
func RotationFromMatrix(m Mat3) Rotation {
	var w, x, y, z float64
	tr := m[0][0] + m[1][1] + m[2][2]
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		w = s / 4
		x = (m[2][1] - m[1][2]) / s
		y = (m[0][2] - m[2][0]) / s
		z = (m[1][0] - m[0][1]) / s
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		w = (m[2][1] - m[1][2]) / s
		x = s / 4
		y = (m[0][1] + m[1][0]) / s
		z = (m[0][2] + m[2][0]) / s
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		w = (m[0][2] - m[2][0]) / s
		x = (m[0][1] + m[1][0]) / s
		y = s / 4
		z = (m[1][2] + m[2][1]) / s
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		w = (m[1][0] - m[0][1]) / s
		x = (m[0][2] + m[2][0]) / s
		y = (m[1][2] + m[2][1]) / s
		z = s / 4
	}
	if w < 0 {
		w, x, y, z = -w, -x, -y, -z
	}
	return RotationFromQuaternion(w, x, y, z)
}

// RotationVectorToMatrix converts an axis-angle rotation vector (direction
// is the axis, norm is the angle in radians) to a rotation matrix using
// the Rodrigues formula.
func RotationVectorToMatrix(rv r3.Vec) Mat3 {
	out := r3.Eye()
	theta := r3.Norm(rv)
	if theta < 1e-12 {
		// First order: I + [rv]x
		out.Add(out, r3.Skew(rv))
		return Mat3FromR3(out)
	}
	k := r3.Skew(r3.Scale(1/theta, rv))
	var k2 r3.Mat
	k2.Mul(k, k)
	k2.Scale(1-math.Cos(theta), &k2)
	k.Scale(math.Sin(theta), k)
	out.Add(out, k)
	out.Add(out, &k2)
	return Mat3FromR3(out)
}

// MatrixToRotationVector is the inverse of RotationVectorToMatrix.
func MatrixToRotationVector(m Mat3) r3.Vec {
	r := RotationFromMatrix(m)
	w, x, y, z := r.Quaternion()
	v := math.Sqrt(x*x + y*y + z*z)
	if v < 1e-15 {
		return r3.Vec{}
	}
	angle := 2 * math.Atan2(v, w)
	return r3.Scale(angle/v, r3.Vec{X: x, Y: y, Z: z})
}

// RotationFromVector builds a rotation from an axis-angle rotation vector.
func RotationFromVector(rv r3.Vec) Rotation {
	theta := r3.Norm(rv)
	if theta == 0 {
		return Rotation{}
	}
	return AxisAngle(rv, theta)
}

// Vector returns the axis-angle rotation vector.
func (r Rotation) Vector() r3.Vec {
	return MatrixToRotationVector(r.Matrix())
}
