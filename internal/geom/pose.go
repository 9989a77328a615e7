package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Pose3 is a rigid transform: a rotation followed by a translation. A pose
// of frame B expressed in frame A maps points from B coordinates into A.
type Pose3 struct {
	Translation r3.Vec
	Rotation    Rotation
}

// NewPose3 is a convenience constructor.
func NewPose3(t r3.Vec, r Rotation) Pose3 {
	return Pose3{Translation: t, Rotation: r}
}

// PoseFromMatrix builds a pose from a rotation matrix and translation.
func PoseFromMatrix(m Mat3, t r3.Vec) Pose3 {
	return Pose3{Translation: t, Rotation: RotationFromMatrix(m)}
}

// Compose returns p∘o: o is expressed in p's frame.
func (p Pose3) Compose(o Pose3) Pose3 {
	return Pose3{
		Translation: r3.Add(p.Translation, p.Rotation.Rotate(o.Translation)),
		Rotation:    p.Rotation.Mul(o.Rotation),
	}
}

// Inverse returns the inverse transform.
func (p Pose3) Inverse() Pose3 {
	inv := p.Rotation.Inverse()
	return Pose3{
		Translation: r3.Scale(-1, inv.Rotate(p.Translation)),
		Rotation:    inv,
	}
}

// TransformPoint maps x from the pose's local frame into its parent frame.
func (p Pose3) TransformPoint(x r3.Vec) r3.Vec {
	return r3.Add(p.Rotation.Rotate(x), p.Translation)
}

// ApproxEqual reports whether both poses agree within tol, comparing
// translations component-wise and rotations as matrices (so q and -q are equal).
func (p Pose3) ApproxEqual(o Pose3, tol float64) bool {
	d := r3.Sub(p.Translation, o.Translation)
	if math.Abs(d.X) > tol || math.Abs(d.Y) > tol || math.Abs(d.Z) > tol {
		return false
	}
	a, b := p.Rotation.Matrix(), o.Rotation.Matrix()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(a[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func (p Pose3) String() string {
	w, x, y, z := p.Rotation.Quaternion()
	return fmt.Sprintf("t=(%.4f, %.4f, %.4f) q=(%.4f, %.4f, %.4f, %.4f)",
		p.Translation.X, p.Translation.Y, p.Translation.Z, w, x, y, z)
}
