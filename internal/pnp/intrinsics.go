package pnp

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
)

// Intrinsics is a pinhole camera model with OpenCV-ordered distortion
// coefficients (k1, k2, p1, p2[, k3[, k4, k5, k6]]). Missing coefficients
// are zero.
type Intrinsics struct {
	Fx, Fy     float64
	Cx, Cy     float64
	Distortion []float64
}

// NewIntrinsics builds Intrinsics from a row-major 3x3 camera matrix.
func NewIntrinsics(k [9]float64, dist []float64) Intrinsics {
	return Intrinsics{
		Fx:         k[0],
		Fy:         k[4],
		Cx:         k[2],
		Cy:         k[5],
		Distortion: append([]float64(nil), dist...),
	}
}

// CameraMatrix returns the 3x3 camera matrix.
func (in Intrinsics) CameraMatrix() geom.Mat3 {
	return geom.Mat3{
		{in.Fx, 0, in.Cx},
		{0, in.Fy, in.Cy},
		{0, 0, 1},
	}
}

func (in Intrinsics) coeff(i int) float64 {
	if i < len(in.Distortion) {
		return in.Distortion[i]
	}
	return 0
}

func (in Intrinsics) hasDistortion() bool {
	for _, c := range in.Distortion {
		if c != 0 {
			return true
		}
	}
	return false
}

// distort applies the lens model to normalized coordinates.
func (in Intrinsics) distort(x, y float64) (float64, float64) {
	if !in.hasDistortion() {
		return x, y
	}
	k1, k2, p1, p2, k3 := in.coeff(0), in.coeff(1), in.coeff(2), in.coeff(3), in.coeff(4)
	k4, k5, k6 := in.coeff(5), in.coeff(6), in.coeff(7)

	r2 := x*x + y*y
	radial := (1 + r2*(k1+r2*(k2+r2*k3))) / (1 + r2*(k4+r2*(k5+r2*k6)))
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// Project maps a point in the camera frame (vision axes) to pixels. It
// reports false for points at or behind the camera plane.
func (in Intrinsics) Project(p r3.Vec) (model.Point2, bool) {
	if p.Z <= 0 {
		return model.Point2{}, false
	}
	xd, yd := in.distort(p.X/p.Z, p.Y/p.Z)
	return model.Point2{X: in.Fx*xd + in.Cx, Y: in.Fy*yd + in.Cy}, true
}

// Undistort maps a pixel to ideal normalized image coordinates by fixed
// point iteration on the lens model.
func (in Intrinsics) Undistort(px model.Point2) model.Point2 {
	x0 := (px.X - in.Cx) / in.Fx
	y0 := (px.Y - in.Cy) / in.Fy
	if !in.hasDistortion() {
		return model.Point2{X: x0, Y: y0}
	}
	k1, k2, p1, p2, k3 := in.coeff(0), in.coeff(1), in.coeff(2), in.coeff(3), in.coeff(4)
	k4, k5, k6 := in.coeff(5), in.coeff(6), in.coeff(7)

	x, y := x0, y0
	for i := 0; i < 20; i++ {
		r2 := x*x + y*y
		icdist := (1 + r2*(k4+r2*(k5+r2*k6))) / (1 + r2*(k1+r2*(k2+r2*k3)))
		if icdist < 0 || math.IsNaN(icdist) {
			return model.Point2{X: x0, Y: y0}
		}
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (x0 - dx) * icdist
		y = (y0 - dy) * icdist
	}
	return model.Point2{X: x, Y: y}
}

// reprojectionError returns the RMS pixel residual per coordinate of obj
// transformed by (r, t) against img. Points behind the camera make the
// error infinite.
func (in Intrinsics) reprojectionError(r geom.Mat3, t r3.Vec, obj []r3.Vec, img []model.Point2) float64 {
	if len(obj) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i, x := range obj {
		p, ok := in.Project(r3.Add(r.MulVec(x), t))
		if !ok {
			return math.Inf(1)
		}
		du, dv := p.X-img[i].X, p.Y-img[i].Y
		sum += du*du + dv*dv
	}
	return math.Sqrt(sum / float64(2*len(obj)))
}
