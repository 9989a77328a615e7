package pnp

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
)

// candidate is a model-to-camera transform in vision axes.
type candidate struct {
	r   geom.Mat3
	t   r3.Vec
	err float64
}

// hartley returns the similarity that moves pts to zero mean and mean
// distance sqrt(2).
func hartley(pts []model.Point2) (geom.Mat3, bool) {
	var mx, my float64
	for _, p := range pts {
		mx += p.X
		my += p.Y
	}
	n := float64(len(pts))
	mx /= n
	my /= n
	var d float64
	for _, p := range pts {
		d += math.Hypot(p.X-mx, p.Y-my)
	}
	d /= n
	if d < 1e-12 {
		return geom.Mat3{}, false
	}
	s := math.Sqrt2 / d
	return geom.Mat3{{s, 0, -s * mx}, {0, s, -s * my}, {0, 0, 1}}, true
}

func invSimilarity(m geom.Mat3) geom.Mat3 {
	s := m[0][0]
	return geom.Mat3{{1 / s, 0, -m[0][2] / s}, {0, 1 / s, -m[1][2] / s}, {0, 0, 1}}
}

func apply(m geom.Mat3, p model.Point2) model.Point2 {
	w := m[2][0]*p.X + m[2][1]*p.Y + m[2][2]
	return model.Point2{
		X: (m[0][0]*p.X + m[0][1]*p.Y + m[0][2]) / w,
		Y: (m[1][0]*p.X + m[1][1]*p.Y + m[1][2]) / w,
	}
}

// homography estimates H mapping plane points to normalized image points
// by the normalized DLT. H is scaled so that H[2][2] == 1.
func homography(plane, img []model.Point2) (geom.Mat3, bool) {
	n := len(plane)
	if n < 4 || len(img) != n {
		return geom.Mat3{}, false
	}
	tp, ok := hartley(plane)
	if !ok {
		return geom.Mat3{}, false
	}
	ti, ok := hartley(img)
	if !ok {
		return geom.Mat3{}, false
	}

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		p := apply(tp, plane[i])
		q := apply(ti, img[i])
		a.SetRow(2*i, []float64{p.X, p.Y, 1, 0, 0, 0, -q.X * p.X, -q.X * p.Y, -q.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, p.X, p.Y, 1, -q.Y * p.X, -q.Y * p.Y, -q.Y})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return geom.Mat3{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	var hn geom.Mat3
	for k := 0; k < 9; k++ {
		hn[k/3][k%3] = v.At(k, 8)
	}

	h := invSimilarity(ti).Mul(hn).Mul(tp)
	if math.Abs(h[2][2]) < 1e-12 {
		return geom.Mat3{}, false
	}
	s := 1 / h[2][2]
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h[i][j] *= s
		}
	}
	return h, true
}

// rotateZTo returns the rotation taking the +Z axis onto (p, q, 1)/|.|.
func rotateZTo(p, q float64) geom.Mat3 {
	nrm := math.Sqrt(p*p + q*q + 1)
	ax, ay, c := p/nrm, q/nrm, 1/nrm
	d := 1 / (1 + c)
	return geom.Mat3{
		{1 - ax*ax*d, -ax * ay * d, ax},
		{-ax * ay * d, 1 - ay*ay*d, ay},
		{-ax, -ay, 1 - (ax*ax+ay*ay)*d},
	}
}

// ippeRotations recovers the two rotations consistent with the homography
// Jacobian at the plane origin (infinitesimal plane-based pose).
func ippeRotations(h geom.Mat3) ([2]geom.Mat3, bool) {
	p, q := h[0][2], h[1][2]
	j00 := h[0][0] - h[2][0]*p
	j01 := h[0][1] - h[2][1]*p
	j10 := h[1][0] - h[2][0]*q
	j11 := h[1][1] - h[2][1]*q

	rv := rotateZTo(p, q)
	b00 := rv[0][0] - p*rv[2][0]
	b01 := rv[0][1] - p*rv[2][1]
	b10 := rv[1][0] - q*rv[2][0]
	b11 := rv[1][1] - q*rv[2][1]
	det := b00*b11 - b01*b10
	if math.Abs(det) < 1e-12 {
		return [2]geom.Mat3{}, false
	}
	bi00, bi01 := b11/det, -b01/det
	bi10, bi11 := -b10/det, b00/det

	a00 := bi00*j00 + bi01*j10
	a01 := bi00*j01 + bi01*j11
	a10 := bi10*j00 + bi11*j10
	a11 := bi10*j01 + bi11*j11

	ata00 := a00*a00 + a10*a10
	ata01 := a00*a01 + a10*a11
	ata11 := a01*a01 + a11*a11
	gamma2 := 0.5 * (ata00 + ata11 + math.Sqrt((ata00-ata11)*(ata00-ata11)+4*ata01*ata01))
	gamma := math.Sqrt(gamma2)
	if !(gamma > 1e-7) {
		return [2]geom.Mat3{}, false
	}

	r00, r01, r10, r11 := a00/gamma, a01/gamma, a10/gamma, a11/gamma
	b0 := math.Sqrt(math.Max(0, 1-r00*r00-r10*r10))
	b1 := math.Sqrt(math.Max(0, 1-r01*r01-r11*r11))
	if -r00*r01-r10*r11 < 0 {
		b1 = -b1
	}

	var out [2]geom.Mat3
	for k, sign := range [2]float64{1, -1} {
		c0 := r3.Vec{X: r00, Y: r10, Z: sign * b0}
		c1 := r3.Vec{X: r01, Y: r11, Z: sign * b1}
		c2 := r3.Cross(c0, c1)
		var m geom.Mat3
		for i, c := range [3]r3.Vec{c0, c1, c2} {
			m[0][i], m[1][i], m[2][i] = c.X, c.Y, c.Z
		}
		// Re-orthonormalize through the quaternion form.
		out[k] = geom.RotationFromMatrix(rv.Mul(m)).Matrix()
	}
	return out, true
}

// solveTranslation finds t minimizing the algebraic reprojection residual
// for a fixed rotation.
func solveTranslation(r geom.Mat3, obj []r3.Vec, norm []model.Point2) (r3.Vec, bool) {
	n := len(obj)
	a := mat.NewDense(2*n, 3, nil)
	b := mat.NewVecDense(2*n, nil)
	for i, x := range obj {
		rx := r.MulVec(x)
		u, v := norm[i].X, norm[i].Y
		a.SetRow(2*i, []float64{1, 0, -u})
		a.SetRow(2*i+1, []float64{0, 1, -v})
		b.SetVec(2*i, u*rx.Z-rx.X)
		b.SetVec(2*i+1, v*rx.Z-rx.Y)
	}
	var t mat.VecDense
	if err := t.SolveVec(a, b); err != nil {
		return r3.Vec{}, false
	}
	out := r3.Vec{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}
	if math.IsNaN(out.X) || math.IsNaN(out.Y) || math.IsNaN(out.Z) {
		return r3.Vec{}, false
	}
	return out, true
}

// polygonArea returns the unsigned area of the polygon pts.
func polygonArea(pts []model.Point2) float64 {
	var s float64
	for i := range pts {
		j := (i + 1) % len(pts)
		s += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(s) / 2
}

// solvePlanar solves a planar target whose points lie on z = 0 and are
// centred on the model origin. It returns up to two candidates sorted by
// reprojection error; points must project in front of the camera.
func (in Intrinsics) solvePlanar(obj []r3.Vec, px []model.Point2) []candidate {
	norm := make([]model.Point2, len(px))
	for i, p := range px {
		norm[i] = in.Undistort(p)
	}
	if polygonArea(norm) < 1e-12 {
		return nil
	}
	plane := make([]model.Point2, len(obj))
	for i, x := range obj {
		plane[i] = model.Point2{X: x.X, Y: x.Y}
	}

	h, ok := homography(plane, norm)
	if !ok {
		return nil
	}
	rots, ok := ippeRotations(h)
	if !ok {
		return nil
	}

	out := make([]candidate, 0, 2)
	for _, r := range rots {
		t, ok := solveTranslation(r, obj, norm)
		if !ok || t.Z <= 0 {
			continue
		}
		e := in.reprojectionError(r, t, obj, px)
		if math.IsInf(e, 0) || math.IsNaN(e) {
			continue
		}
		out = append(out, candidate{r: r, t: t, err: e})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].err < out[j].err })
	return out
}
