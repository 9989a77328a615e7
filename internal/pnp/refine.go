package pnp

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagvision/internal/geom"
	"github.com/banshee-data/tagvision/internal/model"
)

const (
	lmMaxIterations = 100
	lmInitialLambda = 1e-3
)

// sqCost is the summed squared residual in normalized image coordinates.
func sqCost(r geom.Mat3, t r3.Vec, obj []r3.Vec, norm []model.Point2) float64 {
	var s float64
	for i, x := range obj {
		p := r3.Add(r.MulVec(x), t)
		if p.Z <= 1e-9 {
			return math.Inf(1)
		}
		du := p.X/p.Z - norm[i].X
		dv := p.Y/p.Z - norm[i].Y
		s += du*du + dv*dv
	}
	return s
}

// refineLM minimizes reprojection error over (r, t) with Levenberg-Marquardt
// using a left-multiplied rotation increment. The input is returned
// unchanged if no step improves it.
func refineLM(r geom.Mat3, t r3.Vec, obj []r3.Vec, norm []model.Point2) (geom.Mat3, r3.Vec) {
	cost := sqCost(r, t, obj, norm)
	if math.IsInf(cost, 0) {
		return r, t
	}
	lambda := lmInitialLambda

	for iter := 0; iter < lmMaxIterations; iter++ {
		var jtj [6][6]float64
		var jtr [6]float64
		for i, x := range obj {
			rx := r.MulVec(x)
			p := r3.Add(rx, t)
			iz := 1 / p.Z
			u, v := p.X*iz, p.Y*iz
			res := [2]float64{u - norm[i].X, v - norm[i].Y}
			dproj := [2][3]float64{
				{iz, 0, -u * iz},
				{0, iz, -v * iz},
			}
			// dP/dω = -[RX]x, dP/dτ = I.
			sk := r3.Skew(rx)
			for k := 0; k < 2; k++ {
				var row [6]float64
				for c := 0; c < 3; c++ {
					row[c] = -(dproj[k][0]*sk.At(0, c) + dproj[k][1]*sk.At(1, c) + dproj[k][2]*sk.At(2, c))
					row[3+c] = dproj[k][c]
				}
				for a := 0; a < 6; a++ {
					jtr[a] += row[a] * res[k]
					for b := a; b < 6; b++ {
						jtj[a][b] += row[a] * row[b]
					}
				}
			}
		}

		improved := false
		for !improved {
			data := make([]float64, 36)
			for a := 0; a < 6; a++ {
				for b := a; b < 6; b++ {
					data[a*6+b] = jtj[a][b]
					data[b*6+a] = jtj[a][b]
				}
				data[a*6+a] += lambda*jtj[a][a] + 1e-15
			}
			var chol mat.Cholesky
			if !chol.Factorize(mat.NewSymDense(6, data)) {
				lambda *= 10
				if lambda > 1e12 {
					return r, t
				}
				continue
			}
			g := mat.NewVecDense(6, jtr[:])
			var delta mat.VecDense
			if err := chol.SolveVecTo(&delta, g); err != nil {
				return r, t
			}
			omega := r3.Vec{X: -delta.AtVec(0), Y: -delta.AtVec(1), Z: -delta.AtVec(2)}
			tau := r3.Vec{X: -delta.AtVec(3), Y: -delta.AtVec(4), Z: -delta.AtVec(5)}

			rn := geom.RotationFromMatrix(geom.RotationVectorToMatrix(omega).Mul(r)).Matrix()
			tn := r3.Add(t, tau)
			cn := sqCost(rn, tn, obj, norm)
			if cn < cost {
				step := r3.Norm(omega) + r3.Norm(tau)
				decrease := cost - cn
				r, t, cost = rn, tn, cn
				lambda = math.Max(lambda/10, 1e-12)
				improved = true
				if step < 1e-12 || decrease < 1e-18*(1+cost) {
					return r, t
				}
				continue
			}
			lambda *= 10
			if lambda > 1e12 {
				return r, t
			}
		}
	}
	return r, t
}
