// Package geometry implements the two-view geometry the Local Mapper needs to turn a pair of
// covisible keyframes into triangulated map points: fundamental/essential matrix estimation,
// pose recovery by positive-depth voting, and DLT triangulation. All matrix work goes through
// gonum.org/v1/gonum/mat, the single linear-algebra facility the rest of the module uses.
package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ComputeFundamentalMatrix estimates the fundamental matrix F relating pts1 (view 1) to pts2
// (view 2) via the normalized 8-point algorithm: normalize, build the linear system, solve by
// SVD, enforce rank 2, then undo normalization.
func ComputeFundamentalMatrix(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("point sets must have equal length")
	}
	if len(pts1) < 8 {
		return nil, errors.New("fundamental matrix estimation needs at least 8 correspondences")
	}

	normPts1, t1 := normalize(pts1)
	normPts2, t2 := normalize(pts2)

	n := len(normPts1)
	a := mat.NewDense(n, 9, nil)
	for i := 0; i < n; i++ {
		v1, v2 := normPts1[i], normPts2[i]
		a.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}

	factored := factorSVD(a)
	if factored == nil {
		return nil, errors.New("failed to factorize fundamental matrix linear system")
	}
	fCol := factored.V.ColView(8)
	fData := make([]float64, 9)
	for i := range fData {
		fData[i] = fCol.AtVec(i)
	}
	f := mat.NewDense(3, 3, fData)

	rank2 := factorSVD(f)
	if rank2 == nil {
		return nil, errors.New("failed to factorize intermediate fundamental matrix")
	}
	rank2.S.Set(2, 2, 0)
	var fHat mat.Dense
	fHat.Mul(rank2.U, rank2.S)
	f.Mul(&fHat, rank2.VT)

	// undo normalization: F = T2^T * Fnorm * T1
	var denorm mat.Dense
	denorm.Mul(transpose(t2), f)
	f.Mul(&denorm, t1)

	if scale := f.At(2, 2); scale != 0 {
		f.Scale(1/scale, f)
	}
	return f, nil
}

// EssentialMatrix derives the essential matrix from a fundamental matrix and the two cameras'
// intrinsic matrices, and re-enforces the rank-2 singular-value structure an essential matrix
// must have (two equal singular values, one zero).
func EssentialMatrix(f, k1, k2 *mat.Dense) *mat.Dense {
	var tmp, e mat.Dense
	tmp.Mul(transpose(k2), f)
	e.Mul(&tmp, k1)

	factored := factorSVD(&e)
	s := identity(3)
	s.Set(2, 2, 0)
	e.Mul(factored.U, s)
	e.Mul(&e, factored.VT)
	return &e
}

func normalize(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	n := len(pts)
	var mu r2.Point
	for _, p := range pts {
		mu.X += p.X
		mu.Y += p.Y
	}
	mu = mu.Mul(1 / float64(n))

	meanDist := 0.0
	for _, p := range pts {
		meanDist += math.Hypot(p.X-mu.X, p.Y-mu.Y) / float64(n)
	}
	scale := math.Sqrt2
	if meanDist > 1e-12 {
		scale = math.Sqrt2 / meanDist
	}

	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})

	out := make([]r2.Point, n)
	for i, p := range pts {
		out[i] = r2.Point{X: scale * (p.X - mu.X), Y: scale * (p.Y - mu.Y)}
	}
	return out, t
}
