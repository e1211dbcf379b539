package geometry

import (
	"math"

	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// homographyChiSquareThreshold and fundamentalChiSquareThreshold are the per-correspondence,
	// per-direction chi-square bounds ScoreHomography/ScoreFundamental use to decide whether a
	// point's symmetric transfer/epipolar error counts as an inlier: 2 degrees of freedom for a
	// point-to-point homography transfer, 1 for a point-to-line epipolar distance.
	homographyChiSquareThreshold  = 5.991
	fundamentalChiSquareThreshold = 3.841
)

// ComputeHomography estimates the planar homography H relating pts1 (view 1) to pts2 (view 2)
// via the normalized DLT: normalize, build the 2n x 9 linear system, solve by SVD, then undo
// normalization. Used alongside ComputeFundamentalMatrix so monocular initialization can score
// both models and pick whichever the scene actually supports.
func ComputeHomography(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("point sets must have equal length")
	}
	if len(pts1) < 4 {
		return nil, errors.New("homography estimation needs at least 4 correspondences")
	}

	normPts1, t1 := normalize(pts1)
	normPts2, t2 := normalize(pts2)

	n := len(normPts1)
	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		v1, v2 := normPts1[i], normPts2[i]
		a.SetRow(2*i, []float64{
			-v1.X, -v1.Y, -1, 0, 0, 0, v2.X * v1.X, v2.X * v1.Y, v2.X,
		})
		a.SetRow(2*i+1, []float64{
			0, 0, 0, -v1.X, -v1.Y, -1, v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
		})
	}

	factored := factorSVD(a)
	if factored == nil {
		return nil, errors.New("failed to factorize homography linear system")
	}
	hCol := factored.V.ColView(8)
	hData := make([]float64, 9)
	for i := range hData {
		hData[i] = hCol.AtVec(i)
	}
	hNorm := mat.NewDense(3, 3, hData)

	var t2Inv mat.Dense
	if err := t2Inv.Inverse(t2); err != nil {
		return nil, errors.New("singular point normalization while denormalizing homography")
	}
	var tmp, h mat.Dense
	tmp.Mul(&t2Inv, hNorm)
	h.Mul(&tmp, t1)

	if scale := h.At(2, 2); scale != 0 {
		h.Scale(1/scale, &h)
	}
	return &h, nil
}

func applyHomography(h *mat.Dense, p r2.Point) r2.Point {
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	if w == 0 {
		return r2.Point{}
	}
	return r2.Point{X: x / w, Y: y / w}
}

func squaredDistance(a, b r2.Point) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}

// ScoreHomography scores a homography hypothesis by its symmetric transfer error: every
// correspondence is mapped forward through h and backward through h's inverse, and each
// direction that clears homographyChiSquareThreshold (scaled by the assumed per-pixel
// measurement noise sigma) contributes the threshold's slack to the score. Comparing this
// against ScoreFundamental on the same correspondences is the model-selection gate between a
// planar-scene (homography) and general-scene (fundamental) monocular bootstrap.
func ScoreHomography(h *mat.Dense, pts1, pts2 []r2.Point, sigma float64) float64 {
	var hInv mat.Dense
	if err := hInv.Inverse(h); err != nil {
		return 0
	}
	invSigmaSq := 1 / (sigma * sigma)

	score := 0.0
	for i := range pts1 {
		fwd := applyHomography(h, pts1[i])
		if errFwd := squaredDistance(fwd, pts2[i]) * invSigmaSq; errFwd < homographyChiSquareThreshold {
			score += homographyChiSquareThreshold - errFwd
		}

		back := applyHomography(&hInv, pts2[i])
		if errBack := squaredDistance(back, pts1[i]) * invSigmaSq; errBack < homographyChiSquareThreshold {
			score += homographyChiSquareThreshold - errBack
		}
	}
	return score
}

// ScoreFundamental scores a fundamental-matrix hypothesis by the symmetric epipolar distance
// (point-to-epipolar-line distance in each view) over every correspondence, on the same scale as
// ScoreHomography so the two can be weighed against each other: a direction counts when it clears
// fundamentalChiSquareThreshold and then contributes homographyChiSquareThreshold minus its error.
func ScoreFundamental(f *mat.Dense, pts1, pts2 []r2.Point, sigma float64) float64 {
	invSigmaSq := 1 / (sigma * sigma)

	score := 0.0
	for i := range pts1 {
		p1, p2 := pts1[i], pts2[i]

		a := f.At(0, 0)*p1.X + f.At(0, 1)*p1.Y + f.At(0, 2)
		b := f.At(1, 0)*p1.X + f.At(1, 1)*p1.Y + f.At(1, 2)
		c := f.At(2, 0)*p1.X + f.At(2, 1)*p1.Y + f.At(2, 2)
		num := a*p2.X + b*p2.Y + c
		if denom := a*a + b*b; denom > 0 {
			if dist2 := num * num / denom * invSigmaSq; dist2 < fundamentalChiSquareThreshold {
				score += homographyChiSquareThreshold - dist2
			}
		}

		a1 := f.At(0, 0)*p2.X + f.At(1, 0)*p2.Y + f.At(2, 0)
		b1 := f.At(0, 1)*p2.X + f.At(1, 1)*p2.Y + f.At(2, 1)
		c1 := f.At(0, 2)*p2.X + f.At(1, 2)*p2.Y + f.At(2, 2)
		num1 := a1*p1.X + b1*p1.Y + c1
		if denom1 := a1*a1 + b1*b1; denom1 > 0 {
			if dist1 := num1 * num1 / denom1 * invSigmaSq; dist1 < fundamentalChiSquareThreshold {
				score += homographyChiSquareThreshold - dist1
			}
		}
	}
	return score
}

// DecomposeHomography enumerates the up to 8 rotation/translation hypotheses consistent with a
// homography estimated between two calibrated views, the closed-form decomposition (Faugeras &
// Lustman) that pairs with the homography branch of monocular initialization the same way
// CandidatePoses pairs with the essential-matrix branch. The translation hypotheses carry the
// decomposition's own relative scale, not a normalized direction; monocular initialization
// rescales the whole reconstruction by median depth immediately afterward, so this is fine.
func DecomposeHomography(h, k *mat.Dense) ([]spatialmath.Pose, error) {
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, errors.New("singular intrinsics matrix while decomposing homography")
	}
	var tmp, a mat.Dense
	tmp.Mul(&kInv, h)
	a.Mul(&tmp, k)

	factored := factorSVD(&a)
	if factored == nil {
		return nil, errors.New("failed to factorize homography for decomposition")
	}
	d1, d2, d3 := factored.S.At(0, 0), factored.S.At(1, 1), factored.S.At(2, 2)
	if d1 <= 0 || d2 <= 0 || d3 <= 0 || d1/d2 < 1.00001 || d2/d3 < 1.00001 {
		return nil, errors.New("homography singular values are degenerate for decomposition")
	}

	u, vt := factored.U, factored.VT
	s := mat.Det(u) * mat.Det(vt)

	x1 := math.Sqrt((d1*d1 - d2*d2) / (d1*d1 - d3*d3))
	x3 := math.Sqrt((d2*d2 - d3*d3) / (d1*d1 - d3*d3))

	var poses []spatialmath.Pose

	// d' = d2: four sign combinations of (x1, x3) and a matching rotation about the shared axis.
	sinTheta := math.Sqrt((d1*d1-d2*d2)*(d2*d2-d3*d3)) / ((d1 + d3) * d2)
	cosTheta := (d2*d2 + d1*d3) / ((d1 + d3) * d2)
	x1s := []float64{x1, x1, -x1, -x1}
	x3s := []float64{x3, -x3, x3, -x3}
	sinThetas := []float64{sinTheta, -sinTheta, -sinTheta, sinTheta}
	for i := 0; i < 4; i++ {
		rp := mat.NewDense(3, 3, []float64{
			cosTheta, 0, -sinThetas[i],
			0, 1, 0,
			sinThetas[i], 0, cosTheta,
		})
		poses = append(poses, homographyPose(u, vt, rp, s, x1s[i], -x3s[i], d1-d3))
	}

	// d' = -d2: the complementary branch, same sign enumeration, a different rotation form.
	sinPhi := math.Sqrt((d1*d1-d2*d2)*(d2*d2-d3*d3)) / ((d1 - d3) * d2)
	cosPhi := (d1*d3 - d2*d2) / ((d1 - d3) * d2)
	sinPhis := []float64{sinPhi, -sinPhi, -sinPhi, sinPhi}
	for i := 0; i < 4; i++ {
		rp := mat.NewDense(3, 3, []float64{
			cosPhi, 0, sinPhis[i],
			0, -1, 0,
			sinPhis[i], 0, -cosPhi,
		})
		poses = append(poses, homographyPose(u, vt, rp, s, x1s[i], x3s[i], d1+d3))
	}

	return poses, nil
}

// homographyPose builds one candidate pose from a decomposed rotation-in-U-basis matrix rp and
// translation direction (x1, x3) scaled by tScale, following R = s*U*Rp*V^T, t = U*(x1,0,x3)*tScale.
func homographyPose(u, vt, rp *mat.Dense, s, x1, x3, tScale float64) spatialmath.Pose {
	var rot mat.Dense
	rot.Mul(u, rp)
	rot.Scale(s, &rot)
	rot.Mul(&rot, vt)

	tp := mat.NewDense(3, 1, []float64{x1 * tScale, 0, x3 * tScale})
	var t mat.Dense
	t.Mul(u, tp)

	quat := spatialmath.RotationMatrixToQuat(&rot)
	trans := r3.Vector{X: t.At(0, 0), Y: t.At(1, 0), Z: t.At(2, 0)}
	return spatialmath.NewPoseFromRotationTranslation(quat, trans)
}
