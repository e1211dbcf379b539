package geometry

import (
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// decomposeEssential factors the essential matrix into its two candidate rotations and the
// (sign-ambiguous) translation direction, per Hartley & Zisserman.
func decomposeEssential(e *mat.Dense) (r1, r2 *mat.Dense, t *mat.Dense, err error) {
	factored := factorSVD(e)
	if factored == nil {
		return nil, nil, nil, errors.New("failed to factorize essential matrix")
	}
	u, vt := factored.U, factored.VT
	if mat.Det(u) < 0 {
		u.Scale(-1, u)
	}
	if mat.Det(vt) < 0 {
		vt.Scale(-1, vt)
	}

	w := mat.NewDense(3, 3, nil)
	w.Set(0, 1, 1)
	w.Set(1, 0, -1)
	w.Set(2, 2, 1)

	var rot1, rot2 mat.Dense
	rot1.Mul(u, w)
	rot1.Mul(&rot1, vt)
	rot2.Mul(u, transpose(w))
	rot2.Mul(&rot2, vt)

	translation := u.ColView(2)
	tDense := mat.NewDense(3, 1, []float64{translation.AtVec(0), translation.AtVec(1), translation.AtVec(2)})

	return &rot1, &rot2, tDense, nil
}

// CandidatePoses returns the four (R, t) hypotheses implied by an essential matrix: two
// rotations, each paired with the translation direction and its negation.
func CandidatePoses(e *mat.Dense) ([]spatialmath.Pose, error) {
	r1, r2, t, err := decomposeEssential(e)
	if err != nil {
		return nil, err
	}

	var tNeg mat.Dense
	tNeg.Scale(-1, t)

	rotations := []*mat.Dense{r1, r1, r2, r2}
	translations := []*mat.Dense{t, &tNeg, t, &tNeg}

	poses := make([]spatialmath.Pose, 4)
	for i := range poses {
		quat := spatialmath.RotationMatrixToQuat(rotations[i])
		trans := r3.Vector{X: translations[i].At(0, 0), Y: translations[i].At(1, 0), Z: translations[i].At(2, 0)}
		poses[i] = spatialmath.NewPoseFromRotationTranslation(quat, trans)
	}
	return poses, nil
}

// SelectPoseByPositiveDepth disambiguates the four essential-matrix pose hypotheses by
// triangulating a sample of correspondences under each and keeping the one with the most
// positive-depth points in both views.
func SelectPoseByPositiveDepth(poses []spatialmath.Pose, rays1, rays2 []r3.Vector) spatialmath.Pose {
	best := poses[0]
	bestCount := -1
	identity := spatialmath.NewZeroPose()

	for _, pose := range poses {
		count := 0
		for i := range rays1 {
			p, ok := TriangulateDLT(identity, pose, rays1[i], rays2[i])
			if !ok {
				continue
			}
			if p.Z > 0 && pose.Transform(p).Z > 0 {
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			best = pose
		}
	}
	return best
}
