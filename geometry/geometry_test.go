package geometry

import (
	"math"
	"testing"

	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// syntheticTwoView builds a set of world points and their perfect-projection correspondences
// for two cameras at known relative pose, for use across the fundamental/triangulation tests.
func syntheticTwoView(relativePose spatialmath.Pose) (worldPts []r3.Vector, rays1, rays2 []r3.Vector, pix1, pix2 []r2.Point) {
	worldPts = []r3.Vector{
		{X: 0.2, Y: 0.1, Z: 4}, {X: -0.3, Y: 0.2, Z: 5}, {X: 0.1, Y: -0.2, Z: 3.5},
		{X: -0.1, Y: -0.1, Z: 6}, {X: 0.4, Y: 0.3, Z: 4.5}, {X: -0.2, Y: 0.05, Z: 5.5},
		{X: 0.05, Y: 0.25, Z: 3}, {X: 0.3, Y: -0.3, Z: 4.2},
	}
	for _, p := range worldPts {
		r1 := r3.Vector{X: p.X / p.Z, Y: p.Y / p.Z, Z: 1}
		p2 := relativePose.Transform(p)
		r2v := r3.Vector{X: p2.X / p2.Z, Y: p2.Y / p2.Z, Z: 1}
		rays1 = append(rays1, r1)
		rays2 = append(rays2, r2v)
		pix1 = append(pix1, r2.Point{X: r1.X * 500, Y: r1.Y * 500})
		pix2 = append(pix2, r2.Point{X: r2v.X * 500, Y: r2v.Y * 500})
	}
	return
}

func TestTriangulateDLTRecoversKnownPoint(t *testing.T) {
	relative := spatialmath.NewPoseFromRotationTranslation(
		spatialmath.NewRotationAboutAxis(r3.Vector{Z: 1}, 0.05), r3.Vector{X: 0.5, Y: 0, Z: 0})
	worldPts, rays1, rays2, _, _ := syntheticTwoView(relative)

	identity := spatialmath.NewZeroPose()
	for i, want := range worldPts {
		got, ok := TriangulateDLT(identity, relative, rays1[i], rays2[i])
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, got.Sub(want).Norm() < 1e-6, test.ShouldBeTrue)
	}
}

func TestComputeFundamentalMatrixSatisfiesEpipolarConstraint(t *testing.T) {
	relative := spatialmath.NewPoseFromRotationTranslation(
		spatialmath.NewRotationAboutAxis(r3.Vector{Y: 1}, 0.1), r3.Vector{X: 0.3, Y: 0.1, Z: 0})
	_, _, _, pix1, pix2 := syntheticTwoView(relative)

	f, err := ComputeFundamentalMatrix(pix1, pix2)
	test.That(t, err, test.ShouldBeNil)

	for i := range pix1 {
		x1 := []float64{pix1[i].X, pix1[i].Y, 1}
		x2 := []float64{pix2[i].X, pix2[i].Y, 1}
		// x2^T * F * x1 should be close to zero for a correct epipolar geometry.
		var fx1 [3]float64
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				fx1[r] += f.At(r, c) * x1[c]
			}
		}
		val := x2[0]*fx1[0] + x2[1]*fx1[1] + x2[2]*fx1[2]
		test.That(t, math.Abs(val) < 1e-3, test.ShouldBeTrue)
	}
}

func TestComputeHomographyRecoversKnownMapping(t *testing.T) {
	h := mat.NewDense(3, 3, []float64{
		1.1, 0.05, 12,
		-0.03, 0.95, -8,
		0.0002, 0.0001, 1,
	})
	pts1 := []r2.Point{
		{X: -40, Y: -30}, {X: 35, Y: -25}, {X: -20, Y: 40}, {X: 30, Y: 35},
		{X: 0, Y: 0}, {X: -45, Y: 10}, {X: 15, Y: -40}, {X: 40, Y: 20},
	}
	pts2 := make([]r2.Point, len(pts1))
	for i, p := range pts1 {
		pts2[i] = applyHomography(h, p)
	}

	got, err := ComputeHomography(pts1, pts2)
	test.That(t, err, test.ShouldBeNil)

	for i := range pts1 {
		mapped := applyHomography(got, pts1[i])
		test.That(t, mapped.Sub(pts2[i]).Norm() < 1e-3, test.ShouldBeTrue)
	}
}

func TestScoreFundamentalPrefersNonPlanarScene(t *testing.T) {
	relative := spatialmath.NewPoseFromRotationTranslation(
		spatialmath.NewRotationAboutAxis(r3.Vector{Y: 1}, 0.1), r3.Vector{X: 0.3, Y: 0.1, Z: 0})
	_, _, _, pix1, pix2 := syntheticTwoView(relative)

	f, err := ComputeFundamentalMatrix(pix1, pix2)
	test.That(t, err, test.ShouldBeNil)
	h, err := ComputeHomography(pix1, pix2)
	test.That(t, err, test.ShouldBeNil)

	// syntheticTwoView's points span a real range of depths, not a single plane, so the correct
	// epipolar geometry should explain the correspondences far better than any single homography.
	sf := ScoreFundamental(f, pix1, pix2, 1.0)
	sh := ScoreHomography(h, pix1, pix2, 1.0)
	test.That(t, sf > sh, test.ShouldBeTrue)
}

func TestParallaxCosine(t *testing.T) {
	c1 := r3.Vector{}
	c2 := r3.Vector{X: 1}
	point := r3.Vector{X: 0.5, Z: 5}
	cos := ParallaxCosine(c1, c2, point)
	test.That(t, cos > 0.9 && cos <= 1, test.ShouldBeTrue)
}
