package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestIdentityPose(t *testing.T) {
	p := NewZeroPose()
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	got := p.Transform(v)
	test.That(t, got.X, test.ShouldAlmostEqual, v.X)
	test.That(t, got.Y, test.ShouldAlmostEqual, v.Y)
	test.That(t, got.Z, test.ShouldAlmostEqual, v.Z)
}

func TestTranslationOnly(t *testing.T) {
	p := NewPoseFromTranslation(r3.Vector{X: 1, Y: -2, Z: 0.5})
	got := p.Translation()
	test.That(t, got.X, test.ShouldAlmostEqual, 1.0)
	test.That(t, got.Y, test.ShouldAlmostEqual, -2.0)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0.5)
}

func TestRotationAboutZ(t *testing.T) {
	q := NewRotationAboutAxis(r3.Vector{X: 0, Y: 0, Z: 1}, math.Pi/2)
	p := NewPoseFromRotationTranslation(q, r3.Vector{})
	got := p.Transform(r3.Vector{X: 1, Y: 0, Z: 0})
	test.That(t, got.X, test.ShouldAlmostEqual, 0.0)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1.0)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0.0)
}

func TestComposeInverseRoundTrip(t *testing.T) {
	q := NewRotationAboutAxis(r3.Vector{X: 0.2, Y: 1, Z: 0.3}, 0.7)
	p := NewPoseFromRotationTranslation(q, r3.Vector{X: 1, Y: 2, Z: 3})

	roundTrip := p.Compose(p.Inverse())
	test.That(t, roundTrip.AlmostEqual(NewZeroPose(), 1e-9), test.ShouldBeTrue)
}

func TestRelativeTo(t *testing.T) {
	reference := NewPoseFromTranslation(r3.Vector{X: 5, Y: 0, Z: 0})
	current := NewPoseFromTranslation(r3.Vector{X: 5, Y: 1, Z: 0})

	rel := current.RelativeTo(reference)
	got := rel.Translation()
	test.That(t, got.X, test.ShouldAlmostEqual, 0.0)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1.0)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0.0)
}

func TestQuatRotationMatrixRoundTrip(t *testing.T) {
	q := NewRotationAboutAxis(r3.Vector{X: 0.3, Y: -0.8, Z: 0.1}, 1.1)
	m := QuatToRotationMatrix(q)
	back := RotationMatrixToQuat(m)

	// q and -q represent the same rotation.
	same := quat.Abs(quat.Sub(q, back)) < 1e-9 || quat.Abs(quat.Add(q, back)) < 1e-9
	test.That(t, same, test.ShouldBeTrue)
}
