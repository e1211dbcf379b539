package motionmodel

import (
	"testing"

	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestPredictBeforeUpdateReturnsIdentity(t *testing.T) {
	e := New()
	pose := e.Predict(0.1)
	test.That(t, pose.AlmostEqual(spatialmath.NewZeroPose(), 1e-9), test.ShouldBeTrue)
}

func TestUpdateThenPredictExtrapolatesConstantVelocity(t *testing.T) {
	e := New()
	p0 := spatialmath.NewPoseFromTranslation(r3.Vector{X: 0})
	e.Update(p0, 0.1)
	e.Predict(0.1) // builds up position/velocity covariance coupling

	p1 := spatialmath.NewPoseFromTranslation(r3.Vector{X: 1})
	e.Update(p1, 0.1)

	test.That(t, e.LinearVelocity().X > 0, test.ShouldBeTrue)

	before := e.Predict(0.05)
	after := e.Predict(0.05)
	test.That(t, after.Translation().X > before.Translation().X, test.ShouldBeTrue)
}

func TestResetClearsState(t *testing.T) {
	e := New()
	e.Update(spatialmath.NewPoseFromTranslation(r3.Vector{X: 5}), 0.1)
	e.Reset()
	pose := e.Predict(0.1)
	test.That(t, pose.AlmostEqual(spatialmath.NewZeroPose(), 1e-9), test.ShouldBeTrue)
}
