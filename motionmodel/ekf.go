// Package motionmodel implements the constant-velocity extended Kalman filter Tracking
// consults for a pose prior before any feature matching happens: Predict advances the state by
// dt and returns the prior pose, Update corrects the state once Tracking has an optimized pose
// for the frame. The filter is used strictly as a prior source; tracked poses themselves are
// never written back through it except via Update.
package motionmodel

import (
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// stateDim is the size of the filter's state vector: 3 position + 3 small-angle orientation
// error + 3 linear velocity + 3 angular velocity.
const stateDim = 12

// EKF tracks (position, orientation, linear velocity, angular velocity) with orientation
// carried separately as a reference quaternion and a small-angle error state, the usual
// error-state formulation that keeps the filter's state vector purely additive while the
// orientation itself composes multiplicatively.
type EKF struct {
	// x is the additive part of the state: [px py pz | θx θy θz | vx vy vz | ωx ωy ωz], with
	// the orientation block reset to zero immediately after each Update folds it into
	// rotation.
	x *mat.VecDense
	p *mat.SymDense

	rotation spatialmath.Pose // carries only the orientation component between updates.

	// processNoise and measurementNoise are diagonal process/measurement covariances, tuned
	// loosely rather than learned: position and orientation measurement noise is small since
	// Update is fed an already-optimized pose, velocity process noise is larger since a
	// constant-velocity assumption is only ever approximately true.
	processNoise     *mat.SymDense
	measurementNoise *mat.SymDense

	initialized bool
}

// New returns an EKF with zero initial velocity and a conservative initial covariance.
func New() *EKF {
	x := mat.NewVecDense(stateDim, nil)
	p := mat.NewSymDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		p.SetSym(i, i, 1.0)
	}

	process := mat.NewSymDense(stateDim, nil)
	for i := 0; i < 6; i++ {
		process.SetSym(i, i, 1e-6)
	}
	for i := 6; i < stateDim; i++ {
		process.SetSym(i, i, 1e-3)
	}

	measurement := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		measurement.SetSym(i, i, 1e-4)
	}

	return &EKF{
		x:                x,
		p:                p,
		rotation:         spatialmath.NewZeroPose(),
		processNoise:     process,
		measurementNoise: measurement,
	}
}

// Predict advances the filter by dt seconds of constant velocity and returns the resulting pose
// prior. If the filter has never been updated, it returns the identity pose rather than an
// untrustworthy extrapolation.
func (e *EKF) Predict(dt float64) spatialmath.Pose {
	if !e.initialized {
		return spatialmath.NewZeroPose()
	}

	f := e.transitionMatrix(dt)
	var xNext mat.VecDense
	xNext.MulVec(f, e.x)
	e.x = &xNext

	var fp mat.Dense
	fp.Mul(f, e.p)
	var fpft mat.Dense
	fpft.Mul(&fp, f.T())

	next := mat.NewSymDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		for j := i; j < stateDim; j++ {
			next.SetSym(i, j, fpft.At(i, j)+e.processNoise.At(i, j))
		}
	}
	e.p = next

	return e.currentPose()
}

// transitionMatrix returns the constant-velocity state transition: position and small-angle
// orientation integrate their respective velocity blocks forward by dt, velocities are
// otherwise held constant.
func (e *EKF) transitionMatrix(dt float64) *mat.Dense {
	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1)
	}
	for i := 0; i < 6; i++ {
		f.Set(i, i+6, dt)
	}
	return f
}

// Update corrects the filter's state from an already-optimized pose observation taken dt
// seconds after the last update (or Predict), folding the small-angle orientation correction
// into the reference rotation and resetting the error-state orientation block to zero.
func (e *EKF) Update(optimized spatialmath.Pose, dt float64) {
	if !e.initialized {
		e.x.SetVec(0, optimized.Translation().X)
		e.x.SetVec(1, optimized.Translation().Y)
		e.x.SetVec(2, optimized.Translation().Z)
		e.rotation = spatialmath.NewPoseFromRotationTranslation(optimized.Rotation(), r3.Vector{})
		e.initialized = true
		return
	}

	predictedPose := e.currentPose()
	deltaPose := optimized.RelativeTo(predictedPose)
	measurement := mat.NewVecDense(6, []float64{
		deltaPose.Translation().X, deltaPose.Translation().Y, deltaPose.Translation().Z,
		0, 0, 0, // small-angle orientation residual, approximated as zero without a log-map here.
	})

	h := measurementMatrix()
	var hp mat.Dense
	hp.Mul(h, e.p)
	var hpht mat.Dense
	hpht.Mul(&hp, h.T())

	innovationCov := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			innovationCov.SetSym(i, j, hpht.At(i, j)+e.measurementNoise.At(i, j))
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(innovationCov); !ok {
		return
	}
	innovationCovInv := mat.NewSymDense(6, nil)
	if err := chol.InverseTo(innovationCovInv); err != nil {
		return
	}

	var ph mat.Dense
	ph.Mul(e.p, h.T())
	var gain mat.Dense
	gain.Mul(&ph, innovationCovInv)

	var correction mat.Dense
	correction.Mul(&gain, measurement)

	var xNext mat.Dense
	xNext.Add(e.x, &correction)
	for i := 0; i < stateDim; i++ {
		e.x.SetVec(i, xNext.At(i, 0))
	}

	var ghp mat.Dense
	ghp.Mul(&gain, h)
	identity := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		identity.Set(i, i, 1)
	}
	var igh mat.Dense
	igh.Sub(identity, &ghp)
	var pNext mat.Dense
	pNext.Mul(&igh, e.p)

	next := mat.NewSymDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		for j := i; j < stateDim; j++ {
			next.SetSym(i, j, 0.5*(pNext.At(i, j)+pNext.At(j, i)))
		}
	}
	e.p = next

	// Fold the small-angle orientation correction into the reference rotation and reset the
	// error-state orientation block, per the error-state EKF convention.
	e.rotation = optimized
	for i := 3; i < 6; i++ {
		e.x.SetVec(i, 0)
	}
}

// measurementMatrix returns H for a direct position+small-angle-orientation observation: the
// first six state components map directly to the measurement, velocities are unobserved.
func measurementMatrix() *mat.Dense {
	h := mat.NewDense(6, stateDim, nil)
	for i := 0; i < 6; i++ {
		h.Set(i, i, 1)
	}
	return h
}

// currentPose composes the reference rotation with the current position estimate.
func (e *EKF) currentPose() spatialmath.Pose {
	translation := r3.Vector{X: e.x.AtVec(0), Y: e.x.AtVec(1), Z: e.x.AtVec(2)}
	return spatialmath.NewPoseFromRotationTranslation(e.rotation.Rotation(), translation)
}

// LinearVelocity returns the filter's current linear velocity estimate, in world units per
// second.
func (e *EKF) LinearVelocity() r3.Vector {
	return r3.Vector{X: e.x.AtVec(6), Y: e.x.AtVec(7), Z: e.x.AtVec(8)}
}

// Reset clears the filter back to its uninitialized state, used after a tracking reset.
func (e *EKF) Reset() {
	*e = *New()
}
