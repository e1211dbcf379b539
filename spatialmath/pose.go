// Package spatialmath represents rigid-body poses as dual quaternions instead of 4x4
// homogeneous matrices. Composition is dual-quaternion multiplication, inversion is
// conjugation, and a translation-only accessor is provided via r3.Vector.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid-body transform, world frame to a local frame (e.g. world->camera).
type Pose struct {
	dq dualquat.Number
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{dualquat.Number{Real: quat.Number{Real: 1}}}
}

// NewPoseFromRotationTranslation builds a Pose from a unit rotation quaternion and a
// translation vector, following the standard dual-quaternion encoding q + 0.5*epsilon*t*q.
func NewPoseFromRotationTranslation(rot quat.Number, trans r3.Vector) Pose {
	rot = quat.Scale(1/quat.Abs(rot), rot)
	t := quat.Number{Real: 0, Imag: trans.X, Jmag: trans.Y, Kmag: trans.Z}
	dual := quat.Scale(0.5, quat.Mul(t, rot))
	return Pose{dualquat.Number{Real: rot, Dual: dual}}
}

// NewPoseFromTranslation builds a pure-translation Pose.
func NewPoseFromTranslation(trans r3.Vector) Pose {
	return NewPoseFromRotationTranslation(quat.Number{Real: 1}, trans)
}

// NewPoseFromDualQuat wraps an already-normalized dual quaternion as a Pose.
func NewPoseFromDualQuat(dq dualquat.Number) Pose {
	return Pose{dq}
}

// DualQuat returns the underlying dual quaternion.
func (p Pose) DualQuat() dualquat.Number {
	return p.dq
}

// Rotation returns the rotation component as a unit quaternion.
func (p Pose) Rotation() quat.Number {
	return p.dq.Real
}

// Translation returns the translation component.
func (p Pose) Translation() r3.Vector {
	t := quat.Scale(2, quat.Mul(p.dq.Dual, quat.Conj(p.dq.Real)))
	return r3.Vector{X: t.Imag, Y: t.Jmag, Z: t.Kmag}
}

// Compose returns the transform equivalent to applying p first, then other: other * p in
// dual-quaternion multiplication order, i.e. (p.Compose(other)).Transform(x) == other.Transform(p.Transform(x)).
func (p Pose) Compose(other Pose) Pose {
	return Pose{dualquat.Mul(other.dq, p.dq)}
}

// Inverse returns the transform that undoes p. For a rigid transform this is the conjugate.
func (p Pose) Inverse() Pose {
	return Pose{dualquat.Conj(p.dq)}
}

// RelativeTo returns the pose of p expressed relative to reference: p * reference^-1 (reference^-1
// applied first), matching the trajectory record's "relative pose = current*reference^-1".
func (p Pose) RelativeTo(reference Pose) Pose {
	return reference.Inverse().Compose(p)
}

// Transform applies the rigid transform to a point: rotate then translate.
func (p Pose) Transform(point r3.Vector) r3.Vector {
	rotated := rotateVector(p.Rotation(), point)
	t := p.Translation()
	return r3.Vector{X: rotated.X + t.X, Y: rotated.Y + t.Y, Z: rotated.Z + t.Z}
}

func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Real: 0, Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// AlmostEqual reports whether p and other agree within tol on both rotation and translation.
func (p Pose) AlmostEqual(other Pose, tol float64) bool {
	dt := p.Translation().Sub(other.Translation())
	if dt.Norm() > tol {
		return false
	}
	dr := quat.Sub(p.Rotation(), other.Rotation())
	drNeg := quat.Add(p.Rotation(), other.Rotation())
	return quat.Abs(dr) <= tol || quat.Abs(drNeg) <= tol
}

// NewRotationAboutAxis builds a unit rotation quaternion for a right-handed rotation of
// angleRad about axis (need not be normalized on input).
func NewRotationAboutAxis(axis r3.Vector, angleRad float64) quat.Number {
	n := axis.Normalize()
	s, c := math.Sincos(angleRad / 2)
	return quat.Number{Real: c, Imag: n.X * s, Jmag: n.Y * s, Kmag: n.Z * s}
}
