package geometry

import (
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// TriangulateDLT recovers the 3D point, expressed in the world frame pose1 and pose2 both
// transform into, whose projections onto two calibrated views (given as homogeneous normalized
// rays, i.e. (x/z, y/z, 1)) are ray1 and ray2, by direct linear transform: each view contributes
// two independent equations from the cross product of its ray with its 3x4 projection matrix
// (all three rows of each product are stacked), and the combined 6x4 system of rank 4 is solved
// for its null vector by SVD. Returns ok=false if the system is degenerate.
func TriangulateDLT(pose1, pose2 spatialmath.Pose, ray1, ray2 r3.Vector) (r3.Vector, bool) {
	p1 := projectionMatrix(pose1)
	p2 := projectionMatrix(pose2)

	var a mat.Dense
	row1 := crossMul(ray1, p1)
	row2 := crossMul(ray2, p2)
	a.Stack(row1, row2)

	factored := factorSVD(&a)
	if factored == nil {
		return r3.Vector{}, false
	}

	var svd mat.SVD
	if !svd.Factorize(&a, mat.SVDFull) {
		return r3.Vector{}, false
	}
	const rcond = 1e-15
	if svd.Rank(rcond) == 0 {
		return r3.Vector{}, false
	}

	null := factored.V.ColView(3)
	w := null.AtVec(3)
	if w == 0 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: null.AtVec(0) / w, Y: null.AtVec(1) / w, Z: null.AtVec(2) / w}, true
}

// projectionMatrix builds the 3x4 extrinsic matrix [R|t] for a world->camera pose.
func projectionMatrix(pose spatialmath.Pose) *mat.Dense {
	r := spatialmath.QuatToRotationMatrix(pose.Rotation())
	t := pose.Translation()
	p := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Set(i, j, r.At(i, j))
		}
	}
	p.Set(0, 3, t.X)
	p.Set(1, 3, t.Y)
	p.Set(2, 3, t.Z)
	return p
}

// crossMul returns [ray]_x * p, a 3x4 matrix of which only 2 rows are linearly independent.
func crossMul(ray r3.Vector, p *mat.Dense) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -ray.Z)
	cross.Set(0, 2, ray.Y)
	cross.Set(1, 0, ray.Z)
	cross.Set(1, 2, -ray.X)
	cross.Set(2, 0, -ray.Y)
	cross.Set(2, 1, ray.X)

	var out mat.Dense
	out.Mul(cross, p)
	return &out
}

// ParallaxCosine returns cos(theta), theta the angle between the two rays from camera centers
// center1 and center2 to world point, used to gate triangulation on sufficient baseline.
func ParallaxCosine(center1, center2, point r3.Vector) float64 {
	ray1 := point.Sub(center1)
	ray2 := point.Sub(center2)
	n1, n2 := ray1.Norm(), ray2.Norm()
	if n1 == 0 || n2 == 0 {
		return 1
	}
	return ray1.Dot(ray2) / (n1 * n2)
}

// RayParallaxCosine returns cos(theta), theta the angle between two un-triangulated camera-frame
// viewing rays once rotated into the shared world frame pose1 and pose2 both transform into. It
// lets triangulation gate on parallax before a candidate point exists, as a cheaper and
// numerically steadier check than triangulating first and calling ParallaxCosine after.
func RayParallaxCosine(pose1, pose2 spatialmath.Pose, ray1, ray2 r3.Vector) float64 {
	world1 := worldDirection(pose1, ray1)
	world2 := worldDirection(pose2, ray2)
	n1, n2 := world1.Norm(), world2.Norm()
	if n1 == 0 || n2 == 0 {
		return 1
	}
	return world1.Dot(world2) / (n1 * n2)
}

// worldDirection rotates a camera-frame direction into the world frame a world->camera pose
// transforms into, discarding the pose's translation.
func worldDirection(pose spatialmath.Pose, direction r3.Vector) r3.Vector {
	origin := pose.Inverse().Transform(r3.Vector{})
	return pose.Inverse().Transform(direction).Sub(origin)
}
