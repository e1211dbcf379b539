package optimizer

import (
	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r3"
)

// ReprojectionPoseOptimizer is a small, dependency-free stand-in for a full pose-only bundle
// adjuster: it minimizes total squared reprojection error over a frame's map-point
// correspondences by gradient descent on the pose's tangent-space (translation + small-angle
// rotation) perturbation, re-evaluating the outlier mask between passes the way the production
// optimizer's robust-cost outer loop does.
type ReprojectionPoseOptimizer struct {
	Iterations    int
	OutlierPasses int
	StepSize      float64
}

// NewReprojectionPoseOptimizer returns a ReprojectionPoseOptimizer with defaults suitable for
// small synthetic scenes and tests.
func NewReprojectionPoseOptimizer() *ReprojectionPoseOptimizer {
	return &ReprojectionPoseOptimizer{Iterations: 20, OutlierPasses: 4, StepSize: 1e-3}
}

// OptimizePose implements PoseOptimizer.
func (o *ReprojectionPoseOptimizer) OptimizePose(frame *mapgraph.Frame) (int, error) {
	for pass := 0; pass < o.OutlierPasses; pass++ {
		for iter := 0; iter < o.Iterations; iter++ {
			gradTrans, gradRot := o.accumulateGradient(frame)
			delta := spatialmath.NewPoseFromRotationTranslation(
				spatialmath.NewRotationAboutAxis(gradRot, -o.StepSize*gradRot.Norm()),
				gradTrans.Mul(-o.StepSize),
			)
			frame.Pose = delta.Compose(frame.Pose)
		}
		o.markOutliers(frame)
	}

	inliers := 0
	for _, outlier := range frame.Outlier {
		if !outlier {
			inliers++
		}
	}
	return inliers, nil
}

// accumulateGradient sums, over inlier correspondences, the translation and small-angle rotation
// gradient of squared reprojection error with respect to the frame's pose.
func (o *ReprojectionPoseOptimizer) accumulateGradient(frame *mapgraph.Frame) (r3.Vector, r3.Vector) {
	var gradTrans, gradRot r3.Vector
	for i, mp := range frame.MapPoints {
		if mp == nil || frame.Outlier[i] {
			continue
		}
		cameraPoint := frame.Pose.Transform(mp.Position())
		if cameraPoint.Z <= 0 {
			continue
		}
		u, v := frame.Intrinsics.PointToPixel(cameraPoint)
		obs := frame.Keypoints[i].Pt
		errU, errV := u-obs.X, v-obs.Y

		invZ := 1 / cameraPoint.Z
		fx, fy := frame.Intrinsics.Fx, frame.Intrinsics.Fy

		// d(reprojection)/d(translation) for a pinhole projection, standard Jacobian.
		gradTrans = gradTrans.Add(r3.Vector{
			X: errU * fx * invZ,
			Y: errV * fy * invZ,
			Z: -(errU*fx*cameraPoint.X + errV*fy*cameraPoint.Y) * invZ * invZ,
		})
		gradRot = gradRot.Add(r3.Vector{
			X: errV * fy * cameraPoint.Y * invZ,
			Y: -errU * fx * cameraPoint.X * invZ,
			Z: errU*fx*cameraPoint.Y*invZ - errV*fy*cameraPoint.X*invZ,
		})
	}
	return gradTrans, gradRot
}

// markOutliers flags, as outliers, correspondences whose squared reprojection error exceeds the
// monocular chi-square threshold.
func (o *ReprojectionPoseOptimizer) markOutliers(frame *mapgraph.Frame) {
	for i, mp := range frame.MapPoints {
		if mp == nil {
			continue
		}
		cameraPoint := frame.Pose.Transform(mp.Position())
		if cameraPoint.Z <= 0 {
			frame.Outlier[i] = true
			continue
		}
		u, v := frame.Intrinsics.PointToPixel(cameraPoint)
		obs := frame.Keypoints[i].Pt
		sqErr := (u-obs.X)*(u-obs.X) + (v-obs.Y)*(v-obs.Y)
		frame.Outlier[i] = sqErr > reprojectionErrorChiSquareMono
	}
}

// ReprojectionLocalBundleAdjuster is a small, dependency-free stand-in for a full local bundle
// adjuster: it alternates refining each optimizable keyframe's pose against its own
// correspondences and each optimizable point's position against all its observers, checking
// abort between passes.
type ReprojectionLocalBundleAdjuster struct {
	Passes int
}

// NewReprojectionLocalBundleAdjuster returns a ReprojectionLocalBundleAdjuster with a small
// default pass count.
func NewReprojectionLocalBundleAdjuster() *ReprojectionLocalBundleAdjuster {
	return &ReprojectionLocalBundleAdjuster{Passes: 5}
}

// Adjust implements LocalBundleAdjuster.
func (a *ReprojectionLocalBundleAdjuster) Adjust(
	optimizeKFs, fixedKFs []*mapgraph.KeyFrame, optimizePoints []*mapgraph.MapPoint, abort func() bool,
) error {
	poseOpt := NewReprojectionPoseOptimizer()
	lookup := make(map[uint64]*mapgraph.KeyFrame, len(optimizeKFs)+len(fixedKFs))
	for _, kf := range optimizeKFs {
		lookup[kf.ID()] = kf
	}
	for _, kf := range fixedKFs {
		lookup[kf.ID()] = kf
	}

	for pass := 0; pass < a.Passes; pass++ {
		if abort != nil && abort() {
			return nil
		}
		for _, kf := range optimizeKFs {
			refineKeyFramePose(kf, poseOpt)
		}
		for _, mp := range optimizePoints {
			refineMapPointPosition(mp, lookup)
		}
	}
	return nil
}

// refineKeyFramePose runs a pose-only refinement over a synthetic Frame view of kf's
// associations so it can reuse ReprojectionPoseOptimizer's gradient step.
func refineKeyFramePose(kf *mapgraph.KeyFrame, poseOpt *ReprojectionPoseOptimizer) {
	frame := mapgraph.NewFrame(kf.ID(), kf.Timestamp(), kf.Keypoints(), nil, kf.Intrinsics(), nil)
	frame.Pose = kf.Pose()
	frame.MapPoints = kf.MapPoints()
	if _, err := poseOpt.OptimizePose(frame); err != nil {
		return
	}
	kf.SetPose(frame.Pose)
}

// localBAStepSize is the gradient step taken per bundle-adjustment pass when refining a map
// point's position against its observers' reprojection error.
const localBAStepSize = 1e-3

// refineMapPointPosition takes one gradient-descent step of mp's position against the squared
// reprojection error summed over every keyframe (optimizable or fixed) in lookup that observes
// it.
func refineMapPointPosition(mp *mapgraph.MapPoint, lookup map[uint64]*mapgraph.KeyFrame) {
	var grad r3.Vector
	for kfID, idx := range mp.Observations() {
		kf := lookup[kfID]
		if kf == nil {
			continue
		}
		cameraPoint := kf.Pose().Transform(mp.Position())
		if cameraPoint.Z <= 0 {
			continue
		}
		u, v := kf.Intrinsics().PointToPixel(cameraPoint)
		obs := kf.Keypoints()[idx].Pt
		errU, errV := u-obs.X, v-obs.Y

		invZ := 1 / cameraPoint.Z
		fx, fy := kf.Intrinsics().Fx, kf.Intrinsics().Fy

		// d(reprojection)/d(world point), pulled back through the keyframe's rotation.
		dCamera := r3.Vector{
			X: errU * fx * invZ,
			Y: errV * fy * invZ,
			Z: -(errU*fx*cameraPoint.X + errV*fy*cameraPoint.Y) * invZ * invZ,
		}
		dWorld := kf.Pose().Inverse().Rotation()
		grad = grad.Add(spatialmath.NewPoseFromRotationTranslation(dWorld, r3.Vector{}).Transform(dCamera))
	}
	if grad == (r3.Vector{}) {
		return
	}
	mp.SetPosition(mp.Position().Sub(grad.Mul(localBAStepSize)))
}
