// Package optimizer defines the two interfaces the SLAM core calls out to for nonlinear
// least-squares refinement: pose-only optimization for an incoming frame and local bundle
// adjustment over a covisibility neighborhood. Nonlinear optimizer kernels themselves (the
// Levenberg-Marquardt variants a production system would use) are out of scope for this module;
// what is implemented here is the call contract and a reprojection-error-minimizing stand-in
// suitable for tests and for small synthetic scenes.
package optimizer

import (
	"github.com/ekon-robotics/sdslam/mapgraph"
)

// PoseOptimizer refines a single frame's pose from its tentative map-point correspondences.
type PoseOptimizer interface {
	// OptimizePose refines frame.Pose in place from frame's current MapPoints association,
	// returning the number of inlier correspondences. Outlier correspondences have their
	// frame.Outlier flag set.
	OptimizePose(frame *mapgraph.Frame) (inliers int, err error)
}

// LocalBundleAdjuster refines the poses of optimizeKFs and the positions of optimizePoints
// jointly, holding fixedKFs' poses constant as outer observation constraints. abort is polled at
// iteration boundaries; when it reports true the adjuster returns its best partial solution
// rather than running to convergence.
type LocalBundleAdjuster interface {
	Adjust(optimizeKFs, fixedKFs []*mapgraph.KeyFrame, optimizePoints []*mapgraph.MapPoint, abort func() bool) error
}

// reprojectionErrorChiSquareMono and reprojectionErrorChiSquareStereo are the chi-square
// thresholds (95% confidence, 2 and 3 degrees of freedom respectively) a correspondence's
// reprojection error must clear to be treated as an outlier during pose optimization.
const (
	reprojectionErrorChiSquareMono   = 5.991
	reprojectionErrorChiSquareStereo = 7.815
)

var (
	_ PoseOptimizer       = (*ReprojectionPoseOptimizer)(nil)
	_ LocalBundleAdjuster = (*ReprojectionLocalBundleAdjuster)(nil)
)
