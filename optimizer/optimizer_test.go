package optimizer

import (
	"testing"
	"time"

	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/ekon-robotics/sdslam/transform"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func buildFrameWithPerfectCorrespondences(t *testing.T) *mapgraph.Frame {
	t.Helper()
	intr := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}

	worldPts := []r3.Vector{{X: 0.1, Y: 0.1, Z: 3}, {X: -0.2, Y: 0.1, Z: 4}, {X: 0.05, Y: -0.15, Z: 3.5}, {X: -0.1, Y: -0.1, Z: 5}}
	keypoints := make([]mapgraph.Keypoint, len(worldPts))
	descriptors := make([]mapgraph.Descriptor, len(worldPts))
	for i, p := range worldPts {
		u, v := intr.PointToPixel(p)
		keypoints[i] = mapgraph.Keypoint{Pt: r2.Point{X: u, Y: v}}
	}

	frame := mapgraph.NewFrame(0, time.Time{}, keypoints, descriptors, intr, nil)
	m := mapgraph.NewMap()
	kf := mapgraph.NewKeyFrame(m.NewKeyFrameID(), frame)
	m.AddKeyFrame(kf)
	for i, p := range worldPts {
		mp := mapgraph.NewMapPoint(m.NewMapPointID(), p, kf.ID())
		m.AddMapPoint(mp)
		frame.MapPoints[i] = mp
	}
	return frame
}

func TestReprojectionPoseOptimizerConvergesFromNearbyStart(t *testing.T) {
	frame := buildFrameWithPerfectCorrespondences(t)
	// Perturb the pose slightly away from identity so there is something to optimize.
	frame.Pose = spatialmath.NewPoseFromTranslation(r3.Vector{X: 0.02, Y: -0.01, Z: 0.01})

	opt := NewReprojectionPoseOptimizer()
	inliers, err := opt.OptimizePose(frame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, inliers, test.ShouldEqual, len(frame.MapPoints))
}

func TestReprojectionLocalBundleAdjusterRespectsAbort(t *testing.T) {
	frame := buildFrameWithPerfectCorrespondences(t)
	m := mapgraph.NewMap()
	kf := mapgraph.NewKeyFrame(m.NewKeyFrameID(), frame)
	for i, mp := range frame.MapPoints {
		kf.SetMapPointMatch(i, mp)
	}

	adjuster := NewReprojectionLocalBundleAdjuster()
	aborted := true
	err := adjuster.Adjust([]*mapgraph.KeyFrame{kf}, nil, frame.MapPoints, func() bool { return aborted })
	test.That(t, err, test.ShouldBeNil)
}

