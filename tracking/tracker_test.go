package tracking

import (
	"image"
	"testing"
	"time"

	"github.com/ekon-robotics/sdslam/config"
	"github.com/ekon-robotics/sdslam/extractor"
	"github.com/ekon-robotics/sdslam/logging"
	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/ekon-robotics/sdslam/matcher"
	"github.com/ekon-robotics/sdslam/motionmodel"
	"github.com/ekon-robotics/sdslam/optimizer"
	"github.com/ekon-robotics/sdslam/slamerr"
	"github.com/ekon-robotics/sdslam/transform"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

type fakeLocalMapper struct {
	accept   bool
	stopped  bool
	inserted []*mapgraph.KeyFrame
	aborted  int
}

func (f *fakeLocalMapper) InsertKeyFrame(kf *mapgraph.KeyFrame) { f.inserted = append(f.inserted, kf) }
func (f *fakeLocalMapper) AcceptKeyFrames() bool                { return f.accept }
func (f *fakeLocalMapper) RequestAbortBA()                      { f.aborted++ }
func (f *fakeLocalMapper) IsStopped() bool                      { return f.stopped }

func transformIntrinsics() transform.PinholeCameraIntrinsics {
	return transform.PinholeCameraIntrinsics{Width: 100, Height: 100, Fx: 50, Fy: 50, Ppx: 50, Ppy: 50}
}

func testConfig(kind config.SensorKind) *config.Config {
	return &config.Config{
		SensorKind:          kind,
		Intrinsics:          transformIntrinsics(),
		StereoBaselineBF:    40,
		CloseDepthThreshold: 10,
		FarDepthThreshold:   100,
		DepthMapScaleFactor: 1,
		FeaturesPerFrame:    100,
		PyramidLevels:       1,
		ScaleFactor:         1.2,
		ExpectedFPS:         30,
	}
}

func newTestTracker(t *testing.T, kind config.SensorKind, lm *fakeLocalMapper) *Tracker {
	t.Helper()
	cfg := testConfig(kind)
	m := mapgraph.NewMap()
	tr, err := New(cfg, m, extractor.NewSynthetic(1), matcher.New(), motionmodel.New(),
		optimizer.NewReprojectionPoseOptimizer(), lm, nil, logging.NewLogger("tracking-test"))
	test.That(t, err, test.ShouldBeNil)
	return tr
}

func uniformGray(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func TestTrackerStartsSystemNotReady(t *testing.T) {
	tr := newTestTracker(t, config.Monocular, &fakeLocalMapper{accept: true})
	test.That(t, tr.State(), test.ShouldEqual, SystemNotReady)
}

func TestRGBDInitializationCreatesKeyFrameAndMapPoints(t *testing.T) {
	lm := &fakeLocalMapper{accept: true}
	tr := newTestTracker(t, config.RGBD, lm)

	img := uniformGray(100, 100)
	depth := &DepthMap{Width: 100, Height: 100, Values: make([]float64, 100*100)}
	for i := range depth.Values {
		depth.Values[i] = 5
	}

	_, err := tr.Ingest(img, depth, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.State(), test.ShouldEqual, OK)
	test.That(t, tr.m.KeyFrameCount(), test.ShouldEqual, 1)
	test.That(t, tr.m.MapPointCount() > 0, test.ShouldBeTrue)
	test.That(t, len(lm.inserted), test.ShouldEqual, 1)

	trajectory := tr.Trajectory()
	test.That(t, len(trajectory), test.ShouldEqual, 1)
	test.That(t, trajectory[0].Lost, test.ShouldBeFalse)
}

func TestMonocularInitializationFailsWithoutSecondFrame(t *testing.T) {
	tr := newTestTracker(t, config.Monocular, &fakeLocalMapper{accept: true})
	img := uniformGray(100, 100)

	_, err := tr.Ingest(img, nil, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, slamerr.Is(err, slamerr.InitializationFailed), test.ShouldBeTrue)
	test.That(t, tr.State(), test.ShouldEqual, NotInitialized)
}

func TestResetReturnsToNoImagesYet(t *testing.T) {
	lm := &fakeLocalMapper{accept: true}
	tr := newTestTracker(t, config.RGBD, lm)
	img := uniformGray(100, 100)
	depth := &DepthMap{Width: 100, Height: 100, Values: make([]float64, 100*100)}
	for i := range depth.Values {
		depth.Values[i] = 5
	}
	_, err := tr.Ingest(img, depth, nil)
	test.That(t, err, test.ShouldBeNil)

	tr.Reset()
	test.That(t, tr.State(), test.ShouldEqual, NoImagesYet)
	test.That(t, tr.m.KeyFrameCount(), test.ShouldEqual, 0)
	test.That(t, len(tr.Trajectory()), test.ShouldEqual, 0)
}

func TestNeedNewKeyFrameForcesAfterMaxFrames(t *testing.T) {
	lm := &fakeLocalMapper{accept: false}
	tr := newTestTracker(t, config.RGBD, lm)
	tr.cfg.ExpectedFPS = 1 // MaxFrames() == 1
	tr.currentFrame = mapgraph.NewFrame(5, time.Now(), nil, nil, &tr.cfg.Intrinsics, tr.distorter)
	tr.lastKeyFrameFrameID = 0

	test.That(t, tr.needNewKeyFrame(), test.ShouldBeTrue)
}

// referenceKeyFrameWithPoints builds a keyframe holding n triangulated, self-observed map points,
// giving TrackedMapPointCount(1) == n, for exercising needNewKeyFrame's tracked-ratio condition.
func referenceKeyFrameWithPoints(tr *Tracker, n int) *mapgraph.KeyFrame {
	keypoints := make([]mapgraph.Keypoint, n)
	descriptors := make([]mapgraph.Descriptor, n)
	frame := mapgraph.NewFrame(tr.m.NewKeyFrameID(), time.Now(), keypoints, descriptors, &tr.cfg.Intrinsics, tr.distorter)
	kf := mapgraph.NewKeyFrame(frame.ID, frame)
	tr.m.AddKeyFrame(kf)
	for i := 0; i < n; i++ {
		tr.m.TriangulateAndInsert(r3.Vector{X: float64(i)}, kf, i)
	}
	return kf
}

func TestNeedNewKeyFrameDoesNotForceWhenTrackingIsGood(t *testing.T) {
	lm := &fakeLocalMapper{accept: false}
	tr := newTestTracker(t, config.Monocular, lm)
	tr.cfg.ExpectedFPS = 1 // MaxFrames() == 1, so framesSinceKF below already forces past the accept gate
	tr.currentFrame = mapgraph.NewFrame(5, time.Now(), nil, nil, &tr.cfg.Intrinsics, tr.distorter)
	tr.lastKeyFrameFrameID = 0
	tr.referenceKF = referenceKeyFrameWithPoints(tr, 10)
	tr.inliers = 10 // 100% of the reference keyframe's 10 tracked points, well above the 90% thin bound

	test.That(t, tr.needNewKeyFrame(), test.ShouldBeFalse)
}

func TestNeedNewKeyFrameTrueWhenTrackingThin(t *testing.T) {
	lm := &fakeLocalMapper{accept: true}
	tr := newTestTracker(t, config.Monocular, lm)
	tr.currentFrame = mapgraph.NewFrame(5, time.Now(), nil, nil, &tr.cfg.Intrinsics, tr.distorter)
	tr.lastKeyFrameFrameID = 0
	tr.referenceKF = referenceKeyFrameWithPoints(tr, 10)
	tr.inliers = 5 // 50% of 10, below the 90% bound

	test.That(t, tr.needNewKeyFrame(), test.ShouldBeTrue)
}

func TestNeedNewKeyFrameRespectsLoopClosingPause(t *testing.T) {
	lm := &fakeLocalMapper{accept: true, stopped: true}
	tr := newTestTracker(t, config.Monocular, lm)
	tr.currentFrame = mapgraph.NewFrame(5, time.Now(), nil, nil, &tr.cfg.Intrinsics, tr.distorter)
	tr.lastKeyFrameFrameID = 0
	tr.referenceKF = referenceKeyFrameWithPoints(tr, 10)
	tr.inliers = 1 // thin, would otherwise need a new keyframe

	test.That(t, tr.needNewKeyFrame(), test.ShouldBeFalse)
}

func TestNeedNewKeyFrameInsufficientCloseRangeCoverageForcesRGBD(t *testing.T) {
	lm := &fakeLocalMapper{accept: true}
	tr := newTestTracker(t, config.RGBD, lm)
	tr.lastKeyFrameFrameID = 0
	tr.referenceKF = referenceKeyFrameWithPoints(tr, 200)
	tr.inliers = 200 // matches the reference keyframe well overall, so the plain thin check is false

	keypoints := make([]mapgraph.Keypoint, minUntrackedCloseForInsertion+1)
	descriptors := make([]mapgraph.Descriptor, len(keypoints))
	frame := mapgraph.NewFrame(5, time.Now(), keypoints, descriptors, &tr.cfg.Intrinsics, tr.distorter)
	for i := range keypoints {
		frame.SetStereoMeasurement(i, 4, 4) // close-range depth, well under CloseDepthThreshold=10
	}
	tr.currentFrame = frame

	test.That(t, tr.needNewKeyFrame(), test.ShouldBeTrue)
}
