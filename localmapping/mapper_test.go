package localmapping

import (
	"sync"
	"testing"
	"time"

	"github.com/ekon-robotics/sdslam/config"
	"github.com/ekon-robotics/sdslam/logging"
	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/ekon-robotics/sdslam/matcher"
	"github.com/ekon-robotics/sdslam/optimizer"
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/ekon-robotics/sdslam/transform"
	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func testIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{Width: 200, Height: 200, Fx: 100, Fy: 100, Ppx: 100, Ppy: 100}
}

func testConfig() *config.Config {
	return &config.Config{
		SensorKind:  config.RGBD,
		Intrinsics:  *testIntrinsics(),
		ScaleFactor: 1.2,
	}
}

func newTestMapper() *Mapper {
	cfg := testConfig()
	m := mapgraph.NewMap()
	return New(cfg, m, matcher.New(), optimizer.NewReprojectionLocalBundleAdjuster(), logging.NewLogger("localmapping-test"))
}

// makeKeyFrame builds a keyframe with n keypoints spaced across the image, each holding a
// distinct, all-zero descriptor (descriptors don't matter for the pipeline stages under test
// here since they don't invoke matcher search).
func makeKeyFrame(t *testing.T, m *mapgraph.Map, pose spatialmath.Pose, n int) *mapgraph.KeyFrame {
	t.Helper()
	keypoints := make([]mapgraph.Keypoint, n)
	descriptors := make([]mapgraph.Descriptor, n)
	for i := range keypoints {
		keypoints[i] = mapgraph.Keypoint{Pt: r2.Point{X: float64(10 + i), Y: float64(10 + i)}, Octave: 0}
	}
	frame := mapgraph.NewFrame(m.NewKeyFrameID(), time.Now(), keypoints, descriptors, testIntrinsics(), transform.NoDistortion{})
	frame.Pose = pose
	kf := mapgraph.NewKeyFrame(m.NewKeyFrameID(), frame)
	kf.SetPose(pose)
	return kf
}

func TestProcessNewKeyFrameQueuesFreshObservationsForCulling(t *testing.T) {
	mp := newTestMapper()
	kf := makeKeyFrame(t, mp.m, spatialmath.NewZeroPose(), 3)

	point := mp.m.TriangulateAndInsert(spatialmath.NewZeroPose().Translation(), kf, 0)
	test.That(t, point, test.ShouldNotBeNil)

	mp.ProcessNewKeyFrame(kf)

	mp.recentMu.Lock()
	n := len(mp.recent)
	mp.recentMu.Unlock()
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, mp.m.KeyFrame(kf.ID()), test.ShouldEqual, kf)
}

func TestMapPointCullingErasesUnderobservedAgedPoint(t *testing.T) {
	mp := newTestMapper()
	kf0 := makeKeyFrame(t, mp.m, spatialmath.NewZeroPose(), 1)
	point := mp.m.TriangulateAndInsert(spatialmath.NewZeroPose().Translation(), kf0, 0)
	mp.ProcessNewKeyFrame(kf0)

	kf1 := makeKeyFrame(t, mp.m, spatialmath.NewZeroPose(), 1)

	mp.recentMu.Lock()
	mp.recent = []recentPoint{{mp: point, createdAtKFID: kf0.ID()}}
	mp.recentMu.Unlock()

	mp.MapPointCulling(kf1)

	test.That(t, point.IsBad(), test.ShouldBeTrue)
}

func TestCovisibilityAndFixedObserverHelpers(t *testing.T) {
	mp := newTestMapper()
	kf1 := makeKeyFrame(t, mp.m, spatialmath.NewZeroPose(), 2)
	kf2 := makeKeyFrame(t, mp.m, spatialmath.NewZeroPose(), 2)
	mp.m.AddKeyFrame(kf1)
	mp.m.AddKeyFrame(kf2)

	shared := mp.m.TriangulateAndInsert(spatialmath.NewZeroPose().Translation(), kf1, 0, struct {
		KF  *mapgraph.KeyFrame
		Idx int
	}{kf2, 0})
	test.That(t, shared, test.ShouldNotBeNil)

	kf1.UpdateConnections(mp.m.KeyFrame)
	kf2.UpdateConnections(mp.m.KeyFrame)

	neighbors := mp.covisibilityNeighbors(kf1)
	test.That(t, len(neighbors), test.ShouldEqual, 1)
	test.That(t, neighbors[0].ID(), test.ShouldEqual, kf2.ID())

	points := mp.observedPoints([]*mapgraph.KeyFrame{kf1})
	test.That(t, len(points), test.ShouldEqual, 1)

	fixed := mp.fixedObservers(kf1, []*mapgraph.KeyFrame{kf1})
	test.That(t, len(fixed), test.ShouldEqual, 1)
	test.That(t, fixed[0].ID(), test.ShouldEqual, kf2.ID())
}

func TestStartInsertKeyFrameReachesLoopCloser(t *testing.T) {
	mp := newTestMapper()
	lc := &capturingLoopCloser{}
	mp.SetLoopCloser(lc)
	mp.Start()
	defer mp.Stop()

	kf := makeKeyFrame(t, mp.m, spatialmath.NewZeroPose(), 1)
	mp.InsertKeyFrame(kf)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lc.count() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	test.That(t, lc.count(), test.ShouldEqual, 1)
}

func TestRequestResetAcknowledges(t *testing.T) {
	mp := newTestMapper()
	mp.Start()
	defer mp.Stop()

	mp.recentMu.Lock()
	mp.recent = []recentPoint{{}}
	mp.recentMu.Unlock()

	mp.RequestReset()

	mp.recentMu.Lock()
	n := len(mp.recent)
	mp.recentMu.Unlock()
	test.That(t, n, test.ShouldEqual, 0)
}

type capturingLoopCloser struct {
	mu sync.Mutex
	kfs []*mapgraph.KeyFrame
}

func (c *capturingLoopCloser) InsertKeyFrame(kf *mapgraph.KeyFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kfs = append(c.kfs, kf)
}

func (c *capturingLoopCloser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.kfs)
}
