package matcher

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

func intrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
}

func TestSearchForInitializationFindsWindowedMatches(t *testing.T) {
	kps1 := []mapgraph.Keypoint{{Pt: r2.Point{X: 100, Y: 100}}, {Pt: r2.Point{X: 200, Y: 200}}}
	kps2 := []mapgraph.Keypoint{{Pt: r2.Point{X: 103, Y: 101}}, {Pt: r2.Point{X: 400, Y: 400}}}
	descs1 := []mapgraph.Descriptor{{1, 0, 0, 0}, {0xFF, 0, 0, 0}}
	descs2 := []mapgraph.Descriptor{{1, 0, 0, 0}, {0, 0xFF, 0, 0}}

	f1 := mapgraph.NewFrame(0, time.Time{}, kps1, descs1, intrinsics(), nil)
	f2 := mapgraph.NewFrame(1, time.Time{}, kps2, descs2, intrinsics(), nil)

	m := New()
	matches := m.SearchForInitialization(f1, f2, 10)
	test.That(t, matches[0], test.ShouldEqual, 0)
	test.That(t, matches[1], test.ShouldEqual, -1)
}

func TestSearchByProjectionFrameReprojectsLastFrameMatches(t *testing.T) {
	intr := intrinsics()
	kps1 := []mapgraph.Keypoint{{Pt: r2.Point{X: 320, Y: 240}}}
	descs1 := []mapgraph.Descriptor{{42, 0, 0, 0}}
	last := mapgraph.NewFrame(0, time.Time{}, kps1, descs1, intr, nil)
	mapPt := mapgraph.NewMapPoint(0, r3.Vector{Z: 2}, 0)
	mapPt.AddObservation(0, 0)
	last.MapPoints[0] = mapPt

	kps2 := []mapgraph.Keypoint{{Pt: r2.Point{X: 321, Y: 239}}}
	descs2 := []mapgraph.Descriptor{{42, 0, 0, 0}}
	cur := mapgraph.NewFrame(1, time.Time{}, kps2, descs2, intr, nil)

	m := New()
	n := m.SearchByProjectionFrame(cur, last, 15)
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, cur.MapPoints[0], test.ShouldEqual, mapPt)
}

// TestFuseReportsDuplicateForColliding checks that when an incoming point projects onto a
// keypoint that already holds a map point, Fuse reports the keypoint's occupant as Existing and
// the projected point as Incoming instead of linking the incoming point.
func TestFuseReportsDuplicateForColliding(t *testing.T) {
	intr := intrinsics()
	kps := []mapgraph.Keypoint{{Pt: r2.Point{X: 320, Y: 240}}}
	descs := []mapgraph.Descriptor{{42, 0, 0, 0}}
	frame := mapgraph.NewFrame(0, time.Time{}, kps, descs, intr, nil)
	frame.Pose = spatialmath.NewZeroPose()
	kf := mapgraph.NewKeyFrame(0, frame)

	occupant := mapgraph.NewMapPoint(1, r3.Vector{Z: 2}, 0)
	kf.SetMapPointMatch(0, occupant)
	occupant.AddObservation(2, 0)
	occupant.AddObservation(3, 0)

	incoming := mapgraph.NewMapPoint(2, r3.Vector{Z: 2}, 0)

	m := New()
	dups := m.Fuse(kf, []*mapgraph.MapPoint{incoming}, 5)
	test.That(t, len(dups), test.ShouldEqual, 1)
	test.That(t, dups[0].Existing, test.ShouldEqual, occupant)
	test.That(t, dups[0].Incoming, test.ShouldEqual, incoming)

	// occupant holds three observations and incoming none, so the observation-count rule the
	// caller resolves duplicates by would keep occupant; confirm that count ordering directly.
	test.That(t, dups[0].Existing.ObservationCount() >= dups[0].Incoming.ObservationCount(), test.ShouldBeTrue)
}
