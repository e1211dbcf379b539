package mapgraph

import (
	"testing"
	"time"

	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func newTestKeyFrame(t *testing.T, m *Map, pose spatialmath.Pose, n int) *KeyFrame {
	t.Helper()
	keypoints := make([]Keypoint, n)
	descriptors := make([]Descriptor, n)
	for i := 0; i < n; i++ {
		keypoints[i] = Keypoint{Pt: r2.Point{X: float64(i), Y: float64(i)}}
		descriptors[i] = Descriptor{uint64(i)}
	}
	frame := NewFrame(0, time.Time{}, keypoints, descriptors, nil, nil)
	frame.Pose = pose
	kf := NewKeyFrame(m.NewKeyFrameID(), frame)
	m.AddKeyFrame(kf)
	return kf
}

func TestHammingDistance(t *testing.T) {
	a := Descriptor{0xFFFFFFFFFFFFFFFF, 0, 0, 0}
	b := Descriptor{0, 0, 0, 0}
	test.That(t, HammingDistance(a, b), test.ShouldEqual, 64)
	test.That(t, HammingDistance(a, a), test.ShouldEqual, 0)
}

func TestMedianDistanceDescriptorPicksCentralDescriptor(t *testing.T) {
	descs := []Descriptor{
		{0, 0, 0, 0},
		{0, 0, 0, 0},
		{0xFF, 0, 0, 0},
	}
	best := MedianDistanceDescriptor(descs)
	test.That(t, best, test.ShouldResemble, Descriptor{0, 0, 0, 0})
}

func TestMapPointObservationLifecycle(t *testing.T) {
	m := NewMap()
	kf1 := newTestKeyFrame(t, m, spatialmath.NewZeroPose(), 3)
	kf2 := newTestKeyFrame(t, m, spatialmath.NewZeroPose(), 3)

	mp := m.TriangulateAndInsert(r3.Vector{X: 1, Y: 2, Z: 3}, kf1, 0)
	test.That(t, mp.ObservationCount(), test.ShouldEqual, 1)
	test.That(t, kf1.MapPointAt(0), test.ShouldEqual, mp)

	kf2.SetMapPointMatch(1, mp)
	test.That(t, mp.ObservationCount(), test.ShouldEqual, 2)
	test.That(t, kf2.MapPointAt(1), test.ShouldEqual, mp)

	mp.IncreaseVisible()
	mp.IncreaseVisible()
	mp.IncreaseFound()
	test.That(t, mp.FoundRatio() < 1, test.ShouldBeTrue)
}

func TestMapPointReplaceFusesObservations(t *testing.T) {
	m := NewMap()
	kf1 := newTestKeyFrame(t, m, spatialmath.NewZeroPose(), 2)
	kf2 := newTestKeyFrame(t, m, spatialmath.NewZeroPose(), 2)

	a := m.TriangulateAndInsert(r3.Vector{X: 0, Y: 0, Z: 1}, kf1, 0)
	b := m.TriangulateAndInsert(r3.Vector{X: 0, Y: 0, Z: 1.01}, kf2, 0)

	a.Replace(b, m.KeyFrame)

	test.That(t, a.IsBad(), test.ShouldBeTrue)
	test.That(t, a.Replacement().ID(), test.ShouldEqual, b.ID())
	test.That(t, kf1.MapPointAt(0).ID(), test.ShouldEqual, b.ID())
	test.That(t, b.ObservationCount(), test.ShouldEqual, 2)
}

func TestKeyFrameUpdateConnectionsBuildsReciprocalEdges(t *testing.T) {
	m := NewMap()
	kf1 := newTestKeyFrame(t, m, spatialmath.NewZeroPose(), 20)
	kf2 := newTestKeyFrame(t, m, spatialmath.NewZeroPose(), 20)

	for i := 0; i < 16; i++ {
		mp := m.TriangulateAndInsert(r3.Vector{X: float64(i)}, kf1, i)
		kf2.SetMapPointMatch(i, mp)
	}

	kf1.UpdateConnections(m.KeyFrame)
	kf2.UpdateConnections(m.KeyFrame)

	test.That(t, kf1.CovisibilityWeight(kf2.ID()), test.ShouldEqual, 16)
	test.That(t, kf2.CovisibilityWeight(kf1.ID()), test.ShouldEqual, 16)
	best := kf1.GetBestCovisibilityKeyFrames(5)
	test.That(t, len(best), test.ShouldEqual, 1)
	test.That(t, best[0], test.ShouldEqual, kf2.ID())
}

func TestMapEraseKeyFrameUnlinksEverything(t *testing.T) {
	m := NewMap()
	kf1 := newTestKeyFrame(t, m, spatialmath.NewZeroPose(), 5)
	kf2 := newTestKeyFrame(t, m, spatialmath.NewZeroPose(), 5)

	mp := m.TriangulateAndInsert(r3.Vector{X: 1}, kf1, 0)
	kf2.SetMapPointMatch(0, mp)
	kf1.UpdateConnections(m.KeyFrame)
	kf2.UpdateConnections(m.KeyFrame)

	m.EraseKeyFrameAndUnlink(kf1)

	test.That(t, kf1.IsBad(), test.ShouldBeTrue)
	test.That(t, m.KeyFrame(kf1.ID()), test.ShouldBeNil)
	test.That(t, mp.ObservationCount(), test.ShouldEqual, 1)
}
