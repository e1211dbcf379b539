// Package mapgraph holds the shared state of the SLAM core: Frame, KeyFrame, and MapPoint, the
// Map arena that owns them by stable id, and the covisibility graph derived from their
// observation edges. Every mutable field lives behind the owning entity's own lock, per the
// map-top-level -> keyframe -> map-point lock order.
package mapgraph

import (
	"math"
	"time"

	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/ekon-robotics/sdslam/transform"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Keypoint is a salient 2D image location with scale and orientation, already undistorted.
type Keypoint struct {
	Pt     r2.Point
	Octave int
	Angle  float64
}

// noDepth and noDisparity are the sentinel "unavailable" values for a keypoint's depth and
// right-eye disparity, carried as +Inf so ordinary numeric comparisons treat them as furthest.
var (
	noDepth     = math.Inf(1)
	noDisparity = math.Inf(1)
)

// NoDepth reports the "no depth available" sentinel value.
func NoDepth() float64 { return noDepth }

// NoDisparity reports the "no right-eye disparity available" sentinel value.
func NoDisparity() float64 { return noDisparity }

// Frame is a transient, immutable-once-built record of one image's extracted features and
// tentative associations. It is built by the Tracker on ingest, optionally promoted into a
// KeyFrame, and otherwise discarded after the next frame (except as LastFrame).
type Frame struct {
	ID        uint64
	Timestamp time.Time

	Keypoints   []Keypoint
	Descriptors []Descriptor

	// Disparity and Depth are parallel to Keypoints; NoDisparity()/NoDepth() mark "unavailable".
	Disparity []float64
	Depth     []float64

	// MapPoints and Outlier are parallel to Keypoints, nil/false by default.
	MapPoints []*MapPoint
	Outlier   []bool

	Intrinsics *transform.PinholeCameraIntrinsics
	Distortion transform.Distorter

	// Pose is the current world->camera pose estimate. It is the one field a Frame mutates
	// after construction, as tracking refines it; callers serialize access externally (the
	// Tracker owns the only goroutine that touches a given Frame).
	Pose spatialmath.Pose

	// ReferenceKeyFrameID is the keyframe this frame's pose is ultimately tracked against,
	// used to build the relative-pose trajectory record.
	ReferenceKeyFrameID uint64
}

// NewFrame builds a Frame from extracted features, with Disparity/Depth defaulted to
// "unavailable" and MapPoints/Outlier sized to match the keypoint count.
func NewFrame(id uint64, ts time.Time, keypoints []Keypoint, descriptors []Descriptor,
	intrinsics *transform.PinholeCameraIntrinsics, distortion transform.Distorter,
) *Frame {
	n := len(keypoints)
	disparity := make([]float64, n)
	depth := make([]float64, n)
	for i := range disparity {
		disparity[i] = noDisparity
		depth[i] = noDepth
	}
	return &Frame{
		ID:          id,
		Timestamp:   ts,
		Keypoints:   keypoints,
		Descriptors: descriptors,
		Disparity:   disparity,
		Depth:       depth,
		MapPoints:   make([]*MapPoint, n),
		Outlier:     make([]bool, n),
		Intrinsics:  intrinsics,
		Distortion:  distortion,
		Pose:        spatialmath.NewZeroPose(),
	}
}

// SetStereoMeasurement records a right-eye disparity and derived depth for keypoint i.
func (f *Frame) SetStereoMeasurement(i int, disparity, depth float64) {
	f.Disparity[i] = disparity
	f.Depth[i] = depth
}

// HasDepth reports whether keypoint i carries a valid depth measurement (> 0 and finite).
func (f *Frame) HasDepth(i int) bool {
	d := f.Depth[i]
	return d > 0 && !math.IsInf(d, 1)
}

// Unproject back-projects keypoint i to a 3D point in the frame's own camera coordinates,
// using its recorded depth. Callers must check HasDepth first.
func (f *Frame) Unproject(i int) r3.Vector {
	kp := f.Keypoints[i]
	return f.Intrinsics.PixelToPoint(kp.Pt.X, kp.Pt.Y, f.Depth[i])
}

// WorldPoint transforms a point already unprojected in camera coordinates into world
// coordinates using the frame's current pose.
func (f *Frame) WorldPoint(cameraPoint r3.Vector) r3.Vector {
	return f.Pose.Inverse().Transform(cameraPoint)
}
