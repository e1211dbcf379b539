package mapgraph

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ekon-robotics/sdslam/slamerr"
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/ekon-robotics/sdslam/transform"
	"github.com/golang/geo/r3"
)

// covisibilityWeightThreshold is the minimum number of map points two keyframes must jointly
// observe before an edge is recorded between them in the covisibility graph.
const covisibilityWeightThreshold = 15

// KeyFrame is a Frame promoted into the persistent map: its geometric measurements are frozen,
// its map-point associations and covisibility edges are maintained as the map evolves around it,
// and it survives until culled as redundant. Every mutable field lives behind mu.
type KeyFrame struct {
	mu sync.RWMutex

	id      uint64
	frameID uint64
	ts      time.Time

	keypoints   []Keypoint
	descriptors []Descriptor

	// disparity and depth are parallel to keypoints, carried over from the Frame this keyframe
	// was promoted from; NoDisparity()/NoDepth() mark "unavailable" for a monocular keypoint.
	disparity []float64
	depth     []float64

	intrinsics *transform.PinholeCameraIntrinsics
	distortion transform.Distorter

	pose spatialmath.Pose

	// mapPoints is parallel to keypoints; a nil entry means that keypoint has no association.
	mapPoints []*MapPoint

	// covisibility holds the weighted edges to other keyframes, keyed by neighbor id, the
	// count of map points both keyframes observe in common.
	covisibility map[uint64]int
	// ordered lists covisibility's keys sorted by descending weight, recomputed alongside it.
	ordered []uint64

	bad bool
}

// KeyFrameLookup resolves a KeyFrame by id, used for operations that must touch other keyframes;
// the Map is the only normal implementer.
type KeyFrameLookup func(id uint64) *KeyFrame

// NewKeyFrame promotes frame into a KeyFrame with the given stable id, copying its geometric
// fields and current map-point associations.
func NewKeyFrame(id uint64, frame *Frame) *KeyFrame {
	mapPoints := make([]*MapPoint, len(frame.MapPoints))
	copy(mapPoints, frame.MapPoints)
	return &KeyFrame{
		id:           id,
		frameID:      frame.ID,
		ts:           frame.Timestamp,
		keypoints:    append([]Keypoint(nil), frame.Keypoints...),
		descriptors:  append([]Descriptor(nil), frame.Descriptors...),
		disparity:    append([]float64(nil), frame.Disparity...),
		depth:        append([]float64(nil), frame.Depth...),
		intrinsics:   frame.Intrinsics,
		distortion:   frame.Distortion,
		pose:         frame.Pose,
		mapPoints:    mapPoints,
		covisibility: make(map[uint64]int),
	}
}

// ID returns the KeyFrame's stable, Map-assigned identifier.
func (kf *KeyFrame) ID() uint64 { return kf.id }

// FrameID returns the id of the Frame this keyframe was promoted from.
func (kf *KeyFrame) FrameID() uint64 { return kf.frameID }

// Timestamp returns the capture time of the originating frame.
func (kf *KeyFrame) Timestamp() time.Time { return kf.ts }

// Keypoints returns the keyframe's detected keypoints.
func (kf *KeyFrame) Keypoints() []Keypoint { return kf.keypoints }

// Descriptor returns the ORB descriptor for keypoint i.
func (kf *KeyFrame) Descriptor(i int) Descriptor { return kf.descriptors[i] }

// Intrinsics returns the camera intrinsics in effect when this keyframe was captured.
func (kf *KeyFrame) Intrinsics() *transform.PinholeCameraIntrinsics { return kf.intrinsics }

// HasDepth reports whether keypoint i carries a valid stereo/RGB-D depth measurement.
func (kf *KeyFrame) HasDepth(i int) bool {
	d := kf.depth[i]
	return d > 0 && !math.IsInf(d, 1)
}

// Depth returns the recorded depth for keypoint i, or NoDepth() if unavailable.
func (kf *KeyFrame) Depth(i int) float64 { return kf.depth[i] }

// Disparity returns the recorded right-eye disparity for keypoint i, or NoDisparity() if
// unavailable.
func (kf *KeyFrame) Disparity(i int) float64 { return kf.disparity[i] }

// UnprojectStereo back-projects keypoint i to world coordinates using its recorded depth.
// Callers must check HasDepth first.
func (kf *KeyFrame) UnprojectStereo(i int) r3.Vector {
	kp := kf.keypoints[i]
	camera := kf.intrinsics.PixelToPoint(kp.Pt.X, kp.Pt.Y, kf.depth[i])
	return kf.Pose().Inverse().Transform(camera)
}

// Pose returns the keyframe's world->camera pose.
func (kf *KeyFrame) Pose() spatialmath.Pose {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.pose
}

// SetPose updates the keyframe's pose, as after a bundle adjustment pass.
func (kf *KeyFrame) SetPose(p spatialmath.Pose) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.pose = p
}

// Center returns the keyframe's optical center in world coordinates.
func (kf *KeyFrame) Center() r3.Vector {
	return kf.Pose().Inverse().Translation()
}

// IsBad reports whether this keyframe has been logically deleted.
func (kf *KeyFrame) IsBad() bool {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.bad
}

// SetBad logically deletes the keyframe. Callers are responsible for erasing its covisibility
// edges from neighboring keyframes and its observations from every MapPoint it observed.
func (kf *KeyFrame) SetBad() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.bad = true
}

// MapPointAt returns the map point associated with keypoint i, or nil.
func (kf *KeyFrame) MapPointAt(i int) *MapPoint {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.mapPoints[i]
}

// SetMapPointMatch associates keypoint i with mp, recording the reciprocal observation on mp.
func (kf *KeyFrame) SetMapPointMatch(i int, mp *MapPoint) {
	kf.mu.Lock()
	kf.mapPoints[i] = mp
	kf.mu.Unlock()
	mp.AddObservation(kf.id, i)

	_ = slamerr.CheckInvariant(kf.MapPointAt(i) == mp && mp.Observations()[kf.id] == i,
		"keyframe/map-point observation is not bidirectional after SetMapPointMatch")
}

// EraseMapPointMatch removes keypoint i's map-point association without touching the point's
// own observation set; callers that are discarding the point entirely should also call
// MapPoint.EraseObservation.
func (kf *KeyFrame) EraseMapPointMatch(i int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.mapPoints[i] = nil
}

// ReplaceMapPointMatch swaps keypoint i's association to other without touching other's
// observation set; the caller adds the reciprocal observation separately.
func (kf *KeyFrame) ReplaceMapPointMatch(i int, other *MapPoint) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.mapPoints[i] = other
}

// HasMapPoint reports whether mp is already associated with some keypoint in this keyframe.
func (kf *KeyFrame) HasMapPoint(mp *MapPoint) bool {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	for _, p := range kf.mapPoints {
		if p != nil && p.id == mp.id {
			return true
		}
	}
	return false
}

// MapPoints returns a snapshot of the keyframe's map-point associations, parallel to Keypoints.
func (kf *KeyFrame) MapPoints() []*MapPoint {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]*MapPoint, len(kf.mapPoints))
	copy(out, kf.mapPoints)
	return out
}

// TrackedMapPointCount returns the number of associated, non-bad map points that have at least
// minObservations observers, the measure Tracking's keyframe admission compares its inlier count
// against.
func (kf *KeyFrame) TrackedMapPointCount(minObservations int) int {
	kf.mu.RLock()
	points := make([]*MapPoint, len(kf.mapPoints))
	copy(points, kf.mapPoints)
	kf.mu.RUnlock()

	count := 0
	for _, mp := range points {
		if mp == nil || mp.IsBad() {
			continue
		}
		if mp.ObservationCount() >= minObservations {
			count++
		}
	}
	return count
}

// UpdateConnections recomputes this keyframe's covisibility edges from its current map-point
// observations: for every other keyframe sharing at least covisibilityWeightThreshold map
// points with this one, an edge weighted by the shared count is recorded on both sides. If no
// neighbor clears the threshold, the single strongest neighbor is kept anyway so the covisibility
// graph never disconnects a keyframe that has any shared observations at all.
func (kf *KeyFrame) UpdateConnections(lookup KeyFrameLookup) {
	kf.mu.RLock()
	points := make([]*MapPoint, 0, len(kf.mapPoints))
	for _, mp := range kf.mapPoints {
		if mp != nil && !mp.IsBad() {
			points = append(points, mp)
		}
	}
	kf.mu.RUnlock()

	counts := make(map[uint64]int)
	for _, mp := range points {
		for otherID := range mp.Observations() {
			if otherID == kf.id {
				continue
			}
			counts[otherID]++
		}
	}

	kept := make(map[uint64]int)
	var bestID uint64
	bestWeight := -1
	for otherID, weight := range counts {
		if weight > bestWeight {
			bestWeight = weight
			bestID = otherID
		}
		if weight >= covisibilityWeightThreshold {
			kept[otherID] = weight
		}
	}
	if len(kept) == 0 && bestWeight > 0 {
		kept[bestID] = bestWeight
	}

	kf.mu.Lock()
	oldNeighbors := make([]uint64, 0, len(kf.covisibility))
	for id := range kf.covisibility {
		oldNeighbors = append(oldNeighbors, id)
	}
	kf.covisibility = kept
	kf.ordered = orderByWeightDesc(kept)
	kf.mu.Unlock()

	for id := range kept {
		if other := lookup(id); other != nil {
			other.setReciprocalEdge(kf.id, kept[id])
		}
	}
	for _, id := range oldNeighbors {
		if _, still := kept[id]; still {
			continue
		}
		if other := lookup(id); other != nil {
			other.eraseEdge(kf.id)
		}
	}
}

// setReciprocalEdge records or updates the weight of the edge from kf to neighbor, called by
// neighbor.UpdateConnections to keep both sides of the graph consistent.
func (kf *KeyFrame) setReciprocalEdge(neighbor uint64, weight int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if kf.covisibility == nil {
		kf.covisibility = make(map[uint64]int)
	}
	kf.covisibility[neighbor] = weight
	kf.ordered = orderByWeightDesc(kf.covisibility)
}

// eraseEdge removes the edge to neighbor, called when neighbor's own recomputation drops it.
func (kf *KeyFrame) eraseEdge(neighbor uint64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	delete(kf.covisibility, neighbor)
	kf.ordered = orderByWeightDesc(kf.covisibility)
}

// GetBestCovisibilityKeyFrames returns up to n neighbor keyframe ids, ordered by descending
// shared map-point count.
func (kf *KeyFrame) GetBestCovisibilityKeyFrames(n int) []uint64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	if n >= len(kf.ordered) {
		return append([]uint64(nil), kf.ordered...)
	}
	return append([]uint64(nil), kf.ordered[:n]...)
}

// CovisibilityWeight returns the number of map points shared with neighbor, or 0 if there is no
// edge between them.
func (kf *KeyFrame) CovisibilityWeight(neighbor uint64) int {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.covisibility[neighbor]
}

func orderByWeightDesc(weights map[uint64]int) []uint64 {
	ids := make([]uint64, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if weights[ids[i]] != weights[ids[j]] {
			return weights[ids[i]] > weights[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}
