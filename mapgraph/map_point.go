package mapgraph

import (
	"sync"

	"github.com/ekon-robotics/sdslam/slamerr"
	"github.com/golang/geo/r3"
)

// foundRatioThreshold is the minimum fraction of frames, among those from which a MapPoint was
// predicted visible, that must actually have matched it for the point to survive culling.
const foundRatioThreshold = 0.25

// MapPoint is a triangulated 3D landmark tracked across keyframes. Every field is guarded by
// mu; callers reach a MapPoint only through the Map that owns it, and take locks in
// map-top-level -> keyframe -> map-point order.
type MapPoint struct {
	mu sync.RWMutex

	id       uint64
	position r3.Vector

	// observations maps keyframe id to the index of the keypoint this point projects to in
	// that keyframe, maintained bidirectionally with KeyFrame.MapPoints.
	observations map[uint64]int

	descriptor Descriptor

	// meanViewingNormal is the average of (keyframe center -> position) unit vectors across
	// all observing keyframes, used to reject matches seen from an implausible angle.
	meanViewingNormal r3.Vector

	// minDistance and maxDistance bound the scale-invariant observation distance: the octave
	// a keyframe would have to see this point at, scaled by the keyframe's distance to it.
	minDistance float64
	maxDistance float64

	firstKeyFrameID uint64

	visibleCount int
	foundCount   int

	bad         bool
	replacement *MapPoint
}

// NewMapPoint creates a MapPoint at position, first observed in keyframe firstKeyFrameID.
func NewMapPoint(id uint64, position r3.Vector, firstKeyFrameID uint64) *MapPoint {
	return &MapPoint{
		id:              id,
		position:        position,
		observations:    make(map[uint64]int),
		firstKeyFrameID: firstKeyFrameID,
		visibleCount:    1,
		foundCount:      1,
	}
}

// ID returns the MapPoint's stable, Map-assigned identifier.
func (mp *MapPoint) ID() uint64 { return mp.id }

// Position returns the point's current 3D world coordinates.
func (mp *MapPoint) Position() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.position
}

// SetPosition updates the point's world coordinates, as after a bundle adjustment pass.
func (mp *MapPoint) SetPosition(p r3.Vector) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.position = p
}

// Descriptor returns the point's representative ORB descriptor.
func (mp *MapPoint) Descriptor() Descriptor {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.descriptor
}

// DistanceBounds returns the scale-invariant minimum and maximum observation distances.
func (mp *MapPoint) DistanceBounds() (min, max float64) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.minDistance, mp.maxDistance
}

// MeanViewingNormal returns the average viewing direction across all observing keyframes.
func (mp *MapPoint) MeanViewingNormal() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.meanViewingNormal
}

// FirstKeyFrameID returns the id of the keyframe in which this point was first triangulated.
func (mp *MapPoint) FirstKeyFrameID() uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.firstKeyFrameID
}

// IsBad reports whether the point has been logically deleted.
func (mp *MapPoint) IsBad() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.bad
}

// SetBad logically deletes the point. Callers are responsible for also removing it from every
// KeyFrame that observes it and from the Map's point index.
func (mp *MapPoint) SetBad() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.bad = true
}

// Replacement resolves through a chain of fused points to the surviving MapPoint, or returns
// mp itself if it was never replaced. Fusing A into B sets A.replacement = B; a query against A
// afterwards transparently yields B.
func (mp *MapPoint) Replacement() *MapPoint {
	mp.mu.RLock()
	rep := mp.replacement
	mp.mu.RUnlock()
	if rep == nil {
		return mp
	}
	return rep.Replacement()
}

// Replace marks mp as superseded by other, folding mp's observations into other and logically
// deleting mp. Observations mp holds in keyframes that already observe other are dropped rather
// than overwritten, since a keyframe may not observe the same point twice.
func (mp *MapPoint) Replace(other *MapPoint, keyframes func(id uint64) *KeyFrame) {
	if other.id == mp.id {
		return
	}

	mp.mu.Lock()
	obs := mp.observations
	mp.observations = nil
	visible, found := mp.visibleCount, mp.foundCount
	mp.bad = true
	mp.replacement = other
	mp.mu.Unlock()

	for kfID, idx := range obs {
		kf := keyframes(kfID)
		if kf == nil {
			continue
		}
		if kf.HasMapPoint(other) {
			kf.EraseMapPointMatch(idx)
			continue
		}
		kf.ReplaceMapPointMatch(idx, other)
		other.AddObservation(kfID, idx)

		_ = slamerr.CheckInvariant(kf.MapPointAt(idx) == other && other.Observations()[kfID] == idx,
			"keyframe/map-point observation is not bidirectional after MapPoint.Replace")
	}

	other.mu.Lock()
	other.visibleCount += visible
	other.foundCount += found
	other.mu.Unlock()
}

// AddObservation records that keyframe kfID observes this point at keypoint index idx.
func (mp *MapPoint) AddObservation(kfID uint64, idx int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.observations == nil {
		mp.observations = make(map[uint64]int)
	}
	mp.observations[kfID] = idx
}

// EraseObservation removes keyframe kfID's observation of this point.
func (mp *MapPoint) EraseObservation(kfID uint64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.observations, kfID)
}

// Observations returns a snapshot of the keyframe-id -> keypoint-index observation map.
func (mp *MapPoint) Observations() map[uint64]int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make(map[uint64]int, len(mp.observations))
	for k, v := range mp.observations {
		out[k] = v
	}
	return out
}

// ObservationCount returns the number of keyframes currently observing this point.
func (mp *MapPoint) ObservationCount() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.observations)
}

// IncreaseVisible records that this point was predicted visible in a frame, whether or not a
// match was actually found.
func (mp *MapPoint) IncreaseVisible() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.visibleCount++
}

// IncreaseFound records that this point was actually matched in a frame it was predicted
// visible in.
func (mp *MapPoint) IncreaseFound() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.foundCount++
}

// FoundRatio returns foundCount/visibleCount, the fraction of predicted-visible frames in which
// this point was actually matched.
func (mp *MapPoint) FoundRatio() float64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	if mp.visibleCount == 0 {
		return 0
	}
	return float64(mp.foundCount) / float64(mp.visibleCount)
}

// IsCullable reports whether this point fails the found-ratio survival test, independent of the
// age-based and observation-count rules the caller applies alongside it.
func (mp *MapPoint) IsCullable() bool {
	return mp.FoundRatio() < foundRatioThreshold
}

// UpdateDistinctiveDescriptor recomputes the representative descriptor as the observation with
// the smallest median Hamming distance to all the others, given the owning keyframes' stored
// descriptors for this point's keypoint indices.
func (mp *MapPoint) UpdateDistinctiveDescriptor(descriptorAt func(kfID uint64, idx int) (Descriptor, bool)) {
	mp.mu.RLock()
	obs := make(map[uint64]int, len(mp.observations))
	for k, v := range mp.observations {
		obs[k] = v
	}
	mp.mu.RUnlock()
	if len(obs) == 0 {
		return
	}

	descs := make([]Descriptor, 0, len(obs))
	for kfID, idx := range obs {
		if d, ok := descriptorAt(kfID, idx); ok {
			descs = append(descs, d)
		}
	}
	if len(descs) == 0 {
		return
	}

	best := MedianDistanceDescriptor(descs)
	mp.mu.Lock()
	mp.descriptor = best
	mp.mu.Unlock()
}

// UpdateNormalAndDepth recomputes the mean viewing normal and scale-invariant distance bounds
// from the owning keyframes' optical centers, octaves, and scale factors at this point's
// keypoint indices.
func (mp *MapPoint) UpdateNormalAndDepth(observerAt func(kfID uint64, idx int) (center r3.Vector, octave int, scaleFactor float64, ok bool)) {
	mp.mu.RLock()
	obs := make(map[uint64]int, len(mp.observations))
	for k, v := range mp.observations {
		obs[k] = v
	}
	position := mp.position
	mp.mu.RUnlock()
	if len(obs) == 0 {
		return
	}

	var normalSum r3.Vector
	var refDist float64
	var refScale float64 = 1
	haveRef := false

	for kfID, idx := range obs {
		center, octave, scaleFactor, ok := observerAt(kfID, idx)
		if !ok {
			continue
		}
		normal := position.Sub(center)
		dist := normal.Norm()
		if dist == 0 {
			continue
		}
		normalSum = normalSum.Add(normal.Mul(1 / dist))
		if kfID == mp.firstKeyFrameID {
			refDist = dist
			refScale = scalePow(scaleFactor, octave)
			haveRef = true
		}
	}
	if !haveRef {
		// Fall back to an arbitrary observation if the first observer was since removed.
		for kfID, idx := range obs {
			center, octave, scaleFactor, ok := observerAt(kfID, idx)
			if !ok {
				continue
			}
			refDist = position.Sub(center).Norm()
			refScale = scalePow(scaleFactor, octave)
			break
		}
	}

	mp.mu.Lock()
	if len(obs) > 0 {
		normalSum = normalSum.Mul(1 / float64(len(obs)))
		mp.meanViewingNormal = normalSum
	}
	if refScale > 0 {
		mp.maxDistance = refDist * refScale
		mp.minDistance = mp.maxDistance / scalePowMax
	}
	mp.mu.Unlock()
}

// scalePowMax is the ratio between the coarsest and finest pyramid octave's scale factor,
// bounding how much closer a point can be observed than at its reference octave.
const scalePowMax = 1 << 7

// scalePow returns scaleFactor raised to octave, the pyramid scale at which a keypoint was
// detected relative to the base image.
func scalePow(scaleFactor float64, octave int) float64 {
	p := 1.0
	for i := 0; i < octave; i++ {
		p *= scaleFactor
	}
	return p
}

// PredictScale estimates the pyramid octave a point at distance dist would be detected in,
// given its recorded maxDistance and the pyramid's scale factor, for guiding descriptor search
// windows during projection-based matching.
func (mp *MapPoint) PredictScale(dist, scaleFactor float64, numLevels int) int {
	mp.mu.RLock()
	maxDist := mp.maxDistance
	mp.mu.RUnlock()
	if maxDist <= 0 || dist <= 0 {
		return 0
	}
	ratio := maxDist / dist
	level := 0
	scale := 1.0
	for scale*scaleFactor <= ratio && level < numLevels-1 {
		scale *= scaleFactor
		level++
	}
	return level
}
