package mapgraph

import (
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
)

// Map owns every KeyFrame and MapPoint by stable id and is the only place new ids are minted.
// Mutations that touch more than one entity (inserting a keyframe, erasing a point) take mu;
// read-mostly lookups of a single entity by id only need mu briefly to snapshot a pointer, since
// the entity's own lock then guards its fields.
type Map struct {
	mu sync.RWMutex

	keyFrames map[uint64]*KeyFrame
	mapPoints map[uint64]*MapPoint

	// referenceMapPoints is the working set TrackLocalMap projects against, replaced wholesale
	// each time the local map is recomputed around the current keyframe.
	referenceMapPoints []*MapPoint

	nextKeyFrameID uint64
	nextPointID    uint64

	// maxKeyFrameID is the highest id ever assigned, reported by MaxKeyFrameID.
	maxKeyFrameID uint64
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{
		keyFrames: make(map[uint64]*KeyFrame),
		mapPoints: make(map[uint64]*MapPoint),
	}
}

// NewKeyFrameID mints a fresh, never-reused keyframe id.
func (m *Map) NewKeyFrameID() uint64 {
	return atomic.AddUint64(&m.nextKeyFrameID, 1) - 1
}

// NewMapPointID mints a fresh, never-reused map-point id.
func (m *Map) NewMapPointID() uint64 {
	return atomic.AddUint64(&m.nextPointID, 1) - 1
}

// AddKeyFrame inserts kf into the map.
func (m *Map) AddKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyFrames[kf.id] = kf
	if kf.id > m.maxKeyFrameID {
		m.maxKeyFrameID = kf.id
	}
}

// AddMapPoint inserts mp into the map.
func (m *Map) AddMapPoint(mp *MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapPoints[mp.id] = mp
}

// EraseKeyFrame removes kf from the map's index. The caller must have already marked it bad and
// unlinked it from the covisibility graph and every observing map point.
func (m *Map) EraseKeyFrame(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keyFrames, id)
}

// EraseMapPoint removes mp from the map's index. The caller must have already marked it bad and
// unlinked it from every observing keyframe.
func (m *Map) EraseMapPoint(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mapPoints, id)
}

// KeyFrame resolves a keyframe by id, returning nil if it is absent (never inserted, or since
// erased). Implements KeyFrameLookup.
func (m *Map) KeyFrame(id uint64) *KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyFrames[id]
}

// MapPoint resolves a map point by id, or nil.
func (m *Map) MapPoint(id uint64) *MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mapPoints[id]
}

// AllKeyFrames returns a snapshot of every keyframe currently in the map.
func (m *Map) AllKeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(m.keyFrames))
	for _, kf := range m.keyFrames {
		out = append(out, kf)
	}
	return out
}

// AllMapPoints returns a snapshot of every map point currently in the map.
func (m *Map) AllMapPoints() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapPoint, 0, len(m.mapPoints))
	for _, mp := range m.mapPoints {
		out = append(out, mp)
	}
	return out
}

// KeyFrameCount returns the number of keyframes currently in the map.
func (m *Map) KeyFrameCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyFrames)
}

// MapPointCount returns the number of map points currently in the map.
func (m *Map) MapPointCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mapPoints)
}

// MaxKeyFrameID returns the highest keyframe id ever assigned by this map.
func (m *Map) MaxKeyFrameID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxKeyFrameID
}

// SetReferenceMapPoints replaces the local-map working set with points.
func (m *Map) SetReferenceMapPoints(points []*MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referenceMapPoints = points
}

// ReferenceMapPoints returns the current local-map working set.
func (m *Map) ReferenceMapPoints() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MapPoint(nil), m.referenceMapPoints...)
}

// Clear empties the map and resets its id counters, used when Tracking resets after
// irrecoverable tracking loss.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyFrames = make(map[uint64]*KeyFrame)
	m.mapPoints = make(map[uint64]*MapPoint)
	m.referenceMapPoints = nil
	m.nextKeyFrameID = 0
	m.nextPointID = 0
	m.maxKeyFrameID = 0
}

// EraseMapPointAndUnlink marks mp bad, removes it from every keyframe observing it, and drops it
// from the map's index — the full teardown a culled or fused-away point requires.
func (m *Map) EraseMapPointAndUnlink(mp *MapPoint) {
	for kfID, idx := range mp.Observations() {
		if kf := m.KeyFrame(kfID); kf != nil {
			kf.EraseMapPointMatch(idx)
		}
	}
	mp.SetBad()
	m.EraseMapPoint(mp.id)
}

// EraseKeyFrameAndUnlink marks kf bad, removes its covisibility edges from every neighbor, drops
// its observation from every map point it still associates with, and removes it from the map's
// index — the full teardown a culled keyframe requires.
func (m *Map) EraseKeyFrameAndUnlink(kf *KeyFrame) {
	for _, neighborID := range kf.GetBestCovisibilityKeyFrames(1 << 30) {
		if neighbor := m.KeyFrame(neighborID); neighbor != nil {
			neighbor.eraseEdge(kf.id)
		}
	}
	for _, mp := range kf.MapPoints() {
		if mp != nil {
			mp.EraseObservation(kf.id)
		}
	}
	kf.SetBad()
	m.EraseKeyFrame(kf.id)
}

// TriangulateAndInsert builds a new MapPoint at position, first observed in keyframe firstKF at
// keypoint index firstIdx, inserts it into the map, and links it to every (keyframe, index)
// observation pair supplied, including the first.
func (m *Map) TriangulateAndInsert(position r3.Vector, firstKF *KeyFrame, firstIdx int, extra ...struct {
	KF  *KeyFrame
	Idx int
}) *MapPoint {
	mp := NewMapPoint(m.NewMapPointID(), position, firstKF.id)
	firstKF.SetMapPointMatch(firstIdx, mp)
	for _, obs := range extra {
		obs.KF.SetMapPointMatch(obs.Idx, mp)
	}
	m.AddMapPoint(mp)
	return mp
}
