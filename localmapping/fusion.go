package localmapping

import (
	"github.com/ekon-robotics/sdslam/config"
	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/ekon-robotics/sdslam/matcher"
)

const (
	secondOrderCovisibilityNeighbors = 5
	fuseSearchRadius                 = 5.0

	keyFrameCullingMinObservers   = 3
	keyFrameCullingRedundancyRatio = 0.9
	keyFrameCullingOctaveSlack     = 0
)

// covisibilityNeighbors returns kf's top covisibility neighbors, excluding bad keyframes, using
// the same neighbor count CreateNewMapPoints uses for this sensor kind.
func (mp *Mapper) covisibilityNeighbors(kf *mapgraph.KeyFrame) []*mapgraph.KeyFrame {
	n := monoCovisibilityNeighbors
	if mp.cfg.SensorKind == config.Stereo || mp.cfg.SensorKind == config.RGBD {
		n = stereoCovisibilityNeighbors
	}
	ids := kf.GetBestCovisibilityKeyFrames(n)
	out := make([]*mapgraph.KeyFrame, 0, len(ids))
	for _, id := range ids {
		if nb := mp.m.KeyFrame(id); nb != nil && !nb.IsBad() {
			out = append(out, nb)
		}
	}
	return out
}

// fixedObservers returns every keyframe that observes a point seen by optimizeKFs but is not
// itself a member of optimizeKFs, the fixed-pose set local bundle adjustment anchors against.
func (mp *Mapper) fixedObservers(kf *mapgraph.KeyFrame, optimizeKFs []*mapgraph.KeyFrame) []*mapgraph.KeyFrame {
	inSet := make(map[uint64]bool, len(optimizeKFs))
	for _, k := range optimizeKFs {
		inSet[k.ID()] = true
	}

	fixed := make(map[uint64]*mapgraph.KeyFrame)
	for _, k := range optimizeKFs {
		for _, point := range k.MapPoints() {
			if point == nil || point.IsBad() {
				continue
			}
			for obsID := range point.Observations() {
				if inSet[obsID] || fixed[obsID] != nil {
					continue
				}
				if observer := mp.m.KeyFrame(obsID); observer != nil && !observer.IsBad() {
					fixed[obsID] = observer
				}
			}
		}
	}

	out := make([]*mapgraph.KeyFrame, 0, len(fixed))
	for _, k := range fixed {
		out = append(out, k)
	}
	return out
}

// observedPoints returns the deduplicated union of non-bad map points observed by optimizeKFs.
func (mp *Mapper) observedPoints(optimizeKFs []*mapgraph.KeyFrame) []*mapgraph.MapPoint {
	seen := make(map[uint64]*mapgraph.MapPoint)
	for _, k := range optimizeKFs {
		for _, point := range k.MapPoints() {
			if point == nil || point.IsBad() {
				continue
			}
			seen[point.ID()] = point
		}
	}
	out := make([]*mapgraph.MapPoint, 0, len(seen))
	for _, point := range seen {
		out = append(out, point)
	}
	return out
}

// SearchInNeighbors fuses kf's map points into its first- and second-order covisibility
// neighbors, and the reverse, resolving every duplicate Fuse turns up in favor of whichever of
// the two points has more observations. It finishes by refreshing descriptors and viewing
// statistics for kf's surviving points and recomputing covisibility.
func (mp *Mapper) SearchInNeighbors(kf *mapgraph.KeyFrame) {
	targets := make(map[uint64]*mapgraph.KeyFrame)
	for _, neighbor := range mp.covisibilityNeighbors(kf) {
		targets[neighbor.ID()] = neighbor
		for _, id := range neighbor.GetBestCovisibilityKeyFrames(secondOrderCovisibilityNeighbors) {
			if id == kf.ID() {
				continue
			}
			if second := mp.m.KeyFrame(id); second != nil && !second.IsBad() {
				targets[id] = second
			}
		}
	}

	points := kf.MapPoints()
	for _, target := range targets {
		mp.resolveDuplicates(mp.matcher.Fuse(target, points, fuseSearchRadius))
	}

	var fromNeighbors []*mapgraph.MapPoint
	for _, target := range targets {
		fromNeighbors = append(fromNeighbors, target.MapPoints()...)
	}
	mp.resolveDuplicates(mp.matcher.Fuse(kf, fromNeighbors, fuseSearchRadius))

	for _, point := range kf.MapPoints() {
		if point == nil || point.IsBad() {
			continue
		}
		mp.refreshPointStatistics(point)
	}
	kf.UpdateConnections(mp.m.KeyFrame)
}

// resolveDuplicates keeps whichever of each pair has more observations and folds the other into
// it via MapPoint.Replace.
func (mp *Mapper) resolveDuplicates(dups []matcher.DuplicatePair) {
	for _, d := range dups {
		if d.Existing.ObservationCount() >= d.Incoming.ObservationCount() {
			d.Incoming.Replace(d.Existing, mp.m.KeyFrame)
		} else {
			d.Existing.Replace(d.Incoming, mp.m.KeyFrame)
		}
	}
}

// KeyFrameCulling marks a covisibility neighbor of kf bad once keyFrameCullingRedundancyRatio of
// its tracked points are each also seen, at an equal or finer scale, by at least
// keyFrameCullingMinObservers other keyframes.
func (mp *Mapper) KeyFrameCulling(kf *mapgraph.KeyFrame) {
	for _, candidate := range mp.covisibilityNeighbors(kf) {
		if candidate.ID() == 0 {
			continue
		}

		keypoints := candidate.Keypoints()
		var tracked, redundant int
		for i, point := range candidate.MapPoints() {
			if point == nil || point.IsBad() {
				continue
			}
			if mp.cfg.SensorKind == config.Stereo || mp.cfg.SensorKind == config.RGBD {
				if !candidate.HasDepth(i) || candidate.Depth(i) > mp.cfg.CloseDepthThreshold {
					continue
				}
			}
			tracked++

			observers := 0
			for obsID, obsIdx := range point.Observations() {
				if obsID == candidate.ID() {
					continue
				}
				observer := mp.m.KeyFrame(obsID)
				if observer == nil || observer.IsBad() {
					continue
				}
				if observer.Keypoints()[obsIdx].Octave <= keypoints[i].Octave+keyFrameCullingOctaveSlack {
					observers++
					if observers >= keyFrameCullingMinObservers {
						break
					}
				}
			}
			if observers >= keyFrameCullingMinObservers {
				redundant++
			}
		}

		if tracked > 0 && float64(redundant)/float64(tracked) >= keyFrameCullingRedundancyRatio {
			mp.m.EraseKeyFrameAndUnlink(candidate)
		}
	}
}
