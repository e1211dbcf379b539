// Package matcher implements ORB descriptor matching between frames, keyframes, and map points:
// the windowed search used to bootstrap monocular initialization, the projection-guided searches
// Tracking uses to associate an incoming frame against the last frame, a reference keyframe, or
// the local map, the epipolar-restricted search LocalMapping uses to triangulate new map points,
// and the projection-guided fusion that merges duplicate map points across neighboring keyframes.
package matcher

import (
	"math"

	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/golang/geo/r2"
)

// TH_LOW and TH_HIGH bound acceptable Hamming distance for a candidate match: TH_LOW gates
// matches against an already-triangulated map point, TH_HIGH the looser frame-to-frame search.
const (
	TH_LOW  = 50
	TH_HIGH = 100
)

// HISTO_LENGTH is the number of bins in the rotation-consistency histogram; a genuine match set
// between two frames captured a fraction of a second apart shares a single dominant rotation
// bin, so matches falling outside the three largest bins are discarded as spurious.
const HISTO_LENGTH = 30

// Matcher holds the two tunables every search method shares.
type Matcher struct {
	// NNRatio is the minimum ratio by which the best candidate's distance must beat the
	// second-best's before the match is accepted (Lowe's ratio test, adapted to Hamming
	// distance rather than Euclidean).
	NNRatio float64
	// CheckOrientation enables the rotation-consistency histogram pass.
	CheckOrientation bool
}

// New returns a Matcher with the defaults used for most searches: a 0.6 ratio and rotation
// consistency enabled.
func New() *Matcher {
	return &Matcher{NNRatio: 0.6, CheckOrientation: true}
}

// rotationHistogram buckets the index of a match by the rounded angle difference between the
// two keypoints it pairs, into HISTO_LENGTH bins spanning 360 degrees.
type rotationHistogram struct {
	bins   [HISTO_LENGTH][]int
	factor float64
}

func newRotationHistogram() *rotationHistogram {
	return &rotationHistogram{factor: float64(HISTO_LENGTH) / 360.0}
}

func (h *rotationHistogram) add(angleDeg float64, idx int) {
	rot := angleDeg
	if rot < 0 {
		rot += 360
	}
	bin := int(math.Round(rot * h.factor))
	if bin >= HISTO_LENGTH {
		bin -= HISTO_LENGTH
	}
	if bin < 0 {
		bin = 0
	}
	h.bins[bin] = append(h.bins[bin], idx)
}

// keepTopThree returns the indices recorded in the three most populous bins, the set of matches
// ComputeThreeMaxima keeps; everything else is assumed to be a false match with an inconsistent
// rotation.
func (h *rotationHistogram) keepTopThree() map[int]bool {
	type binCount struct {
		bin, count int
	}
	counts := make([]binCount, HISTO_LENGTH)
	for i := range h.bins {
		counts[i] = binCount{i, len(h.bins[i])}
	}
	// simple partial selection sort for the top 3, HISTO_LENGTH is always small.
	for k := 0; k < 3 && k < HISTO_LENGTH; k++ {
		best := k
		for j := k + 1; j < HISTO_LENGTH; j++ {
			if counts[j].count > counts[best].count {
				best = j
			}
		}
		counts[k], counts[best] = counts[best], counts[k]
	}

	keep := make(map[int]bool)
	for k := 0; k < 3 && k < HISTO_LENGTH; k++ {
		if counts[k].count == 0 {
			continue
		}
		// a bin with less than 10% the weight of the top bin is noise, not a second mode.
		if k > 0 && counts[k].count < counts[0].count/10 {
			continue
		}
		for _, idx := range h.bins[counts[k].bin] {
			keep[idx] = true
		}
	}
	return keep
}

// candidate tracks the best and second-best distance seen for one query keypoint during a
// nearest-neighbor search, to apply the ratio test once the search completes.
type candidate struct {
	bestDist, secondDist int
	bestIdx              int
	found                bool
}

func (c *candidate) offer(dist, idx int) {
	if dist < c.bestDist {
		c.secondDist = c.bestDist
		c.bestDist = dist
		c.bestIdx = idx
		c.found = true
	} else if dist < c.secondDist {
		c.secondDist = dist
	}
}

func (c *candidate) accept(nnRatio float64, maxDist int) (int, bool) {
	if !c.found || c.bestDist > maxDist {
		return 0, false
	}
	if c.secondDist > 0 && float64(c.bestDist) > nnRatio*float64(c.secondDist) {
		return 0, false
	}
	return c.bestIdx, true
}

// SearchForInitialization matches frame1's keypoints against frame2's within a pixel-radius
// window around each keypoint's last known position, used only during monocular map
// initialization when no pose estimate yet exists to guide a projection search. matches12[i] is
// the index into frame2 matched to frame1's keypoint i, or -1 if unmatched.
func (m *Matcher) SearchForInitialization(frame1, frame2 *mapgraph.Frame, windowRadius float64) []int {
	matches12 := make([]int, len(frame1.Keypoints))
	for i := range matches12 {
		matches12[i] = -1
	}
	matchedInFrame2 := make(map[int]bool)

	histo := newRotationHistogram()
	type pending struct {
		idx1, idx2 int
		angle      float64
	}
	var accepted []pending

	for i1, kp1 := range frame1.Keypoints {
		cand := candidate{bestDist: TH_HIGH + 1, secondDist: TH_HIGH + 1}
		for i2, kp2 := range frame2.Keypoints {
			if matchedInFrame2[i2] {
				continue
			}
			if math.Abs(kp1.Pt.X-kp2.Pt.X) > windowRadius || math.Abs(kp1.Pt.Y-kp2.Pt.Y) > windowRadius {
				continue
			}
			dist := mapgraph.HammingDistance(frame1.Descriptors[i1], frame2.Descriptors[i2])
			cand.offer(dist, i2)
		}
		idx2, ok := cand.accept(m.NNRatio, TH_HIGH)
		if !ok {
			continue
		}
		accepted = append(accepted, pending{i1, idx2, kp1.Angle - frame2.Keypoints[idx2].Angle})
		matchedInFrame2[idx2] = true
	}

	if m.CheckOrientation {
		for i, p := range accepted {
			histo.add(p.angle, i)
		}
		keep := histo.keepTopThree()
		for i, p := range accepted {
			if keep[i] {
				matches12[p.idx1] = p.idx2
			}
		}
	} else {
		for _, p := range accepted {
			matches12[p.idx1] = p.idx2
		}
	}
	return matches12
}

// SearchByProjectionFrame associates frame's unmatched keypoints with the map points already
// tracked in lastFrame, restricting the search to keypoints within radius pixels of each map
// point's predicted projection, used by TrackWithMotionModel. Returns the number of new
// associations made, setting frame.MapPoints in place.
func (m *Matcher) SearchByProjectionFrame(frame, lastFrame *mapgraph.Frame, radius float64) int {
	matched := 0
	for i, mp := range lastFrame.MapPoints {
		if mp == nil || lastFrame.Outlier[i] {
			continue
		}
		projX, projY := frame.Intrinsics.PointToPixel(frame.Pose.Transform(mp.Position()))
		if !frame.Intrinsics.InBounds(projX, projY) {
			continue
		}

		cand := candidate{bestDist: TH_HIGH + 1, secondDist: TH_HIGH + 1}
		for j, kp := range frame.Keypoints {
			if frame.MapPoints[j] != nil {
				continue
			}
			if math.Abs(kp.Pt.X-projX) > radius || math.Abs(kp.Pt.Y-projY) > radius {
				continue
			}
			dist := mapgraph.HammingDistance(mp.Descriptor(), frame.Descriptors[j])
			cand.offer(dist, j)
		}
		if idx, ok := cand.accept(m.NNRatio, TH_HIGH); ok {
			frame.MapPoints[idx] = mp
			matched++
		}
	}
	return matched
}

// SearchByProjectionLocalMap associates frame's still-unmatched keypoints with candidates, the
// current local map's reference points, restricting the search to keypoints within radius pixels
// of each point's predicted projection, used by TrackLocalMap. The point's predicted scale is not
// consulted. Returns the number of new associations made.
func (m *Matcher) SearchByProjectionLocalMap(frame *mapgraph.Frame, candidates []*mapgraph.MapPoint, radius float64) int {
	matched := 0
	for _, mp := range candidates {
		if mp == nil || mp.IsBad() {
			continue
		}
		projX, projY := frame.Intrinsics.PointToPixel(frame.Pose.Transform(mp.Position()))
		if !frame.Intrinsics.InBounds(projX, projY) {
			continue
		}

		cand := candidate{bestDist: TH_HIGH + 1, secondDist: TH_HIGH + 1}
		for j, kp := range frame.Keypoints {
			if frame.MapPoints[j] != nil {
				continue
			}
			if math.Abs(kp.Pt.X-projX) > radius || math.Abs(kp.Pt.Y-projY) > radius {
				continue
			}
			dist := mapgraph.HammingDistance(mp.Descriptor(), frame.Descriptors[j])
			cand.offer(dist, j)
		}
		if idx, ok := cand.accept(m.NNRatio, TH_HIGH); ok {
			frame.MapPoints[idx] = mp
			mp.IncreaseFound()
			matched++
		}
	}
	return matched
}

// EpipolarLine is the three homogeneous-line coefficients (a, b, c) satisfying ax + by + c = 0
// that kp1 maps to in the second view under a fundamental matrix.
type EpipolarLine struct {
	A, B, C float64
}

// SatisfiesEpipolarConstraint reports whether point (x, y) lies within the 95% confidence region
// (chi-square threshold 3.84 for one degree of freedom) of the epipolar line, scaled by the
// keypoint's pyramid octave so coarser-scale keypoints get a looser tolerance.
func (l EpipolarLine) SatisfiesEpipolarConstraint(x, y float64, octave int, scaleFactor float64) bool {
	num := l.A*x + l.B*y + l.C
	den := l.A*l.A + l.B*l.B
	if den == 0 {
		return false
	}
	distSq := num * num / den
	scale := scalePowSq(scaleFactor, octave)
	return distSq < 3.84*scale
}

func scalePowSq(scaleFactor float64, octave int) float64 {
	p := 1.0
	for i := 0; i < octave; i++ {
		p *= scaleFactor
	}
	return p * p
}

// EpipolarLineFor computes the epipolar line in kf2 that corresponds to keypoint i in kf1, given
// the fundamental matrix F12 mapping kf1 points to kf2 lines, as (a,b,c) for a*x+b*y+c=0.
func EpipolarLineFor(kp r2.Point, f [3][3]float64) EpipolarLine {
	return EpipolarLine{
		A: f[0][0]*kp.X + f[0][1]*kp.Y + f[0][2],
		B: f[1][0]*kp.X + f[1][1]*kp.Y + f[1][2],
		C: f[2][0]*kp.X + f[2][1]*kp.Y + f[2][2],
	}
}

// MatchedPair is one accepted correspondence between keypoint indices in two keyframes.
type MatchedPair struct {
	Idx1, Idx2 int
}

// SearchForTriangulation finds correspondences between kf1 and kf2's keypoints that have no map
// point association yet, are within TH_LOW Hamming distance, and satisfy the epipolar constraint
// implied by fundamental matrix f12 (kf1 -> kf2), used by CreateNewMapPoints.
func (m *Matcher) SearchForTriangulation(kf1, kf2 *mapgraph.KeyFrame, f12 [3][3]float64) []MatchedPair {
	var pairs []MatchedPair
	matchedInKF2 := make(map[int]bool)

	histo := newRotationHistogram()
	var accepted []MatchedPair
	var angles []float64

	for i1, kp1 := range kf1.Keypoints() {
		if kf1.MapPointAt(i1) != nil {
			continue
		}
		line := EpipolarLineFor(kp1.Pt, f12)

		cand := candidate{bestDist: TH_LOW + 1, secondDist: TH_LOW + 1}
		for i2, kp2 := range kf2.Keypoints() {
			if kf2.MapPointAt(i2) != nil || matchedInKF2[i2] {
				continue
			}
			if !line.SatisfiesEpipolarConstraint(kp2.Pt.X, kp2.Pt.Y, kp2.Octave, 1.2) {
				continue
			}
			dist := mapgraph.HammingDistance(kf1.Descriptor(i1), kf2.Descriptor(i2))
			cand.offer(dist, i2)
		}
		idx2, ok := cand.accept(m.NNRatio, TH_LOW)
		if !ok {
			continue
		}
		accepted = append(accepted, MatchedPair{i1, idx2})
		angles = append(angles, kp1.Angle-kf2.Keypoints()[idx2].Angle)
		matchedInKF2[idx2] = true
	}

	if m.CheckOrientation {
		for i, a := range angles {
			histo.add(a, i)
		}
		keep := histo.keepTopThree()
		for i, p := range accepted {
			if keep[i] {
				pairs = append(pairs, p)
			}
		}
	} else {
		pairs = accepted
	}
	return pairs
}

// Fuse projects each of points into kf and, for any keypoint that already has an associated map
// point, returns the pair so the caller can decide which of the two duplicates survives; for a
// keypoint with no association yet, it links points[j] directly. Returns the surviving-candidate
// duplicate pairs (existing, incoming) for the caller to resolve via MapPoint.Replace.
func (m *Matcher) Fuse(kf *mapgraph.KeyFrame, points []*mapgraph.MapPoint, radius float64) []DuplicatePair {
	var duplicates []DuplicatePair
	keypoints := kf.Keypoints()

	for _, mp := range points {
		if mp == nil || mp.IsBad() || kf.HasMapPoint(mp) {
			continue
		}
		projX, projY := kf.Intrinsics().PointToPixel(kf.Pose().Transform(mp.Position()))
		if !kf.Intrinsics().InBounds(projX, projY) {
			continue
		}

		cand := candidate{bestDist: TH_LOW + 1, secondDist: TH_LOW + 1}
		for j, kp := range keypoints {
			if math.Abs(kp.Pt.X-projX) > radius || math.Abs(kp.Pt.Y-projY) > radius {
				continue
			}
			dist := mapgraph.HammingDistance(mp.Descriptor(), kf.Descriptor(j))
			cand.offer(dist, j)
		}
		idx, ok := cand.accept(m.NNRatio, TH_LOW)
		if !ok {
			continue
		}

		if existing := kf.MapPointAt(idx); existing != nil {
			duplicates = append(duplicates, DuplicatePair{Existing: existing, Incoming: mp})
		} else {
			kf.SetMapPointMatch(idx, mp)
		}
	}
	return duplicates
}

// DuplicatePair is a map point already occupying a keyframe's keypoint slot (Existing) and
// another point from elsewhere in the map (Incoming) that Fuse found also projects there.
type DuplicatePair struct {
	Existing, Incoming *mapgraph.MapPoint
}
