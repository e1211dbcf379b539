package localmapping

import (
	"math"

	"github.com/ekon-robotics/sdslam/config"
	"github.com/ekon-robotics/sdslam/geometry"
	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/ekon-robotics/sdslam/matcher"
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

const (
	// monoCovisibilityNeighbors and stereoCovisibilityNeighbors are the count of top
	// covisibility neighbors CreateNewMapPoints considers for each new keyframe.
	monoCovisibilityNeighbors   = 20
	stereoCovisibilityNeighbors = 10

	monoBaselineToDepthRatio = 0.01
	maxTriangulationParallax = 0.9998

	reprojectionErrorChiSquareMono   = 5.991
	reprojectionErrorChiSquareStereo = 7.815

	pointSurvivalKeyFramesElapsed = 2
	pointFIFOGraduationKeyFrames  = 3
)

// ProcessNewKeyFrame integrates kf into the map: for every existing map-point association that
// does not yet list kf as an observer, it records the observation and refreshes the point's
// descriptor and viewing statistics; associations that already list kf (stereo/RGBD points the
// Tracker created directly against this very keyframe) are instead queued into the
// recently-added FIFO for culling. Covisibility is recomputed from kf's final set of
// associations.
func (mp *Mapper) ProcessNewKeyFrame(kf *mapgraph.KeyFrame) {
	for i, point := range kf.MapPoints() {
		if point == nil || point.IsBad() {
			continue
		}
		if _, observed := point.Observations()[kf.ID()]; observed {
			mp.recentMu.Lock()
			mp.recent = append(mp.recent, recentPoint{mp: point, createdAtKFID: kf.ID()})
			mp.recentMu.Unlock()
			continue
		}
		point.AddObservation(kf.ID(), i)
		mp.refreshPointStatistics(point)
	}
	kf.UpdateConnections(mp.m.KeyFrame)
	mp.m.AddKeyFrame(kf)
}

func (mp *Mapper) refreshPointStatistics(point *mapgraph.MapPoint) {
	point.UpdateNormalAndDepth(func(kfID uint64, idx int) (r3.Vector, int, float64, bool) {
		kf := mp.m.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			return r3.Vector{}, 0, 0, false
		}
		kps := kf.Keypoints()
		if idx < 0 || idx >= len(kps) {
			return r3.Vector{}, 0, 0, false
		}
		return kf.Center(), kps[idx].Octave, mp.cfg.ScaleFactor, true
	})
	point.UpdateDistinctiveDescriptor(func(kfID uint64, idx int) (mapgraph.Descriptor, bool) {
		kf := mp.m.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			return mapgraph.Descriptor{}, false
		}
		return kf.Descriptor(idx), true
	})
}

// MapPointCulling walks the FIFO of recently triangulated points, dropping (marking bad) any
// that fail the found-ratio test or, once pointSurvivalKeyFramesElapsed keyframes have passed
// since their first observation, have too few observers. A point that survives
// pointFIFOGraduationKeyFrames keyframes without being culled graduates out of the FIFO (it
// stays in the map, just is no longer considered for culling).
func (mp *Mapper) MapPointCulling(kf *mapgraph.KeyFrame) {
	nThObs := 2
	if mp.cfg.SensorKind == config.Stereo || mp.cfg.SensorKind == config.RGBD {
		nThObs = 3
	}

	mp.recentMu.Lock()
	defer mp.recentMu.Unlock()

	kept := mp.recent[:0]
	for _, entry := range mp.recent {
		age := kf.ID() - entry.createdAtKFID
		switch {
		case entry.mp.IsBad():
			continue
		case entry.mp.IsCullable():
			mp.m.EraseMapPointAndUnlink(entry.mp)
			continue
		case age >= pointSurvivalKeyFramesElapsed && entry.mp.ObservationCount() <= nThObs:
			mp.m.EraseMapPointAndUnlink(entry.mp)
			continue
		case age >= pointFIFOGraduationKeyFrames:
			continue
		default:
			kept = append(kept, entry)
		}
	}
	mp.recent = kept
}

// CreateNewMapPoints triangulates new points from kf and each of its top covisibility
// neighbors, aborting early if another keyframe is already waiting in the inbox.
func (mp *Mapper) CreateNewMapPoints(kf *mapgraph.KeyFrame) {
	n := monoCovisibilityNeighbors
	if mp.cfg.SensorKind == config.Stereo || mp.cfg.SensorKind == config.RGBD {
		n = stereoCovisibilityNeighbors
	}

	medianDepth := medianSceneDepth(kf)
	ratioFactor := 1.5 * mp.cfg.ScaleFactor

	for _, neighborID := range kf.GetBestCovisibilityKeyFrames(n) {
		if len(mp.inbox) > 0 {
			return
		}
		neighbor := mp.m.KeyFrame(neighborID)
		if neighbor == nil || neighbor.IsBad() {
			continue
		}

		baseline := kf.Center().Sub(neighbor.Center()).Norm()
		if mp.cfg.SensorKind == config.Stereo || mp.cfg.SensorKind == config.RGBD {
			if baseline < mp.cfg.StereoBaselineBF/mp.cfg.Intrinsics.Fx {
				continue
			}
		} else if medianDepth > 0 && baseline/medianDepth < monoBaselineToDepthRatio {
			continue
		}

		f12, ok := fundamentalFromPoses(kf, neighbor)
		if !ok {
			continue
		}

		for _, pair := range mp.matcher.SearchForTriangulation(kf, neighbor, f12) {
			mp.tryTriangulate(kf, neighbor, pair, ratioFactor)
		}
	}
}

// tryTriangulate follows the original's gate exactly: a candidate is triangulated by DLT only
// when the ray parallax is positive and below both the stereo-evidence bound (if either keyframe
// has a valid depth measurement at this keypoint) and, absent any stereo evidence, the fixed
// maxTriangulationParallax bound; otherwise, if one side has stereo evidence and a tighter
// parallax bound than the other, the point is taken directly from that side's depth measurement
// instead of triangulated.
func (mp *Mapper) tryTriangulate(kf, neighbor *mapgraph.KeyFrame, pair matcher.MatchedPair, ratioFactor float64) {
	kp1 := kf.Keypoints()[pair.Idx1]
	kp2 := neighbor.Keypoints()[pair.Idx2]
	ray1 := kf.Intrinsics().PixelToPoint(kp1.Pt.X, kp1.Pt.Y, 1)
	ray2 := neighbor.Intrinsics().PixelToPoint(kp2.Pt.X, kp2.Pt.Y, 1)

	stereo1 := kf.HasDepth(pair.Idx1)
	stereo2 := neighbor.HasDepth(pair.Idx2)

	cosParallaxRays := geometry.RayParallaxCosine(kf.Pose(), neighbor.Pose(), ray1, ray2)

	cosParallaxStereo1, cosParallaxStereo2 := cosParallaxRays+1, cosParallaxRays+1
	if stereo1 {
		baseline := mp.cfg.StereoBaselineBF / kf.Intrinsics().Fx
		cosParallaxStereo1 = math.Cos(2 * math.Atan2(baseline/2, kf.Depth(pair.Idx1)))
	} else if stereo2 {
		baseline := mp.cfg.StereoBaselineBF / neighbor.Intrinsics().Fx
		cosParallaxStereo2 = math.Cos(2 * math.Atan2(baseline/2, neighbor.Depth(pair.Idx2)))
	}
	cosParallaxStereo := math.Min(cosParallaxStereo1, cosParallaxStereo2)

	var world r3.Vector
	switch {
	case cosParallaxRays < cosParallaxStereo && cosParallaxRays > 0 &&
		(stereo1 || stereo2 || cosParallaxRays < maxTriangulationParallax):
		var ok bool
		world, ok = geometry.TriangulateDLT(kf.Pose(), neighbor.Pose(), ray1, ray2)
		if !ok {
			return
		}
	case stereo1 && cosParallaxStereo1 < cosParallaxStereo2:
		world = kf.UnprojectStereo(pair.Idx1)
	case stereo2 && cosParallaxStereo2 < cosParallaxStereo1:
		world = neighbor.UnprojectStereo(pair.Idx2)
	default:
		return
	}

	if kf.Pose().Transform(world).Z <= 0 || neighbor.Pose().Transform(world).Z <= 0 {
		return
	}

	chiSquare1 := reprojectionErrorChiSquareMono
	if stereo1 {
		chiSquare1 = reprojectionErrorChiSquareStereo
	}
	if !reprojectionOK(kf, pair.Idx1, world, chiSquare1, stereo1, mp.cfg.StereoBaselineBF) {
		return
	}
	chiSquare2 := reprojectionErrorChiSquareMono
	if stereo2 {
		chiSquare2 = reprojectionErrorChiSquareStereo
	}
	if !reprojectionOK(neighbor, pair.Idx2, world, chiSquare2, stereo2, mp.cfg.StereoBaselineBF) {
		return
	}

	dist1 := world.Sub(kf.Center()).Norm()
	dist2 := world.Sub(neighbor.Center()).Norm()
	if dist1 == 0 || dist2 == 0 {
		return
	}
	ratioDist := dist2 / dist1
	ratioOctave := scaleAtOctave(kp1.Octave) / scaleAtOctave(kp2.Octave)
	if ratioDist*ratioFactor < ratioOctave || ratioDist > ratioOctave*ratioFactor {
		return
	}

	newPoint := mp.m.TriangulateAndInsert(world, kf, pair.Idx1, struct {
		KF  *mapgraph.KeyFrame
		Idx int
	}{neighbor, pair.Idx2})
	mp.refreshPointStatistics(newPoint)

	mp.recentMu.Lock()
	mp.recent = append(mp.recent, recentPoint{mp: newPoint, createdAtKFID: kf.ID()})
	mp.recentMu.Unlock()
}

// reprojectionOK checks a candidate point's reprojection error in kf against keypoint idx, scaled
// by the keypoint's octave. When stereo is true the predicted right-eye coordinate's error against
// the measured disparity is folded into the same chi-square test, per the keyframe's bf baseline.
func reprojectionOK(kf *mapgraph.KeyFrame, idx int, world r3.Vector, chiSquare float64, stereo bool, baselineBF float64) bool {
	cam := kf.Pose().Transform(world)
	if cam.Z <= 0 {
		return false
	}
	u, v := kf.Intrinsics().PointToPixel(cam)
	kp := kf.Keypoints()[idx]
	scale := scaleAtOctave(kp.Octave)
	dx, dy := u-kp.Pt.X, v-kp.Pt.Y
	sqErr := dx*dx + dy*dy
	if stereo {
		predictedRight := u - baselineBF/cam.Z
		measuredRight := kp.Pt.X - kf.Disparity(idx)
		dxr := predictedRight - measuredRight
		sqErr += dxr * dxr
	}
	return sqErr/(scale*scale) <= chiSquare
}

func scaleAtOctave(octave int) float64 {
	scale := 1.0
	for i := 0; i < octave; i++ {
		scale *= 1.2
	}
	return scale
}

func medianSceneDepth(kf *mapgraph.KeyFrame) float64 {
	var depths []float64
	for _, point := range kf.MapPoints() {
		if point == nil || point.IsBad() {
			continue
		}
		cam := kf.Pose().Transform(point.Position())
		if cam.Z > 0 {
			depths = append(depths, cam.Z)
		}
	}
	if len(depths) == 0 {
		return 0
	}
	return medianOf(depths)
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// fundamentalFromPoses derives the 3x3 fundamental matrix relating kf1 and kf2 from their
// already-known relative poses and intrinsics: E = [t]_x * R, F = K2^-T * E * K1^-1.
func fundamentalFromPoses(kf1, kf2 *mapgraph.KeyFrame) ([3][3]float64, bool) {
	relative := kf2.Pose().Compose(kf1.Pose().Inverse())
	t := relative.Translation()
	skew := mat.NewDense(3, 3, []float64{
		0, -t.Z, t.Y,
		t.Z, 0, -t.X,
		-t.Y, t.X, 0,
	})
	rot := spatialmath.QuatToRotationMatrix(relative.Rotation())

	var e mat.Dense
	e.Mul(skew, rot)

	k1 := kf1.Intrinsics().CameraMatrix()
	k2 := kf2.Intrinsics().CameraMatrix()
	var k1Inv, k2Inv mat.Dense
	if err := k1Inv.Inverse(k1); err != nil {
		return [3][3]float64{}, false
	}
	if err := k2Inv.Inverse(k2); err != nil {
		return [3][3]float64{}, false
	}

	var tmp, f mat.Dense
	tmp.Mul(k2Inv.T(), &e)
	f.Mul(&tmp, &k1Inv)

	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = f.At(i, j)
		}
	}
	return out, true
}
