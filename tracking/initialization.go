package tracking

import (
	"github.com/ekon-robotics/sdslam/geometry"
	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

const (
	monocularInitWindowRadius  = 100.0
	minMonocularInitMatches    = 100
	minTriangulatedInitPoints  = 50
	monocularInitMedianDepth   = 1.0

	// monocularInitMeasurementSigma is the assumed per-pixel keypoint measurement noise the
	// homography/fundamental model-scoring gate uses to turn transfer/epipolar error into a
	// chi-square statistic.
	monocularInitMeasurementSigma = 1.0

	// monocularInitHomographySelectionRatio is the SH/(SH+SF) threshold above which the scene is
	// treated as planar enough to trust the homography-derived pose over the fundamental one.
	monocularInitHomographySelectionRatio = 0.45
)

// stereoInitialization creates one KeyFrame from the first frame and unprojects every
// keypoint with valid close-range depth into a MapPoint at the identity pose.
func (t *Tracker) stereoInitialization() bool {
	frame := t.currentFrame
	frame.Pose = spatialmath.NewZeroPose()

	kf := mapgraph.NewKeyFrame(t.m.NewKeyFrameID(), frame)
	t.m.AddKeyFrame(kf)

	created := 0
	for i := range frame.Keypoints {
		if !frame.HasDepth(i) || frame.Depth[i] > t.cfg.CloseDepthThreshold {
			continue
		}
		world := frame.WorldPoint(frame.Unproject(i))
		mp := t.m.TriangulateAndInsert(world, kf, i)
		frame.MapPoints[i] = mp
		created++
	}
	if created == 0 {
		return false
	}

	kf.UpdateConnections(t.m.KeyFrame)
	frame.ReferenceKeyFrameID = kf.ID()

	t.referenceKF = kf
	t.lastKeyFrame = kf
	t.lastKeyFrameFrameID = frame.ID
	t.localMapper.InsertKeyFrame(kf)
	return true
}

// monocularInitialization buffers the first frame, then on each subsequent frame attempts a
// windowed match against it; once enough matches survive, it recovers relative pose from the
// homography or the essential matrix, whichever recoverInitializationPoses selects, and
// triangulates the initial point cloud.
func (t *Tracker) monocularInitialization() bool {
	frame := t.currentFrame

	if t.cfg.UsePatternInitializer && t.patternInit != nil {
		if pose, ok := t.patternInit.DetectPose(frame); ok {
			frame.Pose = pose
			t.initialFrame = frame
			matches := make([]int, len(frame.Keypoints))
			for i := range matches {
				matches[i] = i
			}
			return t.createInitialMapMonocular(frame, frame, matches)
		}
	}

	if t.initialFrame == nil {
		t.initialFrame = frame
		return false
	}

	matches := t.matcher.SearchForInitialization(t.initialFrame, frame, monocularInitWindowRadius)
	count := 0
	for _, m := range matches {
		if m >= 0 {
			count++
		}
	}
	if count < minMonocularInitMatches {
		// Too few survivors: re-buffer the current frame as the new initial frame, matching
		// the original's mvbPrevMatched refresh so initialization keeps chasing the freshest
		// pair rather than getting stuck on a stale one.
		t.initialFrame = frame
		return false
	}

	pts1 := make([]r2.Point, 0, count)
	pts2 := make([]r2.Point, 0, count)
	for i1, i2 := range matches {
		if i2 < 0 {
			continue
		}
		pts1 = append(pts1, t.initialFrame.Keypoints[i1].Pt)
		pts2 = append(pts2, frame.Keypoints[i2].Pt)
	}

	k := t.cfg.Intrinsics.CameraMatrix()
	poses, err := t.recoverInitializationPoses(pts1, pts2, k)
	if err != nil {
		t.initialFrame = frame
		return false
	}

	rays1 := make([]r3.Vector, len(pts1))
	rays2 := make([]r3.Vector, len(pts2))
	for i := range pts1 {
		rays1[i] = t.cfg.Intrinsics.PixelToPoint(pts1[i].X, pts1[i].Y, 1)
		rays2[i] = t.cfg.Intrinsics.PixelToPoint(pts2[i].X, pts2[i].Y, 1)
	}
	relativePose := geometry.SelectPoseByPositiveDepth(poses, rays1, rays2)
	frame.Pose = relativePose

	ok := t.createInitialMapMonocular(t.initialFrame, frame, matches)
	if !ok {
		t.initialFrame = frame
	}
	return ok
}

// recoverInitializationPoses runs the model-scoring initializer: it estimates both a fundamental
// and a homography hypothesis from the same correspondences, scores each by symmetric
// transfer/epipolar error, and decomposes whichever model the scene actually supports (planar
// scenes score higher under the homography; general scenes under the fundamental matrix).
func (t *Tracker) recoverInitializationPoses(pts1, pts2 []r2.Point, k *mat.Dense) ([]spatialmath.Pose, error) {
	f, fErr := geometry.ComputeFundamentalMatrix(pts1, pts2)
	h, hErr := geometry.ComputeHomography(pts1, pts2)
	if fErr != nil && hErr != nil {
		return nil, fErr
	}

	useHomography := hErr == nil && fErr != nil
	if fErr == nil && hErr == nil {
		sf := geometry.ScoreFundamental(f, pts1, pts2, monocularInitMeasurementSigma)
		sh := geometry.ScoreHomography(h, pts1, pts2, monocularInitMeasurementSigma)
		useHomography = sh/(sh+sf) > monocularInitHomographySelectionRatio
	}

	if useHomography {
		if poses, err := geometry.DecomposeHomography(h, k); err == nil {
			return poses, nil
		} else if fErr != nil {
			return nil, err
		}
	}

	e := geometry.EssentialMatrix(f, k, k)
	return geometry.CandidatePoses(e)
}

// createInitialMapMonocular inserts the two bootstrap keyframes, triangulates the matched pairs
// by DLT, and normalizes scene scale so the median depth equals a fixed constant.
func (t *Tracker) createInitialMapMonocular(initial, current *mapgraph.Frame, matches []int) bool {
	kf1 := mapgraph.NewKeyFrame(t.m.NewKeyFrameID(), initial)
	kf1.SetPose(spatialmath.NewZeroPose())
	kf2 := mapgraph.NewKeyFrame(t.m.NewKeyFrameID(), current)
	kf2.SetPose(current.Pose)
	t.m.AddKeyFrame(kf1)
	t.m.AddKeyFrame(kf2)

	var depths []float64
	var created []*mapgraph.MapPoint
	for i1, i2 := range matches {
		if i2 < 0 {
			continue
		}
		ray1 := t.cfg.Intrinsics.PixelToPoint(initial.Keypoints[i1].Pt.X, initial.Keypoints[i1].Pt.Y, 1)
		ray2 := t.cfg.Intrinsics.PixelToPoint(current.Keypoints[i2].Pt.X, current.Keypoints[i2].Pt.Y, 1)
		point, ok := geometry.TriangulateDLT(kf1.Pose(), kf2.Pose(), ray1, ray2)
		if !ok || point.Z <= 0 || kf2.Pose().Transform(point).Z <= 0 {
			continue
		}

		mp := t.m.TriangulateAndInsert(point, kf1, i1, struct {
			KF  *mapgraph.KeyFrame
			Idx int
		}{kf2, i2})
		initial.MapPoints[i1] = mp
		current.MapPoints[i2] = mp
		depths = append(depths, point.Z)
		created = append(created, mp)
	}

	if len(depths) < minTriangulatedInitPoints {
		for _, mp := range created {
			t.m.EraseMapPointAndUnlink(mp)
		}
		t.m.EraseKeyFrameAndUnlink(kf1)
		t.m.EraseKeyFrameAndUnlink(kf2)
		return false
	}

	medianDepth := median(depths)
	scale := monocularInitMedianDepth / medianDepth
	for _, mp := range created {
		mp.SetPosition(mp.Position().Mul(scale))
	}
	kf2.SetPose(spatialmath.NewPoseFromRotationTranslation(kf2.Pose().Rotation(), kf2.Pose().Translation().Mul(scale)))
	current.Pose = kf2.Pose()

	kf1.UpdateConnections(t.m.KeyFrame)
	kf2.UpdateConnections(t.m.KeyFrame)
	current.ReferenceKeyFrameID = kf2.ID()

	t.referenceKF = kf2
	t.lastKeyFrame = kf2
	t.lastKeyFrameFrameID = current.ID
	t.initialFrame = nil

	t.localMapper.InsertKeyFrame(kf1)
	t.localMapper.InsertKeyFrame(kf2)
	return true
}
