// Package tracking implements the per-frame front end of the SLAM core: feature extraction,
// data association against the map, pose estimation via the motion model and reprojection
// optimization, and keyframe admission. It mirrors the Tracking state machine and per-frame
// pipeline (TrackWithMotionModel / TrackReferenceKeyFrame / TrackLocalMap / NeedNewKeyFrame) of
// the pack's original ORB-SLAM2-derivative tracker, generalized to this module's Go types.
package tracking

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/ekon-robotics/sdslam/config"
	"github.com/ekon-robotics/sdslam/extractor"
	"github.com/ekon-robotics/sdslam/logging"
	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/ekon-robotics/sdslam/matcher"
	"github.com/ekon-robotics/sdslam/motionmodel"
	"github.com/ekon-robotics/sdslam/optimizer"
	"github.com/ekon-robotics/sdslam/slamerr"
	"github.com/ekon-robotics/sdslam/spatialmath"
	"github.com/ekon-robotics/sdslam/trajectory"
	"github.com/ekon-robotics/sdslam/transform"
	localutils "github.com/ekon-robotics/sdslam/utils"
)

// State is one of the Tracker's five lifecycle states.
type State int

const (
	SystemNotReady State = iota
	NoImagesYet
	NotInitialized
	OK
	Lost
)

func (s State) String() string {
	switch s {
	case SystemNotReady:
		return "SYSTEM_NOT_READY"
	case NoImagesYet:
		return "NO_IMAGES_YET"
	case NotInitialized:
		return "NOT_INITIALIZED"
	case OK:
		return "OK"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// DepthMap is a dense per-pixel depth grid registered to the intensity image, in the same units
// as config.DepthMapScaleFactor converts to meters. A nil *DepthMap means no depth available
// (monocular operation).
type DepthMap struct {
	Width, Height int
	Values        []float64
}

// At returns the raw depth sample at pixel (x, y).
func (d *DepthMap) At(x, y int) float64 {
	if d == nil || x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0
	}
	return d.Values[y*d.Width+x]
}

// LocalMapper is the subset of the Local Mapper's surface the Tracker depends on: keyframe
// handoff, backpressure, BA-abort signaling, and the paused-for-loop-closing check.
// Satisfied structurally by *localmapping.Mapper.
type LocalMapper interface {
	InsertKeyFrame(kf *mapgraph.KeyFrame)
	AcceptKeyFrames() bool
	RequestAbortBA()
	IsStopped() bool
}

// PatternInitializer recovers a pose directly from a detected planar fiducial, bypassing the
// standard two-view model-scoring monocular initializer. This is an interface seam only: no
// implementation ships in this module (see design notes on the planar-pattern open question).
type PatternInitializer interface {
	DetectPose(frame *mapgraph.Frame) (spatialmath.Pose, bool)
}

// Tracker is the front end: it owns the camera-pose stream and produces keyframes.
type Tracker struct {
	cfg         *config.Config
	m           *mapgraph.Map
	extractor   extractor.FeatureExtractor
	matcher     *matcher.Matcher
	motion      *motionmodel.EKF
	poseOpt     optimizer.PoseOptimizer
	localMapper LocalMapper
	patternInit PatternInitializer
	distorter   transform.Distorter
	logger      logging.Logger

	mu sync.Mutex

	state               State
	lastProcessedState  State
	nextFrameID         uint64
	lastKeyFrameFrameID uint64
	lastRelocFrameID    uint64
	inliers             int

	currentFrame *mapgraph.Frame
	lastFrame    *mapgraph.Frame
	initialFrame *mapgraph.Frame

	referenceKF  *mapgraph.KeyFrame
	lastKeyFrame *mapgraph.KeyFrame

	localKeyFrames []*mapgraph.KeyFrame
	localMapPoints []*mapgraph.MapPoint

	trajectory []trajectory.Record

	lastIngestAt time.Time
}

// New builds a Tracker over m, driven by the given extractor, matcher, motion model, pose
// optimizer and Local Mapper. patternInit may be nil; it is only consulted when
// cfg.UsePatternInitializer is set.
func New(
	cfg *config.Config,
	m *mapgraph.Map,
	fe extractor.FeatureExtractor,
	mm *matcher.Matcher,
	motion *motionmodel.EKF,
	poseOpt optimizer.PoseOptimizer,
	localMapper LocalMapper,
	patternInit PatternInitializer,
	logger logging.Logger,
) (*Tracker, error) {
	distorter, err := cfg.Distortion.Distorter()
	if err != nil {
		return nil, slamerr.Wrap(err, slamerr.Configuration, "building distortion model for tracker")
	}
	logging.RegisterLogger("tracking", logger)
	return &Tracker{
		cfg:         cfg,
		m:           m,
		extractor:   fe,
		matcher:     mm,
		motion:      motion,
		poseOpt:     poseOpt,
		localMapper: localMapper,
		patternInit: patternInit,
		distorter:   distorter,
		logger:      logger,
		state:       SystemNotReady,
	}, nil
}

// State reports the Tracker's current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ingest extracts features from img (and, if non-nil, depth), advances the state machine, and
// returns the resulting world->camera pose. A returned error of kind slamerr.TrackingFailed or
// slamerr.InitializationFailed is non-fatal: the caller should simply supply the next frame.
func (t *Tracker) Ingest(img image.Image, depth *DepthMap, measurements []float64) (spatialmath.Pose, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	frame, err := t.extractFrame(img, depth)
	if err != nil {
		return spatialmath.NewZeroPose(), slamerr.Wrap(err, slamerr.TrackingFailed, "extracting features")
	}
	t.currentFrame = frame

	if t.state == SystemNotReady {
		t.state = NoImagesYet
	}
	t.lastProcessedState = t.state

	err = t.track(measurements)
	t.recordTrajectory(t.state == Lost)
	t.lastFrame = t.currentFrame
	t.lastIngestAt = frame.Timestamp
	return frame.Pose, err
}

func (t *Tracker) track(measurements []float64) error {
	switch t.state {
	case NoImagesYet:
		t.state = NotInitialized
		fallthrough
	case NotInitialized:
		var ok bool
		switch t.cfg.SensorKind {
		case config.Stereo, config.RGBD:
			ok = t.stereoInitialization()
		default:
			ok = t.monocularInitialization()
		}
		if !ok {
			return slamerr.New(slamerr.InitializationFailed, "map initialization did not converge yet")
		}
		t.state = OK
		return nil
	case OK:
		if t.trackOK(measurements) {
			return nil
		}
		t.state = Lost
		return slamerr.New(slamerr.TrackingFailed, "lost track after initialization")
	case Lost:
		if t.relocalization() {
			t.state = OK
			t.lastRelocFrameID = t.currentFrame.ID
			return nil
		}
		return slamerr.New(slamerr.RelocalizationFailed, "no relocalization candidate accepted")
	default:
		return slamerr.New(slamerr.TrackingFailed, "tracker not ready")
	}
}

func (t *Tracker) trackOK(measurements []float64) bool {
	dt := 1.0 / maxFloat(t.cfg.ExpectedFPS, 1)
	t.currentFrame.Pose = t.motion.Predict(dt)

	ok := t.trackWithMotionModel()
	if !ok {
		ok = t.trackReferenceKeyFrame()
	}
	if !ok {
		return false
	}
	if !t.trackLocalMap() {
		return false
	}

	t.motion.Update(t.currentFrame.Pose, dt)

	if t.needNewKeyFrame() {
		t.createNewKeyFrame()
	}
	return true
}

func maxFloat(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

const (
	motionModelProjectionRadius  = 15.0
	localMapProjectionRadius     = 10.0
	minMotionModelMatches        = 10
	minMotionModelInliers        = 10
	minReferenceKeyFrameMatches  = 15
	minReferenceKeyFrameInliers  = 10
	minLocalMapInliers           = 30
	minLocalMapInliersPostReloc  = 50
	minRelocalizationInliers     = 50
	needNewKeyFrameTrackedRatio  = 0.9
	localKeyFrameCovisibilityCap = 20

	// maxTrackedCloseForInsertion and minUntrackedCloseForInsertion gate the stereo/RGB-D
	// "insufficient close-range coverage" disjunct: few enough close-range points are already
	// tracked, and enough more are sitting there unmatched, that a fresh keyframe would actually
	// add coverage.
	maxTrackedCloseForInsertion   = 100
	minUntrackedCloseForInsertion = 70
)

// extractFrame builds a Frame from a raw image (and optional depth) using the configured
// extractor and distortion model.
func (t *Tracker) extractFrame(img image.Image, depth *DepthMap) (*mapgraph.Frame, error) {
	pyramid := extractor.PyramidConfig{
		Levels:           t.cfg.PyramidLevels,
		ScaleFactor:      t.cfg.ScaleFactor,
		InitialThreshold: t.cfg.FastInitialThreshold,
		RescueThreshold:  t.cfg.FastRescueThreshold,
	}
	keypoints, descriptors, err := t.extractor.Extract(img, pyramid)
	if err != nil {
		return nil, err
	}

	frame := mapgraph.NewFrame(t.nextFrameID, time.Now(), keypoints, descriptors, &t.cfg.Intrinsics, t.distorter)
	t.nextFrameID++

	if depth != nil {
		for i, kp := range keypoints {
			raw := depth.At(int(kp.Pt.X), int(kp.Pt.Y))
			if raw <= 0 {
				continue
			}
			z := raw * t.cfg.DepthMapScaleFactor
			disparity := mapgraph.NoDisparity()
			if t.cfg.StereoBaselineBF > 0 {
				disparity = t.cfg.StereoBaselineBF / z
			}
			frame.SetStereoMeasurement(i, disparity, z)
		}
	}

	// Depth is sampled at the raw pixel above; the keypoints themselves are kept undistorted.
	camera := transform.PinholeCameraModel{PinholeCameraIntrinsics: &t.cfg.Intrinsics, Distortion: t.distorter}
	for i := range frame.Keypoints {
		pt := &frame.Keypoints[i].Pt
		pt.X, pt.Y = camera.UndistortPixel(pt.X, pt.Y)
	}
	return frame, nil
}

// trackWithMotionModel projects the last frame's map points into the current frame using the
// motion model's pose prior, matches in a small radius, and refines the pose by reprojection
// optimization. It is the first, cheapest tracking strategy attempted each frame.
func (t *Tracker) trackWithMotionModel() bool {
	if t.lastFrame == nil {
		return false
	}
	matched := t.matcher.SearchByProjectionFrame(t.currentFrame, t.lastFrame, motionModelProjectionRadius)
	if matched < minMotionModelMatches {
		return false
	}
	inliers, err := t.poseOpt.OptimizePose(t.currentFrame)
	if err != nil || inliers < minMotionModelInliers {
		return false
	}
	t.inliers = inliers
	return true
}

// trackReferenceKeyFrame matches the current frame directly against the reference keyframe's
// descriptors by brute-force nearest/second-nearest ratio test (no bag-of-words grouping in this
// module), then solves pose by the same reprojection optimizer. Used when the motion-model prior
// produced too few matches, e.g. right after initialization or an erratic motion.
func (t *Tracker) trackReferenceKeyFrame() bool {
	if t.referenceKF == nil {
		return false
	}
	t.currentFrame.Pose = t.referenceKF.Pose()

	matched := 0
	for i := range t.referenceKF.Keypoints() {
		mp := t.referenceKF.MapPointAt(i)
		if mp == nil || mp.IsBad() {
			continue
		}
		best, bestDist, secondDist := -1, matcher.TH_HIGH+1, matcher.TH_HIGH+1
		refDescriptor := t.referenceKF.Descriptor(i)
		for j, desc := range t.currentFrame.Descriptors {
			if t.currentFrame.MapPoints[j] != nil {
				continue
			}
			d := mapgraph.HammingDistance(refDescriptor, desc)
			if d < bestDist {
				secondDist = bestDist
				bestDist = d
				best = j
			} else if d < secondDist {
				secondDist = d
			}
		}
		if best < 0 || bestDist >= matcher.TH_LOW {
			continue
		}
		if float64(bestDist) >= t.matcher.NNRatio*float64(secondDist) {
			continue
		}
		t.currentFrame.MapPoints[best] = mp
		matched++
	}
	if matched < minReferenceKeyFrameMatches {
		return false
	}
	inliers, err := t.poseOpt.OptimizePose(t.currentFrame)
	if err != nil || inliers < minReferenceKeyFrameInliers {
		return false
	}
	t.inliers = inliers
	return true
}

// trackLocalMap rebuilds the local keyframe/map-point sets around the reference keyframe,
// searches for additional matches by projection, and reoptimizes pose. This is the final,
// strictest acceptance gate for state OK.
func (t *Tracker) trackLocalMap() bool {
	t.updateLocalKeyFrames()
	t.updateLocalPoints()

	for _, mp := range t.localMapPoints {
		mp.IncreaseVisible()
	}
	t.matcher.SearchByProjectionLocalMap(t.currentFrame, t.localMapPoints, localMapProjectionRadius)

	inliers, err := t.poseOpt.OptimizePose(t.currentFrame)
	if err != nil {
		return false
	}
	t.inliers = inliers

	threshold := minLocalMapInliers
	if t.lastRelocFrameID != 0 && t.currentFrame.ID-t.lastRelocFrameID < uint64(t.cfg.MaxFrames()) {
		threshold = minLocalMapInliersPostReloc
	}
	return inliers >= threshold
}

func (t *Tracker) updateLocalKeyFrames() {
	t.localKeyFrames = t.localKeyFrames[:0]
	if t.referenceKF == nil {
		return
	}
	t.localKeyFrames = append(t.localKeyFrames, t.referenceKF)
	for _, id := range t.referenceKF.GetBestCovisibilityKeyFrames(localKeyFrameCovisibilityCap) {
		if kf := t.m.KeyFrame(id); kf != nil && !kf.IsBad() {
			t.localKeyFrames = append(t.localKeyFrames, kf)
		}
	}
}

func (t *Tracker) updateLocalPoints() {
	t.localMapPoints = t.localMapPoints[:0]
	seen := make(map[uint64]bool)
	for _, kf := range t.localKeyFrames {
		for _, mp := range kf.MapPoints() {
			if mp == nil || mp.IsBad() || seen[mp.ID()] {
				continue
			}
			seen[mp.ID()] = true
			t.localMapPoints = append(t.localMapPoints, mp)
		}
	}
}

// needNewKeyFrame implements the admission policy, the AND of four conditions: the Local Mapper
// must be ready to accept (or MaxFrames have elapsed since the last keyframe); MinFrames must
// have elapsed; tracked inliers must be below 90% of the reference keyframe's own tracked point
// count, or (stereo/RGB-D) too few close-range points are currently tracked while plenty more
// sit unmatched; and the Local Mapper must not currently be paused for loop closing.
func (t *Tracker) needNewKeyFrame() bool {
	framesSinceKF := t.currentFrame.ID - t.lastKeyFrameFrameID
	forced := framesSinceKF >= uint64(t.cfg.MaxFrames())

	if !t.localMapper.AcceptKeyFrames() && !forced {
		return false
	}
	if framesSinceKF < uint64(t.cfg.MinFrames()) {
		return false
	}
	if t.localMapper.IsStopped() {
		return false
	}
	if t.referenceKF == nil {
		return true
	}

	refObservations := t.referenceKF.TrackedMapPointCount(1)
	thin := refObservations == 0 || float64(t.inliers) < needNewKeyFrameTrackedRatio*float64(refObservations)

	if t.cfg.SensorKind == config.Stereo || t.cfg.SensorKind == config.RGBD {
		thin = thin || t.insufficientCloseRangeCoverage()
	}
	return thin
}

// insufficientCloseRangeCoverage reports whether the current frame has few close-range points
// already matched to the map while many more close-range keypoints sit unmatched, the stereo/
// RGB-D disjunct of the keyframe admission policy's tracked-coverage condition.
func (t *Tracker) insufficientCloseRangeCoverage() bool {
	var trackedClose, untrackedClose int
	for i := range t.currentFrame.Keypoints {
		if !t.currentFrame.HasDepth(i) || t.currentFrame.Depth[i] > t.cfg.CloseDepthThreshold {
			continue
		}
		if mp := t.currentFrame.MapPoints[i]; mp != nil && !t.currentFrame.Outlier[i] {
			trackedClose++
		} else {
			untrackedClose++
		}
	}
	return trackedClose < maxTrackedCloseForInsertion && untrackedClose > minUntrackedCloseForInsertion
}

// createNewKeyFrame promotes the current Frame to a KeyFrame, registers stereo/RGB-D map points
// from unmatched close-range keypoints, signals the Local Mapper to abort any in-flight BA, and
// hands the keyframe off via the bounded inbox.
func (t *Tracker) createNewKeyFrame() {
	kf := mapgraph.NewKeyFrame(t.m.NewKeyFrameID(), t.currentFrame)
	t.m.AddKeyFrame(kf)

	if t.cfg.SensorKind == config.Stereo || t.cfg.SensorKind == config.RGBD {
		for i := range t.currentFrame.Keypoints {
			if t.currentFrame.MapPoints[i] != nil {
				continue
			}
			if !t.currentFrame.HasDepth(i) || t.currentFrame.Depth[i] > t.cfg.CloseDepthThreshold {
				continue
			}
			world := t.currentFrame.WorldPoint(t.currentFrame.Unproject(i))
			mp := t.m.TriangulateAndInsert(world, kf, i)
			t.currentFrame.MapPoints[i] = mp
		}
	}

	kf.UpdateConnections(t.m.KeyFrame)
	t.currentFrame.ReferenceKeyFrameID = kf.ID()

	t.localMapper.RequestAbortBA()
	t.localMapper.InsertKeyFrame(kf)

	t.referenceKF = kf
	t.lastKeyFrame = kf
	t.lastKeyFrameFrameID = t.currentFrame.ID
}

// relocalization scans every non-bad keyframe for a brute-force descriptor match against the
// current frame, optimizes pose per candidate, and accepts the best candidate clearing the
// minimum inlier bar. This stands in for the descriptor-based place index the original design
// calls for (out of scope: no bag-of-words database is built in this module).
func (t *Tracker) relocalization() bool {
	var bestPose spatialmath.Pose
	bestInliers := 0

	stop := localutils.SlowLogger(context.Background(), "relocalization scanning keyframes", "frame_id", fmt.Sprint(t.currentFrame.ID), t.logger)
	defer stop()

	for _, kf := range t.m.AllKeyFrames() {
		if kf.IsBad() {
			continue
		}
		candidate := *t.currentFrame
		candidate.Pose = kf.Pose()
		candidate.MapPoints = append([]*mapgraph.MapPoint(nil), t.currentFrame.MapPoints...)
		candidate.Outlier = make([]bool, len(t.currentFrame.Outlier))

		matched := 0
		for i := range kf.Keypoints() {
			mp := kf.MapPointAt(i)
			if mp == nil || mp.IsBad() {
				continue
			}
			best, bestDist, secondDist := -1, matcher.TH_HIGH+1, matcher.TH_HIGH+1
			refDescriptor := kf.Descriptor(i)
			for j, desc := range candidate.Descriptors {
				if candidate.MapPoints[j] != nil {
					continue
				}
				d := mapgraph.HammingDistance(refDescriptor, desc)
				if d < bestDist {
					secondDist = bestDist
					bestDist = d
					best = j
				} else if d < secondDist {
					secondDist = d
				}
			}
			if best < 0 || bestDist >= matcher.TH_LOW || float64(bestDist) >= t.matcher.NNRatio*float64(secondDist) {
				continue
			}
			candidate.MapPoints[best] = mp
			matched++
		}
		if matched < minRelocalizationInliers {
			continue
		}
		inliers, err := t.poseOpt.OptimizePose(&candidate)
		if err != nil || inliers < minRelocalizationInliers {
			continue
		}
		if inliers > bestInliers {
			bestInliers = inliers
			bestPose = candidate.Pose
			t.currentFrame.MapPoints = candidate.MapPoints
			t.currentFrame.Outlier = candidate.Outlier
			t.referenceKF = kf
		}
	}

	if bestInliers < minRelocalizationInliers {
		return false
	}
	t.currentFrame.Pose = bestPose
	t.inliers = bestInliers
	t.motion.Reset()
	return true
}

// Reset clears all tracker and map state, returning the Tracker to NO_IMAGES_YET.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.m.Clear()
	t.currentFrame = nil
	t.lastFrame = nil
	t.initialFrame = nil
	t.referenceKF = nil
	t.lastKeyFrame = nil
	t.localKeyFrames = nil
	t.localMapPoints = nil
	t.trajectory = nil
	t.nextFrameID = 0
	t.lastKeyFrameFrameID = 0
	t.lastRelocFrameID = 0
	t.motion.Reset()
	t.state = NoImagesYet
}
