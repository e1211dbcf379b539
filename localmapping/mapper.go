// Package localmapping implements the asynchronous back end of the SLAM core: it consumes
// keyframes handed off by Tracking, integrates them into the map graph, triangulates new map
// points from covisible keyframe pairs, fuses redundant observations, drives local bundle
// adjustment, and culls redundant keyframes. It mirrors the consumer-loop and pause/stop/reset
// protocol of the pack's original LocalMapping back end, generalized to this module's Go types
// and to goroutine-based concurrency via the pack's StoppableWorkers idiom.
package localmapping

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ekon-robotics/sdslam/config"
	"github.com/ekon-robotics/sdslam/logging"
	"github.com/ekon-robotics/sdslam/mapgraph"
	"github.com/ekon-robotics/sdslam/matcher"
	"github.com/ekon-robotics/sdslam/optimizer"
	localutils "github.com/ekon-robotics/sdslam/utils"
)

const inboxCapacity = 64

// LoopCloser receives every keyframe the Local Mapper finishes processing. This module's core
// scope ends at the Local Mapper; NoopLoopCloser is the default so Mapper never needs a nil
// check on the hot path.
type LoopCloser interface {
	InsertKeyFrame(kf *mapgraph.KeyFrame)
}

// NoopLoopCloser discards every keyframe handed to it.
type NoopLoopCloser struct{}

// InsertKeyFrame implements LoopCloser.
func (NoopLoopCloser) InsertKeyFrame(*mapgraph.KeyFrame) {}

// recentPoint is one entry of the FIFO of recently triangulated map points MapPointCulling
// walks: points graduate out of the FIFO (but stay in the map) once enough keyframes have
// elapsed without being culled.
type recentPoint struct {
	mp            *mapgraph.MapPoint
	createdAtKFID uint64
}

// Mapper is the Local Mapper back end: a long-running consumer of an inbox of keyframes.
type Mapper struct {
	cfg        *config.Config
	m          *mapgraph.Map
	matcher    *matcher.Matcher
	localBA    optimizer.LocalBundleAdjuster
	loopCloser LoopCloser
	logger     logging.Logger

	inbox chan *mapgraph.KeyFrame

	recentMu sync.Mutex
	recent   []recentPoint

	acceptKeyFrames atomic.Bool
	abortBA         atomic.Bool

	stopMu       sync.Mutex
	stopCond     *sync.Cond
	stopped      bool
	stopWanted   bool
	notStop      bool
	finishWanted atomic.Bool

	resetMu     sync.Mutex
	resetCond   *sync.Cond
	resetWanted bool
	resetSignal chan struct{}

	workers localutils.StoppableWorkers
}

// New builds a Mapper over m, using matcher for fusion/triangulation search and localBA as the
// local bundle adjustment driver.
func New(cfg *config.Config, m *mapgraph.Map, mm *matcher.Matcher, localBA optimizer.LocalBundleAdjuster, logger logging.Logger) *Mapper {
	logging.RegisterLogger("localmapping", logger)
	mp := &Mapper{
		cfg:        cfg,
		m:          m,
		matcher:    mm,
		localBA:    localBA,
		loopCloser: NoopLoopCloser{},
		logger:     logger,
		inbox:      make(chan *mapgraph.KeyFrame, inboxCapacity),
		resetSignal: make(chan struct{}, 1),
	}
	mp.stopCond = sync.NewCond(&mp.stopMu)
	mp.resetCond = sync.NewCond(&mp.resetMu)
	mp.acceptKeyFrames.Store(true)
	return mp
}

// SetLoopCloser installs lc as the destination for every keyframe the Mapper finishes
// processing, replacing the default NoopLoopCloser.
func (mp *Mapper) SetLoopCloser(lc LoopCloser) {
	mp.loopCloser = lc
}

// Start launches the consumer loop as a background goroutine, stoppable via Stop.
func (mp *Mapper) Start() {
	mp.workers = localutils.NewStoppableWorkers(mp.run)
}

// Stop terminates the consumer loop and waits for it to exit.
func (mp *Mapper) Stop() {
	mp.RequestFinish()
	if mp.workers != nil {
		mp.workers.Stop()
	}
}

// InsertKeyFrame hands a keyframe off to the Local Mapper. It blocks only if the inbox is full,
// which backpressures Tracking's own AcceptKeyFrames check.
func (mp *Mapper) InsertKeyFrame(kf *mapgraph.KeyFrame) {
	mp.inbox <- kf
}

// AcceptKeyFrames reports whether the Local Mapper currently accepts new keyframes, used by
// Tracking's NeedNewKeyFrame policy as backpressure.
func (mp *Mapper) AcceptKeyFrames() bool {
	return mp.acceptKeyFrames.Load()
}

// RequestAbortBA signals any in-flight local bundle adjustment to stop at its next iteration
// boundary, called by Tracking on keyframe insertion.
func (mp *Mapper) RequestAbortBA() {
	mp.abortBA.Store(true)
}

// RequestStop asks the main loop to pause once it finishes its current iteration. It has no
// effect while a NotStop latch is held. Any bundle adjustment in flight is aborted immediately.
func (mp *Mapper) RequestStop() {
	mp.stopMu.Lock()
	defer mp.stopMu.Unlock()
	mp.stopWanted = true
	mp.acceptKeyFrames.Store(false)
	mp.abortBA.Store(true)
}

// stopRequested reports whether a stop is currently requested and not latched out, without
// blocking on it the way waitIfStopped does.
func (mp *Mapper) stopRequested() bool {
	mp.stopMu.Lock()
	defer mp.stopMu.Unlock()
	return mp.stopWanted && !mp.notStop
}

// Release lifts a pause requested via RequestStop, waking the loop.
func (mp *Mapper) Release() {
	mp.stopMu.Lock()
	defer mp.stopMu.Unlock()
	mp.stopWanted = false
	mp.stopped = false
	mp.acceptKeyFrames.Store(true)
	mp.stopCond.Broadcast()
}

// IsStopped reports whether the loop is currently paused.
func (mp *Mapper) IsStopped() bool {
	mp.stopMu.Lock()
	defer mp.stopMu.Unlock()
	return mp.stopped
}

// SetNotStop latches out RequestStop while held, used by a caller (e.g. loop closing) that must
// guarantee the map will not mutate underneath it.
func (mp *Mapper) SetNotStop(v bool) bool {
	mp.stopMu.Lock()
	defer mp.stopMu.Unlock()
	if v && mp.stopped {
		return false
	}
	mp.notStop = v
	return true
}

// RequestReset clears the inbox and the recently-added FIFO, blocking on a condition variable
// until the loop has acknowledged the reset rather than polling for completion.
func (mp *Mapper) RequestReset() {
	mp.resetMu.Lock()
	mp.resetWanted = true
	mp.resetMu.Unlock()

	select {
	case mp.resetSignal <- struct{}{}:
	default:
	}

	mp.resetMu.Lock()
	for mp.resetWanted {
		mp.resetCond.Wait()
	}
	mp.resetMu.Unlock()
}

// RequestFinish terminates the main loop after the iteration in flight completes.
func (mp *Mapper) RequestFinish() {
	mp.finishWanted.Store(true)
	mp.stopMu.Lock()
	mp.stopCond.Broadcast()
	mp.stopMu.Unlock()
}

// run is the consumer loop body, structured to match a StoppableWorkers worker function: it
// runs until ctx is cancelled or RequestFinish is called.
func (mp *Mapper) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if mp.finishWanted.Load() {
			return
		}
		if mp.waitIfStopped() {
			return
		}

		select {
		case kf := <-mp.inbox:
			mp.acceptKeyFrames.Store(false)
			mp.processKeyFrame(kf)
			mp.acceptKeyFrames.Store(true)
		case <-mp.resetSignal:
			mp.acknowledgeReset()
		case <-ctx.Done():
			return
		}
	}
}

// acknowledgeReset drains the inbox and the recently-added FIFO, then wakes any caller blocked
// in RequestReset.
func (mp *Mapper) acknowledgeReset() {
	mp.drainInboxAndResetFIFO()
	mp.resetMu.Lock()
	mp.resetWanted = false
	mp.resetCond.Broadcast()
	mp.resetMu.Unlock()
}

// waitIfStopped blocks while a stop is requested and not latched out, returning true if the
// mapper should terminate instead of resuming.
func (mp *Mapper) waitIfStopped() bool {
	mp.stopMu.Lock()
	defer mp.stopMu.Unlock()
	for mp.stopWanted && !mp.notStop {
		mp.stopped = true
		mp.stopCond.Wait()
		if mp.finishWanted.Load() {
			return true
		}
	}
	mp.stopped = false
	return false
}

// processKeyFrame runs the full per-keyframe pipeline: ProcessNewKeyFrame, MapPointCulling,
// CreateNewMapPoints, and, only if no further keyframe is already waiting, SearchInNeighbors,
// local BA, and KeyFrameCulling.
func (mp *Mapper) processKeyFrame(kf *mapgraph.KeyFrame) {
	mp.ProcessNewKeyFrame(kf)
	mp.MapPointCulling(kf)
	mp.CreateNewMapPoints(kf)

	if len(mp.inbox) > 0 {
		mp.loopCloser.InsertKeyFrame(kf)
		return
	}
	mp.SearchInNeighbors(kf)

	mp.abortBA.Store(false)
	if len(mp.inbox) == 0 && !mp.stopRequested() && mp.m.KeyFrameCount() > 2 {
		optimizeKFs := append([]*mapgraph.KeyFrame{kf}, mp.covisibilityNeighbors(kf)...)
		fixedKFs := mp.fixedObservers(kf, optimizeKFs)
		points := mp.observedPoints(optimizeKFs)

		stop := localutils.SlowLogger(context.Background(), "local bundle adjustment still running", "keyframe_id", fmt.Sprint(kf.ID()), mp.logger)
		err := mp.localBA.Adjust(optimizeKFs, fixedKFs, points, mp.abortBA.Load)
		stop()
		if err != nil {
			mp.logger.Warnw("local bundle adjustment failed", "error", err)
		}
	}

	mp.KeyFrameCulling(kf)
	mp.loopCloser.InsertKeyFrame(kf)
}

func (mp *Mapper) drainInboxAndResetFIFO() {
	for {
		select {
		case <-mp.inbox:
		default:
			mp.recentMu.Lock()
			mp.recent = nil
			mp.recentMu.Unlock()
			return
		}
	}
}
