package tracking

import "github.com/ekon-robotics/sdslam/trajectory"

// Trajectory returns a snapshot of the per-frame records accumulated so far.
func (t *Tracker) Trajectory() []trajectory.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]trajectory.Record, len(t.trajectory))
	copy(out, t.trajectory)
	return out
}

func (t *Tracker) recordTrajectory(lost bool) {
	rec := trajectory.Record{Lost: lost}
	if t.referenceKF != nil {
		rec.ReferenceKeyFrameID = t.referenceKF.ID()
		rec.RelativePose = t.currentFrame.Pose.RelativeTo(t.referenceKF.Pose())
	} else {
		rec.RelativePose = t.currentFrame.Pose
	}
	t.trajectory = append(t.trajectory, rec)
}
