// Package trajectory holds the per-frame camera-path record the Tracker accumulates and exports
// at shutdown.
package trajectory

import (
	"encoding/json"

	"github.com/ekon-robotics/sdslam/spatialmath"
)

// Record is one frame's trajectory entry: the reference keyframe it was tracked against, its
// pose expressed relative to that keyframe, and whether tracking had lost the camera when the
// record was taken. Storing poses relative to a keyframe, rather than in an absolute frame, lets
// the trajectory be replayed from only the (much smaller) set of surviving keyframe poses plus
// these records.
type Record struct {
	ReferenceKeyFrameID uint64          `json:"reference_keyframe_id"`
	RelativePose        spatialmath.Pose `json:"relative_pose"`
	Lost                bool            `json:"lost"`
}

// jsonRecord mirrors Record with the pose broken into its rotation/translation components, since
// spatialmath.Pose does not itself implement json.Marshaler.
type jsonRecord struct {
	ReferenceKeyFrameID uint64    `json:"reference_keyframe_id"`
	Translation         [3]float64 `json:"translation"`
	Rotation            [4]float64 `json:"rotation_quat_real_i_j_k"`
	Lost                bool       `json:"lost"`
}

// MarshalJSON renders the trajectory as a flat JSON array of per-frame records, decomposing each
// pose into a translation vector and a real/i/j/k quaternion so no third-party type needs its own
// codec.
func MarshalJSON(records []Record) ([]byte, error) {
	out := make([]jsonRecord, len(records))
	for i, r := range records {
		t := r.RelativePose.Translation()
		q := r.RelativePose.Rotation()
		out[i] = jsonRecord{
			ReferenceKeyFrameID: r.ReferenceKeyFrameID,
			Translation:         [3]float64{t.X, t.Y, t.Z},
			Rotation:            [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
			Lost:                r.Lost,
		}
	}
	return json.Marshal(out)
}
