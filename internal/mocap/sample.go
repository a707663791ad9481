package mocap

import (
	"time"

	"github.com/westphae/quaternion"

	"github.com/relabs-tech/mocap_bridge/internal/frame"
)

// Record is the JSON wire form of one decoded rigid-body sample on the
// feed topic. Position is meters in the capture system's own convention,
// quaternion components are in OptiTrack order (x, y, z, w).
type Record struct {
	ID    uint32     `json:"id"`
	Frame uint32     `json:"frame"`
	Pos   [3]float64 `json:"pos"`
	Quat  [4]float64 `json:"quat"`
}

// PoseSample is a decoded rigid-body sample stamped with the local
// monotonic receive time. Absence of a sample is represented by absence,
// never by a zeroed PoseSample: the origin with identity orientation is a
// perfectly valid pose.
type PoseSample struct {
	Body  uint32
	Frame uint32
	Pose  frame.Pose
	Time  time.Time
}

// SampleFromRecord stamps a wire record with its receive time.
func SampleFromRecord(r Record, now time.Time) PoseSample {
	return PoseSample{
		Body:  r.ID,
		Frame: r.Frame,
		Pose: frame.Pose{
			Pos:  frame.Vec3{X: r.Pos[0], Y: r.Pos[1], Z: r.Pos[2]},
			Quat: quaternion.Quaternion{W: r.Quat[3], X: r.Quat[0], Y: r.Quat[1], Z: r.Quat[2]},
		},
		Time: now,
	}
}
