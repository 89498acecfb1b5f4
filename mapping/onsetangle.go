package mapping

import (
	"github.com/touchkeys-core/touchkeys/key"
	"github.com/touchkeys-core/touchkeys/node"
)

// PitchScoopOutput emits the short pitch-scoop ramp this mapping optionally drives.
type PitchScoopOutput interface {
	SendPitchScoop(note int, angle float64)
	SendOnsetAngle(note int, angle float64)
}

const onsetAngleLookback = node.Timestamp(100_000) // 100ms of touch history to search

// TouchkeyOnsetAngleMapping scans the touch history preceding a MIDI note-on for the continuous
// touch segment immediately before the onset and reports the angle (Δy/Δt) between its endpoints.
type TouchkeyOnsetAngleMapping struct {
	out         PitchScoopOutput
	touchFrames *node.Node[key.KeyTouchFrame]
	note        int
	driveScoop  bool
	finished    bool
	onsetTs     node.Timestamp
	haveOnset   bool
}

// NewTouchkeyOnsetAngleMapping constructs the mapping. driveScoop controls whether a short
// pitch-scoop ramp is emitted in addition to the onset-angle report.
func NewTouchkeyOnsetAngleMapping(out PitchScoopOutput, touchFrames *node.Node[key.KeyTouchFrame], note int, driveScoop bool) *TouchkeyOnsetAngleMapping {
	return &TouchkeyOnsetAngleMapping{out: out, touchFrames: touchFrames, note: note, driveScoop: driveScoop}
}

func (m *TouchkeyOnsetAngleMapping) Kind() Kind { return KindTouchkeyOnsetAngle }

func (m *TouchkeyOnsetAngleMapping) Engage() {}
func (m *TouchkeyOnsetAngleMapping) Disengage() {}
func (m *TouchkeyOnsetAngleMapping) Reset() {
	m.haveOnset = false
	m.finished = false
}

// NoteOnReceived records the MIDI note-on time that the onset-angle computation works back from;
// that computation is driven by this call rather than by touch or position triggers. Factory does
// not call it.
func (m *TouchkeyOnsetAngleMapping) NoteOnReceived(t node.Timestamp) {
	m.onsetTs = t
	m.haveOnset = true
}

func (m *TouchkeyOnsetAngleMapping) TriggerReceived(source node.Source, timestamp node.Timestamp) {}

// PerformMapping locates the continuous touch segment preceding the onset and computes its angle;
// it runs once per note-on and requests finish immediately after.
func (m *TouchkeyOnsetAngleMapping) PerformMapping() node.Timestamp {
	if !m.haveOnset {
		return 0
	}
	angle, ok := m.computeOnsetAngle()
	if ok {
		m.out.SendOnsetAngle(m.note, angle)
		if m.driveScoop {
			m.out.SendPitchScoop(m.note, angle)
		}
	}
	m.finished = true
	return 0
}

func (m *TouchkeyOnsetAngleMapping) computeOnsetAngle() (float64, bool) {
	end := m.touchFrames.EndIndex()
	begin := m.touchFrames.BeginIndex()
	floor := m.onsetTs - onsetAngleLookback

	var segmentStart, segmentEnd int64 = -1, -1
	for idx := end - 1; idx >= begin; idx-- {
		frame, ts, ok := m.touchFrames.AtIndex(idx)
		if !ok || ts < floor {
			break
		}
		if frame.Count == 0 {
			if segmentEnd >= 0 {
				segmentStart = idx + 1
				break
			}
			continue
		}
		if segmentEnd < 0 {
			segmentEnd = idx
		}
		segmentStart = idx
	}
	if segmentStart < 0 || segmentEnd < 0 || segmentStart >= segmentEnd {
		return 0, false
	}

	startFrame, startTs, ok1 := m.touchFrames.AtIndex(segmentStart)
	endFrame, endTs, ok2 := m.touchFrames.AtIndex(segmentEnd)
	if !ok1 || !ok2 || startFrame.Count == 0 || endFrame.Count == 0 || endTs <= startTs {
		return 0, false
	}
	dy := endFrame.Locs[0] - startFrame.Locs[0]
	dt := float64(endTs - startTs)
	return dy / dt, true
}

func (m *TouchkeyOnsetAngleMapping) RequestFinish() bool { return m.finished }
