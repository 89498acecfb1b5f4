package mapping

import (
	"github.com/touchkeys-core/touchkeys/key"
	"github.com/touchkeys-core/touchkeys/node"
)

// MIDIOutput is the subset of a MidiKeyboardSegment's outbound surface a mapping needs: note
// on/off and polyphonic aftertouch on a specific channel.
type MIDIOutput interface {
	SendNoteOn(note, velocity, channel int)
	SendNoteOff(note, channel int)
	SendPolyAftertouch(note, value, channel int)
}

// Default sensitivity constants for continuous-position-derived MIDI, calibrated against the
// original implementation's press/release velocity-for-max-MIDI scalers.
const (
	defaultMIDIChannel          = 0
	defaultAftertouchSensitivity = 1.0
	minimumAftertouchPosition    = 0.99
	pressVelocityForMaxMIDI      = 40.0
	releaseVelocityForMaxMIDI    = -50.0
)

// MIDIKeyPositionMapping generates MIDI note on/off from KeyPositionTracker's press/release
// velocity features and polyphonic aftertouch from continuous position above
// minimumAftertouchPosition, deduplicated against the last emitted value.
type MIDIKeyPositionMapping struct {
	out     MIDIOutput
	tracker *key.KeyPositionTracker
	position *node.Node[float64]
	note    int
	channel int

	aftertouchScaler float64
	noteIsOn         bool
	lastAftertouch    int
	finished          bool
}

// NewMIDIKeyPositionMapping constructs the mapping for one (segment, note). Engage must be called
// to begin receiving tracker notifications.
func NewMIDIKeyPositionMapping(out MIDIOutput, tracker *key.KeyPositionTracker, position *node.Node[float64], note int) *MIDIKeyPositionMapping {
	return &MIDIKeyPositionMapping{
		out:              out,
		tracker:          tracker,
		position:         position,
		note:             note,
		channel:          defaultMIDIChannel,
		aftertouchScaler: defaultAftertouchSensitivity,
		lastAftertouch:   -1,
	}
}

func (m *MIDIKeyPositionMapping) Kind() Kind { return KindMIDIKeyPosition }

// SetChannel sets the outbound MIDI channel (0-15); out-of-range values are ignored.
func (m *MIDIKeyPositionMapping) SetChannel(ch int) {
	if ch >= 0 && ch < 16 {
		m.channel = ch
	}
}

// SetAftertouchSensitivity scales continuous-position-derived aftertouch; 0 disables it, 1 is the
// default sensitivity.
func (m *MIDIKeyPositionMapping) SetAftertouchSensitivity(sensitivity float64) {
	m.aftertouchScaler = sensitivity
}

func (m *MIDIKeyPositionMapping) Engage() {
	m.tracker.Node.AddDestination(m)
}

func (m *MIDIKeyPositionMapping) Disengage() {
	m.tracker.Node.RemoveDestination(m)
	if m.noteIsOn {
		m.out.SendNoteOff(m.note, m.channel)
		m.noteIsOn = false
	}
}

func (m *MIDIKeyPositionMapping) Reset() {
	m.noteIsOn = false
	m.lastAftertouch = -1
	m.finished = false
}

// TriggerReceived reacts to tracker feature-available notifications by sending the note-on or
// note-off itself, on the goroutine that inserted the notification; PerformMapping, on the
// MappingScheduler's thread, only sends aftertouch.
func (m *MIDIKeyPositionMapping) TriggerReceived(source node.Source, timestamp node.Timestamp) {
	v, _, ok := m.tracker.Node.Latest()
	if !ok {
		return
	}
	switch v.Type {
	case key.NotificationPressVelocityAvailable:
		m.generateNoteOn()
	case key.NotificationReleaseVelocityAvailable:
		m.generateNoteOff()
	}
}

func (m *MIDIKeyPositionMapping) generateNoteOn() {
	velocity, _, ok := m.tracker.PressVelocity()
	if !ok {
		return
	}
	scaled := velocity / pressVelocityForMaxMIDI * 127
	vel := clampMIDI(scaled)
	m.out.SendNoteOn(m.note, vel, m.channel)
	m.noteIsOn = true
}

func (m *MIDIKeyPositionMapping) generateNoteOff() {
	if !m.noteIsOn {
		return
	}
	m.out.SendNoteOff(m.note, m.channel)
	m.noteIsOn = false
	m.finished = true
}

// PerformMapping computes polyphonic aftertouch from continuous position once the note is on and
// position has crossed minimumAftertouchPosition, deduplicated against the last emitted value. It
// self-paces by returning a non-zero timestamp only while the note remains on and aftertouch is
// enabled; callers decide the polling interval by how they reschedule.
func (m *MIDIKeyPositionMapping) PerformMapping() node.Timestamp {
	if !m.noteIsOn || m.aftertouchScaler == 0 {
		return 0
	}
	pos, ts, ok := m.position.Latest()
	if !ok {
		return 0
	}
	if pos < minimumAftertouchPosition {
		return 0
	}
	scaled := (pos - minimumAftertouchPosition) / (1 - minimumAftertouchPosition) * 127 * m.aftertouchScaler
	val := clampMIDI(scaled)
	if val != m.lastAftertouch {
		m.out.SendPolyAftertouch(m.note, val, m.channel)
		m.lastAftertouch = val
	}
	return ts + node.Timestamp(5500) // re-poll at ~5.5ms, matching the self-pacing interval used elsewhere
}

func (m *MIDIKeyPositionMapping) RequestFinish() bool {
	return m.finished && !m.noteIsOn
}

func clampMIDI(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 127 {
		return 127
	}
	return int(v + 0.5)
}
