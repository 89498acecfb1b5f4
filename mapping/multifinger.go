package mapping

import (
	"github.com/touchkeys-core/touchkeys/key"
	"github.com/touchkeys-core/touchkeys/node"
)

// MultiFingerTriggerOutput is the outbound surface for TouchkeyMultiFingerTriggerMapping.
type MultiFingerTriggerOutput interface {
	SendNoteOn(note, velocity, channel int)
	SendNoteOff(note, channel int)
	SendControlChange(controller, value, channel int)
}

const multiFingerMinHoldFrames = 3

// TouchkeyMultiFingerTriggerMapping detects "N fingers held for K frames" patterns, optionally
// counting repeated taps within a max inter-tap interval before firing, and emits a configurable
// MIDI event (note on/off or control change) on trigger.
type TouchkeyMultiFingerTriggerMapping struct {
	out         MultiFingerTriggerOutput
	touchFrames *node.Node[key.KeyTouchFrame]

	requiredFingers int
	holdFrames      int
	requiredTaps    int
	maxTapInterval  node.Timestamp

	useControlChange bool
	note             int
	velocity         int
	channel          int
	controller       int
	ccValue          int

	currentRun   int
	tapCount     int
	lastTapTs    node.Timestamp
	waitingReset bool
	fired        bool
	finished     bool
}

// NewTouchkeyMultiFingerTriggerMapping constructs the mapping. requiredFingers is the touch count
// to watch for, holdFrames is the number of consecutive frames it must be sustained, requiredTaps
// is how many times the pattern must repeat (1 disables multi-tap counting), and maxTapInterval
// bounds the gap between taps before the count resets.
func NewTouchkeyMultiFingerTriggerMapping(out MultiFingerTriggerOutput, touchFrames *node.Node[key.KeyTouchFrame], requiredFingers, holdFrames, requiredTaps int, maxTapInterval node.Timestamp) *TouchkeyMultiFingerTriggerMapping {
	if holdFrames < 1 {
		holdFrames = multiFingerMinHoldFrames
	}
	if requiredTaps < 1 {
		requiredTaps = 1
	}
	return &TouchkeyMultiFingerTriggerMapping{
		out:             out,
		touchFrames:     touchFrames,
		requiredFingers: requiredFingers,
		holdFrames:      holdFrames,
		requiredTaps:    requiredTaps,
		maxTapInterval:  maxTapInterval,
		channel:         defaultMIDIChannel,
		velocity:        127,
	}
}

func (m *TouchkeyMultiFingerTriggerMapping) Kind() Kind { return KindTouchkeyMultiFingerTrigger }

// SetNoteOnTrigger configures the mapping to emit a MIDI note on/off pair when the pattern fires.
func (m *TouchkeyMultiFingerTriggerMapping) SetNoteOnTrigger(note, velocity, channel int) {
	m.useControlChange = false
	m.note, m.velocity, m.channel = note, velocity, channel
}

// SetControlChangeTrigger configures the mapping to emit a control-change message when the pattern
// fires.
func (m *TouchkeyMultiFingerTriggerMapping) SetControlChangeTrigger(controller, value, channel int) {
	m.useControlChange = true
	m.controller, m.ccValue, m.channel = controller, value, channel
}

func (m *TouchkeyMultiFingerTriggerMapping) Engage()    { m.touchFrames.AddDestination(m) }
func (m *TouchkeyMultiFingerTriggerMapping) Disengage() { m.touchFrames.RemoveDestination(m) }
func (m *TouchkeyMultiFingerTriggerMapping) Reset() {
	m.currentRun = 0
	m.tapCount = 0
	m.waitingReset = false
	m.fired = false
	m.finished = false
}

// TriggerReceived watches the touch-frame stream for a sustained run of requiredFingers touches; a
// run reaching holdFrames counts as one tap. A frame reporting a different count resets the run and,
// if a tap had just completed, starts the inter-tap timeout window.
func (m *TouchkeyMultiFingerTriggerMapping) TriggerReceived(source node.Source, timestamp node.Timestamp) {
	frame, ts, ok := m.touchFrames.Latest()
	if !ok || m.fired {
		return
	}

	if frame.Count == m.requiredFingers {
		m.currentRun++
		if m.currentRun == m.holdFrames {
			m.registerTap(ts)
		}
		return
	}

	m.currentRun = 0
	if frame.Count == 0 && m.tapCount > 0 && !m.waitingReset {
		if m.lastTapTs != 0 && ts-m.lastTapTs > m.maxTapInterval {
			m.tapCount = 0
		}
	}
}

func (m *TouchkeyMultiFingerTriggerMapping) registerTap(ts node.Timestamp) {
	if m.tapCount > 0 && m.lastTapTs != 0 && ts-m.lastTapTs > m.maxTapInterval {
		m.tapCount = 0
	}
	m.tapCount++
	m.lastTapTs = ts
	if m.tapCount >= m.requiredTaps {
		m.fire()
	}
}

func (m *TouchkeyMultiFingerTriggerMapping) fire() {
	m.fired = true
	if m.useControlChange {
		m.out.SendControlChange(m.controller, m.ccValue, m.channel)
	} else {
		m.out.SendNoteOn(m.note, m.velocity, m.channel)
		m.out.SendNoteOff(m.note, m.channel)
	}
	m.finished = true
}

func (m *TouchkeyMultiFingerTriggerMapping) PerformMapping() node.Timestamp { return 0 }

func (m *TouchkeyMultiFingerTriggerMapping) RequestFinish() bool { return m.finished }
