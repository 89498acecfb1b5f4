package key

import (
	"github.com/touchkeys-core/touchkeys/node"
	"github.com/touchkeys-core/touchkeys/scheduler"
)

// MappingFactory is the subset of a segment's mapping factory that PianoKey drives directly: it is
// informed of MIDI on/off so it can create or destroy the per-(segment,note) mapping, and of
// noteWillBegin so mappings like OscMidiConverter can send default controller values on the
// allocated channel before the first note event reaches a receiver.
type MappingFactory interface {
	NoteOn(keyNumber int, velocity int, channel int, t node.Timestamp)
	NoteOff(keyNumber int, t node.Timestamp)
	NoteWillBegin(keyNumber int, channel int, t node.Timestamp)
}

// GUIObserver receives throttled position updates for display purposes.
type GUIObserver interface {
	PositionUpdate(keyNumber int, pos float64, t node.Timestamp)
}

// DefaultGUIUpdateInterval bounds how often insertPositionSample notifies a GUIObserver.
const DefaultGUIUpdateInterval = node.Timestamp(20_000) // 20ms in microsecond ticks

// PianoKey is the per-key façade described in §4.7: it owns the raw position and touch-frame
// buffers, the idle detector and position tracker attached to them, and fuses MIDI note events
// with touch arrival.
type PianoKey struct {
	number int

	Position    *node.Node[float64]
	TouchFrames *node.Node[KeyTouchFrame]
	Idle        *KeyIdleDetector
	Tracker     *KeyPositionTracker

	sched *scheduler.Scheduler

	touchTimeoutInterval node.Timestamp
	nextTouchID          int
	lastFrame            KeyTouchFrame

	midiOn        bool
	midiChannel   int
	midiVelocity  int
	touchOn       bool
	pendingNoteOn bool
	pendingFactory MappingFactory
	pendingChannel int

	gui             GUIObserver
	guiInterval     node.Timestamp
	lastGuiNotified node.Timestamp
}

// NewPianoKey constructs a key with the given number, buffer capacity, scheduler for touch-arrival
// timeouts, and touch-timeout grace interval (0 disables waiting for touch on note-on).
func NewPianoKey(number, capacity int, sched *scheduler.Scheduler, touchTimeoutInterval node.Timestamp) *PianoKey {
	position := node.New[float64](capacity)
	k := &PianoKey{
		number:                number,
		Position:              position,
		TouchFrames:           node.New[KeyTouchFrame](capacity),
		sched:                 sched,
		touchTimeoutInterval:  touchTimeoutInterval,
		lastFrame:             EmptyTouchFrame(),
		guiInterval:           DefaultGUIUpdateInterval,
		lastGuiNotified:       node.Missing,
	}
	k.Idle = NewKeyIdleDetector(position, DefaultIdleNumSamples, DefaultIdleThreshold, DefaultIdleActivityThresh, DefaultIdleCounterThresh)
	k.Tracker = NewKeyPositionTracker(position, capacity)
	k.Tracker.Engage()
	return k
}

// Number returns the MIDI note number (or logical key index) this key represents.
func (k *PianoKey) Number() int { return k.number }

// SetGUIObserver installs (or clears, with nil) the throttled position observer.
func (k *PianoKey) SetGUIObserver(o GUIObserver, interval node.Timestamp) {
	k.gui = o
	k.guiInterval = interval
}

// InsertPositionSample appends a new continuous position reading and, at most once per
// guiInterval, notifies the GUI observer.
func (k *PianoKey) InsertPositionSample(pos float64, t node.Timestamp) {
	k.Position.Insert(pos, t)
	if k.gui == nil {
		return
	}
	if k.lastGuiNotified.IsMissing() || t-k.lastGuiNotified >= k.guiInterval {
		k.gui.PositionUpdate(k.number, pos, t)
		k.lastGuiNotified = t
	}
}

// MidiNoteOn fuses an incoming note-on with touch state per §4.7: it marks the note on,
// informs the factory, and either proceeds immediately (touch already present, sensors absent, or
// zero grace interval) or schedules a timeout awaiting a touch to arrive first.
func (k *PianoKey) MidiNoteOn(factory MappingFactory, velocity, channel int, sensorsPresent bool, t node.Timestamp) {
	k.midiOn = true
	k.midiChannel = channel
	k.midiVelocity = velocity
	factory.NoteOn(k.number, velocity, channel, t)

	if k.touchOn || !sensorsPresent || k.touchTimeoutInterval == 0 {
		k.runNoteOnHelper(factory, channel, t)
		return
	}

	k.pendingNoteOn = true
	k.pendingFactory = factory
	k.pendingChannel = channel
	due := t + k.touchTimeoutInterval
	k.sched.Schedule(k, func() node.Timestamp {
		if k.pendingNoteOn {
			k.runNoteOnHelper(factory, channel, k.sched.CurrentTimestamp())
		}
		return 0
	}, due)
}

// runNoteOnHelper broadcasts onset notifications and informs the factory that the note may now
// begin; it is invoked either immediately or when the touch-arrival timeout fires.
func (k *PianoKey) runNoteOnHelper(factory MappingFactory, channel int, t node.Timestamp) {
	k.pendingNoteOn = false
	k.sched.Unschedule(k, 0)
	factory.NoteWillBegin(k.number, channel, t)
}

// MidiNoteOff clears MIDI-on state and informs the factory.
func (k *PianoKey) MidiNoteOff(factory MappingFactory, t node.Timestamp) {
	k.midiOn = false
	k.pendingNoteOn = false
	k.sched.Unschedule(k, 0)
	factory.NoteOff(k.number, t)
}

// MidiOn reports whether this key currently believes it has an active MIDI note.
func (k *PianoKey) MidiOn() bool { return k.midiOn }

// TouchOn reports whether touch is currently active on this key.
func (k *PianoKey) TouchOn() bool { return k.touchOn }

// TouchInsertFrame assigns stable IDs to frame's touches by nearest-neighbour matching against the
// previous frame, inserts it, and releases a pending note-on wait if one exists.
func (k *PianoKey) TouchInsertFrame(frame KeyTouchFrame, t node.Timestamp) {
	assigned, next := assignIDs(k.lastFrame, frame, k.nextTouchID)
	k.nextTouchID = next
	k.lastFrame = assigned

	wasOn := k.touchOn
	k.touchOn = assigned.Count > 0
	k.TouchFrames.Insert(assigned, t)

	if !wasOn && k.touchOn && k.pendingNoteOn {
		k.runNoteOnHelper(k.pendingFactory, k.pendingChannel, t)
	}
}

// TouchOff clears touch state and inserts an empty frame so mappings observe the transition.
func (k *PianoKey) TouchOff(t node.Timestamp) {
	k.touchOn = false
	k.lastFrame = EmptyTouchFrame()
	k.nextTouchID = 0
	k.TouchFrames.Insert(EmptyTouchFrame(), t)
}
