// Package keyboard implements PianoKeyboard, the orchestrator of §5: it owns every PianoKey and
// Segment, serializes MIDI input against touch/position input through a single performance-data
// mutex, and fuses PianoKey's touch-on/off transitions into each accepting segment's mapping
// factory (the half of the "create on first of {touch began, MIDI on}" rule a Segment cannot see on
// its own, since touch carries no MIDI channel).
package keyboard

import (
	"sync"

	"github.com/touchkeys-core/touchkeys/key"
	"github.com/touchkeys-core/touchkeys/node"
	"github.com/touchkeys-core/touchkeys/scheduler"
	"github.com/touchkeys-core/touchkeys/segment"
)

// PianoKeyboard holds the performanceDataMutex of spec §5: MIDI input acquires it at the top of its
// handler, preventing interleaving of MIDI and touch effects on the same key.
type PianoKeyboard struct {
	performanceDataMutex sync.Mutex

	sched        *scheduler.Scheduler
	capacity     int
	touchTimeout node.Timestamp

	keys     map[int]*key.PianoKey
	segments []*segment.Segment
}

// New constructs an empty keyboard. capacity is the per-key buffer size passed to each lazily
// created key.PianoKey; touchTimeout is the MIDI-note-on/touch-arrival grace interval (§4.7), 0
// disables waiting for touch before the first note-on related onset work runs.
func New(sched *scheduler.Scheduler, capacity int, touchTimeout node.Timestamp) *PianoKeyboard {
	return &PianoKeyboard{
		sched:        sched,
		capacity:     capacity,
		touchTimeout: touchTimeout,
		keys:         make(map[int]*key.PianoKey),
	}
}

// AddSegment registers seg as one of the regions of the keyboard that may accept incoming MIDI.
func (kb *PianoKeyboard) AddSegment(seg *segment.Segment) {
	kb.performanceDataMutex.Lock()
	defer kb.performanceDataMutex.Unlock()
	kb.segments = append(kb.segments, seg)
}

// Segments returns the currently registered segments.
func (kb *PianoKeyboard) Segments() []*segment.Segment {
	kb.performanceDataMutex.Lock()
	defer kb.performanceDataMutex.Unlock()
	out := make([]*segment.Segment, len(kb.segments))
	copy(out, kb.segments)
	return out
}

func (kb *PianoKeyboard) keyForLocked(note int) *key.PianoKey {
	k, ok := kb.keys[note]
	if !ok {
		k = key.NewPianoKey(note, kb.capacity, kb.sched, kb.touchTimeout)
		kb.keys[note] = k
	}
	return k
}

// Key returns the PianoKey for note, creating it if this is the first time note has been touched.
func (kb *PianoKeyboard) Key(note int) *key.PianoKey {
	kb.performanceDataMutex.Lock()
	defer kb.performanceDataMutex.Unlock()
	return kb.keyForLocked(note)
}

func (kb *PianoKeyboard) segmentsAcceptingChannel(note, channel int) []*segment.Segment {
	var matches []*segment.Segment
	for _, seg := range kb.segments {
		if seg.AcceptsChannel(channel) && seg.AcceptsNote(note) {
			matches = append(matches, seg)
		}
	}
	return matches
}

func (kb *PianoKeyboard) segmentsAcceptingNote(note int) []*segment.Segment {
	var matches []*segment.Segment
	for _, seg := range kb.segments {
		if seg.AcceptsNote(note) {
			matches = append(matches, seg)
		}
	}
	return matches
}

// HandleMidiNoteOn is T_midi's entry point (spec §5): the message is delivered to every segment
// whose channel mask and note range accept it, each of which retransmits per its own policy, and
// the note's PianoKey fuses the onset with any already-present (or soon-arriving) touch.
func (kb *PianoKeyboard) HandleMidiNoteOn(note, velocity, channel int, sensorsPresent bool, t node.Timestamp) {
	kb.performanceDataMutex.Lock()
	defer kb.performanceDataMutex.Unlock()

	k := kb.keyForLocked(note)
	for _, seg := range kb.segmentsAcceptingChannel(note, channel) {
		seg.HandleNoteOn(note, velocity, channel)
		if f := seg.Factory(); f != nil {
			k.MidiNoteOn(f, velocity, channel, sensorsPresent, t)
		}
	}
}

// HandleMidiNoteOff is T_midi's note-off counterpart to HandleMidiNoteOn.
func (kb *PianoKeyboard) HandleMidiNoteOff(note, channel int, t node.Timestamp) {
	kb.performanceDataMutex.Lock()
	defer kb.performanceDataMutex.Unlock()

	k := kb.keyForLocked(note)
	for _, seg := range kb.segmentsAcceptingChannel(note, channel) {
		seg.HandleNoteOff(note, channel)
		if f := seg.Factory(); f != nil {
			k.MidiNoteOff(f, t)
		}
	}
}

// HandleControlChange delivers an incoming CC to every segment whose channel mask accepts channel,
// regardless of note range (a CC is not scoped to a single key).
func (kb *PianoKeyboard) HandleControlChange(controller, value, channel int) {
	kb.performanceDataMutex.Lock()
	defer kb.performanceDataMutex.Unlock()
	for _, seg := range kb.segments {
		if seg.AcceptsChannel(channel) {
			seg.HandleControlChange(controller, value, channel, nil)
		}
	}
}

// InsertTouchFrame is T_touch's entry point for a new multi-touch frame on note: it fuses stable
// touch IDs, updates the key's touch-on state, and on a touch-began transition informs every
// accepting segment's mapping factory, matching PianoKey.MidiNoteOn's onset-fusion role on the MIDI
// side.
func (kb *PianoKeyboard) InsertTouchFrame(note int, frame key.KeyTouchFrame, t node.Timestamp) {
	kb.performanceDataMutex.Lock()
	defer kb.performanceDataMutex.Unlock()

	k := kb.keyForLocked(note)
	wasOn := k.TouchOn()
	k.TouchInsertFrame(frame, t)
	if !wasOn && k.TouchOn() {
		kb.notifyTouchChangedLocked(note, true, t)
	}
}

// TouchOff is T_touch's entry point for a key going fully untouched.
func (kb *PianoKeyboard) TouchOff(note int, t node.Timestamp) {
	kb.performanceDataMutex.Lock()
	defer kb.performanceDataMutex.Unlock()

	k := kb.keyForLocked(note)
	wasOn := k.TouchOn()
	k.TouchOff(t)
	if wasOn {
		kb.notifyTouchChangedLocked(note, false, t)
	}
}

func (kb *PianoKeyboard) notifyTouchChangedLocked(note int, touchOn bool, t node.Timestamp) {
	for _, seg := range kb.segmentsAcceptingNote(note) {
		if f := seg.Factory(); f != nil {
			f.TouchChanged(note, touchOn, t)
		}
	}
}

// InsertPositionSample is T_touch's entry point for a continuous-position reading.
func (kb *PianoKeyboard) InsertPositionSample(note int, pos float64, t node.Timestamp) {
	kb.performanceDataMutex.Lock()
	defer kb.performanceDataMutex.Unlock()
	kb.keyForLocked(note).InsertPositionSample(pos, t)
}
