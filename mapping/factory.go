package mapping

import (
	"sync"
	"time"

	"github.com/touchkeys-core/touchkeys/node"
)

// Builder constructs a new Mapping for a given note number, already wired to that note's
// position/touch/tracker Nodes. A segment supplies one Builder per mapping policy it runs.
type Builder func(note int) Mapping

const reapInterval = 50 * time.Millisecond

type noteState struct {
	mapping Mapping
	midiOn  bool
	touchOn bool
}

// Factory owns the Mappings for one segment's mapping policy: it decides when to create one (first
// of touch-began or MIDI-note-on) and when to destroy one (both touch and MIDI off, and the Mapping
// itself reports RequestFinish). It implements key.MappingFactory so a PianoKey can drive it
// directly for the MIDI side; a segment (or keyboard orchestrator) drives TouchChanged for the touch
// side, since PianoKey itself has no segment-scoped notion of "this policy is bypassed".
type Factory struct {
	mu       sync.Mutex
	sched    *MappingScheduler
	build    Builder
	bypassed bool
	notes    map[int]*noteState

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewFactory constructs a factory that registers/unregisters its Mappings on sched, building each
// new Mapping via build. The factory starts a background reaper that periodically destroys Mappings
// whose note has gone fully quiet and which report themselves finished.
func NewFactory(sched *MappingScheduler, build Builder) *Factory {
	f := &Factory{
		sched:  sched,
		build:  build,
		notes:  make(map[int]*noteState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go f.reap()
	return f
}

// SetBypassed enables or disables mapping creation; existing Mappings are left to finish naturally.
func (f *Factory) SetBypassed(bypassed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bypassed = bypassed
}

// Bypassed reports the current bypass policy.
func (f *Factory) Bypassed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bypassed
}

// NoteOn implements key.MappingFactory: marks the note MIDI-on and ensures a Mapping exists.
func (f *Factory) NoteOn(keyNumber, velocity, channel int, t node.Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bypassed {
		return
	}
	st := f.stateForLocked(keyNumber)
	st.midiOn = true
	f.ensureMappingLocked(keyNumber, st)
}

// NoteOff implements key.MappingFactory: marks the note MIDI-off. Destruction, if warranted, happens
// on the next reap pass rather than synchronously, since the Mapping may still need its own
// scheduled work to observe the corresponding tracker transition before it reports finished.
func (f *Factory) NoteOff(keyNumber int, t node.Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.notes[keyNumber]
	if !ok {
		return
	}
	st.midiOn = false
}

// NoteWillBegin implements key.MappingFactory. The generic factory has no default behavior for it;
// concrete mappings observe the onset themselves via the Nodes they're already subscribed to.
func (f *Factory) NoteWillBegin(keyNumber, channel int, t node.Timestamp) {}

// TouchChanged informs the factory that touch activity started or stopped on keyNumber, the other
// half of the "interesting" trigger alongside MIDI note-on/off.
func (f *Factory) TouchChanged(keyNumber int, touchOn bool, t node.Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if touchOn {
		if f.bypassed {
			return
		}
		st := f.stateForLocked(keyNumber)
		st.touchOn = true
		f.ensureMappingLocked(keyNumber, st)
		return
	}
	st, ok := f.notes[keyNumber]
	if !ok {
		return
	}
	st.touchOn = false
}

func (f *Factory) stateForLocked(note int) *noteState {
	st, ok := f.notes[note]
	if !ok {
		st = &noteState{}
		f.notes[note] = st
	}
	return st
}

func (f *Factory) ensureMappingLocked(note int, st *noteState) {
	if st.mapping != nil {
		return
	}
	m := f.build(note)
	st.mapping = m
	f.sched.Register(m)
}

// reap periodically destroys Mappings for notes that have gone fully quiet (no touch, no MIDI) and
// whose Mapping reports RequestFinish.
func (f *Factory) reap() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	defer close(f.doneCh)
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.reapOnce()
		}
	}
}

func (f *Factory) reapOnce() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for note, st := range f.notes {
		if st.mapping == nil || st.midiOn || st.touchOn {
			continue
		}
		if !st.mapping.RequestFinish() {
			continue
		}
		f.sched.UnregisterAndDelete(st.mapping)
		delete(f.notes, note)
	}
}

// Active reports the note numbers currently holding a live Mapping.
func (f *Factory) Active() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	notes := make([]int, 0, len(f.notes))
	for note, st := range f.notes {
		if st.mapping != nil {
			notes = append(notes, note)
		}
	}
	return notes
}

// Close stops the background reaper. It does not disengage or destroy any remaining Mapping.
func (f *Factory) Close() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		<-f.doneCh
	})
}
