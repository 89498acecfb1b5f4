package key

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touchkeys-core/touchkeys/node"
	"github.com/touchkeys-core/touchkeys/scheduler"
)

type fakeFactory struct {
	onCount      int
	offCount     int
	beginCount   int
	lastChannel  int
	lastVelocity int
}

func (f *fakeFactory) NoteOn(keyNumber, velocity, channel int, t node.Timestamp) {
	f.onCount++
	f.lastVelocity = velocity
	f.lastChannel = channel
}
func (f *fakeFactory) NoteOff(keyNumber int, t node.Timestamp) { f.offCount++ }
func (f *fakeFactory) NoteWillBegin(keyNumber, channel int, t node.Timestamp) {
	f.beginCount++
	f.lastChannel = channel
}

func TestMidiNoteOnRunsHelperImmediatelyWhenTouchAlreadyActive(t *testing.T) {
	sched := scheduler.New()
	sched.Start(0)
	defer sched.Stop()

	k := NewPianoKey(60, 128, sched, node.Timestamp(50000))
	frame := EmptyTouchFrame()
	frame.Count = 1
	frame.Locs[0] = 0.5
	k.TouchInsertFrame(frame, 0)

	f := &fakeFactory{}
	k.MidiNoteOn(f, 100, 2, true, 1)
	assert.Equal(t, 1, f.onCount)
	assert.Equal(t, 1, f.beginCount, "touch already active means the helper runs immediately")
}

func TestMidiNoteOnRunsHelperImmediatelyWhenSensorsAbsent(t *testing.T) {
	sched := scheduler.New()
	sched.Start(0)
	defer sched.Stop()

	k := NewPianoKey(60, 128, sched, node.Timestamp(50000))
	f := &fakeFactory{}
	k.MidiNoteOn(f, 100, 2, false, 1)
	assert.Equal(t, 1, f.beginCount)
}

func TestMidiNoteOnWaitsForTouchThenHelperRunsOnArrival(t *testing.T) {
	sched := scheduler.New()
	sched.Start(0)
	defer sched.Stop()

	k := NewPianoKey(60, 128, sched, node.Timestamp(int64(500*time.Millisecond/time.Microsecond)))
	f := &fakeFactory{}
	k.MidiNoteOn(f, 100, 2, true, 1)
	assert.Equal(t, 0, f.beginCount, "helper must not run before touch or timeout")

	frame := EmptyTouchFrame()
	frame.Count = 1
	frame.Locs[0] = 0.3
	k.TouchInsertFrame(frame, 2)
	assert.Equal(t, 1, f.beginCount, "touch arrival should release the pending note-on")
}

func TestMidiNoteOnHelperRunsOnTimeoutWithoutTouch(t *testing.T) {
	sched := scheduler.New()
	sched.Start(0)
	defer sched.Stop()

	k := NewPianoKey(60, 128, sched, node.Timestamp(10000)) // 10ms grace
	f := &fakeFactory{}
	k.MidiNoteOn(f, 100, 2, true, 1)

	require.Eventually(t, func() bool {
		return f.beginCount == 1
	}, 2*time.Second, 5*time.Millisecond, "timeout should eventually run the helper with no touch data")
}

func TestTouchOffEmitsEmptyFrame(t *testing.T) {
	sched := scheduler.New()
	sched.Start(0)
	defer sched.Stop()

	k := NewPianoKey(60, 128, sched, 0)
	frame := EmptyTouchFrame()
	frame.Count = 1
	frame.Locs[0] = 0.4
	k.TouchInsertFrame(frame, 0)
	require.True(t, k.TouchOn())

	k.TouchOff(1)
	assert.False(t, k.TouchOn())
	v, _, ok := k.TouchFrames.Latest()
	require.True(t, ok)
	assert.Equal(t, 0, v.Count)
}
