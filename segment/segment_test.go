package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentNote struct {
	note, velocity, channel int
}
type sentOff struct {
	note, channel int
}
type sentCC struct {
	controller, value, channel int
}

type fakeOut struct {
	noteOns  []sentNote
	noteOffs []sentOff
	ccs      []sentCC
	bends    [][2]int
	polyAT   []sentCC
}

func (f *fakeOut) SendNoteOn(note, velocity, channel int) error {
	f.noteOns = append(f.noteOns, sentNote{note, velocity, channel})
	return nil
}
func (f *fakeOut) SendNoteOff(note, channel int) error {
	f.noteOffs = append(f.noteOffs, sentOff{note, channel})
	return nil
}
func (f *fakeOut) SendPolyAftertouch(note, value, channel int) error {
	f.polyAT = append(f.polyAT, sentCC{note, value, channel})
	return nil
}
func (f *fakeOut) SendPitchBend(channel, value int) error {
	f.bends = append(f.bends, [2]int{channel, value})
	return nil
}
func (f *fakeOut) SendControlChange(controller, value, channel int) error {
	f.ccs = append(f.ccs, sentCC{controller, value, channel})
	return nil
}

func newSegment(mode Mode, poly int, damper, stealing bool) (*Segment, *fakeOut) {
	out := &fakeOut{}
	s := New(out, nil, Config{
		NoteMin:                0,
		NoteMax:                127,
		OutputChannelLowest:    1,
		RetransmitMaxPolyphony: poly,
		DamperPedalEnabled:     damper,
		UseVoiceStealing:       stealing,
	})
	s.SetChannelMask(0xFFFF)
	s.SetMode(mode)
	return s, out
}

func TestSoloPolyphonicPressAllocatesAndFreesChannelsInOrder(t *testing.T) {
	s, out := newSegment(Polyphonic, 4, false, false)

	s.HandleNoteOn(60, 100, 1)
	s.HandleNoteOn(64, 100, 1)
	s.HandleNoteOff(60, 1)
	s.HandleNoteOff(64, 1)

	require.Len(t, out.noteOns, 2)
	assert.Equal(t, sentNote{60, 100, 1}, out.noteOns[0])
	assert.Equal(t, sentNote{64, 100, 2}, out.noteOns[1])

	require.Len(t, out.noteOffs, 2)
	assert.Equal(t, sentOff{60, 1}, out.noteOffs[0])
	assert.Equal(t, sentOff{64, 2}, out.noteOffs[1])

	assert.ElementsMatch(t, []int{1, 2, 3, 4}, s.ChannelsAvailable())
}

func TestSustainPedalReservesChannelForReuseOnSameNote(t *testing.T) {
	s, out := newSegment(Polyphonic, 4, true, false)

	s.HandleNoteOn(60, 100, 1)
	s.HandleControlChange(64, 127, 1, nil)
	s.HandleNoteOff(60, 1)
	s.HandleNoteOn(60, 100, 1)

	require.Len(t, out.noteOns, 2)
	assert.Equal(t, 1, out.noteOns[0].channel)
	assert.Equal(t, 1, out.noteOns[1].channel, "re-press while pedal-held must reuse the same channel")
	assert.Empty(t, out.noteOffs, "note-off while pedal down must not be retransmitted as a real note-off")

	require.Len(t, out.ccs, 1)
	assert.Equal(t, sentCC{64, 127, 1}, out.ccs[0])
}

func TestMPEModeEntrySendsConfigurationMessagesOnChannelZero(t *testing.T) {
	s, out := newSegment(Off, 5, false, false)
	s.SetMode(MPE)
	_ = s

	require.Len(t, out.ccs, 4)
	assert.Equal(t, sentCC{79, 0, 0}, out.ccs[0])
	assert.Equal(t, sentCC{100, 0, 0}, out.ccs[1])
	assert.Equal(t, sentCC{101, 0, 0}, out.ccs[2])
	assert.Equal(t, sentCC{6, 5, 0}, out.ccs[3])
}

func TestPitchWheelRangeSendsRPNSequenceOnMasterChannelInMPE(t *testing.T) {
	s, out := newSegment(Off, 5, false, false)
	s.SetMode(MPE)
	out.ccs = nil

	s.SetPitchWheelRange(48, 0)

	require.Len(t, out.ccs, 6)
	assert.Equal(t, sentCC{101, 0, 1}, out.ccs[0])
	assert.Equal(t, sentCC{100, 0, 1}, out.ccs[1])
	assert.Equal(t, sentCC{6, 48, 1}, out.ccs[2])
	assert.Equal(t, sentCC{38, 0, 1}, out.ccs[3])
	assert.Equal(t, sentCC{101, 127, 1}, out.ccs[4])
	assert.Equal(t, sentCC{100, 127, 1}, out.ccs[5])
}

func TestVoiceStealingTakesOldestSoundingNoteWhenChannelsExhausted(t *testing.T) {
	s, out := newSegment(Polyphonic, 2, false, true)

	s.HandleNoteOn(60, 100, 1)
	s.HandleNoteOn(64, 100, 1)
	s.HandleNoteOn(67, 100, 1) // no free channel; steals note 60's channel

	require.Len(t, out.noteOffs, 1, "stealing must force-off the stolen note")
	assert.Equal(t, sentOff{60, 1}, out.noteOffs[0])

	require.Len(t, out.noteOns, 3)
	assert.Equal(t, out.noteOns[0].channel, out.noteOns[2].channel, "the stolen channel is reused")
}

func TestNoteDroppedWhenExhaustedAndNoStealingConfigured(t *testing.T) {
	s, out := newSegment(Polyphonic, 1, false, false)

	s.HandleNoteOn(60, 100, 1)
	s.HandleNoteOn(64, 100, 1)

	assert.Len(t, out.noteOns, 1, "second note must be silently dropped")
}

func TestTranspositionAppliesToNoteOnOffAndAftertouch(t *testing.T) {
	s, out := newSegment(PassThrough, 4, false, false)
	s.SetTransposition(12)

	s.HandleNoteOn(60, 100, 1)
	s.HandleNoteOff(60, 1)
	s.SendPolyAftertouch(60, 80, 1)

	assert.Equal(t, 72, out.noteOns[0].note)
	assert.Equal(t, 72, out.noteOffs[0].note)
	assert.Equal(t, 72, out.polyAT[0].note)
}

func TestModeOffBlocksAllNoteTraffic(t *testing.T) {
	s, out := newSegment(Off, 4, false, false)

	s.HandleNoteOn(60, 100, 1)

	assert.Empty(t, out.noteOns)
}

func TestChannelMaskRejectsMessagesOnUnmaskedChannel(t *testing.T) {
	s, out := newSegment(PassThrough, 4, false, false)
	s.SetChannelMask(1 << 0) // channel 1 only

	s.HandleNoteOn(60, 100, 2)

	assert.Empty(t, out.noteOns, "channel 2 is not in the mask")
}

func TestControllerBlockPolicySuppressesRetransmit(t *testing.T) {
	s, out := newSegment(PassThrough, 4, false, false)
	s.SetControllerAction(7, ActionBlock)

	s.HandleControlChange(7, 100, 1, nil)

	assert.Empty(t, out.ccs)
}

func TestControllerPassThroughCallsResendInsteadOfRawValueWhenConverterBound(t *testing.T) {
	s, out := newSegment(PassThrough, 4, false, false)
	var resentOn int
	s.HandleControlChange(74, 50, 1, func(channel int) { resentOn = channel })

	assert.Empty(t, out.ccs, "raw value must not be sent when a resend hook is provided")
	assert.Equal(t, 1, resentOn)
}

func TestMonophonicRetriggersNewestHeldNoteOnNoteOff(t *testing.T) {
	s, out := newSegment(Monophonic, 4, false, false)

	s.HandleNoteOn(60, 100, 1)
	s.HandleNoteOn(64, 100, 1)
	s.HandleNoteOff(64, 1)

	require.Len(t, out.noteOns, 3)
	assert.Equal(t, 60, out.noteOns[0].note)
	assert.Equal(t, 64, out.noteOns[1].note)
	assert.Equal(t, 60, out.noteOns[2].note, "releasing the newest held note retriggers the remaining held note")
	assert.Equal(t, out.noteOns[0].channel, out.noteOns[1].channel, "monophonic mode always uses the single mono channel")
}
