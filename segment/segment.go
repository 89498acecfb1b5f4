// Package segment implements MidiKeyboardSegment: a region of the keyboard (by note range and
// channel mask) that retransmits incoming MIDI through one of several channel-allocation policies
// and drives that region's per-note Mappings.
package segment

import (
	"sync"

	"github.com/touchkeys-core/touchkeys/logging"
	"github.com/touchkeys-core/touchkeys/mapping"
)

var log = logging.Get(logging.SEGMENT)

// Mode selects the channel-allocation policy a Segment runs.
type Mode int

const (
	Off Mode = iota
	PassThrough
	Monophonic
	Polyphonic
	MPE
)

func (m Mode) String() string {
	switch m {
	case Off:
		return "off"
	case PassThrough:
		return "pass"
	case Monophonic:
		return "mono"
	case Polyphonic:
		return "poly"
	case MPE:
		return "mpe"
	default:
		return "unknown"
	}
}

// RetransmitAction is the per-controller policy applied when an incoming CC (or a meta-controller
// such as channel-pressure or pitch-wheel) arrives on a channel this segment accepts.
type RetransmitAction int

const (
	ActionBlock RetransmitAction = iota
	ActionPassThrough
	ActionBroadcast
	ActionSendToLatest
)

// Meta-controller indices into the retransmit policy table, alongside the 0-127 CC numbers.
const (
	ControllerChannelPressure = 128 + iota
	ControllerPitchWheel
)

// MidiOutput is the raw outbound surface a Segment drives; devices.MidiDevice satisfies it (its
// Send* methods return an error the segment logs and drops, per the no-retry real-time policy).
type MidiOutput interface {
	SendNoteOn(note, velocity, channel int) error
	SendNoteOff(note, channel int) error
	SendPolyAftertouch(note, value, channel int) error
	SendPitchBend(channel, value int) error
	SendControlChange(controller, value, channel int) error
}

type noteAllocation struct {
	channel      int
	pedalHeld    bool
	onsetCounter uint64
}

// Segment is the MidiKeyboardSegment of spec §4.10: it owns one note range's worth of channel
// allocation, sustain-pedal reservation, transposition, and controller retransmit policy, and the
// mapping.Factory driving that range's per-note Mappings.
type Segment struct {
	mu  sync.Mutex
	out MidiOutput

	port                   int
	mode                   Mode
	channelMask            uint16
	noteMin, noteMax       int
	outputChannelLowest    int
	outputTransposition    int
	retransmitMaxPolyphony int
	damperPedalEnabled     bool
	useVoiceStealing       bool
	pitchWheelSemitones    int
	pitchWheelCents        int

	sustainDown bool

	allocations    map[int]*noteAllocation // sounding or pedal-reserved note -> allocation
	channelsInUse  map[int]bool
	onsetCounter   uint64
	monoHeldNotes  []int // stack, most-recently-pressed last
	monoChannel    int

	controllerPolicy map[int]RetransmitAction
	latestChannel    int // most recently note-on'd channel, for SendToLatest

	factory *mapping.Factory

	bypassed bool
}

// Config is the subset of a Segment's configuration a caller supplies at construction; see
// SetMode/SetNoteRange/etc for runtime changes.
type Config struct {
	Port                   int
	ChannelMask            uint16
	NoteMin, NoteMax       int
	OutputChannelLowest    int
	RetransmitMaxPolyphony int
	DamperPedalEnabled     bool
	UseVoiceStealing       bool
}

// New constructs an idle (mode Off) Segment retransmitting through out, with factory supplying and
// destroying this segment's per-note Mappings.
func New(out MidiOutput, factory *mapping.Factory, cfg Config) *Segment {
	if cfg.NoteMax == 0 {
		cfg.NoteMax = 127
	}
	if cfg.OutputChannelLowest == 0 {
		cfg.OutputChannelLowest = 1
	}
	if cfg.RetransmitMaxPolyphony == 0 {
		cfg.RetransmitMaxPolyphony = 16
	}
	if cfg.ChannelMask == 0 {
		cfg.ChannelMask = 0xFFFF
	}
	return &Segment{
		out:                    out,
		port:                   cfg.Port,
		mode:                   Off,
		channelMask:            cfg.ChannelMask,
		noteMin:                cfg.NoteMin,
		noteMax:                cfg.NoteMax,
		outputChannelLowest:    cfg.OutputChannelLowest,
		retransmitMaxPolyphony: cfg.RetransmitMaxPolyphony,
		damperPedalEnabled:     cfg.DamperPedalEnabled,
		useVoiceStealing:       cfg.UseVoiceStealing,
		pitchWheelSemitones:    2,
		allocations:            make(map[int]*noteAllocation),
		channelsInUse:          make(map[int]bool),
		monoChannel:            cfg.OutputChannelLowest,
		controllerPolicy:       make(map[int]RetransmitAction),
		factory:                factory,
	}
}

// SetMode changes the channel-allocation policy. Switching away from Polyphonic/MPE/Monophonic
// silences any notes this segment currently believes are sounding, since their channel allocations
// no longer mean anything under the new policy.
func (s *Segment) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == m {
		return
	}
	s.silenceAllLocked()
	s.mode = m
	if m == MPE {
		s.sendMPEConfigureLocked()
	}
}

// Mode reports the current channel-allocation policy.
func (s *Segment) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetChannelMask sets the 16-bit mask of input MIDI channels (bit 0 = channel 1) this segment
// accepts.
func (s *Segment) SetChannelMask(mask uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelMask = mask
}

// AcceptsChannel reports whether channel (1-16) is set in the segment's channel mask.
func (s *Segment) AcceptsChannel(channel int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptsChannelLocked(channel)
}

func (s *Segment) acceptsChannelLocked(channel int) bool {
	if channel < 1 || channel > 16 {
		return false
	}
	return s.channelMask&(1<<uint(channel-1)) != 0
}

// SetNoteRange sets the inclusive input note range this segment accepts.
func (s *Segment) SetNoteRange(min, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noteMin, s.noteMax = min, max
}

// AcceptsNote reports whether note falls within this segment's configured note range.
func (s *Segment) AcceptsNote(note int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return note >= s.noteMin && note <= s.noteMax
}

// SetTransposition sets the number of semitones added to every outbound note number, clamped at
// send time to [0, 127].
func (s *Segment) SetTransposition(semitones int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputTransposition = semitones
}

// SetBypassed enables or disables mapping creation for this segment's notes, without otherwise
// changing retransmission behavior.
func (s *Segment) SetBypassed(bypassed bool) {
	s.mu.Lock()
	s.bypassed = bypassed
	s.mu.Unlock()
	if s.factory != nil {
		s.factory.SetBypassed(bypassed)
	}
}

// Factory returns the mapping.Factory driving this segment's per-note Mappings, or nil if this
// segment was constructed without one (e.g. a pure MIDI-retransmit segment with no mapping policy).
// A keyboard orchestrator uses this to drive key.PianoKey's MIDI/touch fusion (spec §4.7) for every
// note this segment accepts.
func (s *Segment) Factory() *mapping.Factory {
	return s.factory
}

// Bypassed reports whether this segment currently suppresses mapping creation.
func (s *Segment) Bypassed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bypassed
}

// SetControllerAction sets the retransmit policy for controller (a 0-127 CC number, or one of the
// ControllerChannelPressure/ControllerPitchWheel meta-controller indices).
func (s *Segment) SetControllerAction(controller int, action RetransmitAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllerPolicy[controller] = action
}

func (s *Segment) controllerActionLocked(controller int) RetransmitAction {
	if a, ok := s.controllerPolicy[controller]; ok {
		return a
	}
	return ActionPassThrough
}

func transpose(note, semitones int) int {
	out := note + semitones
	if out < 0 {
		return 0
	}
	if out > 127 {
		return 127
	}
	return out
}

func (s *Segment) silenceAllLocked() {
	for note, alloc := range s.allocations {
		if !alloc.pedalHeld {
			s.sendNoteOffLocked(note, alloc.channel)
		}
	}
	s.allocations = make(map[int]*noteAllocation)
	s.channelsInUse = make(map[int]bool)
	s.monoHeldNotes = nil
	s.sustainDown = false
}

// HandleNoteOn retransmits an incoming note-on under the segment's current mode, allocating an
// output channel per the Polyphonic/MPE 5-step priority order. It does not notify the mapping
// factory; PianoKeyboard does that through PianoKey.MidiNoteOn.
func (s *Segment) HandleNoteOn(note, velocity, channel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptsChannelLocked(channel) || note < s.noteMin || note > s.noteMax {
		return
	}

	switch s.mode {
	case Off:
		return
	case PassThrough:
		s.sendNoteOnLocked(note, velocity, channel)
	case Monophonic:
		s.handleMonoNoteOnLocked(note, velocity)
	case Polyphonic, MPE:
		s.handlePolyNoteOnLocked(note, velocity)
	}
}

func (s *Segment) handleMonoNoteOnLocked(note, velocity int) {
	s.monoHeldNotes = append(s.monoHeldNotes, note)
	s.sendNoteOnLocked(note, velocity, s.monoChannel)
}

// handlePolyNoteOnLocked implements the channel-allocation priority order of spec §4.10:
//  1. reuse a sustain-pedal-reserved channel for this exact note
//  2. take a free channel
//  3. steal the oldest pedal-reserved note's channel
//  4. steal the oldest actively-sounding note's channel (if voice stealing is enabled)
//  5. drop the note
func (s *Segment) handlePolyNoteOnLocked(note, velocity int) {
	if alloc, ok := s.allocations[note]; ok && alloc.pedalHeld {
		alloc.pedalHeld = false
		s.onsetCounter++
		alloc.onsetCounter = s.onsetCounter
		s.sendNoteOnLocked(note, velocity, alloc.channel)
		return
	}

	if ch, ok := s.freeChannelLocked(); ok {
		s.onsetCounter++
		s.allocations[note] = &noteAllocation{channel: ch, onsetCounter: s.onsetCounter}
		s.channelsInUse[ch] = true
		s.sendNoteOnLocked(note, velocity, ch)
		return
	}

	if s.damperPedalEnabled {
		if stolenNote, ok := s.oldestLocked(func(n int, a *noteAllocation) bool { return a.pedalHeld }); ok {
			ch := s.allocations[stolenNote].channel
			s.sendNoteOffLocked(stolenNote, ch)
			delete(s.allocations, stolenNote)
			s.onsetCounter++
			s.allocations[note] = &noteAllocation{channel: ch, onsetCounter: s.onsetCounter}
			s.sendNoteOnLocked(note, velocity, ch)
			return
		}
	}

	if s.useVoiceStealing {
		if stolenNote, ok := s.oldestLocked(func(n int, a *noteAllocation) bool { return !a.pedalHeld }); ok {
			ch := s.allocations[stolenNote].channel
			s.sendNoteOffLocked(stolenNote, ch)
			delete(s.allocations, stolenNote)
			s.onsetCounter++
			s.allocations[note] = &noteAllocation{channel: ch, onsetCounter: s.onsetCounter}
			s.sendNoteOnLocked(note, velocity, ch)
			return
		}
	}

	log.Debug("dropping note-on, no channel available", "note", note, "port", s.port)
}

func (s *Segment) freeChannelLocked() (int, bool) {
	for i := 0; i < s.retransmitMaxPolyphony; i++ {
		ch := s.outputChannelLowest + i
		if s.mode == MPE {
			// outputChannelLowest (the MPE master) is never allocated to a member note.
			ch = s.outputChannelLowest + i + 1
		}
		if !s.channelsInUse[ch] {
			return ch, true
		}
	}
	return 0, false
}

func (s *Segment) oldestLocked(match func(int, *noteAllocation) bool) (int, bool) {
	best := -1
	var bestCounter uint64
	for note, a := range s.allocations {
		if !match(note, a) {
			continue
		}
		if best == -1 || a.onsetCounter < bestCounter {
			best = note
			bestCounter = a.onsetCounter
		}
	}
	return best, best != -1
}

// HandleNoteOff retransmits an incoming note-off. If the sustain pedal is down and damper-pedal
// reservation is enabled, the note's channel is reserved rather than freed.
func (s *Segment) HandleNoteOff(note, channel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptsChannelLocked(channel) || note < s.noteMin || note > s.noteMax {
		return
	}

	switch s.mode {
	case Off:
		return
	case PassThrough:
		s.sendNoteOffLocked(note, channel)
	case Monophonic:
		s.handleMonoNoteOffLocked(note)
	case Polyphonic, MPE:
		s.handlePolyNoteOffLocked(note)
	}
}

func (s *Segment) handleMonoNoteOffLocked(note int) {
	for i, n := range s.monoHeldNotes {
		if n == note {
			s.monoHeldNotes = append(s.monoHeldNotes[:i], s.monoHeldNotes[i+1:]...)
			break
		}
	}
	if len(s.monoHeldNotes) == 0 {
		s.sendNoteOffLocked(note, s.monoChannel)
		return
	}
	// Retrigger the newest still-held note on the single mono channel (last-note priority).
	newest := s.monoHeldNotes[len(s.monoHeldNotes)-1]
	s.sendNoteOffLocked(note, s.monoChannel)
	s.sendNoteOnLocked(newest, 100, s.monoChannel)
}

func (s *Segment) handlePolyNoteOffLocked(note int) {
	alloc, ok := s.allocations[note]
	if !ok {
		return
	}
	if s.damperPedalEnabled && s.sustainDown {
		// The channel stays reserved to this note while the pedal is down: leave channelsInUse
		// true so freeChannelLocked won't hand it to a new note, but keep the allocation entry so
		// the same note re-pressed before pedal-up reuses it instead of allocating a fresh one.
		alloc.pedalHeld = true
		return
	}
	s.sendNoteOffLocked(note, alloc.channel)
	delete(s.channelsInUse, alloc.channel)
	delete(s.allocations, note)
}

// HandleControlChange applies CC64 (sustain/damper pedal) reservation semantics and, for every other
// controller, the segment's retransmit policy table. resend, if non-nil, is called instead of a raw
// pass-through when an OscMidiConverter is also bound to this controller on this segment (§4.11:
// "the intended behavior ... is to resend the converter rather than raw-pass the incoming value").
func (s *Segment) HandleControlChange(controller, value, channel int, resend func(channel int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptsChannelLocked(channel) || s.mode == Off {
		return
	}

	if controller == 64 {
		s.handleSustainPedalLocked(value, channel)
		return
	}

	s.retransmitControllerLocked(controller, value, channel, resend)
}

func (s *Segment) handleSustainPedalLocked(value, channel int) {
	down := value >= 64
	if down == s.sustainDown {
		s.sendControlChangeLocked(64, value, channel)
		return
	}
	s.sustainDown = down
	s.sendControlChangeLocked(64, value, channel)
	if down {
		return
	}
	// Pedal released: free every reserved channel in one step.
	for note, alloc := range s.allocations {
		if alloc.pedalHeld {
			delete(s.channelsInUse, alloc.channel)
			delete(s.allocations, note)
		}
	}
}

func (s *Segment) retransmitControllerLocked(controller, value, channel int, resend func(channel int)) {
	action := s.controllerActionLocked(controller)
	switch action {
	case ActionBlock:
		return
	case ActionPassThrough:
		if resend != nil {
			resend(channel)
			return
		}
		s.sendControlChangeLocked(controller, value, channel)
	case ActionBroadcast:
		for ch := range s.channelsInUse {
			if resend != nil {
				resend(ch)
				continue
			}
			s.sendControlChangeLocked(controller, value, ch)
		}
	case ActionSendToLatest:
		target := s.latestChannel
		if target == 0 {
			target = channel
		}
		if resend != nil {
			resend(target)
			return
		}
		s.sendControlChangeLocked(controller, value, target)
	}
}

// SetPitchWheelRange configures, and immediately sends, the RPN 0 pitch-wheel-range message (major
// semitones, minor cents) per spec §6: CC101=0, CC100=0, CC6=semitones, CC38=cents, CC101=127,
// CC100=127. It is sent on every currently active channel in Polyphonic mode, Master only in MPE,
// or the mono output channel in Monophonic; nothing is sent in PassThrough or Off.
func (s *Segment) SetPitchWheelRange(semitones, cents int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pitchWheelSemitones, s.pitchWheelCents = semitones, cents
	s.sendPitchWheelRangeLocked()
}

func (s *Segment) sendPitchWheelRangeLocked() {
	targets := s.rpnTargetsLocked()
	for _, ch := range targets {
		s.sendControlChangeLocked(101, 0, ch)
		s.sendControlChangeLocked(100, 0, ch)
		s.sendControlChangeLocked(6, s.pitchWheelSemitones, ch)
		s.sendControlChangeLocked(38, s.pitchWheelCents, ch)
		s.sendControlChangeLocked(101, 127, ch)
		s.sendControlChangeLocked(100, 127, ch)
	}
}

func (s *Segment) rpnTargetsLocked() []int {
	switch s.mode {
	case Polyphonic:
		chans := make([]int, 0, len(s.channelsInUse))
		for ch, active := range s.channelsInUse {
			if active {
				chans = append(chans, ch)
			}
		}
		return chans
	case MPE:
		return []int{s.outputChannelLowest}
	case Monophonic:
		return []int{s.monoChannel}
	default:
		return nil
	}
}

// sendMPEConfigureLocked sends the RPN 6 MCM ("MIDI Polyphonic Expression Configuration Message")
// on channel 0: CC79=0, then the CC100/CC101 RPN-select pair (both 0), then CC6 carrying the
// member-channel count.
func (s *Segment) sendMPEConfigureLocked() {
	const masterChannel = 0
	s.sendControlChangeLocked(79, 0, masterChannel)
	s.sendControlChangeLocked(100, 0, masterChannel)
	s.sendControlChangeLocked(101, 0, masterChannel)
	s.sendControlChangeLocked(6, s.retransmitMaxPolyphony, masterChannel)
}

func (s *Segment) sendNoteOnLocked(note, velocity, channel int) {
	s.latestChannel = channel
	if err := s.out.SendNoteOn(transpose(note, s.outputTransposition), velocity, channel); err != nil {
		log.Error("send note on failed", "err", err, "note", note, "channel", channel)
	}
}

func (s *Segment) sendNoteOffLocked(note, channel int) {
	if err := s.out.SendNoteOff(transpose(note, s.outputTransposition), channel); err != nil {
		log.Error("send note off failed", "err", err, "note", note, "channel", channel)
	}
}

func (s *Segment) sendControlChangeLocked(controller, value, channel int) {
	if err := s.out.SendControlChange(controller, value, channel); err != nil {
		log.Error("send control change failed", "err", err, "controller", controller, "channel", channel)
	}
}

// SendNoteOn implements mapping.MIDIOutput: direct, unallocated note-on used by a Mapping emitting
// its own MIDI (e.g. MIDIKeyPositionMapping's note-on).
func (s *Segment) SendNoteOn(note, velocity, channel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendNoteOnLocked(note, velocity, channel)
}

// SendNoteOff implements mapping.MIDIOutput.
func (s *Segment) SendNoteOff(note, channel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendNoteOffLocked(note, channel)
}

// SendPolyAftertouch implements mapping.MIDIOutput.
func (s *Segment) SendPolyAftertouch(note, value, channel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.out.SendPolyAftertouch(transpose(note, s.outputTransposition), value, channel); err != nil {
		log.Error("send poly aftertouch failed", "err", err, "note", note, "channel", channel)
	}
}

// SendPitchBend implements mapping.PitchBendOutput.
func (s *Segment) SendPitchBend(channel, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.out.SendPitchBend(channel, value); err != nil {
		log.Error("send pitch bend failed", "err", err, "channel", channel)
	}
}

// SendControlChange exposes direct CC send for a bound OscMidiConverter's MidiSink requirement.
func (s *Segment) SendControlChange(controller, value, channel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendControlChangeLocked(controller, value, channel)
}

// ChannelForNote reports the currently allocated output channel for note, if any (Polyphonic/MPE).
func (s *Segment) ChannelForNote(note int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[note]
	if !ok {
		return 0, false
	}
	return a.channel, true
}

// ChannelsAvailable reports every output channel in [outputChannelLowest, outputChannelLowest+P)
// that is not currently allocated to a sounding or pedal-reserved note.
func (s *Segment) ChannelsAvailable() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var free []int
	for i := 0; i < s.retransmitMaxPolyphony; i++ {
		ch := s.outputChannelLowest + i
		if !s.channelsInUse[ch] {
			free = append(free, ch)
		}
	}
	return free
}
