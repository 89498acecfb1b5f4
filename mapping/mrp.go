package mapping

import (
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/touchkeys-core/touchkeys/filter"
	"github.com/touchkeys-core/touchkeys/key"
	"github.com/touchkeys-core/touchkeys/node"
)

// MRPOutput is the outbound surface for the magnetic-resonator-piano mapping: the four quality OSC
// streams, MRP note on/off, and the key's RGB LED.
type MRPOutput interface {
	MIDIOutput
	SendMRPQuality(kind string, note, channel int, value float64)
	SendMRPMidi(note, velocity, channel int)
	SendLEDColor(note int, r, g, b float64)
}

const (
	mrpDefaultChannel           = 15
	mrpDefaultAftertouchScaler  = 100.0
	vibratoVelocityThreshold    = 2.0
	vibratoMinimumPeakSpacing   = node.Timestamp(60_000)
	vibratoTimeout              = node.Timestamp(500_000)
	vibratoMinimumOscillations  = 4
	vibratoRateScaler           = 0.005
)

// pitchBendPartner records a key cooperatively computing a two-key pitch-bend gesture.
type pitchBendPartner struct {
	note       int
	controller bool
	finished   bool
	position   *node.Node[float64]
	tracker    *key.KeyPositionTracker
}

// MRPMapping drives the magnetic resonator piano: quality streams derived from position and
// filtered velocity, vibrato detection via velocity-oscillation counting, and an HSV-derived RGB LED
// summarizing the key's current quality state. Two-key pitch-bend partners can be recorded via
// EnablePitchBend, but no pitch bend is computed or sent from them.
type MRPMapping struct {
	out      MRPOutput
	tracker  *key.KeyPositionTracker
	position *node.Node[float64]
	note     int
	channel  int

	aftertouchScaler float64
	noteIsOn         bool
	finished         bool

	rawVelocity      *node.Node[float64]
	filteredVelocity *filter.IIRFilterNode
	lastVelocityIdx  int64

	vibratoActive      bool
	vibratoPeakCount    int
	vibratoLastPeakTs   node.Timestamp
	lastVelocitySign    int

	lastIntensity, lastBrightness, lastPitch, lastHarmonic float64

	partners []*pitchBendPartner
}

// NewMRPMapping constructs the mapping for one (segment, note).
func NewMRPMapping(out MRPOutput, tracker *key.KeyPositionTracker, position *node.Node[float64], note int, sampleRateHz float64) *MRPMapping {
	raw := node.New[float64](512)
	b, a := filter.Lowpass(15, 0.707, sampleRateHz)
	filtered := filter.NewIIRFilterNode(b, a, raw, 512, filter.Auto)
	return &MRPMapping{
		out:              out,
		tracker:          tracker,
		position:         position,
		note:             note,
		channel:          mrpDefaultChannel,
		aftertouchScaler: mrpDefaultAftertouchScaler,
		rawVelocity:      raw,
		filteredVelocity: filtered,
		lastVelocitySign: 0,
	}
}

func (m *MRPMapping) Kind() Kind { return KindMRP }

func (m *MRPMapping) Engage() {
	m.tracker.Node.AddDestination(m)
	m.position.AddDestination(m)
}

func (m *MRPMapping) Disengage() {
	m.tracker.Node.RemoveDestination(m)
	m.position.RemoveDestination(m)
	if m.noteIsOn {
		m.out.SendMRPMidi(m.note, 0, m.channel)
		m.noteIsOn = false
	}
}

func (m *MRPMapping) Reset() {
	m.noteIsOn = false
	m.finished = false
	m.vibratoActive = false
	m.vibratoPeakCount = 0
	m.partners = nil
}

// EnablePitchBend registers a neighbouring key as a two-key pitch-bend partner; controller is true
// if toNote is the key driving the bend amount (already Down before this key went partial). The
// partner is only recorded; the mapping neither scans for partners nor computes a bend amount.
func (m *MRPMapping) EnablePitchBend(toNote int, toPosition *node.Node[float64], toTracker *key.KeyPositionTracker, controller bool) {
	m.partners = append(m.partners, &pitchBendPartner{note: toNote, position: toPosition, tracker: toTracker, controller: controller})
}

// TriggerReceived updates the running velocity buffer on every position sample. On a tracker
// state-change notification it sends the MRP note-on when the key enters PartialPressAwaitingMax
// and the note-off at ReleaseFinished; it does not look at neighbouring keys.
func (m *MRPMapping) TriggerReceived(source node.Source, timestamp node.Timestamp) {
	if source.SourceID() == m.position.SourceID() {
		m.updateVelocityMeasurements()
		return
	}
	v, _, ok := m.tracker.Node.Latest()
	if !ok || v.Type != key.NotificationStateChange {
		return
	}
	switch v.State {
	case key.PartialPressAwaitingMax:
		if !m.noteIsOn {
			m.out.SendMRPMidi(m.note, 64, m.channel)
			m.noteIsOn = true
		}
	case key.ReleaseFinished:
		if m.noteIsOn {
			m.out.SendMRPMidi(m.note, 0, m.channel)
			m.noteIsOn = false
			m.finished = true
		}
	}
}

// updateVelocityMeasurements computes the first-difference velocity for any newly arrived position
// samples and inserts it into the raw velocity Node, which the filtered Node auto-updates from.
func (m *MRPMapping) updateVelocityMeasurements() float64 {
	end := m.position.EndIndex()
	var last float64
	for idx := m.lastVelocityIdx + 1; idx < end; idx++ {
		v1, t1, ok1 := m.position.AtIndex(idx - 1)
		v2, t2, ok2 := m.position.AtIndex(idx)
		if !ok1 || !ok2 || t2 <= t1 {
			continue
		}
		vel := (v2 - v1) / (float64(t2-t1) / 1e6) // position units per second (timestamps are microseconds)
		m.rawVelocity.Insert(vel, t2)
		last = vel
		m.detectVibratoPeak(vel, t2)
	}
	m.lastVelocityIdx = end - 1
	return last
}

func (m *MRPMapping) detectVibratoPeak(vel float64, ts node.Timestamp) {
	sign := 0
	if vel > vibratoVelocityThreshold {
		sign = 1
	} else if vel < -vibratoVelocityThreshold {
		sign = -1
	} else {
		return
	}
	if sign == m.lastVelocitySign {
		return
	}
	if m.lastVelocitySign != 0 && ts-m.vibratoLastPeakTs < vibratoMinimumPeakSpacing {
		m.lastVelocitySign = sign
		return
	}
	if m.lastVelocitySign != 0 && ts-m.vibratoLastPeakTs > vibratoTimeout {
		m.vibratoPeakCount = 0
	}
	m.vibratoPeakCount++
	m.vibratoLastPeakTs = ts
	m.lastVelocitySign = sign
	if m.vibratoPeakCount >= vibratoMinimumOscillations {
		m.vibratoActive = true
	}
}

// PerformMapping emits the four quality streams and updates the LED; it self-paces at a fixed
// polling interval while the note remains on.
func (m *MRPMapping) PerformMapping() node.Timestamp {
	if !m.noteIsOn {
		return 0
	}
	pos, ts, ok := m.position.Latest()
	if !ok {
		return 0
	}
	vel, _, _ := m.filteredVelocity.Latest()

	intensity := clamp01(pos)
	brightness := clamp01(math.Abs(vel) / pressVelocityForMaxMIDI)
	pitch := 0.0
	if m.vibratoActive {
		pitch = vibratoRateScaler * vel
	}
	harmonic := m.lastHarmonic
	if m.vibratoActive {
		harmonic += math.Abs(vel) * vibratoRateScaler
		if harmonic > 1 {
			harmonic = 1
		}
	}

	if intensity != m.lastIntensity {
		m.out.SendMRPQuality("intensity", m.note, m.channel, intensity)
		m.lastIntensity = intensity
	}
	if brightness != m.lastBrightness {
		m.out.SendMRPQuality("brightness", m.note, m.channel, brightness)
		m.lastBrightness = brightness
	}
	if pitch != m.lastPitch {
		m.out.SendMRPQuality("pitch", m.note, m.channel, pitch)
		m.lastPitch = pitch
	}
	if harmonic != m.lastHarmonic {
		m.out.SendMRPQuality("harmonic", m.note, m.channel, harmonic)
		m.lastHarmonic = harmonic
	}

	r, g, b := m.ledColor(intensity, brightness, harmonic)
	m.out.SendLEDColor(m.note, r, g, b)

	return ts + node.Timestamp(5500)
}

// ledColor summarizes intensity/brightness/harmonic as hue/saturation/value: harmonic content
// shifts hue, intensity sets saturation, and brightness drives value.
func (m *MRPMapping) ledColor(intensity, brightness, harmonic float64) (r, g, b float64) {
	hue := 240 * (1 - harmonic)
	c := colorful.Hsv(hue, clamp01(0.3+0.7*intensity), clamp01(0.2+0.8*brightness))
	return c.R, c.G, c.B
}

func (m *MRPMapping) RequestFinish() bool {
	return m.finished && !m.noteIsOn
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
