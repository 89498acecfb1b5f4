package mapping

import (
	"math"

	"github.com/touchkeys-core/touchkeys/filter"
	"github.com/touchkeys-core/touchkeys/node"
)

// PitchBendOutput is the outbound surface for mappings that emit MIDI pitch bend.
type PitchBendOutput interface {
	SendPitchBend(channel int, value int) // 14-bit, centered at 8192
}

// VibratoState is the gesture state machine for TouchkeyVibratoMapping.
type VibratoState int

const (
	VibratoInactive VibratoState = iota
	VibratoSwitchingOn
	VibratoActive
	VibratoSwitchingOff
)

const (
	vibratoBandpassFc       = 9.0
	vibratoBandpassQ        = 0.707
	vibratoExtremumRatio    = 0.3
	vibratoExtremumTimeout  = node.Timestamp(300_000)
	vibratoOnsetRampMin     = node.Timestamp(30_000)
	vibratoOnsetRampMax     = node.Timestamp(300_000)
	vibratoZeroCrossTimeout = node.Timestamp(400_000)

	vibratoRange      = 200  // cents, scaled into the 14-bit pitch-bend output
	vibratoPrescaler  = 1.0
	vibratoScale      = 6.0
)

// TouchkeyVibratoMapping bandpass-filters lateral touch motion and detects a vibrato gesture. The
// first non-zero filtered sample is taken as the initial extremum, with no minimum magnitude; the
// gesture engages when an opposite-sign sample exceeds vibratoExtremumRatio times it within
// vibratoExtremumTimeout, and releases once no zero crossing arrives within
// vibratoZeroCrossTimeout. The onset ramp lasts from the initial extremum to the engaging sample;
// the release ramp lasts the last observed zero-crossing interval; both are clamped to
// [vibratoOnsetRampMin, vibratoOnsetRampMax].
type TouchkeyVibratoMapping struct {
	out PitchBendOutput

	lateral  *node.Node[float64]
	filtered *filter.IIRFilterNode
	note     int
	channel  int

	state VibratoState

	firstExtremum     float64
	firstExtremumTs   node.Timestamp
	haveFirstExtremum bool
	lastZeroCrossTs   node.Timestamp
	lastZeroCrossInterval node.Timestamp

	rampStart     node.Timestamp
	rampDuration  node.Timestamp
	lastSign      int
	lastBendValue int
	finished      bool
}

// NewTouchkeyVibratoMapping constructs the mapping over lateral (left-right touch position), with
// the bandpass filter auto-updating from it.
func NewTouchkeyVibratoMapping(out PitchBendOutput, lateral *node.Node[float64], note, channel int, sampleRateHz float64) *TouchkeyVibratoMapping {
	b, a := filter.Bandpass(vibratoBandpassFc, vibratoBandpassQ, sampleRateHz)
	filtered := filter.NewIIRFilterNode(b, a, lateral, 512, filter.Auto)
	return &TouchkeyVibratoMapping{
		out:      out,
		lateral:  lateral,
		filtered: filtered,
		note:     note,
		channel:  channel,
		lastBendValue: 8192,
	}
}

func (m *TouchkeyVibratoMapping) Kind() Kind { return KindTouchkeyVibrato }

func (m *TouchkeyVibratoMapping) Engage()  { m.filtered.AddDestination(m) }
func (m *TouchkeyVibratoMapping) Disengage() {
	m.filtered.RemoveDestination(m)
	if m.lastBendValue != 8192 {
		m.out.SendPitchBend(m.channel, 8192)
	}
}
func (m *TouchkeyVibratoMapping) Reset() {
	m.state = VibratoInactive
	m.haveFirstExtremum = false
	m.finished = false
}

func (m *TouchkeyVibratoMapping) State() VibratoState { return m.state }

// TriggerReceived watches the filtered lateral signal for extrema and zero crossings that drive
// the gesture state machine.
func (m *TouchkeyVibratoMapping) TriggerReceived(source node.Source, timestamp node.Timestamp) {
	v, ts, ok := m.filtered.Latest()
	if !ok {
		return
	}
	sign := 0
	if v > 0 {
		sign = 1
	} else if v < 0 {
		sign = -1
	}

	if m.lastSign != 0 && sign != 0 && sign != m.lastSign {
		// Zero crossing.
		if m.lastZeroCrossTs != 0 {
			m.lastZeroCrossInterval = ts - m.lastZeroCrossTs
		}
		m.lastZeroCrossTs = ts
		m.onZeroCrossing(ts)
	}
	if sign != 0 {
		m.lastSign = sign
	}

	if !m.haveFirstExtremum {
		if math.Abs(v) > 0 {
			m.firstExtremum = v
			m.firstExtremumTs = ts
			m.haveFirstExtremum = true
		}
		return
	}

	if m.state == VibratoInactive {
		if math.Abs(v) > vibratoExtremumRatio*math.Abs(m.firstExtremum) && sign != 0 && v*m.firstExtremum < 0 {
			if ts-m.firstExtremumTs <= vibratoExtremumTimeout {
				m.engageOnset(ts)
			}
		}
	}
}

func (m *TouchkeyVibratoMapping) onZeroCrossing(ts node.Timestamp) {
	switch m.state {
	case VibratoSwitchingOn:
		m.state = VibratoActive
	case VibratoActive:
		if m.lastZeroCrossInterval > 0 && m.lastZeroCrossInterval < vibratoZeroCrossTimeout {
			return
		}
	}
}

func (m *TouchkeyVibratoMapping) engageOnset(ts node.Timestamp) {
	dur := ts - m.firstExtremumTs
	m.rampDuration = clampTimestamp(dur, vibratoOnsetRampMin, vibratoOnsetRampMax)
	m.rampStart = ts
	m.state = VibratoSwitchingOn
}

func (m *TouchkeyVibratoMapping) release(ts node.Timestamp) {
	if m.lastZeroCrossInterval > 0 {
		m.rampDuration = clampTimestamp(m.lastZeroCrossInterval, vibratoOnsetRampMin, vibratoOnsetRampMax)
	}
	m.rampStart = ts
	m.state = VibratoSwitchingOff
}

// PerformMapping computes and emits the pitch-bend value for the current gesture phase; it checks
// for a sustained absence of zero crossings to trigger release, and self-paces while active.
func (m *TouchkeyVibratoMapping) PerformMapping() node.Timestamp {
	if m.state == VibratoInactive {
		return 0
	}
	v, ts, ok := m.filtered.Latest()
	if !ok {
		return 0
	}

	if m.state == VibratoActive && ts-m.lastZeroCrossTs > vibratoZeroCrossTimeout {
		m.release(ts)
	}

	var ramp float64 = 1
	if m.rampDuration > 0 {
		elapsed := ts - m.rampStart
		ramp = float64(elapsed) / float64(m.rampDuration)
		if ramp > 1 {
			ramp = 1
		}
		if ramp < 0 {
			ramp = 0
		}
	}
	if m.state == VibratoSwitchingOff {
		ramp = 1 - ramp
		if ramp <= 0 {
			m.state = VibratoInactive
			m.finished = true
		}
	}

	bendCents := vibratoRange * math.Tanh(vibratoPrescaler*vibratoScale*v) * ramp
	bendValue := 8192 + int(bendCents/float64(vibratoRange)*8191)
	if bendValue < 0 {
		bendValue = 0
	}
	if bendValue > 16383 {
		bendValue = 16383
	}
	if bendValue != m.lastBendValue {
		m.out.SendPitchBend(m.channel, bendValue)
		m.lastBendValue = bendValue
	}

	if m.state == VibratoInactive {
		return 0
	}
	return ts + node.Timestamp(5500)
}

func (m *TouchkeyVibratoMapping) RequestFinish() bool { return m.finished }

func clampTimestamp(v, lo, hi node.Timestamp) node.Timestamp {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
