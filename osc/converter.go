package osc

import (
	"sync"

	"github.com/hypebeast/go-osc/osc"
)

// RangePolicy governs what happens when a summed contribution falls outside [min, max].
type RangePolicy int

const (
	PolicyClip RangePolicy = iota
	PolicyIgnore
	PolicyExtrapolate
)

// BitDepth selects 7-bit (single CC) or 14-bit (MSB/LSB CC pair) MIDI controller resolution.
type BitDepth int

const (
	Bits7 BitDepth = iota
	Bits14
)

// PitchWheelController is a sentinel controller id meaning "pitch wheel" rather than a 0-127 CC
// number, since pitch bend is always a dedicated 14-bit MIDI message rather than a CC pair.
const PitchWheelController = -1

// MidiSink is the outbound surface OscMidiConverter retransmits its summed value through.
type MidiSink interface {
	SendControlChange(controller, value, channel int)
	SendPitchBend(channel, value int)
}

type contributionKey struct {
	channel int
	inputID string
}

const ccPassthroughInputID = "__cc_passthrough__"

// OscMidiConverter is one per (segment, controller): it sums named OSC input contributions (and
// optionally an inbound physical CC) into a single normalized value per channel, maps that into a
// MIDI controller value under the configured range/bit-depth/out-of-range policy, and deduplicates
// against the last value it actually emitted. It is reference-counted across the inputs currently
// bound to it: each AddInput release function removes its own input's handler at once, and the
// last one to release also removes every dispatcher registration for owner.
type OscMidiConverter struct {
	mu sync.Mutex

	out   MidiSink
	disp  *PathDispatcher
	owner string

	controller                    int
	min, max, center, defaultVal  float64
	bitDepth                      BitDepth
	policy                        RangePolicy
	ccPassthroughEnabled          bool
	ccPassthroughCenter           float64

	refCount int

	lastContribution map[contributionKey]float64
	current          map[int]float64
	lastOutput       map[int]int
}

// NewOscMidiConverter constructs a converter retransmitting through out, registering its OSC input
// handlers on disp under owner (a unique tag so RemoveOwner/reference-count teardown only affects
// this converter's own registrations). Default range is [0, 1] at 7-bit resolution with clipping.
func NewOscMidiConverter(out MidiSink, disp *PathDispatcher, owner string, controller int) *OscMidiConverter {
	return &OscMidiConverter{
		out:              out,
		disp:             disp,
		owner:            owner,
		controller:       controller,
		min:              0,
		max:              1,
		lastContribution: make(map[contributionKey]float64),
		current:          make(map[int]float64),
		lastOutput:       make(map[int]int),
	}
}

// SetRange configures the normalized input range and its center/default values.
func (c *OscMidiConverter) SetRange(min, max, center, defaultVal float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.min, c.max, c.center, c.defaultVal = min, max, center, defaultVal
}

// SetBitDepth selects 7 or 14-bit output resolution.
func (c *OscMidiConverter) SetBitDepth(b BitDepth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bitDepth = b
}

// SetOutOfRangePolicy selects how a summed value outside [min, max] is handled.
func (c *OscMidiConverter) SetOutOfRangePolicy(p RangePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

// EnableControlChangePassthrough arranges for IngestControlChange to contribute to the sum like any
// other input, normalized around center so a centered physical controller contributes zero.
func (c *OscMidiConverter) EnableControlChangePassthrough(center float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ccPassthroughEnabled = true
	c.ccPassthroughCenter = center
}

// AddInput registers address as a contributing OSC input for channel, identified among this
// converter's other inputs by inputID. The returned release function must be called exactly once;
// it removes this input's handler, and when every AddInput caller has released it also removes the
// remaining dispatcher registrations for owner.
func (c *OscMidiConverter) AddInput(channel int, inputID, address string) func() {
	c.mu.Lock()
	c.refCount++
	c.mu.Unlock()

	unregister := c.disp.AddOwnedMsgHandler(c.owner, address, func(msg *osc.Message) {
		if len(msg.Arguments) == 0 {
			return
		}
		v, ok := toFloat(msg.Arguments[0])
		if !ok {
			return
		}
		c.updateContribution(channel, inputID, v)
	})

	released := false
	return func() {
		if released {
			return
		}
		released = true
		unregister()
		c.mu.Lock()
		c.refCount--
		remaining := c.refCount
		c.mu.Unlock()
		if remaining <= 0 {
			c.disp.RemoveOwner(c.owner)
		}
	}
}

// IngestControlChange feeds an inbound physical MIDI CC value (0-127) into the sum as one named
// input, if control-change passthrough is enabled; it is a no-op otherwise.
func (c *OscMidiConverter) IngestControlChange(channel, ccValue int) {
	c.mu.Lock()
	enabled := c.ccPassthroughEnabled
	center := c.ccPassthroughCenter
	span := c.max - c.min
	minV := c.min
	c.mu.Unlock()
	if !enabled {
		return
	}
	normalized := minV + (float64(ccValue)/127.0)*span - center
	c.updateContribution(channel, ccPassthroughInputID, normalized)
}

func (c *OscMidiConverter) updateContribution(channel int, inputID string, v float64) {
	c.mu.Lock()
	key := contributionKey{channel, inputID}
	prev := c.lastContribution[key]
	c.lastContribution[key] = v
	c.current[channel] = c.current[channel] - prev + v
	sum := c.current[channel]
	out, changed := c.computeOutputLocked(channel, sum)
	c.mu.Unlock()
	if changed {
		c.emit(channel, out)
	}
}

func (c *OscMidiConverter) computeOutputLocked(channel int, sum float64) (int, bool) {
	normalized := sum
	switch c.policy {
	case PolicyClip:
		if normalized < c.min {
			normalized = c.min
		}
		if normalized > c.max {
			normalized = c.max
		}
	case PolicyIgnore:
		if normalized < c.min || normalized > c.max {
			return 0, false
		}
	case PolicyExtrapolate:
		// No clamping: callers that configure this accept wire values outside the nominal range.
	}

	span := c.max - c.min
	if span == 0 {
		span = 1
	}
	frac := (normalized - c.min) / span

	maxVal := 127
	if c.bitDepth == Bits14 {
		maxVal = 16383
	}
	scaled := int(frac*float64(maxVal) + 0.5)
	if scaled < 0 {
		scaled = 0
	}
	if scaled > maxVal {
		scaled = maxVal
	}

	if last, ok := c.lastOutput[channel]; ok && last == scaled {
		return scaled, false
	}
	c.lastOutput[channel] = scaled
	return scaled, true
}

func (c *OscMidiConverter) emit(channel, value int) {
	if c.controller == PitchWheelController {
		centered := value
		if c.bitDepth != Bits14 {
			centered = value * 16383 / 127
		}
		c.out.SendPitchBend(channel, centered)
		return
	}
	if c.bitDepth == Bits14 {
		msb := value >> 7
		lsb := value & 0x7f
		c.out.SendControlChange(c.controller, msb, channel)
		c.out.SendControlChange(c.controller+32, lsb, channel)
		return
	}
	c.out.SendControlChange(c.controller, value, channel)
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	default:
		return 0, false
	}
}
