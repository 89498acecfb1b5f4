// Package key implements per-key continuous position tracking: idle detection, the press/release
// state machine and derived velocity/percussiveness features, and the PianoKey façade that fuses
// MIDI and touch events.
package key

import (
	"math"

	"github.com/touchkeys-core/touchkeys/filter"
	"github.com/touchkeys-core/touchkeys/logging"
	"github.com/touchkeys-core/touchkeys/node"
)

var log = logging.Get(logging.TRACKER)

// IdleState is the output alphabet of KeyIdleDetector.
type IdleState int

const (
	Idle IdleState = iota
	Active
	IdleUnknown
)

// Default thresholds, calibrated for normalized position [0,1].
const (
	DefaultIdleNumSamples      = 10
	DefaultIdleThreshold       = 0.05
	DefaultIdleActivityThresh  = 0.02
	DefaultIdleCounterThresh   = 3
	DefaultIdlePositionThresh  = 0.05
)

// KeyIdleDetector subscribes to a raw position Node and latches Idle/Active state based on the
// mean of the last N samples, with hysteresis requiring counterThreshold consecutive flat samples
// before returning to idle from active.
type KeyIdleDetector struct {
	*node.Node[IdleState]

	position *node.Node[float64]
	acc      *filter.Accumulator

	positionThreshold float64 // position below which the key is considered at rest
	activityThreshold float64 // mean-abs-deviation below which a sample is "flat"
	counterThreshold  int

	state        IdleState
	flatCounter  int
}

// NewKeyIdleDetector constructs a detector over position with the given thresholds and subscribes
// to it immediately.
func NewKeyIdleDetector(position *node.Node[float64], numSamples int, positionThreshold, activityThreshold float64, counterThreshold int) *KeyIdleDetector {
	d := &KeyIdleDetector{
		Node:              node.New[IdleState](64),
		position:          position,
		acc:               filter.NewAccumulator(numSamples),
		positionThreshold: positionThreshold,
		activityThreshold: activityThreshold,
		counterThreshold:  counterThreshold,
		state:             IdleUnknown,
	}
	position.AddDestination(d)
	return d
}

// State returns the detector's current latched state.
func (d *KeyIdleDetector) State() IdleState {
	return d.state
}

// TriggerReceived implements node.Destination.
func (d *KeyIdleDetector) TriggerReceived(source node.Source, timestamp node.Timestamp) {
	v, _, ok := d.position.Latest()
	if !ok {
		return
	}
	count, sum := d.acc.Add(v)
	if !d.acc.Full() {
		return
	}
	mean := sum / float64(count)

	// Mean absolute deviation of the window (the last count position samples) from its mean.
	var deviation float64
	end := d.position.EndIndex()
	for i := end - int64(count); i < end; i++ {
		if s, _, ok := d.position.AtIndex(i); ok {
			deviation += math.Abs(s - mean)
		}
	}
	deviation /= float64(count)
	flat := deviation < d.activityThreshold

	switch d.state {
	case Idle, IdleUnknown:
		if mean >= d.positionThreshold {
			d.latch(Active, timestamp)
		} else {
			d.latch(Idle, timestamp)
		}
	case Active:
		if flat {
			d.flatCounter++
			if d.flatCounter >= d.counterThreshold && mean < d.positionThreshold {
				d.latch(Idle, timestamp)
			}
		} else {
			d.flatCounter = 0
		}
	}
}

func (d *KeyIdleDetector) latch(s IdleState, timestamp node.Timestamp) {
	if s == d.state {
		return
	}
	d.state = s
	d.flatCounter = 0
	d.Insert(s, timestamp)
	log.Debug("idle state changed", "state", s, "timestamp", timestamp)
}

// Clear resets accumulated history and returns the detector to Unknown without emitting a
// notification; matches the buffer-clear semantics of the underlying Node.
func (d *KeyIdleDetector) Clear() {
	d.acc.Reset()
	d.state = IdleUnknown
	d.flatCounter = 0
	d.Node.Clear()
}
