// Package mapping implements the per-note Mapping capability interface, its preemptive scheduler,
// and the concrete mappings that convert fused touch/position/MIDI data into outbound MIDI and OSC
// events.
package mapping

import (
	"github.com/touchkeys-core/touchkeys/logging"
	"github.com/touchkeys-core/touchkeys/node"
)

var log = logging.Get(logging.MAPPING)

// Kind tags a concrete Mapping variant so a factory can recover type identity for preset save/load
// without relying on a type hierarchy.
type Kind int

const (
	KindMIDIKeyPosition Kind = iota
	KindMRP
	KindTouchkeyVibrato
	KindTouchkeyOnsetAngle
	KindTouchkeyMultiFingerTrigger
)

func (k Kind) String() string {
	switch k {
	case KindMIDIKeyPosition:
		return "midi-key-position"
	case KindMRP:
		return "mrp"
	case KindTouchkeyVibrato:
		return "touchkey-vibrato"
	case KindTouchkeyOnsetAngle:
		return "touchkey-onset-angle"
	case KindTouchkeyMultiFingerTrigger:
		return "touchkey-multi-finger-trigger"
	default:
		return "unknown"
	}
}

// Mapping is the capability interface every concrete mapping implements, replacing the deep
// inheritance hierarchy (Mapping / TouchkeyBaseMapping / concrete mapping) of the original with a
// flat set of methods plus a Kind tag for factories that need type identity.
type Mapping interface {
	// Kind identifies the concrete variant for preset save/load.
	Kind() Kind
	// Engage begins receiving triggers and scheduled work.
	Engage()
	// Disengage stops receiving triggers; safe to call more than once.
	Disengage()
	// Reset clears internal state without disengaging.
	Reset()
	// TriggerReceived implements node.Destination so a mapping can subscribe directly to a Node.
	TriggerReceived(source node.Source, timestamp node.Timestamp)
	// PerformMapping runs one scheduled step and returns the next timestamp at which it should
	// run again, or 0 to not reschedule.
	PerformMapping() node.Timestamp
	// RequestFinish reports whether the mapping believes its work is done and it may be destroyed.
	RequestFinish() bool
}
