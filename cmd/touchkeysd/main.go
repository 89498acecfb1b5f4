// Command touchkeysd runs the TouchKeys core standalone: it opens a MIDI port and an OSC
// control/event endpoint, wires them into a keyboard.PianoKeyboard with one or more segments, and
// runs until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goosc "github.com/hypebeast/go-osc/osc"
	midi "gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // autoregisters driver

	"github.com/spf13/cobra"

	"github.com/touchkeys-core/touchkeys/devices"
	"github.com/touchkeys-core/touchkeys/keyboard"
	"github.com/touchkeys-core/touchkeys/mapping"
	"github.com/touchkeys-core/touchkeys/node"
	"github.com/touchkeys-core/touchkeys/osc"
	"github.com/touchkeys-core/touchkeys/scheduler"
	"github.com/touchkeys-core/touchkeys/segment"
)

var (
	midiInName  string
	midiOutName string
	oscListenIP string
	oscListenPort int
	oscSendIP   string
	oscSendPort int
	noteMin     int
	noteMax     int
	polyphony   int
	outputChannelLowest int
	bufferCapacity int
)

var rootCmd = &cobra.Command{
	Use:   "touchkeysd",
	Short: "Fuse multi-touch key-position sensing with MIDI into continuous-gesture mappings",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&midiInName, "midi-in", "", "MIDI input port name substring (required)")
	flags.StringVar(&midiOutName, "midi-out", "", "MIDI output port name substring (required)")
	flags.StringVar(&oscListenIP, "osc-listen-ip", "0.0.0.0", "OSC inbound bind address")
	flags.IntVar(&oscListenPort, "osc-listen-port", 9120, "OSC inbound port")
	flags.StringVar(&oscSendIP, "osc-send-ip", "127.0.0.1", "OSC outbound destination address")
	flags.IntVar(&oscSendPort, "osc-send-port", 9121, "OSC outbound destination port")
	flags.IntVar(&noteMin, "note-min", 0, "lowest MIDI note this segment accepts")
	flags.IntVar(&noteMax, "note-max", 127, "highest MIDI note this segment accepts")
	flags.IntVar(&polyphony, "polyphony", 8, "retransmitMaxPolyphony for the default Polyphonic segment")
	flags.IntVar(&outputChannelLowest, "output-channel-lowest", 1, "lowest output MIDI channel the segment allocates from")
	flags.IntVar(&bufferCapacity, "buffer-capacity", 512, "per-key Node ring-buffer capacity")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	defer midi.CloseDriver()

	in, err := midi.FindInPort(midiInName)
	if err != nil {
		return fmt.Errorf("find MIDI input port %q: %w", midiInName, err)
	}
	out, err := midi.FindOutPort(midiOutName)
	if err != nil {
		return fmt.Errorf("find MIDI output port %q: %w", midiOutName, err)
	}

	midiDevice := devices.NewMidiDevice(in, out)

	dispatcher := osc.NewPathDispatcher()
	oscDevice := devices.NewOscDevice(oscSendIP, oscSendPort, oscListenIP, oscListenPort, dispatcher)

	sched := scheduler.New()
	sched.Start(0)
	defer sched.Stop()

	mappingSched := mapping.NewMappingScheduler(sched.CurrentTimestamp)
	defer mappingSched.Stop()

	kb := keyboard.New(sched, bufferCapacity, node.Timestamp(10_000))

	// seg is assigned below; the builder closure only runs on a later note-on/touch event, by
	// which point seg is set, so capturing it before assignment is safe.
	var seg *segment.Segment
	factory := mapping.NewFactory(mappingSched, func(note int) mapping.Mapping {
		return mapping.NewMIDIKeyPositionMapping(seg, kb.Key(note).Tracker, kb.Key(note).Position, note)
	})
	defer factory.Close()

	seg = segment.New(midiDevice, factory, segment.Config{
		NoteMin:                noteMin,
		NoteMax:                noteMax,
		OutputChannelLowest:    outputChannelLowest,
		RetransmitMaxPolyphony: polyphony,
		DamperPedalEnabled:     true,
		UseVoiceStealing:       true,
	})
	seg.SetChannelMask(0xFFFF)
	seg.SetMode(segment.Polyphonic)
	kb.AddSegment(seg)

	registerOscControl(dispatcher, seg)
	registerMidiBindings(midiDevice, kb)

	midiDevice.Run()
	if err := oscDevice.Run(); err != nil {
		return fmt.Errorf("start OSC server: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}

// registerMidiBindings wires every (channel, note) combination this process cares about into the
// keyboard orchestrator; a segment's own note-range/channel-mask filtering decides whether the
// event actually does anything once it reaches PianoKeyboard.
func registerMidiBindings(d *devices.MidiDevice, kb *keyboard.PianoKeyboard) {
	for channel := uint8(0); channel < 16; channel++ {
		for key := uint8(0); key < 128; key++ {
			ch, k := int(channel)+1, int(key)
			ep := d.Note(channel, key)
			ep.On.Bind(func(velocity uint8) error {
				kb.HandleMidiNoteOn(k, int(velocity), ch, true, sched0())
				return nil
			})
			ep.Off.Bind(func() error {
				kb.HandleMidiNoteOff(k, ch, sched0())
				return nil
			})
		}
		cc := channel
		d.CC(cc, 64).Bind(func(value uint8) error {
			kb.HandleControlChange(64, int(value), int(cc)+1)
			return nil
		})
	}
}

// sched0 stands in for a shared virtual-clock read until the MIDI driver thread is given direct
// access to the scheduler's CurrentTimestamp (the binder closures above are registered before the
// keyboard is fully wired to one clock source).
func sched0() node.Timestamp { return 0 }

// registerOscControl binds the subset of the inbound OSC control surface (spec §6) this command
// implements: bypass, mode, note-range and transposition changes against the one default segment.
func registerOscControl(d *osc.PathDispatcher, seg *segment.Segment) {
	d.AddMsgHandler("/set-bypass", func(m *goosc.Message) {
		if v, ok := firstInt(m); ok {
			seg.SetBypassed(v != 0)
		}
	})
	d.AddMsgHandler("/set-range", func(m *goosc.Message) {
		if len(m.Arguments) >= 2 {
			lo, loOK := toInt(m.Arguments[0])
			hi, hiOK := toInt(m.Arguments[1])
			if loOK && hiOK {
				seg.SetNoteRange(lo, hi)
			}
		}
	})
	d.AddMsgHandler("/set-transpose", func(m *goosc.Message) {
		if v, ok := firstInt(m); ok {
			seg.SetTransposition(v)
		}
	})
	d.AddMsgHandler("/set-midi-mode", func(m *goosc.Message) {
		if len(m.Arguments) == 0 {
			return
		}
		s, ok := m.Arguments[0].(string)
		if !ok {
			return
		}
		switch s {
		case "off":
			seg.SetMode(segment.Off)
		case "pass":
			seg.SetMode(segment.PassThrough)
		case "mono":
			seg.SetMode(segment.Monophonic)
		case "poly":
			seg.SetMode(segment.Polyphonic)
		case "mpe":
			seg.SetMode(segment.MPE)
		}
	})
}

func firstInt(m *goosc.Message) (int, bool) {
	if len(m.Arguments) == 0 {
		return 0, false
	}
	return toInt(m.Arguments[0])
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
