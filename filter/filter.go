// Package filter implements Node-derived signal conditioning: IIR filters with auto and on-demand
// catch-up modes, and a fixed-window running accumulator used by idle detection.
package filter

import (
	"math"

	"github.com/touchkeys-core/touchkeys/logging"
	"github.com/touchkeys-core/touchkeys/node"
)

var log = logging.Get(logging.NODE)

// Mode selects how an IIRFilterNode advances relative to its upstream source.
type Mode int

const (
	// Auto recomputes and inserts a new output on every upstream insert.
	Auto Mode = iota
	// OnDemand only advances when Calculate is called explicitly.
	OnDemand
)

// IIRFilterNode is a Node[float64] that applies a direct-form-I biquad (or any order) IIR filter
// to an upstream Node[float64]. It maintains bounded x/y history equal to len(b)/len(a).
type IIRFilterNode struct {
	*node.Node[float64]

	upstream *node.Node[float64]
	mode     Mode

	b []float64 // feed-forward coefficients
	a []float64 // feed-back coefficients (a[0] is implicitly 1; stored coefficients are a[1:])

	x []float64 // x[n-1], x[n-2], ... most recent first
	y []float64 // y[n-1], y[n-2], ... most recent first

	lastProcessed int64 // last upstream logical index consumed
	haveProcessed bool
}

// NewIIRFilterNode constructs a filter with the given coefficients and upstream source. Capacity
// bounds the filter's own output Node. In Auto mode the filter subscribes to upstream immediately;
// in OnDemand mode the caller must invoke Calculate to advance it.
func NewIIRFilterNode(b, a []float64, upstream *node.Node[float64], capacity int, mode Mode) *IIRFilterNode {
	f := &IIRFilterNode{
		Node:     node.New[float64](capacity),
		upstream: upstream,
		mode:     mode,
		b:        append([]float64(nil), b...),
		a:        append([]float64(nil), a...),
		x:        make([]float64, len(b)),
		y:        make([]float64, len(a)),
	}
	if mode == Auto {
		upstream.AddDestination(f)
	}
	return f
}

// TriggerReceived implements node.Destination. In Auto mode every upstream insert produces exactly
// one filtered output.
func (f *IIRFilterNode) TriggerReceived(source node.Source, timestamp node.Timestamp) {
	if f.mode != Auto {
		return
	}
	v, ts, ok := f.upstream.Latest()
	if !ok {
		return
	}
	out := f.step(v)
	f.Insert(out, ts)
	f.lastProcessed = f.upstream.EndIndex() - 1
	f.haveProcessed = true
}

// step shifts the filter's x/y history and computes the next output sample.
func (f *IIRFilterNode) step(x0 float64) float64 {
	copy(f.x[1:], f.x[:len(f.x)-1])
	if len(f.x) > 0 {
		f.x[0] = x0
	}

	var out float64
	for i, bi := range f.b {
		out += bi * f.x[i]
	}
	for i, ai := range f.a {
		out -= ai * f.y[i]
	}

	copy(f.y[1:], f.y[:len(f.y)-1])
	if len(f.y) > 0 {
		f.y[0] = out
	}
	return out
}

// Calculate catches the filter up to the upstream's latest sample in OnDemand mode. If more than
// maxLookback upstream samples have elapsed since the last call, the filter's history is zeroed
// and catch-up restarts maxLookback samples behind the upstream's current end.
func (f *IIRFilterNode) Calculate(maxLookback int64) {
	if f.mode != OnDemand {
		return
	}
	end := f.upstream.EndIndex()
	if end == 0 {
		return
	}
	start := f.lastProcessed + 1
	if !f.haveProcessed || end-1-start > maxLookback {
		log.Debug("filter catch-up exceeded lookback, resetting history", "maxLookback", maxLookback)
		for i := range f.x {
			f.x[i] = 0
		}
		for i := range f.y {
			f.y[i] = 0
		}
		start = end - 1 - maxLookback
		if start < f.upstream.BeginIndex() {
			start = f.upstream.BeginIndex()
		}
	}
	for idx := start; idx < end; idx++ {
		v, ts, ok := f.upstream.AtIndex(idx)
		if !ok {
			continue
		}
		out := f.step(v)
		f.Insert(out, ts)
	}
	f.lastProcessed = end - 1
	f.haveProcessed = true
}

// Biquad coefficient designers. Given a center/cutoff frequency fc, quality factor q, and sample
// rate fs, each returns (b, a) in the convention consumed by NewIIRFilterNode: a excludes the
// implicit a0=1 term and b/a are already normalized by a0.

func biquadOmega(fc, fs float64) float64 {
	return math.Tan(math.Pi * fc / fs)
}

// Lowpass designs a second-order Butterworth-style lowpass biquad.
func Lowpass(fc, q, fs float64) (b, a []float64) {
	w := biquadOmega(fc, fs)
	w2 := w * w
	k := w / q
	a0 := 1 + k + w2
	b0 := w2 / a0
	return []float64{b0, 2 * b0, b0}, []float64{(2 * (w2 - 1)) / a0, (1 - k + w2) / a0}
}

// Highpass designs a second-order Butterworth-style highpass biquad.
func Highpass(fc, q, fs float64) (b, a []float64) {
	w := biquadOmega(fc, fs)
	w2 := w * w
	k := w / q
	a0 := 1 + k + w2
	b0 := 1 / a0
	return []float64{b0, -2 * b0, b0}, []float64{(2 * (w2 - 1)) / a0, (1 - k + w2) / a0}
}

// Bandpass designs a second-order bandpass biquad centered at fc with a constant 0 dB peak gain.
func Bandpass(fc, q, fs float64) (b, a []float64) {
	w := biquadOmega(fc, fs)
	w2 := w * w
	k := w / q
	a0 := 1 + k + w2
	b0 := k / a0
	return []float64{b0, 0, -b0}, []float64{(2 * (w2 - 1)) / a0, (1 - k + w2) / a0}
}

// Accumulator maintains the running sum of the last N samples inserted via Add, without requiring
// or recording timestamps. It reports how many of its last N slots are actually filled so callers
// can distinguish a warmed-up window from a partially filled one.
type Accumulator struct {
	window []float64
	n      int
	filled int
	pos    int
	sum    float64
}

// NewAccumulator returns an Accumulator over the last n samples. n must be positive.
func NewAccumulator(n int) *Accumulator {
	return &Accumulator{window: make([]float64, n), n: n}
}

// Add records a new sample, evicting the oldest once the window is full, and returns the updated
// (effectiveCount, sum) pair.
func (a *Accumulator) Add(v float64) (effectiveCount int, sum float64) {
	if a.filled < a.n {
		a.window[a.pos] = v
		a.sum += v
		a.filled++
	} else {
		a.sum += v - a.window[a.pos]
		a.window[a.pos] = v
	}
	a.pos = (a.pos + 1) % a.n
	return a.filled, a.sum
}

// Mean returns the running mean over the currently filled window, or (0, false) if empty.
func (a *Accumulator) Mean() (float64, bool) {
	if a.filled == 0 {
		return 0, false
	}
	return a.sum / float64(a.filled), true
}

// Reset clears all accumulated state.
func (a *Accumulator) Reset() {
	for i := range a.window {
		a.window[i] = 0
	}
	a.filled = 0
	a.pos = 0
	a.sum = 0
}

// Full reports whether the accumulator has seen at least N samples since construction or the last
// Reset.
func (a *Accumulator) Full() bool {
	return a.filled == a.n
}
