package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touchkeys-core/touchkeys/node"
)

func TestAutoFilterProducesOneOutputPerUpstreamInsert(t *testing.T) {
	upstream := node.New[float64](32)
	b, a := Lowpass(15, 0.707, 1000)
	f := NewIIRFilterNode(b, a, upstream, 32, Auto)

	for i := 0; i < 10; i++ {
		upstream.Insert(1.0, node.Timestamp(i))
	}
	assert.Equal(t, 10, f.Size())
}

func TestAutoFilterStepRespondsToImpulse(t *testing.T) {
	upstream := node.New[float64](32)
	b, a := Lowpass(15, 0.707, 1000)
	f := NewIIRFilterNode(b, a, upstream, 32, Auto)

	upstream.Insert(1.0, 0)
	v, _, ok := f.Latest()
	require.True(t, ok)
	assert.Greater(t, v, 0.0)

	for i := 1; i < 100; i++ {
		upstream.Insert(0.0, node.Timestamp(i))
	}
	v, _, ok = f.Latest()
	require.True(t, ok)
	assert.Less(t, v, 0.01, "impulse response should have decayed")
}

func TestOnDemandFilterDoesNotAdvanceWithoutCalculate(t *testing.T) {
	upstream := node.New[float64](32)
	b, a := Lowpass(15, 0.707, 1000)
	f := NewIIRFilterNode(b, a, upstream, 32, OnDemand)

	upstream.Insert(1.0, 0)
	upstream.Insert(2.0, 1)
	assert.Equal(t, 0, f.Size())

	f.Calculate(100)
	assert.Equal(t, 2, f.Size())
}

func TestOnDemandFilterResetsHistoryBeyondMaxLookback(t *testing.T) {
	upstream := node.New[float64](256)
	b, a := Lowpass(15, 0.707, 1000)
	f := NewIIRFilterNode(b, a, upstream, 256, OnDemand)

	for i := 0; i < 50; i++ {
		upstream.Insert(1.0, node.Timestamp(i))
	}
	f.Calculate(5)
	assert.LessOrEqual(t, f.Size(), 6)
}

func TestAccumulatorReportsEffectiveCountBelowN(t *testing.T) {
	a := NewAccumulator(4)
	_, sum := a.Add(1)
	assert.Equal(t, 1.0, sum)
	c, sum := a.Add(2)
	assert.Equal(t, 2, c)
	assert.Equal(t, 3.0, sum)
	assert.False(t, a.Full())
}

func TestAccumulatorEvictsOldestOnceFull(t *testing.T) {
	a := NewAccumulator(3)
	a.Add(1)
	a.Add(2)
	a.Add(3)
	require.True(t, a.Full())
	c, sum := a.Add(4)
	assert.Equal(t, 3, c)
	assert.Equal(t, 9.0, sum) // 2+3+4, the 1 evicted

	mean, ok := a.Mean()
	require.True(t, ok)
	assert.InDelta(t, 3.0, mean, 1e-9)
}

func TestAccumulatorResetClearsState(t *testing.T) {
	a := NewAccumulator(2)
	a.Add(5)
	a.Add(6)
	a.Reset()
	_, ok := a.Mean()
	assert.False(t, ok)
	assert.False(t, a.Full())
}
