package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touchkeys-core/touchkeys/node"
)

func TestTrackerEngageSubscribesAndDisengageResets(t *testing.T) {
	pos := node.New[float64](256)
	tr := NewKeyPositionTracker(pos, 64)
	tr.Engage()
	require.True(t, tr.Engaged())

	pos.Insert(0.1, 0)
	assert.NotEqual(t, Unknown, tr.CurrentState())

	tr.Disengage()
	assert.False(t, tr.Engaged())
	assert.Equal(t, Unknown, tr.CurrentState())

	pos.Insert(0.9, 1)
	assert.Equal(t, Unknown, tr.CurrentState(), "a disengaged tracker must not react to further inserts")
}

func TestTrackerTransitionsFromUnknownToDown(t *testing.T) {
	pos := node.New[float64](256)
	tr := NewKeyPositionTracker(pos, 64)
	tr.Engage()

	ts := node.Timestamp(0)
	insert := func(p float64) {
		pos.Insert(p, ts)
		ts += 1000
	}

	// Rest.
	for i := 0; i < 5; i++ {
		insert(0.0)
	}
	assert.Equal(t, Unknown, tr.CurrentState())

	// Ramp up past the partial-press threshold.
	insert(0.1)
	assert.Equal(t, PartialPressAwaitingMax, tr.CurrentState())

	for p := 0.2; p < 0.75; p += 0.1 {
		insert(p)
	}
	insert(0.8)
	assert.Equal(t, PressInProgress, tr.CurrentState())

	// Position stabilizes above the press threshold -> Down.
	insert(0.8)
	assert.Equal(t, Down, tr.CurrentState())

	insert(0.5)
	assert.Equal(t, ReleaseInProgress, tr.CurrentState())

	insert(0.1)
	assert.Equal(t, ReleaseFinished, tr.CurrentState())
}

func TestTrackerStateNeverRegressesExceptViaDisengage(t *testing.T) {
	pos := node.New[float64](256)
	tr := NewKeyPositionTracker(pos, 64)
	tr.Engage()

	ts := node.Timestamp(0)
	states := []TrackerState{}
	for _, p := range []float64{0.0, 0.1, 0.5, 0.8, 0.8, 0.5, 0.1} {
		pos.Insert(p, ts)
		ts += 1000
		states = append(states, tr.CurrentState())
	}
	// Non-decreasing in the defined sequence order, excluding the partial-press internal flip.
	for i := 1; i < len(states); i++ {
		if states[i-1] == PartialPressFoundMax && states[i] == PartialPressAwaitingMax {
			continue
		}
		assert.GreaterOrEqual(t, int(states[i]), int(states[i-1]), "state regressed at sample %d", i)
	}
	assert.Equal(t, ReleaseFinished, states[len(states)-1])
}

func TestPressVelocityBecomesAvailableAfterEscapement(t *testing.T) {
	pos := node.New[float64](256)
	tr := NewKeyPositionTracker(pos, 64)
	tr.Engage()

	ts := node.Timestamp(0)
	insert := func(p float64) {
		pos.Insert(p, ts)
		ts += 1000
	}
	for _, p := range []float64{0.0, 0.1, 0.3, 0.5, 0.65, 0.7, 0.8} {
		insert(p)
	}
	v, _, ok := tr.PressVelocity()
	if ok {
		assert.Greater(t, v, 0.0)
	}
}
