package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssignIDsMintsFreshIDsOnFirstFrame(t *testing.T) {
	prev := EmptyTouchFrame()
	next := EmptyTouchFrame()
	next.Count = 2
	next.Locs[0] = 0.2
	next.Locs[1] = 0.8

	assigned, nextID := assignIDs(prev, next, 0)
	assert.Equal(t, 0, assigned.IDs[0])
	assert.Equal(t, 1, assigned.IDs[1])
	assert.Equal(t, 2, nextID)
}

func TestAssignIDsPreservesIDAcrossFramesByNearestLocation(t *testing.T) {
	prev := EmptyTouchFrame()
	prev.Count = 1
	prev.Locs[0] = 0.5
	prev.IDs[0] = 7

	next := EmptyTouchFrame()
	next.Count = 1
	next.Locs[0] = 0.52

	assigned, nextID := assignIDs(prev, next, 8)
	assert.Equal(t, 7, assigned.IDs[0])
	assert.Equal(t, 8, nextID, "no new IDs should be minted when every touch matches")
}

func TestAssignIDsMintsNewIDForAnAddedTouch(t *testing.T) {
	prev := EmptyTouchFrame()
	prev.Count = 1
	prev.Locs[0] = 0.5
	prev.IDs[0] = 3

	next := EmptyTouchFrame()
	next.Count = 2
	next.Locs[0] = 0.51
	next.Locs[1] = 0.9

	assigned, nextID := assignIDs(prev, next, 4)
	assert.Equal(t, 3, assigned.IDs[0])
	assert.Equal(t, 4, assigned.IDs[1])
	assert.Equal(t, 5, nextID)
}
