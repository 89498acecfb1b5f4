package key

import "math"

// MaxTouches is the number of simultaneous touches a single key's sensor strip can report.
const MaxTouches = 3

// KeyTouchFrame holds one frame of raw touch data plus the stable IDs PianoKey assigns to match
// touches across frames.
type KeyTouchFrame struct {
	Count int
	IDs   [MaxTouches]int
	Locs  [MaxTouches]float64 // vertical location, 0..1
	Sizes [MaxTouches]float64 // contact area
	LocH  float64             // horizontal location (white keys only); -1 if not applicable
	White bool
}

// EmptyTouchFrame returns a frame reporting zero touches.
func EmptyTouchFrame() KeyTouchFrame {
	f := KeyTouchFrame{LocH: -1}
	for i := range f.IDs {
		f.IDs[i] = -1
		f.Locs[i] = -1
	}
	return f
}

// Horizontal returns the horizontal location for touch index, or -1 if out of range.
func (f KeyTouchFrame) Horizontal(index int) float64 {
	if index < 0 || index >= f.Count || index >= MaxTouches {
		return -1
	}
	return f.LocH
}

// assignIDs matches next's touches against prev's by nearest vertical-location neighbour, claiming
// pairs greedily in order of increasing distance (see bestAssignment; the matching does not search
// for the lowest total-distance assignment), reusing prev's IDs where a match is found and minting
// fresh IDs via nextID otherwise. Returns the updated frame and next free ID.
func assignIDs(prev, next KeyTouchFrame, nextID int) (KeyTouchFrame, int) {
	if prev.Count == 0 {
		for i := 0; i < next.Count; i++ {
			next.IDs[i] = nextID
			nextID++
		}
		return next, nextID
	}

	usedPrev := make([]bool, prev.Count)
	assignment := bestAssignment(prev, next, usedPrev)

	for i := 0; i < next.Count; i++ {
		if j := assignment[i]; j >= 0 {
			next.IDs[i] = prev.IDs[j]
		} else {
			next.IDs[i] = nextID
			nextID++
		}
	}
	return next, nextID
}

// bestAssignment finds, for each of next's touches, the previous touch with the nearest location
// that hasn't already been claimed by a closer match. This is a small brute-force search since
// count is bounded by MaxTouches.
func bestAssignment(prev, next KeyTouchFrame, usedPrev []bool) []int {
	assignment := make([]int, next.Count)
	for i := range assignment {
		assignment[i] = -1
	}

	type candidate struct {
		nextIdx, prevIdx int
		dist             float64
	}
	var candidates []candidate
	for i := 0; i < next.Count; i++ {
		for j := 0; j < prev.Count; j++ {
			candidates = append(candidates, candidate{i, j, math.Abs(next.Locs[i] - prev.Locs[j])})
		}
	}
	for {
		bestIdx := -1
		for i, c := range candidates {
			if assignment[c.nextIdx] != -1 || usedPrev[c.prevIdx] {
				continue
			}
			if bestIdx == -1 || c.dist < candidates[bestIdx].dist {
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		c := candidates[bestIdx]
		assignment[c.nextIdx] = c.prevIdx
		usedPrev[c.prevIdx] = true
	}
	return assignment
}
