package node

// Numeric is the set of element types Interpolated can blend between.
type Numeric interface {
	~float64 | ~float32 | ~int | ~int32 | ~int64
}

// Interpolated reads Node n at fractional logical index idx, linearly blending the two nearest
// samples. An integer idx returns that sample's value exactly. Indices before BeginIndex clamp to
// the earliest sample; indices at or past EndIndex-1 clamp to the latest sample.
func Interpolated[T Numeric](n *Node[T], idx float64) (float64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.count == 0 {
		return 0, false
	}
	lastIdx := n.end - 1
	if idx <= float64(n.begin) {
		v, _, _ := n.atLocked(n.begin)
		return float64(v), true
	}
	if idx >= float64(lastIdx) {
		v, _, _ := n.atLocked(lastIdx)
		return float64(v), true
	}
	lo := int64(idx)
	frac := idx - float64(lo)
	a, _, _ := n.atLocked(lo)
	if frac == 0 {
		return float64(a), true
	}
	b, _, _ := n.atLocked(lo + 1)
	return (1-frac)*float64(a) + frac*float64(b), true
}
