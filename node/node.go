// Package node implements the timestamped ring buffer that is the data-plane primitive of the
// system: every touch frame, position sample, and derived event flows through a Node.
package node

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// Timestamp is a scalar clock value. The canonical unit is microseconds on the scheduler's
// virtual clock (see package scheduler), but Node itself is unit-agnostic.
type Timestamp int64

// Missing is the reserved sentinel returned alongside a zero value when a read has no data to
// return (empty buffer, index out of range).
const Missing Timestamp = math.MinInt64

// IsMissing reports whether t is the reserved sentinel.
func (t Timestamp) IsMissing() bool { return t == Missing }

var nextSourceID uint64

func newSourceID() uint64 { return atomic.AddUint64(&nextSourceID, 1) }

// Source identifies a trigger source to its destinations. *Node[T] is the only implementation in
// this package; it exists so a Destination subscribed to several Nodes of different element types
// can tell which one fired without type-switching on every concrete Node instantiation.
type Source interface {
	SourceID() uint64
}

// Destination receives a push notification each time its subscribed Source gains a new sample.
// Implementations must do minimal, non-blocking work here: the call happens synchronously on
// whatever thread called Insert (§5 of the design: T_midi, T_touch, or a filter's own producer
// thread).
type Destination interface {
	TriggerReceived(source Source, timestamp Timestamp)
}

type sample[T any] struct {
	timestamp Timestamp
	value     T
}

// Node is a bounded, ordered sequence of (index, timestamp, value) samples with push-notification
// fan-out to subscribed destinations. Indices increase monotonically over the Node's lifetime;
// only the most recent Capacity indices are physically retained.
type Node[T any] struct {
	id uint64

	mu       sync.Mutex
	capacity int
	data     []T
	ts       []Timestamp
	head     int   // physical slot of the oldest retained sample
	count    int   // number of retained samples, 0 <= count <= capacity
	begin    int64 // logical index of the oldest retained sample
	end      int64 // logical index one past the newest sample

	triggerMu     sync.Mutex
	active        map[Destination]struct{}
	pendingAdd    map[Destination]struct{}
	pendingRemove map[Destination]struct{}
	snapshot      []Destination
	snapshotDirty bool
}

// New returns a Node with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Node[T] {
	if capacity <= 0 {
		panic("node: capacity must be positive")
	}
	return &Node[T]{
		id:            newSourceID(),
		capacity:      capacity,
		data:          make([]T, capacity),
		ts:            make([]Timestamp, capacity),
		active:        make(map[Destination]struct{}),
		pendingAdd:    make(map[Destination]struct{}),
		pendingRemove: make(map[Destination]struct{}),
		snapshotDirty: true,
	}
}

// SourceID implements Source.
func (n *Node[T]) SourceID() uint64 { return n.id }

// Capacity returns the fixed physical capacity of the ring buffer.
func (n *Node[T]) Capacity() int { return n.capacity }

// BeginIndex returns the logical index of the oldest retained sample.
func (n *Node[T]) BeginIndex() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.begin
}

// EndIndex returns the logical index one past the newest sample.
func (n *Node[T]) EndIndex() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.end
}

// Size returns the number of samples currently retained (min(capacity, inserts so far)).
func (n *Node[T]) Size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

func (n *Node[T]) physicalPos(i int64) int {
	offset := int(i - n.begin)
	return (n.head + offset) % n.capacity
}

// Insert appends value at the next logical index with the given timestamp, evicting the oldest
// sample if the buffer is full, then synchronously notifies every currently-registered
// destination exactly once. Timestamps should be non-decreasing across calls; Insert does not
// enforce this (a producer thread is expected to own ordering for its own Node).
func (n *Node[T]) Insert(value T, timestamp Timestamp) {
	n.mu.Lock()
	var pos int
	if n.count < n.capacity {
		pos = (n.head + n.count) % n.capacity
		n.count++
	} else {
		pos = n.head
		n.head = (n.head + 1) % n.capacity
		n.begin++
	}
	n.data[pos] = value
	n.ts[pos] = timestamp
	n.end++
	n.mu.Unlock()

	n.dispatch(timestamp)
}

// Clear empties the buffer's data without unsubscribing any destination.
func (n *Node[T]) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.head = 0
	n.count = 0
	n.begin = n.end
}

func (n *Node[T]) atLocked(i int64) (T, Timestamp, bool) {
	if i < n.begin || i >= n.end {
		var zero T
		return zero, Missing, false
	}
	pos := n.physicalPos(i)
	return n.data[pos], n.ts[pos], true
}

// AtIndex returns the sample at logical index i, or the zero value and ok=false if i is outside
// [BeginIndex, EndIndex).
func (n *Node[T]) AtIndex(i int64) (value T, timestamp Timestamp, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.atLocked(i)
}

// Latest returns the most recently inserted sample.
func (n *Node[T]) Latest() (value T, timestamp Timestamp, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.count == 0 {
		var zero T
		return zero, Missing, false
	}
	return n.atLocked(n.end - 1)
}

// Earliest returns the oldest retained sample.
func (n *Node[T]) Earliest() (value T, timestamp Timestamp, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.count == 0 {
		var zero T
		return zero, Missing, false
	}
	return n.atLocked(n.begin)
}

// searchLocked returns the first logical index i in [begin,end) such that timestamp(i) >= t,
// along with true; if no such index exists it returns end, false.
func (n *Node[T]) searchLocked(t Timestamp) (int64, bool) {
	if n.count == 0 {
		return n.end, false
	}
	lo, hi := n.begin, n.end
	k := sort.Search(int(hi-lo), func(k int) bool {
		pos := n.physicalPos(lo + int64(k))
		return n.ts[pos] >= t
	})
	idx := lo + int64(k)
	return idx, idx < hi
}

// NearestBefore returns the latest sample with timestamp strictly less than t.
func (n *Node[T]) NearestBefore(t Timestamp) (value T, timestamp Timestamp, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx, _ := n.searchLocked(t)
	target := idx - 1
	if target < n.begin {
		var zero T
		return zero, Missing, false
	}
	return n.atLocked(target)
}

// NearestAfter returns the earliest sample with timestamp greater than or equal to t.
func (n *Node[T]) NearestAfter(t Timestamp) (value T, timestamp Timestamp, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx, found := n.searchLocked(t)
	if !found {
		var zero T
		return zero, Missing, false
	}
	return n.atLocked(idx)
}

// NearestTo returns whichever retained sample has a timestamp closest to t, breaking ties toward
// the earlier sample.
func (n *Node[T]) NearestTo(t Timestamp) (value T, timestamp Timestamp, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.count == 0 {
		var zero T
		return zero, Missing, false
	}
	idx, found := n.searchLocked(t)
	if !found {
		// t is after every retained sample: nearest is the last one.
		return n.atLocked(n.end - 1)
	}
	if idx == n.begin {
		return n.atLocked(idx)
	}
	afterVal, afterTs, _ := n.atLocked(idx)
	beforeVal, beforeTs, _ := n.atLocked(idx - 1)
	if afterTs-t < t-beforeTs {
		return afterVal, afterTs, true
	}
	return beforeVal, beforeTs, true
}

func (n *Node[T]) isSelf(d Destination) bool {
	src, ok := d.(Source)
	return ok && src.SourceID() == n.id
}

// AddDestination registers d to receive TriggerReceived calls for every future Insert. The
// registration is staged: if called from within a dispatch (i.e. from another destination's
// TriggerReceived), it takes effect starting with the *next* Insert, never the one in progress.
// Registering nil or the Node itself (when it also implements Destination) is a silent no-op.
func (n *Node[T]) AddDestination(d Destination) {
	if d == nil || n.isSelf(d) {
		return
	}
	n.triggerMu.Lock()
	defer n.triggerMu.Unlock()
	delete(n.pendingRemove, d)
	if _, already := n.active[d]; !already {
		n.pendingAdd[d] = struct{}{}
	}
}

// RemoveDestination unregisters d. Like AddDestination, the change is staged and visible starting
// with the next Insert; a destination that removes itself (or another destination) while handling
// TriggerReceived still finishes receiving the in-flight dispatch normally.
func (n *Node[T]) RemoveDestination(d Destination) {
	if d == nil {
		return
	}
	n.triggerMu.Lock()
	defer n.triggerMu.Unlock()
	delete(n.pendingAdd, d)
	if _, already := n.active[d]; already {
		n.pendingRemove[d] = struct{}{}
	}
}

func (n *Node[T]) dispatch(t Timestamp) {
	n.triggerMu.Lock()
	if len(n.pendingRemove) > 0 {
		for d := range n.pendingRemove {
			delete(n.active, d)
		}
		n.pendingRemove = make(map[Destination]struct{})
		n.snapshotDirty = true
	}
	if len(n.pendingAdd) > 0 {
		for d := range n.pendingAdd {
			n.active[d] = struct{}{}
		}
		n.pendingAdd = make(map[Destination]struct{})
		n.snapshotDirty = true
	}
	if n.snapshotDirty {
		snap := make([]Destination, 0, len(n.active))
		for d := range n.active {
			snap = append(snap, d)
		}
		n.snapshot = snap
		n.snapshotDirty = false
	}
	snap := n.snapshot
	n.triggerMu.Unlock()

	for _, d := range snap {
		d.TriggerReceived(n, t)
	}
}
