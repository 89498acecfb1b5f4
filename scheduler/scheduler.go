// Package scheduler implements the process-wide virtual clock and timestamp-ordered action queue
// that time-paces deferred work across the system (touch-arrival timeouts, self-pacing mappings,
// idle-detector hysteresis windows).
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/touchkeys-core/touchkeys/logging"
	"github.com/touchkeys-core/touchkeys/node"
)

var log = logging.Get(logging.SCHEDULER)

// allowableAdvance is the slack the worker tolerates waking up early for: kAllowableAdvanceExecutionTime
// from the design notes, approximately 1ms.
const allowableAdvance = time.Millisecond

// Action is scheduled work. Its return value is the timestamp at which it should run again, or 0
// to not reschedule.
type Action func() node.Timestamp

type event struct {
	timestamp node.Timestamp
	seq       uint64 // tiebreaker so heap order is deterministic for equal timestamps
	actor     any
	fn        Action
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is a min-heap of timestamped actions driven by a dedicated worker goroutine and a
// startable virtual clock: CurrentTimestamp() tracks wall-clock elapsed time added to the virtual
// start time passed to Start.
type Scheduler struct {
	mu   sync.Mutex
	heap eventHeap
	seq  uint64

	started      bool
	startWall    time.Time
	startVirtual node.Timestamp
	nowFunc      func() time.Time

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once
}

// New returns an unstarted Scheduler. Call Start before scheduling anything that depends on
// CurrentTimestamp advancing.
func New() *Scheduler {
	return &Scheduler{
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		nowFunc: time.Now,
	}
}

// Start remembers a wall-clock anchor and begins the worker goroutine. Thereafter
// CurrentTimestamp() = t0 + (now - anchor). Start is idempotent with respect to launching the
// worker; calling it again only rebases the virtual clock.
func (s *Scheduler) Start(t0 node.Timestamp) {
	s.mu.Lock()
	s.startWall = s.nowFunc()
	s.startVirtual = t0
	s.started = true
	s.mu.Unlock()
	log.Info("starting scheduler", "t0", t0)
	s.runOnce.Do(func() { go s.run() })
}

// CurrentTimestamp returns the scheduler's virtual clock value. Before Start has been called it
// returns 0.
func (s *Scheduler) CurrentTimestamp() node.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTimestampLocked()
}

func (s *Scheduler) currentTimestampLocked() node.Timestamp {
	if !s.started {
		return 0
	}
	elapsed := s.nowFunc().Sub(s.startWall)
	return s.startVirtual + node.Timestamp(elapsed.Microseconds())
}

func (s *Scheduler) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// Schedule inserts an action for actor at timestamp t. If the queue is empty or t is strictly
// before the current head of the queue, the worker is woken immediately; otherwise it will be woken no later than t's turn.
func (s *Scheduler) Schedule(actor any, fn Action, t node.Timestamp) {
	s.mu.Lock()
	wasEarlier := len(s.heap) == 0 || t < s.heap[0].timestamp
	heap.Push(&s.heap, &event{timestamp: t, actor: actor, fn: fn, seq: s.nextSeqLocked()})
	s.mu.Unlock()
	if wasEarlier {
		s.signal()
	}
}

// Unschedule removes every pending action for actor. If t is non-zero, only actions scheduled at
// exactly that timestamp are removed.
func (s *Scheduler) Unschedule(actor any, t node.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.heap[:0]
	for _, e := range s.heap {
		if e.actor == actor && (t == 0 || e.timestamp == t) {
			continue
		}
		filtered = append(filtered, e)
	}
	s.heap = filtered
	heap.Init(&s.heap)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop signals the worker and blocks until the in-flight action (if any) completes and the thread
// exits. Stop is a no-op if the scheduler was never started.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.doneCh
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	for {
		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stopCh:
				return
			}
		}
		head := s.heap[0]
		now := s.currentTimestampLocked()
		wait := time.Duration(int64(head.timestamp-now)) * time.Microsecond
		s.mu.Unlock()

		if wait <= allowableAdvance {
			s.mu.Lock()
			if len(s.heap) == 0 {
				s.mu.Unlock()
				continue
			}
			due := heap.Pop(&s.heap).(*event)
			s.mu.Unlock()

			next := due.fn()
			if next != 0 {
				s.mu.Lock()
				heap.Push(&s.heap, &event{timestamp: next, actor: due.actor, fn: due.fn, seq: s.nextSeqLocked()})
				s.mu.Unlock()
				s.signal()
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// run() has no recover(). A panicking Action propagates
// out of the worker goroutine and crashes the process rather than being swallowed, per the design:
// scheduler failures are fatal, not locally recoverable.
