package mapping

import (
	"container/heap"
	"sync"
	"time"

	"github.com/touchkeys-core/touchkeys/node"
)

// pollInterval bounds how long the worker can sleep before re-checking whether the later queue's
// head has come due; the scheduler's clock source is an injected virtual-time function with no
// wait primitive of its own, so the worker polls it instead of sleeping exactly until due.
const pollInterval = time.Millisecond

// actionKind distinguishes the immediate-queue action types named in §4.8.
type actionKind int

const (
	actionRegister actionKind = iota
	actionPerformNow
	actionUnschedule
	actionUnregister
	actionUnregisterAndDelete
)

type action struct {
	kind    actionKind
	mapping Mapping
	counter uint64
}

type laterEntry struct {
	timestamp node.Timestamp
	counter   uint64
	mapping   Mapping
}

type laterHeap []*laterEntry

func (h laterHeap) Len() int            { return len(h) }
func (h laterHeap) Less(i, j int) bool  { return h[i].timestamp < h[j].timestamp }
func (h laterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *laterHeap) Push(x any)         { *h = append(*h, x.(*laterEntry)) }
func (h *laterHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// MappingScheduler is a dedicated worker that drives every registered Mapping's PerformMapping on
// its own timestamp-ordered schedule, plus an immediate queue for register/unregister/run-now
// actions. Per-Mapping preemption is enforced via a monotonic counter: an action whose counter is
// behind the most recently executed counter for that Mapping is skipped, since a more recent
// intent has already superseded it.
type MappingScheduler struct {
	mu        sync.Mutex
	immediate []*action
	later     laterHeap
	counter   uint64
	lastRun   map[Mapping]uint64
	registered map[Mapping]bool

	deleted map[Mapping]bool

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once

	now func() node.Timestamp
}

// NewMappingScheduler constructs a scheduler. now supplies the current virtual timestamp, typically
// scheduler.Scheduler.CurrentTimestamp.
func NewMappingScheduler(now func() node.Timestamp) *MappingScheduler {
	s := &MappingScheduler{
		lastRun:    make(map[Mapping]uint64),
		registered: make(map[Mapping]bool),
		deleted:    make(map[Mapping]bool),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        now,
	}
	s.runOnce.Do(func() { go s.run() })
	return s
}

func (s *MappingScheduler) nextCounter() uint64 {
	s.counter++
	return s.counter
}

func (s *MappingScheduler) pushImmediate(kind actionKind, m Mapping) {
	s.mu.Lock()
	a := &action{kind: kind, mapping: m, counter: s.nextCounter()}
	s.immediate = append(s.immediate, a)
	s.mu.Unlock()
	s.signal()
}

// Register admits m to the scheduler; allowed when no prior counter exists for m.
func (s *MappingScheduler) Register(m Mapping) {
	s.pushImmediate(actionRegister, m)
}

// PerformNow queues an immediate performMapping for m, preempting any earlier queued action for m.
func (s *MappingScheduler) PerformNow(m Mapping) {
	s.pushImmediate(actionPerformNow, m)
}

// Unschedule removes m's pending later-queue entries.
func (s *MappingScheduler) Unschedule(m Mapping) {
	s.pushImmediate(actionUnschedule, m)
}

// Unregister removes m from the scheduler without deleting it.
func (s *MappingScheduler) Unregister(m Mapping) {
	s.pushImmediate(actionUnregister, m)
}

// UnregisterAndDelete stages m's removal and disengagement; m.Disengage() runs on the worker
// thread exactly once, never concurrently with an in-flight PerformMapping for m.
func (s *MappingScheduler) UnregisterAndDelete(m Mapping) {
	s.pushImmediate(actionUnregisterAndDelete, m)
}

func (s *MappingScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop signals the worker and waits for it to exit after any in-flight action completes.
func (s *MappingScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// pendingHasNewerLocked reports whether the immediate queue still holds an action for m with a
// counter greater than counter. Must be called with s.mu held. Used to preempt an action still
// sitting in the FIFO immediate queue whose mapping has a strictly more recent intent queued behind
// it — lastRun alone only catches preemption against an action that has already executed.
func (s *MappingScheduler) pendingHasNewerLocked(m Mapping, counter uint64) bool {
	for _, pending := range s.immediate {
		if pending.mapping == m && pending.counter > counter {
			return true
		}
	}
	return false
}

func (s *MappingScheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		for len(s.immediate) > 0 {
			a := s.immediate[0]
			s.immediate = s.immediate[1:]
			if s.pendingHasNewerLocked(a.mapping, a.counter) {
				s.mu.Unlock()
				log.Debug("skipping immediate action superseded by a newer pending one", "kind", a.kind)
				s.mu.Lock()
				continue
			}
			s.mu.Unlock()
			s.execute(a)
			s.mu.Lock()
		}

		ranLater := false
		if len(s.later) > 0 && s.now() >= s.later[0].timestamp {
			e := heap.Pop(&s.later).(*laterEntry)
			s.mu.Unlock()
			s.executeLater(e)
			ranLater = true
		} else {
			s.mu.Unlock()
		}
		if ranLater {
			continue
		}

		select {
		case <-s.wake:
		case <-ticker.C:
		case <-s.stopCh:
			return
		}
	}
}

func (s *MappingScheduler) execute(a *action) {
	s.mu.Lock()
	last, hasLast := s.lastRun[a.mapping]
	preempted := hasLast && a.counter < last
	isDeleted := s.deleted[a.mapping]
	s.mu.Unlock()
	if isDeleted && a.kind != actionRegister {
		log.Debug("skipping action for a deleted mapping", "kind", a.kind)
		return
	}
	if preempted {
		log.Debug("skipping preempted immediate action", "kind", a.kind)
		return
	}

	switch a.kind {
	case actionRegister:
		if hasLast {
			log.Debug("skipping register for a mapping that already has a counter")
			return
		}
		s.mu.Lock()
		s.registered[a.mapping] = true
		s.mu.Unlock()
		a.mapping.Engage()
	case actionPerformNow:
		s.runMapping(a.mapping, a.counter)
	case actionUnschedule:
		s.mu.Lock()
		filtered := s.later[:0]
		for _, e := range s.later {
			if e.mapping != a.mapping {
				filtered = append(filtered, e)
			}
		}
		s.later = filtered
		heap.Init(&s.later)
		s.mu.Unlock()
	case actionUnregister:
		s.mu.Lock()
		delete(s.registered, a.mapping)
		s.mu.Unlock()
		a.mapping.Disengage()
	case actionUnregisterAndDelete:
		s.mu.Lock()
		delete(s.registered, a.mapping)
		delete(s.lastRun, a.mapping)
		s.deleted[a.mapping] = true
		s.mu.Unlock()
		a.mapping.Disengage()
	}

	s.mu.Lock()
	if a.counter > s.lastRun[a.mapping] {
		s.lastRun[a.mapping] = a.counter
	}
	s.mu.Unlock()
}

func (s *MappingScheduler) executeLater(e *laterEntry) {
	s.mu.Lock()
	last, hasLast := s.lastRun[e.mapping]
	preempted := hasLast && e.counter < last
	isDeleted := s.deleted[e.mapping]
	s.mu.Unlock()
	if preempted || isDeleted {
		return
	}
	s.runMapping(e.mapping, e.counter)
}

func (s *MappingScheduler) runMapping(m Mapping, counter uint64) {
	next := m.PerformMapping()
	s.mu.Lock()
	if counter > s.lastRun[m] {
		s.lastRun[m] = counter
	}
	if next != 0 {
		heap.Push(&s.later, &laterEntry{timestamp: next, counter: s.nextCounter(), mapping: m})
	}
	s.mu.Unlock()
}
