package mapping

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touchkeys-core/touchkeys/node"
)

type recordingMapping struct {
	mu         sync.Mutex
	kind       Kind
	engaged    bool
	runs       []string
	nextReturn node.Timestamp
	finished   bool
}

func (m *recordingMapping) Kind() Kind { return m.kind }
func (m *recordingMapping) Engage()    { m.mu.Lock(); m.engaged = true; m.mu.Unlock() }
func (m *recordingMapping) Disengage() { m.mu.Lock(); m.engaged = false; m.mu.Unlock() }
func (m *recordingMapping) Reset()     {}
func (m *recordingMapping) TriggerReceived(node.Source, node.Timestamp) {}
func (m *recordingMapping) PerformMapping() node.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, "ran")
	return m.nextReturn
}
func (m *recordingMapping) RequestFinish() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}
func (m *recordingMapping) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func fixedClock(t node.Timestamp) func() node.Timestamp {
	return func() node.Timestamp { return t }
}

func TestLatestImmediateActionPreemptsEarlierOne(t *testing.T) {
	s := NewMappingScheduler(fixedClock(0))
	defer s.Stop()

	m := &recordingMapping{kind: KindMIDIKeyPosition}
	s.Register(m)

	// Flood the immediate queue with two performNow actions back to back before the worker can
	// drain either; only the later one (by submission order, i.e. the higher counter) should run.
	s.mu.Lock()
	a1 := &action{kind: actionPerformNow, mapping: m, counter: s.nextCounter()}
	a2 := &action{kind: actionPerformNow, mapping: m, counter: s.nextCounter()}
	s.immediate = append(s.immediate, a1, a2)
	s.mu.Unlock()
	s.signal()

	require.Eventually(t, func() bool { return m.runCount() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, m.runCount(), 1, "only the most recently submitted immediate action for a mapping should run")
}

func TestPerformMappingNonZeroReturnReschedulesExactlyOnce(t *testing.T) {
	clockVal := node.Timestamp(0)
	var clockMu sync.Mutex
	clock := func() node.Timestamp {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clockVal
	}
	s := NewMappingScheduler(clock)
	defer s.Stop()

	m := &recordingMapping{kind: KindMIDIKeyPosition, nextReturn: 100}
	s.Register(m)
	s.PerformNow(m)

	require.Eventually(t, func() bool { return m.runCount() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, m.runCount(), "should not re-run until the virtual clock reaches the returned timestamp")

	clockMu.Lock()
	clockVal = 100
	clockMu.Unlock()

	require.Eventually(t, func() bool { return m.runCount() >= 2 }, time.Second, time.Millisecond)

	m.mu.Lock()
	m.nextReturn = 0
	m.mu.Unlock()
}

func TestUnregisterAndDeleteDisengagesExactlyOnce(t *testing.T) {
	s := NewMappingScheduler(fixedClock(0))
	defer s.Stop()

	m := &recordingMapping{kind: KindMIDIKeyPosition}
	s.Register(m)
	require.Eventually(t, func() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.engaged }, time.Second, time.Millisecond)

	s.UnregisterAndDelete(m)
	require.Eventually(t, func() bool { m.mu.Lock(); defer m.mu.Unlock(); return !m.engaged }, time.Second, time.Millisecond)

	s.PerformNow(m)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, m.runCount(), "no action should run for a mapping after it has been deleted")
}
