package osc

import (
	"testing"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPathCapturesWildcardSegment(t *testing.T) {
	match, captures := matchPath("/touchkeys/@/position", "/touchkeys/60/position")
	require.True(t, match)
	assert.Equal(t, []string{"60"}, captures)
}

func TestMatchPathTrailingStarMatchesAnySuffix(t *testing.T) {
	match, captures := matchPath("/touchkeys/60/*", "/touchkeys/60/frame/touches")
	require.True(t, match)
	assert.Empty(t, captures)
}

func TestMatchPathRejectsDifferingSegmentCount(t *testing.T) {
	match, _ := matchPath("/touchkeys/@/position", "/touchkeys/60/position/extra")
	assert.False(t, match)
}

func TestDispatcherDeliversToMatchingHandler(t *testing.T) {
	d := NewPathDispatcher()
	var got *osc.Message
	d.AddMsgHandler("/touchkeys/@/position", func(m *osc.Message) { got = m })

	d.Dispatch(&osc.Message{Address: "/touchkeys/60/position", Arguments: []interface{}{0.5}})

	require.NotNil(t, got)
	require.Len(t, got.Arguments, 2)
	assert.Equal(t, "60", got.Arguments[1])
}

func TestDispatcherUnregisterStopsFutureDelivery(t *testing.T) {
	d := NewPathDispatcher()
	calls := 0
	unregister := d.AddMsgHandler("/touchkeys/@/position", func(m *osc.Message) { calls++ })

	d.Dispatch(&osc.Message{Address: "/touchkeys/60/position"})
	unregister()
	d.Dispatch(&osc.Message{Address: "/touchkeys/60/position"})

	assert.Equal(t, 1, calls)
}

func TestDispatcherRemoveOwnerRemovesAllOfThatOwnersHandlers(t *testing.T) {
	d := NewPathDispatcher()
	var calls int
	d.AddOwnedMsgHandler("converter-1", "/a/@", func(m *osc.Message) { calls++ })
	d.AddOwnedMsgHandler("converter-1", "/b/@", func(m *osc.Message) { calls++ })
	d.AddOwnedMsgHandler("converter-2", "/c/@", func(m *osc.Message) { calls++ })

	d.Dispatch(&osc.Message{Address: "/a/1"})
	d.RemoveOwner("converter-1")
	d.Dispatch(&osc.Message{Address: "/a/1"})
	d.Dispatch(&osc.Message{Address: "/b/1"})
	d.Dispatch(&osc.Message{Address: "/c/1"})

	assert.Equal(t, 2, calls)
}

func TestDispatcherHandlerAddedDuringDispatchWaitsForNextCall(t *testing.T) {
	d := NewPathDispatcher()
	var secondCalls int
	d.AddMsgHandler("/first", func(m *osc.Message) {
		d.AddMsgHandler("/first", func(m *osc.Message) { secondCalls++ })
	})

	d.Dispatch(&osc.Message{Address: "/first"})
	assert.Equal(t, 0, secondCalls, "handler added mid-dispatch must not fire for the in-flight message")

	d.Dispatch(&osc.Message{Address: "/first"})
	assert.Equal(t, 1, secondCalls)
}
