// Package osc generalizes the reaper device's address-matching dispatcher into a reusable path
// dispatcher, plus the summing converter described in §4.11 that lets many OSC inputs drive one
// MIDI controller.
package osc

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hypebeast/go-osc/osc"
)

type registration struct {
	id      uint64
	owner   string
	pattern string
	handler func(*osc.Message)
}

// PathDispatcher matches incoming OSC message addresses against registered path patterns: "@"
// captures exactly one path segment, and a pattern ending in "*" matches any (possibly empty)
// longest suffix of remaining segments without capturing them. Handler registration and removal are
// staged exactly like node.Node's trigger bus: a change made while a message is being dispatched
// takes effect starting with the next Dispatch call, never the one in progress.
type PathDispatcher struct {
	mu sync.Mutex

	nextID uint64

	active        map[uint64]*registration
	pendingAdd    map[uint64]*registration
	pendingRemove map[uint64]struct{}
	snapshot      []*registration
	snapshotDirty bool
}

// NewPathDispatcher returns an empty dispatcher.
func NewPathDispatcher() *PathDispatcher {
	return &PathDispatcher{
		active:        make(map[uint64]*registration),
		pendingAdd:    make(map[uint64]*registration),
		pendingRemove: make(map[uint64]struct{}),
		snapshotDirty: true,
	}
}

// AddMsgHandler registers handler for pattern and returns an unregister closure. Satisfies
// devices.Dispatcher's AddMsgHandler requirement.
func (d *PathDispatcher) AddMsgHandler(pattern string, handler func(*osc.Message)) func() {
	return d.AddOwnedMsgHandler("", pattern, handler)
}

// AddOwnedMsgHandler is like AddMsgHandler but tags the registration with owner, so RemoveOwner can
// later remove every handler one caller installed (e.g. an OscMidiConverter being released) in a
// single blanket operation instead of invoking each unregister closure individually.
func (d *PathDispatcher) AddOwnedMsgHandler(owner, pattern string, handler func(*osc.Message)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := atomic.AddUint64(&d.nextID, 1)
	reg := &registration{id: id, owner: owner, pattern: pattern, handler: handler}
	d.pendingAdd[id] = reg
	delete(d.pendingRemove, id)
	return func() { d.remove(id) }
}

func (d *PathDispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pendingAdd, id)
	if _, ok := d.active[id]; ok {
		d.pendingRemove[id] = struct{}{}
	}
}

// RemoveOwner stages removal of every handler registered under owner.
func (d *PathDispatcher) RemoveOwner(owner string) {
	if owner == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, reg := range d.active {
		if reg.owner == owner {
			d.pendingRemove[id] = struct{}{}
		}
	}
	for id, reg := range d.pendingAdd {
		if reg.owner == owner {
			delete(d.pendingAdd, id)
		}
	}
}

func (d *PathDispatcher) snapshotLocked() []*registration {
	if len(d.pendingRemove) > 0 {
		for id := range d.pendingRemove {
			delete(d.active, id)
		}
		d.pendingRemove = make(map[uint64]struct{})
		d.snapshotDirty = true
	}
	if len(d.pendingAdd) > 0 {
		for id, reg := range d.pendingAdd {
			d.active[id] = reg
		}
		d.pendingAdd = make(map[uint64]*registration)
		d.snapshotDirty = true
	}
	if d.snapshotDirty {
		snap := make([]*registration, 0, len(d.active))
		for _, reg := range d.active {
			snap = append(snap, reg)
		}
		d.snapshot = snap
		d.snapshotDirty = false
	}
	return d.snapshot
}

// Dispatch implements osc.Dispatcher: messages are matched and handed to every registered handler
// whose pattern matches, and bundles are expanded and dispatched immediately (the target's own
// transport is responsible for any timetag scheduling before messages reach here).
func (d *PathDispatcher) Dispatch(packet osc.Packet) {
	switch p := packet.(type) {
	case *osc.Message:
		d.dispatchMessage(p)
	case *osc.Bundle:
		for _, m := range p.Messages {
			d.dispatchMessage(m)
		}
		for _, b := range p.Bundles {
			d.Dispatch(b)
		}
	}
}

func (d *PathDispatcher) dispatchMessage(msg *osc.Message) {
	d.mu.Lock()
	snap := d.snapshotLocked()
	d.mu.Unlock()

	for _, reg := range snap {
		match, captures := matchPath(reg.pattern, msg.Address)
		if !match {
			continue
		}
		augmented := *msg
		augmented.Arguments = append(append([]interface{}{}, msg.Arguments...), toArgs(captures)...)
		reg.handler(&augmented)
	}
}

func toArgs(captures []string) []interface{} {
	args := make([]interface{}, len(captures))
	for i, c := range captures {
		args[i] = c
	}
	return args
}

// matchPath implements the longest-suffix-wildcard match: "@" captures exactly one segment; a
// trailing "*" matches any (possibly empty) suffix of remaining segments without capturing them.
func matchPath(pattern, addr string) (bool, []string) {
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	addrSegs := strings.Split(strings.Trim(addr, "/"), "/")

	endsWithStar := len(patSegs) > 0 && patSegs[len(patSegs)-1] == "*"
	matchLen := len(patSegs)
	if endsWithStar {
		matchLen--
		if len(addrSegs) < matchLen {
			return false, nil
		}
	} else if len(patSegs) != len(addrSegs) {
		return false, nil
	}

	var captures []string
	for i := 0; i < matchLen; i++ {
		p := patSegs[i]
		switch {
		case p == "@":
			captures = append(captures, addrSegs[i])
		case p != addrSegs[i]:
			return false, nil
		}
	}
	return true, captures
}
