package key

import (
	"math"

	"github.com/touchkeys-core/touchkeys/node"
)

// TrackerState is the key position state machine's alphabet.
type TrackerState int

const (
	Unknown TrackerState = iota
	PartialPressAwaitingMax
	PartialPressFoundMax
	PressInProgress
	Down
	ReleaseInProgress
	ReleaseFinished
)

// Thresholds calibrated for normalized key position 0 (rest) .. 1 (fully pressed).
const (
	PressPosition          = 0.75
	PressHysteresis        = 0.05
	FirstMaxThreshold      = 0.075
	MinMaxSpacingThreshold = 0.02
	ReleaseFinishPosition  = 0.2

	DefaultPressVelocityPosition   = 0.65
	DefaultReleaseVelocityPosition = 0.5

	samplesToSearchForStart   = 50
	samplesToAverageVelocity  = 3
	pressVelocityThreshold    = 0.5
	releaseVelocityThreshold  = -0.2
	percussivenessThreshold   = 0.4
)

// NotificationType enumerates what a tracker notification reports.
type NotificationType int

const (
	NotificationStateChange NotificationType = iota
	NotificationPressVelocityAvailable
	NotificationReleaseVelocityAvailable
	NotificationPercussivenessAvailable
)

// TrackerNotification is the value type inserted into a KeyPositionTracker's own Node.
type TrackerNotification struct {
	Type  NotificationType
	State TrackerState
}

// Event records an (index, position, timestamp) triad for a significant point in the key's
// motion: press start, the fully-pressed point, release start/finish, or a running min/max.
type Event struct {
	Index     int64
	Position  float64
	Timestamp node.Timestamp
	Valid     bool
}

// PercussivenessFeatures summarizes the initial velocity spike preceding a fast press.
type PercussivenessFeatures struct {
	Percussiveness       float64
	VelocitySpikeMax     Event
	VelocitySpikeMin     Event
	TimeFromStartToSpike node.Timestamp
	AreaPrecedingSpike   float64
	AreaFollowingSpike   float64
	Valid                bool
}

// KeyPositionTracker is the core continuous-position state machine described in §4.6: it
// back-searches the position buffer to pin press/release start points and derives press/release
// velocity and percussiveness features as they become computable.
type KeyPositionTracker struct {
	*node.Node[TrackerNotification]

	position *node.Node[float64]
	engaged  bool

	state TrackerState

	start        Event
	press        Event
	releaseBegin Event
	releaseEnd   Event
	currentMin   Event
	currentMax   Event
	lastMinMax   float64

	pressVelocityEscapement   float64
	releaseVelocityEscapement float64

	pressVelocityAvailable   bool
	releaseVelocityAvailable bool
	percussivenessAvailable  bool
	releaseWaitingForCross   bool
}

// NewKeyPositionTracker constructs a tracker over position; call Engage to begin receiving
// updates.
func NewKeyPositionTracker(position *node.Node[float64], capacity int) *KeyPositionTracker {
	return &KeyPositionTracker{
		Node:                      node.New[TrackerNotification](capacity),
		position:                  position,
		state:                     Unknown,
		pressVelocityEscapement:   DefaultPressVelocityPosition,
		releaseVelocityEscapement: DefaultReleaseVelocityPosition,
	}
}

// Engaged reports whether the tracker is currently subscribed to position updates.
func (k *KeyPositionTracker) Engaged() bool { return k.engaged }

// Engage subscribes the tracker to the position Node.
func (k *KeyPositionTracker) Engage() {
	if k.engaged {
		return
	}
	k.engaged = true
	k.position.AddDestination(k)
}

// Disengage unsubscribes and clears all state, per the failure contract in §4.6.
func (k *KeyPositionTracker) Disengage() {
	if !k.engaged {
		return
	}
	k.position.RemoveDestination(k)
	k.engaged = false
	k.Reset()
}

// Reset returns the tracker to Unknown with all feature state cleared.
func (k *KeyPositionTracker) Reset() {
	k.state = Unknown
	k.start = Event{}
	k.press = Event{}
	k.releaseBegin = Event{}
	k.releaseEnd = Event{}
	k.currentMin = Event{}
	k.currentMax = Event{}
	k.lastMinMax = 0
	k.pressVelocityAvailable = false
	k.releaseVelocityAvailable = false
	k.percussivenessAvailable = false
	k.releaseWaitingForCross = false
}

// CurrentState returns the tracker's current state.
func (k *KeyPositionTracker) CurrentState() TrackerState { return k.state }

// PressStart, PressFinish, ReleaseStart, ReleaseFinish, CurrentMin, CurrentMax return the
// recorded triads for the current press, or a zero-value Event with Valid == false.
func (k *KeyPositionTracker) PressStart() Event    { return k.start }
func (k *KeyPositionTracker) PressFinish() Event   { return k.press }
func (k *KeyPositionTracker) ReleaseStart() Event  { return k.releaseBegin }
func (k *KeyPositionTracker) ReleaseFinish() Event { return k.releaseEnd }
func (k *KeyPositionTracker) CurrentMin() Event    { return k.currentMin }
func (k *KeyPositionTracker) CurrentMax() Event    { return k.currentMax }

// TriggerReceived implements node.Destination: the tracker evaluates each new position sample
// against the state machine in §4.6.
func (k *KeyPositionTracker) TriggerReceived(source node.Source, timestamp node.Timestamp) {
	if !k.engaged {
		return
	}
	pos, _, ok := k.position.Latest()
	if !ok {
		return
	}
	idx := k.position.EndIndex() - 1

	switch k.state {
	case Unknown:
		if pos > FirstMaxThreshold {
			k.findPressStart(idx, timestamp)
			k.changeState(PartialPressAwaitingMax, timestamp)
			k.currentMin = Event{idx, pos, timestamp, true}
			k.currentMax = Event{idx, pos, timestamp, true}
		}

	case PartialPressAwaitingMax:
		k.trackMinMax(idx, pos, timestamp)
		if pos >= PressPosition {
			k.press = Event{idx, pos, timestamp, true}
			k.changeState(PressInProgress, timestamp)
		} else if k.currentMax.Valid && k.currentMax.Position-pos > MinMaxSpacingThreshold {
			k.changeState(PartialPressFoundMax, timestamp)
		}

	case PartialPressFoundMax:
		k.trackMinMax(idx, pos, timestamp)
		if pos >= PressPosition {
			k.press = Event{idx, pos, timestamp, true}
			k.changeState(PressInProgress, timestamp)
		} else if k.currentMin.Valid && pos-k.currentMin.Position > MinMaxSpacingThreshold {
			k.changeState(PartialPressAwaitingMax, timestamp)
		}

	case PressInProgress:
		k.evaluatePressVelocity(idx, pos, timestamp)
		if pos >= PressPosition {
			k.changeState(Down, timestamp)
		} else if pos < PressPosition-PressHysteresis {
			// Dropped back out of the press without stabilizing; resume partial tracking.
			k.changeState(PartialPressAwaitingMax, timestamp)
		}

	case Down:
		k.evaluatePressVelocity(idx, pos, timestamp)
		if pos < PressPosition-PressHysteresis {
			k.releaseBegin = Event{idx, pos, timestamp, true}
			k.releaseWaitingForCross = true
			k.changeState(ReleaseInProgress, timestamp)
		}

	case ReleaseInProgress:
		k.evaluateReleaseVelocity(idx, pos, timestamp)
		if pos < ReleaseFinishPosition {
			k.releaseEnd = Event{idx, pos, timestamp, true}
			k.changeState(ReleaseFinished, timestamp)
		} else if pos >= PressPosition {
			k.changeState(Down, timestamp)
		}

	case ReleaseFinished:
		if pos > FirstMaxThreshold {
			k.findPressStart(idx, timestamp)
			k.pressVelocityAvailable = false
			k.releaseVelocityAvailable = false
			k.percussivenessAvailable = false
			k.changeState(PartialPressAwaitingMax, timestamp)
		}
	}
}

func (k *KeyPositionTracker) trackMinMax(idx int64, pos float64, timestamp node.Timestamp) {
	if !k.currentMax.Valid || pos > k.currentMax.Position {
		k.currentMax = Event{idx, pos, timestamp, true}
	}
	if !k.currentMin.Valid || pos < k.currentMin.Position {
		k.currentMin = Event{idx, pos, timestamp, true}
	}
}

// findPressStart back-searches the position buffer to pin the earliest point of monotonic ascent
// preceding idx, bounded by samplesToSearchForStart.
func (k *KeyPositionTracker) findPressStart(idx int64, timestamp node.Timestamp) {
	begin := k.position.BeginIndex()
	searchFloor := idx - samplesToSearchForStart
	if searchFloor < begin {
		searchFloor = begin
	}
	startIdx := idx
	prevVal, _, ok := k.position.AtIndex(idx)
	if !ok {
		return
	}
	for i := idx - 1; i >= searchFloor; i-- {
		v, _, ok := k.position.AtIndex(i)
		if !ok || v >= prevVal {
			break
		}
		startIdx = i
		prevVal = v
	}
	v, ts, ok := k.position.AtIndex(startIdx)
	if ok {
		k.start = Event{startIdx, v, ts, true}
	} else {
		_ = ts
	}
}

func (k *KeyPositionTracker) evaluatePressVelocity(idx int64, pos float64, timestamp node.Timestamp) {
	if k.pressVelocityAvailable || pos < k.pressVelocityEscapement {
		return
	}
	v, dt, ok := k.velocityAt(idx, samplesToAverageVelocity)
	if !ok {
		return
	}
	if v < pressVelocityThreshold {
		return
	}
	_ = dt
	k.pressVelocityAvailable = true
	k.Insert(TrackerNotification{Type: NotificationPressVelocityAvailable, State: k.state}, timestamp)
}

func (k *KeyPositionTracker) evaluateReleaseVelocity(idx int64, pos float64, timestamp node.Timestamp) {
	if k.releaseVelocityAvailable || pos > k.releaseVelocityEscapement {
		return
	}
	v, _, ok := k.velocityAt(idx, samplesToAverageVelocity)
	if !ok {
		return
	}
	if v > releaseVelocityThreshold {
		return
	}
	k.releaseVelocityAvailable = true
	k.Insert(TrackerNotification{Type: NotificationReleaseVelocityAvailable, State: k.state}, timestamp)
}

// velocityAt averages Δposition/Δtime over the last n samples ending at idx, in position units per
// second (timestamps are microseconds).
func (k *KeyPositionTracker) velocityAt(idx int64, n int) (float64, node.Timestamp, bool) {
	begin := k.position.BeginIndex()
	from := idx - int64(n)
	if from < begin {
		from = begin
	}
	if from >= idx {
		return 0, 0, false
	}
	v1, t1, ok1 := k.position.AtIndex(from)
	v2, t2, ok2 := k.position.AtIndex(idx)
	if !ok1 || !ok2 || t2 <= t1 {
		return 0, 0, false
	}
	dt := t2 - t1
	return (v2 - v1) / (float64(dt) / 1e6), dt, true
}

// PressVelocity returns the last computed press velocity and its timestamp, or (0, 0, false) if
// not yet available for the current press.
func (k *KeyPositionTracker) PressVelocity() (float64, node.Timestamp, bool) {
	if !k.pressVelocityAvailable || !k.press.Valid {
		return 0, 0, false
	}
	v, _, ok := k.velocityAt(k.press.Index, samplesToAverageVelocity)
	return v, k.press.Timestamp, ok
}

// ReleaseVelocity returns the last computed release velocity (negative-signed) and its timestamp.
func (k *KeyPositionTracker) ReleaseVelocity() (float64, node.Timestamp, bool) {
	if !k.releaseVelocityAvailable || !k.releaseBegin.Valid {
		return 0, 0, false
	}
	v, _, ok := k.velocityAt(k.releaseBegin.Index, samplesToAverageVelocity)
	return v, k.releaseBegin.Timestamp, ok
}

// Percussiveness computes the compound percussiveness descriptor over the initial velocity spike
// preceding a fast press. Returns a zero PercussivenessFeatures with Valid == false if the press
// start is unknown or the buffer lacks the needed history.
func (k *KeyPositionTracker) Percussiveness() PercussivenessFeatures {
	if !k.start.Valid || !k.press.Valid {
		return PercussivenessFeatures{}
	}
	begin := k.start.Index
	end := k.press.Index
	if end <= begin {
		return PercussivenessFeatures{}
	}

	var maxV, minV float64
	var maxEvt, minEvt Event
	var areaPreceding, areaFollowing float64
	foundMax := false

	prevPos, prevTs, ok := k.position.AtIndex(begin)
	if !ok {
		return PercussivenessFeatures{}
	}
	for i := begin + 1; i <= end; i++ {
		pos, ts, ok := k.position.AtIndex(i)
		if !ok || ts <= prevTs {
			prevPos, prevTs = pos, ts
			continue
		}
		v := (pos - prevPos) / (float64(ts-prevTs) / 1e6) // per second, like velocityAt
		if !foundMax {
			areaPreceding += v
			if v > maxV {
				maxV = v
				maxEvt = Event{i, pos, ts, true}
				foundMax = true
			}
		} else {
			areaFollowing += v
			if v < minV {
				minV = v
				minEvt = Event{i, pos, ts, true}
			}
		}
		prevPos, prevTs = pos, ts
	}
	if !foundMax {
		return PercussivenessFeatures{}
	}

	// Percussiveness combines spike amplitude and temporal concentration as a weighted product,
	// not a sum: either factor alone (a big spike that built up gradually, or a sudden but tiny
	// one) must not be able to saturate the score on its own.
	amplitude := clamp01((maxV - minV) / (pressVelocityThreshold - releaseVelocityThreshold))
	absPreceding, absFollowing := math.Abs(areaPreceding), math.Abs(areaFollowing)
	concentration := 1.0
	if total := absPreceding + absFollowing; total > 0 {
		concentration = absFollowing / total
	}
	score := amplitude * concentration
	return PercussivenessFeatures{
		Percussiveness:       score,
		VelocitySpikeMax:     maxEvt,
		VelocitySpikeMin:     minEvt,
		TimeFromStartToSpike: maxEvt.Timestamp - k.start.Timestamp,
		AreaPrecedingSpike:   areaPreceding,
		AreaFollowingSpike:   areaFollowing,
		Valid:                true,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (k *KeyPositionTracker) changeState(s TrackerState, timestamp node.Timestamp) {
	if s == k.state {
		return
	}
	k.state = s
	k.Insert(TrackerNotification{Type: NotificationStateChange, State: s}, timestamp)
	log.Debug("key position state changed", "state", s, "timestamp", timestamp)

	if s == PressInProgress {
		score := k.Percussiveness()
		if score.Valid && !k.percussivenessAvailable {
			k.percussivenessAvailable = true
			k.Insert(TrackerNotification{Type: NotificationPercussivenessAvailable, State: s}, timestamp)
		}
	}
}
