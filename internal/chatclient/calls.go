package chatclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/npezzotti/pairroom/internal/types"
)

type CallState int

const (
	CallIdle CallState = iota
	CallOffering
	CallAccepted
	CallRejected
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallOffering:
		return "offering"
	case CallAccepted:
		return "accepted"
	case CallRejected:
		return "rejected"
	case CallEnded:
		return "ended"
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

type callEvent int

const (
	callOffer callEvent = iota
	callAccept
	callReject
	callEnd
)

// The server keeps no call state and does not arbitrate, so a second offer
// while one is pending simply replaces it.
var callTransitions = map[CallState]map[callEvent]CallState{
	CallIdle: {
		callOffer: CallOffering,
	},
	CallOffering: {
		callOffer:  CallOffering,
		callAccept: CallAccepted,
		callReject: CallRejected,
		callEnd:    CallEnded,
	},
	CallAccepted: {
		callEnd: CallEnded,
	},
}

// Call describes the offer currently tracked for a room.
type Call struct {
	Kind       types.CallKind
	CallerId   uuid.UUID
	CallerName string
	Outgoing   bool
	Since      time.Time
}

// CallTracker follows the call signaling of one room:
// idle -> offering -> accepted | rejected | ended -> idle.
// Rejected and ended are reported by the transition that reaches them and
// the tracker is idle again afterwards.
type CallTracker struct {
	mu    sync.Mutex
	self  types.User
	state CallState
	call  Call
}

func NewCallTracker(self types.User) *CallTracker {
	return &CallTracker{self: self}
}

func (t *CallTracker) State() (CallState, Call) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state, t.call
}

func (t *CallTracker) apply(ev callEvent, call *Call) (CallState, error) {
	next, ok := callTransitions[t.state][ev]
	if !ok {
		return t.state, fmt.Errorf("no call transition from %s", t.state)
	}

	switch next {
	case CallOffering:
		t.state, t.call = next, *call
	case CallAccepted:
		t.state = next
	default:
		t.state, t.call = CallIdle, Call{}
	}

	return next, nil
}

// Initiate records a locally started call.
func (t *CallTracker) Initiate(kind types.CallKind) (CallState, error) {
	if !kind.Valid() {
		return CallIdle, fmt.Errorf("invalid call type %q", kind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.apply(callOffer, &Call{
		Kind:       kind,
		CallerId:   t.self.Id,
		CallerName: t.self.Username,
		Outgoing:   true,
		Since:      time.Now(),
	})
}

// Accept answers an incoming offer.
func (t *CallTracker) Accept() (CallState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == CallOffering && t.call.Outgoing {
		return t.state, fmt.Errorf("cannot accept own call")
	}
	return t.apply(callAccept, nil)
}

func (t *CallTracker) Reject() (CallState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.apply(callReject, nil)
}

func (t *CallTracker) End() (CallState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.apply(callEnd, nil)
}

// Observe applies a server event. ok is false for events unrelated to
// calls.
func (t *CallTracker) Observe(env types.Envelope) (state CallState, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch env.Event {
	case types.EventIncomingCall:
		var in types.IncomingCall
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return t.state, true, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		state, err = t.apply(callOffer, &Call{
			Kind:       in.Type,
			CallerId:   in.CallerId,
			CallerName: in.CallerName,
			Since:      in.Timestamp,
		})
	case types.EventCallAccepted:
		state, err = t.apply(callAccept, nil)
	case types.EventCallRejected:
		state, err = t.apply(callReject, nil)
	case types.EventCallEnded:
		state, err = t.apply(callEnd, nil)
	default:
		return t.state, false, nil
	}

	return state, true, err
}
