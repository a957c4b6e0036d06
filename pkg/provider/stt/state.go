package stt

import "fmt"

// State is the lifecycle state of a streaming session.
type State int

const (
	// StateIdle is the initial state; no session resources are held.
	StateIdle State = iota

	// StateConnecting covers token acquisition and the transport handshake.
	StateConnecting

	// StateConnected means the transport is open and audio is accepted.
	StateConnected

	// StateClosing means the terminate message was sent and the client is
	// waiting for the service to close the transport.
	StateClosing

	// StateClosed means the session ended cleanly and all resources are
	// released.
	StateClosed

	// StateError means the session ended on a failure and all resources are
	// released.
	StateError
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateConnected:  "connected",
	StateClosing:    "closing",
	StateClosed:     "closed",
	StateError:      "error",
}

// String returns the lower-case name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements [encoding.TextMarshaler] so states serialise by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("stt: unknown state %q", b)
}

// Active reports whether s holds or is acquiring a transport.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateClosing
}

// Terminal reports whether s is an end state of a session.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// transitions lists every permitted edge. Closing goes only to closed: a
// transport failure after the terminate message still ends the session
// cleanly. Terminal states return to idle through Reset.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateConnected, StateError},
	StateConnected:  {StateClosing, StateError},
	StateClosing:    {StateClosed},
	StateClosed:     {StateConnecting, StateIdle},
	StateError:      {StateIdle},
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
