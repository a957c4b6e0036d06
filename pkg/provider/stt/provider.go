// Package stt defines the vocabulary shared by streaming speech-to-text
// clients: the [Turn] records a service emits, the connection [State]
// machine, and the [Event] values a client publishes to its owner.
//
// A streaming client wraps one logical session with a real-time
// transcription service. Once started it accepts raw PCM through SendAudio
// and reports everything else through Events: state transitions, turn
// updates, and informational session messages. Errors that change the
// connection state are carried by [StateChanged]; malformed inbound messages
// are only logged.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Client is a streaming transcription session. The protocol client in
// stt/assemblyai implements it; stt/mock provides a scripted double.
type Client interface {
	// Start begins a new session. It is only valid in [StateIdle] or
	// [StateClosed]; otherwise it returns an error and leaves the current
	// session alone. Start moves to [StateConnecting] before returning and
	// completes the connection asynchronously.
	Start(ctx context.Context) error

	// Stop asks the service to finish the session. From [StateConnected] it
	// sends the terminate message and moves to [StateClosing]; from
	// [StateConnecting] it defers the stop until the connection settles. In
	// any other state it is a no-op.
	Stop()

	// Reset re-arms a client that ended in [StateClosed] or [StateError] by
	// moving it to [StateIdle]. It is a no-op in [StateIdle] and an error in
	// any active state.
	Reset() error

	// State returns the current connection state.
	State() State

	// Ready reports whether audio sent now would be transmitted, which is
	// true only in [StateConnected].
	Ready() bool

	// SendAudio queues one binary PCM message. It never blocks on the network
	// and fails when the client is not connected.
	SendAudio(pcm []byte) error

	// Events returns the ordered event stream. The channel is closed by Close.
	Events() <-chan Event

	// Close tears down any live connection and closes the event stream.
	// Calling Close more than once is safe.
	Close() error
}
