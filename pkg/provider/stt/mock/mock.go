// Package mock provides a scripted implementation of [stt.Client] for tests.
//
// The mock follows the real state machine but never touches the network: the
// test drives the service side with Connect, Deliver, Terminate and Fail.
//
// Example:
//
//	c := mock.NewClient()
//	_ = c.Start(ctx)         // → connecting
//	c.Connect()              // → connected
//	c.Deliver(stt.Turn{Order: 0, EndOfTurn: true, Text: "hi"})
//	c.Stop()                 // → closing
//	c.Terminate()            // → closed
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrNotConnected is returned by SendAudio outside the connected state.
var ErrNotConnected = errors.New("mock: not connected")

// Client is a mock implementation of [stt.Client].
type Client struct {
	mu            sync.Mutex
	state         stt.State
	stopRequested bool
	dispatcher    *stt.Dispatcher
	closed        bool

	// StartErr, if non-nil, is returned by Start without changing state.
	StartErr error

	// SendErr, if non-nil, is returned by SendAudio while connected.
	SendErr error

	// Sent records every chunk accepted by SendAudio.
	Sent [][]byte

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountReset records how many times Reset was called.
	CallCountReset int

	// TerminateSent counts terminate messages, i.e. Stop calls that moved the
	// client from connected to closing.
	TerminateSent int
}

// NewClient returns an idle Client.
func NewClient() *Client {
	return &Client{dispatcher: stt.NewDispatcher(64)}
}

func (c *Client) transitionLocked(to stt.State, err error) bool {
	if !stt.CanTransition(c.state, to) {
		return false
	}
	from := c.state
	c.state = to
	c.dispatcher.Publish(stt.StateChanged{From: from, To: to, Err: err})
	return true
}

// Start implements [stt.Client].
func (c *Client) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartErr != nil {
		return c.StartErr
	}
	if c.state != stt.StateIdle && c.state != stt.StateClosed {
		return fmt.Errorf("mock: start in state %s", c.state)
	}
	c.stopRequested = false
	c.transitionLocked(stt.StateConnecting, nil)
	return nil
}

// Stop implements [stt.Client].
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	switch c.state {
	case stt.StateConnecting:
		c.stopRequested = true
	case stt.StateConnected:
		c.TerminateSent++
		c.transitionLocked(stt.StateClosing, nil)
	}
}

// Reset implements [stt.Client].
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountReset++
	switch c.state {
	case stt.StateIdle:
		return nil
	case stt.StateClosed, stt.StateError:
		c.transitionLocked(stt.StateIdle, nil)
		return nil
	default:
		return fmt.Errorf("mock: reset in state %s", c.state)
	}
}

// State implements [stt.Client].
func (c *Client) State() stt.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready implements [stt.Client].
func (c *Client) Ready() bool {
	return c.State() == stt.StateConnected
}

// SendAudio implements [stt.Client].
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stt.StateConnected {
		return ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, pcm)
	return nil
}

// Events implements [stt.Client].
func (c *Client) Events() <-chan stt.Event {
	return c.dispatcher.Events()
}

// Close implements [stt.Client].
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dispatcher.Close()
	return nil
}

// Connect simulates the transport opening. A stop requested while
// connecting is honoured immediately afterwards.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.transitionLocked(stt.StateConnected, nil) {
		return
	}
	if c.stopRequested {
		c.stopRequested = false
		c.TerminateSent++
		c.transitionLocked(stt.StateClosing, nil)
	}
}

// Deliver publishes a turn update as if received from the service.
func (c *Client) Deliver(t stt.Turn) {
	c.dispatcher.Publish(stt.TurnReceived{Turn: t})
}

// Terminate simulates the service closing the transport after a terminate
// message.
func (c *Client) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(stt.StateClosed, nil)
}

// Fail simulates a transport error.
func (c *Client) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(stt.StateError, err)
}

// SentChunks returns a copy of the chunks accepted by SendAudio.
func (c *Client) SentChunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.Sent...)
}

var _ stt.Client = (*Client)(nil)
