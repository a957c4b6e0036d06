package stt

import (
	"sync"
	"time"
)

// Event is published by a [Client] on its Events channel. The concrete types
// are [StateChanged], [TurnReceived], [SessionBegan] and [SessionTerminated].
type Event interface {
	event()
}

// StateChanged reports a transition of the connection state machine. Err is
// set when To is [StateError] and carries the cause.
type StateChanged struct {
	From State
	To   State
	Err  error
}

// TurnReceived carries the full current field set of one turn.
type TurnReceived struct {
	Turn Turn
}

// SessionBegan is informational: the service accepted the session.
type SessionBegan struct {
	ID        string
	ExpiresAt time.Time
}

// SessionTerminated is informational: the service is about to close the
// transport.
type SessionTerminated struct {
	AudioDuration   time.Duration
	SessionDuration time.Duration
}

func (StateChanged) event()      {}
func (TurnReceived) event()      {}
func (SessionBegan) event()      {}
func (SessionTerminated) event() {}

// Dispatcher delivers events in publish order without ever blocking the
// publisher. Events wait in an unbounded queue until the consumer reads them
// from [Dispatcher.Events].
type Dispatcher struct {
	out chan Event

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// NewDispatcher starts a dispatcher whose output channel has the given
// buffer size.
func NewDispatcher(buffer int) *Dispatcher {
	d := &Dispatcher{out: make(chan Event, buffer)}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Publish queues e for delivery. Events published after Close are dropped.
func (d *Dispatcher) Publish(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

// Events returns the delivery channel. It is closed after Close once every
// queued event has been delivered.
func (d *Dispatcher) Events() <-chan Event {
	return d.out
}

// Close stops accepting events. Already queued events are still delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cond.Signal()
}

func (d *Dispatcher) run() {
	defer close(d.out)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.out <- e
	}
}
