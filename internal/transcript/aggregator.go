// Package transcript turns the stream of turn updates from a transcription
// session into the session transcript.
//
// The [Aggregator] keeps the ordered turn sequence and derives the live
// interim text and the committed transcript from it. The vocab subpackage
// corrects key terms in the finished transcript.
package transcript

import (
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// DefaultSeparator joins committed turns in [Aggregator.Transcript].
const DefaultSeparator = " "

// Snapshot is a consistent view of an [Aggregator] at one point in time.
type Snapshot struct {
	// Committed holds every non-interim turn in order.
	Committed []stt.Turn `json:"committed"`

	// Interim is the text of the live interim turn, or "".
	Interim string `json:"interim"`

	// Transcript is the committed text joined by the separator.
	Transcript string `json:"transcript"`
}

// Aggregator merges turn updates by their service-assigned order. An update
// for an order already present replaces that turn in place; any other update
// is inserted at its sorted position. Arrival order therefore never affects
// the derived transcript.
//
// All methods are safe for concurrent use.
type Aggregator struct {
	separator string

	mu         sync.RWMutex
	turns      []stt.Turn
	interim    int
	hasInterim bool
}

// NewAggregator returns an empty Aggregator that joins committed turns with
// separator. An empty separator means [DefaultSeparator].
func NewAggregator(separator string) *Aggregator {
	if separator == "" {
		separator = DefaultSeparator
	}
	return &Aggregator{separator: separator}
}

// Apply merges t into the sequence.
func (a *Aggregator) Apply(t stt.Turn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, found := slices.BinarySearchFunc(a.turns, t.Order, func(e stt.Turn, order int) int {
		return e.Order - order
	})
	if found {
		a.turns[i] = t
	} else {
		a.turns = slices.Insert(a.turns, i, t)
	}

	switch {
	case t.Interim():
		a.interim = t.Order
		a.hasInterim = true
	case a.hasInterim && a.interim == t.Order:
		a.hasInterim = false
	}
}

// Interim returns the text of the live interim turn. Only the most recently
// updated interim turn is live; "" when there is none.
func (a *Aggregator) Interim() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.interimLocked()
}

func (a *Aggregator) interimLocked() string {
	if !a.hasInterim {
		return ""
	}
	i, found := slices.BinarySearchFunc(a.turns, a.interim, func(e stt.Turn, order int) int {
		return e.Order - order
	})
	if !found {
		return ""
	}
	return a.turns[i].Text
}

// Committed returns every non-interim turn in order.
func (a *Aggregator) Committed() []stt.Turn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.committedLocked()
}

func (a *Aggregator) committedLocked() []stt.Turn {
	out := make([]stt.Turn, 0, len(a.turns))
	for _, t := range a.turns {
		if !t.Interim() {
			out = append(out, t)
		}
	}
	return out
}

// Transcript recomputes the session transcript from the committed turns.
// Turns with empty text are skipped.
func (a *Aggregator) Transcript() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.transcriptLocked()
}

func (a *Aggregator) transcriptLocked() string {
	parts := make([]string, 0, len(a.turns))
	for _, t := range a.turns {
		if t.Interim() {
			continue
		}
		if text := strings.TrimSpace(t.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, a.separator)
}

// Snapshot returns the committed turns, interim text and transcript taken
// under one lock.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		Committed:  a.committedLocked(),
		Interim:    a.interimLocked(),
		Transcript: a.transcriptLocked(),
	}
}

// Turns returns every turn, interim ones included, in order.
func (a *Aggregator) Turns() []stt.Turn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.turns)
}

// Len returns the number of distinct turns seen.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.turns)
}

// Reset clears the sequence and the interim text for a new session.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = nil
	a.hasInterim = false
	a.interim = 0
}
