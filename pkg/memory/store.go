// Package memory persists finished transcription sessions.
//
// A [SessionRecord] is written once a session finalizes and again when its
// analysis arrives. [MemStore] keeps records in process memory; the postgres
// sub-package stores them in a sessions table.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrNotFound is returned by Get and Delete when no record has the given ID.
var ErrNotFound = errors.New("memory: session not found")

// Analysis is the structured result of analysing a finished transcript.
type Analysis struct {
	Summary             string   `json:"summary"`
	CorrectedTranscript string   `json:"corrected_transcript"`
	Topics              []string `json:"topics"`
	ActionItems         []string `json:"action_items"`
}

// SessionRecord is one finished recording session.
type SessionRecord struct {
	// ID is a UUID assigned when the session starts.
	ID string `json:"id"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Turns holds the committed turns in Order.
	Turns []stt.Turn `json:"turns"`

	// Transcript is the joined committed text after key-term correction.
	Transcript string `json:"transcript"`

	// Analysis is nil until analysis succeeds.
	Analysis *Analysis `json:"analysis,omitempty"`

	// AnalysisError holds the last analysis failure, if any.
	AnalysisError string `json:"analysis_error,omitempty"`
}

// ListOptions narrows [SessionStore.List].
type ListOptions struct {
	// Before returns only sessions started strictly before this instant.
	// A zero Time disables the bound.
	Before time.Time

	// Limit caps the result count. Zero means no limit.
	Limit int
}

// SessionStore persists [SessionRecord] values.
type SessionStore interface {
	// Save inserts rec or replaces the record with the same ID.
	Save(ctx context.Context, rec SessionRecord) error

	// Get returns the record with id, or [ErrNotFound].
	Get(ctx context.Context, id string) (SessionRecord, error)

	// List returns records newest first.
	List(ctx context.Context, opts ListOptions) ([]SessionRecord, error)

	// Search returns records whose transcript matches query, newest first.
	// Matching is implementation-defined (substring or full-text).
	Search(ctx context.Context, query string, limit int) ([]SessionRecord, error)

	// Delete removes the record with id, or returns [ErrNotFound].
	Delete(ctx context.Context, id string) error
}
