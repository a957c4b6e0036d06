package stt

import "time"

// Turn is one contiguous utterance segment as reported by the transcription
// service. The service assigns Order and keeps sending updates for the same
// Order until the segment ends; a later update replaces every field of an
// earlier one.
type Turn struct {
	// Order is the service-assigned index of this segment within the session.
	Order int `json:"order"`

	// IsFormatted is true once punctuation and casing have been applied.
	IsFormatted bool `json:"is_formatted"`

	// EndOfTurn is true once the segment will receive no further updates.
	EndOfTurn bool `json:"end_of_turn"`

	// Text is the current best transcript for the segment.
	Text string `json:"text"`

	// EndOfTurnConfidence is the service's confidence that the speaker has
	// finished this turn (0.0–1.0). Zero when not reported.
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence,omitempty"`

	// Words holds per-word detail when available; nil otherwise.
	Words []Word `json:"words,omitempty"`
}

// Interim reports whether t is still in progress: neither formatted nor
// ended. Every other turn is committed text.
func (t Turn) Interim() bool {
	return !t.IsFormatted && !t.EndOfTurn
}

// Word is per-word timing and confidence within a [Turn].
type Word struct {
	Text       string        `json:"text"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`

	// IsFinal is false while the service may still revise this word.
	IsFinal bool `json:"is_final"`
}
