package assemblyai

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Inbound message types.
const (
	typeBegin       = "Begin"
	typeTurn        = "Turn"
	typeTermination = "Termination"
)

// Outbound control messages.
var (
	terminateMessage     = []byte(`{"type":"Terminate"}`)
	forceEndpointMessage = []byte(`{"type":"ForceEndpoint"}`)
)

// errServiceMessage is wrapped around in-band {"error": "..."} payloads.
var errServiceMessage = errors.New("assemblyai: service error message")

type envelope struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type beginMessage struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	TurnOrder           int           `json:"turn_order"`
	TurnIsFormatted     bool          `json:"turn_is_formatted"`
	EndOfTurn           bool          `json:"end_of_turn"`
	Transcript          string        `json:"transcript"`
	EndOfTurnConfidence float64       `json:"end_of_turn_confidence"`
	Words               []wordMessage `json:"words"`
}

// wordMessage times are in milliseconds from the start of the audio.
type wordMessage struct {
	Text        string  `json:"text"`
	Start       int64   `json:"start"`
	End         int64   `json:"end"`
	Confidence  float64 `json:"confidence"`
	WordIsFinal bool    `json:"word_is_final"`
}

type terminationMessage struct {
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

// parseMessage decodes one inbound text frame. It returns (nil, nil) for
// message types it does not know, so newer service versions do not break
// the client.
func parseMessage(data []byte) (stt.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("assemblyai: decode envelope: %w", err)
	}

	switch env.Type {
	case typeBegin:
		var m beginMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("assemblyai: decode Begin: %w", err)
		}
		ev := stt.SessionBegan{ID: m.ID}
		if m.ExpiresAt > 0 {
			ev.ExpiresAt = time.Unix(m.ExpiresAt, 0)
		}
		return ev, nil

	case typeTurn:
		var m turnMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("assemblyai: decode Turn: %w", err)
		}
		return stt.TurnReceived{Turn: m.toTurn()}, nil

	case typeTermination:
		var m terminationMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("assemblyai: decode Termination: %w", err)
		}
		return stt.SessionTerminated{
			AudioDuration:   seconds(m.AudioDurationSeconds),
			SessionDuration: seconds(m.SessionDurationSeconds),
		}, nil

	case "":
		if env.Error != "" {
			return nil, fmt.Errorf("%w: %s", errServiceMessage, env.Error)
		}
		return nil, errors.New("assemblyai: message without type")
	}
	return nil, nil
}

func (m turnMessage) toTurn() stt.Turn {
	t := stt.Turn{
		Order:               m.TurnOrder,
		IsFormatted:         m.TurnIsFormatted,
		EndOfTurn:           m.EndOfTurn,
		Text:                m.Transcript,
		EndOfTurnConfidence: m.EndOfTurnConfidence,
	}
	if len(m.Words) > 0 {
		t.Words = make([]stt.Word, 0, len(m.Words))
		for _, w := range m.Words {
			t.Words = append(t.Words, stt.Word{
				Text:       w.Text,
				Start:      time.Duration(w.Start) * time.Millisecond,
				End:        time.Duration(w.End) * time.Millisecond,
				Confidence: w.Confidence,
				IsFinal:    w.WordIsFinal,
			})
		}
	}
	return t
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
