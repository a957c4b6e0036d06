package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/memory"
	"github.com/MrWong99/livescribe/pkg/provider/stt/assemblyai"
)

// Problem is the JSON body of every error response and of error events on
// the WebSocket stream.
type Problem struct {
	// Code is a stable machine-readable identifier.
	Code string `json:"code"`

	// Message is the underlying error text.
	Message string `json:"message"`

	// Guidance tells the user what to do about it.
	Guidance string `json:"guidance,omitempty"`

	status int
}

// Classify maps an error to an HTTP status and an actionable [Problem].
func Classify(err error) Problem {
	p := Problem{Message: err.Error()}
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		p.status, p.Code = http.StatusForbidden, "microphone_denied"
		p.Guidance = "Microphone access was refused. Allow microphone access for this application in the system privacy settings, then start again."
	case errors.Is(err, audio.ErrDeviceUnavailable):
		p.status, p.Code = http.StatusServiceUnavailable, "microphone_unavailable"
		p.Guidance = "No usable microphone was found. Connect an input device or check that no other application holds it exclusively."
	case errors.Is(err, assemblyai.ErrBadCredential):
		p.status, p.Code = http.StatusUnauthorized, "bad_credential"
		p.Guidance = "The transcription service rejected the API key. Check transcription.api_key or the ASSEMBLYAI_API_KEY environment variable."
	case errors.Is(err, assemblyai.ErrQuotaExceeded):
		p.status, p.Code = http.StatusTooManyRequests, "quota_exceeded"
		p.Guidance = "The transcription account is out of credit or rate limited. Check the account balance or wait before retrying."
	case errors.Is(err, assemblyai.ErrServiceUnavailable):
		p.status, p.Code = http.StatusBadGateway, "service_unavailable"
		p.Guidance = "The transcription service is temporarily unavailable. Try again in a moment."
	case errors.Is(err, assemblyai.ErrNetwork), errors.Is(err, assemblyai.ErrTransport):
		p.status, p.Code = http.StatusBadGateway, "network"
		p.Guidance = "The connection to the transcription service failed. Check the network connection and try again."
	case errors.Is(err, assemblyai.ErrUnexpectedResponse):
		p.status, p.Code = http.StatusBadGateway, "unexpected_response"
	case errors.Is(err, session.ErrSessionActive):
		p.status, p.Code = http.StatusConflict, "session_active"
		p.Guidance = "A session is already running. Stop it before starting a new one."
	case errors.Is(err, session.ErrNoAnalyser):
		p.status, p.Code = http.StatusNotImplemented, "analysis_disabled"
		p.Guidance = "Configure at least one entry under analysis.providers to enable questions and summaries."
	case errors.Is(err, session.ErrEmptyTranscript):
		p.status, p.Code = http.StatusConflict, "empty_transcript"
		p.Guidance = "Nothing has been transcribed yet."
	case errors.Is(err, session.ErrTranscriptTooLong):
		p.status, p.Code = http.StatusRequestEntityTooLarge, "transcript_too_long"
	case errors.Is(err, memory.ErrNotFound):
		p.status, p.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		p.status, p.Code = http.StatusGatewayTimeout, "timeout"
	default:
		p.status, p.Code = http.StatusInternalServerError, "internal"
	}
	return p
}

// Status returns the HTTP status code for p.
func (p Problem) Status() int { return p.status }

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := Classify(err)
	if p.status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "server: request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, p.status, p)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, Problem{Code: "bad_request", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: encode response", "err", err)
	}
}
