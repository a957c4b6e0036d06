package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/livescribe/pkg/memory"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxAskBody       = 16 << 10
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusAccepted, s.ctrl.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type askRequest struct {
	Question string `json:"question"`
}

// handleAsk streams the answer as plain text, flushing every chunk.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAskBody))
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "body must be a JSON object with a question field")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		badRequest(w, "question must not be empty")
		return
	}

	chunks, err := s.ctrl.Ask(r.Context(), req.Question)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	for chunk := range chunks {
		if _, err := io.WriteString(w, chunk); err != nil {
			slog.Debug("server: ask client gone", "err", err)
			for range chunks {
			}
			return
		}
		_ = rc.Flush()
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	var (
		recs []memory.SessionRecord
		err  error
	)
	if query := strings.TrimSpace(q.Get("q")); query != "" {
		recs, err = s.store.Search(r.Context(), query, limit)
	} else {
		opts := memory.ListOptions{Limit: limit}
		if v := q.Get("before"); v != "" {
			opts.Before, err = time.Parse(time.RFC3339, v)
			if err != nil {
				badRequest(w, "before must be an RFC 3339 timestamp")
				return
			}
		}
		recs, err = s.store.List(r.Context(), opts)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []memory.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			slog.Warn("server: delete session", "session_id", id, "err", err)
		}
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
