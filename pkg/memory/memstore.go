package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var _ SessionStore = (*MemStore)(nil)

// MemStore is an in-memory [SessionStore]. The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]SessionRecord)}
}

// NewID returns a fresh session ID.
func NewID() string {
	return uuid.NewString()
}

// Save implements [SessionStore.Save]. A record without an ID gets one.
func (s *MemStore) Save(_ context.Context, rec SessionRecord) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	rec.Turns = slices.Clone(rec.Turns)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = make(map[string]SessionRecord)
	}
	s.sessions[rec.ID] = rec
	return nil
}

// Get implements [SessionStore.Get].
func (s *MemStore) Get(_ context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// List implements [SessionStore.List].
func (s *MemStore) List(_ context.Context, opts ListOptions) ([]SessionRecord, error) {
	return s.collect(opts.Limit, func(rec SessionRecord) bool {
		return opts.Before.IsZero() || rec.StartedAt.Before(opts.Before)
	}), nil
}

// Search implements [SessionStore.Search] as a case-insensitive substring
// match over the transcript.
func (s *MemStore) Search(_ context.Context, query string, limit int) ([]SessionRecord, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []SessionRecord{}, nil
	}
	return s.collect(limit, func(rec SessionRecord) bool {
		return strings.Contains(strings.ToLower(rec.Transcript), q)
	}), nil
}

// Delete implements [SessionStore.Delete].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// collect returns matching records newest first, capped at limit when
// positive.
func (s *MemStore) collect(limit int, match func(SessionRecord) bool) []SessionRecord {
	s.mu.RLock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if match(rec) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b SessionRecord) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
