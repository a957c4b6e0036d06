package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/livescribe/pkg/memory"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

func seed(t *testing.T, s memory.SessionStore) []memory.SessionRecord {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	recs := []memory.SessionRecord{
		{ID: "a", StartedAt: base, Transcript: "Standup about the release."},
		{ID: "b", StartedAt: base.Add(time.Hour), Transcript: "Design review for the pacer."},
		{ID: "c", StartedAt: base.Add(2 * time.Hour), Transcript: "Release retro."},
	}
	for _, r := range recs {
		if err := s.Save(context.Background(), r); err != nil {
			t.Fatalf("Save(%s): %v", r.ID, err)
		}
	}
	return recs
}

func TestMemStore_SaveGet(t *testing.T) {
	s := memory.NewMemStore()
	ctx := context.Background()

	rec := memory.SessionRecord{
		StartedAt:  time.Now(),
		Duration:   90 * time.Second,
		Turns:      []stt.Turn{{Order: 0, Text: "Hello.", EndOfTurn: true}},
		Transcript: "Hello.",
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	list, _ := s.List(ctx, memory.ListOptions{})
	if len(list) != 1 {
		t.Fatalf("List = %d records, want 1", len(list))
	}
	id := list[0].ID
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("generated ID %q is not a UUID: %v", id, err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Transcript != "Hello." || len(got.Turns) != 1 {
		t.Errorf("Get = %+v", got)
	}

	// Save replaces.
	got.Analysis = &memory.Analysis{Summary: "greeting"}
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, _ := s.Get(ctx, id)
	if again.Analysis == nil || again.Analysis.Summary != "greeting" {
		t.Errorf("analysis not replaced: %+v", again.Analysis)
	}
}

func TestMemStore_GetMissing(t *testing.T) {
	s := memory.NewMemStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if err := s.Delete(context.Background(), "nope"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Delete = %v, want ErrNotFound", err)
	}
}

func TestMemStore_List(t *testing.T) {
	s := memory.NewMemStore()
	recs := seed(t, s)
	ctx := context.Background()

	all, _ := s.List(ctx, memory.ListOptions{})
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("List order = %v, want newest first", ids(all))
	}

	limited, _ := s.List(ctx, memory.ListOptions{Limit: 2})
	if len(limited) != 2 || limited[0].ID != "c" {
		t.Errorf("List(limit 2) = %v", ids(limited))
	}

	before, _ := s.List(ctx, memory.ListOptions{Before: recs[2].StartedAt})
	if len(before) != 2 || before[0].ID != "b" {
		t.Errorf("List(before c) = %v", ids(before))
	}
}

func TestMemStore_Search(t *testing.T) {
	s := memory.NewMemStore()
	seed(t, s)
	ctx := context.Background()

	got, _ := s.Search(ctx, "RELEASE", 0)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("Search(release) = %v, want [c a]", ids(got))
	}
	got, _ = s.Search(ctx, "release", 1)
	if len(got) != 1 {
		t.Errorf("Search limit 1 = %v", ids(got))
	}
	got, _ = s.Search(ctx, "  ", 0)
	if len(got) != 0 {
		t.Errorf("blank query = %v, want none", ids(got))
	}
}

func TestMemStore_Delete(t *testing.T) {
	s := memory.NewMemStore()
	seed(t, s)
	ctx := context.Background()
	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "b"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Get after Delete = %v", err)
	}
}

func TestMemStore_ZeroValue(t *testing.T) {
	var s memory.MemStore
	if err := s.Save(context.Background(), memory.SessionRecord{ID: "x"}); err != nil {
		t.Fatalf("Save on zero value: %v", err)
	}
	if _, err := s.Get(context.Background(), "x"); err != nil {
		t.Errorf("Get: %v", err)
	}
}

func ids(recs []memory.SessionRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
