package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestHistory(t *testing.T) *HistoryStore {
	t.Helper()
	store, err := OpenHistory(filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHistoryStartEndRoundTrip(t *testing.T) {
	store := openTestHistory(t)
	ctx := context.Background()
	started := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

	if err := store.RecordStart(ctx, "job-1", "benchy.3mf", started); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := store.RecordEnd(ctx, "job-1", "FINISH", "/tmp/cover-1.png", started.Add(time.Hour)); err != nil {
		t.Fatalf("record end: %v", err)
	}

	entries, err := store.Recent(ctx, 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.SubtaskName != "benchy.3mf" || entry.FinalState != "FINISH" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.EndedAt == nil || !entry.EndedAt.Equal(started.Add(time.Hour)) {
		t.Fatalf("unexpected end time: %v", entry.EndedAt)
	}
}

func TestHistoryRecentOrdersNewestFirst(t *testing.T) {
	store := openTestHistory(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i, name := range []string{"a", "b", "c"} {
		if err := store.RecordStart(ctx, name, name+".3mf", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("record start %s: %v", name, err)
		}
	}
	entries, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 || entries[0].SubtaskName != "c.3mf" || entries[1].SubtaskName != "b.3mf" {
		t.Fatalf("unexpected order: %+v", entries)
	}
}

func TestHistoryEndWithoutStartIsNotFatal(t *testing.T) {
	store := openTestHistory(t)
	if err := store.RecordEnd(context.Background(), "ghost", "FAILED", "", time.Now()); err != nil {
		t.Fatalf("orphan end should not error: %v", err)
	}
}
