// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers session lifecycle, event persistence, and event ordering/limiting

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSessionLifecycle(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.Now().UTC().Truncate(time.Millisecond)

			rec := &SessionRecord{ID: "sess-1", AgentSessionID: "agent-1", CreatedAt: created}
			if err := store.CreateSession(ctx, rec); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}
			if err := store.CreateSession(ctx, rec); !errors.Is(err, ErrDuplicateSession) {
				t.Errorf("expected ErrDuplicateSession, got %v", err)
			}

			got, err := store.GetSession(ctx, "sess-1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if got.AgentSessionID != "agent-1" {
				t.Errorf("AgentSessionID = %q, want agent-1", got.AgentSessionID)
			}
			if !got.CreatedAt.Equal(created) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
			}
			if got.ClosedAt != nil {
				t.Error("new session should not be closed")
			}

			first := created.Add(time.Minute)
			if err := store.CloseSession(ctx, "sess-1", first); err != nil {
				t.Fatalf("CloseSession failed: %v", err)
			}
			if err := store.CloseSession(ctx, "sess-1", first.Add(time.Hour)); err != nil {
				t.Fatalf("second CloseSession failed: %v", err)
			}

			got, err = store.GetSession(ctx, "sess-1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if got.ClosedAt == nil || !got.ClosedAt.Equal(first) {
				t.Errorf("ClosedAt = %v, want %v", got.ClosedAt, first)
			}
		})
	}
}

func TestGetSessionNotFound(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			if err := store.CloseSession(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListEventsOrderAndLimit(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.CreateSession(ctx, &SessionRecord{ID: "s", CreatedAt: time.Now()}); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}

			for i := 1; i <= 5; i++ {
				ev := &EventRecord{
					SessionID: "s",
					Seq:       uint64(i),
					Type:      "timeline.message",
					Data:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
					CreatedAt: time.Now(),
				}
				if err := store.SaveEvent(ctx, ev); err != nil {
					t.Fatalf("SaveEvent failed: %v", err)
				}
			}

			all, err := store.ListEvents(ctx, "s", 0)
			if err != nil {
				t.Fatalf("ListEvents failed: %v", err)
			}
			if len(all) != 5 {
				t.Fatalf("expected 5 events, got %d", len(all))
			}
			for i, ev := range all {
				if ev.Seq != uint64(i+1) {
					t.Errorf("event %d has seq %d", i, ev.Seq)
				}
			}

			last, err := store.ListEvents(ctx, "s", 2)
			if err != nil {
				t.Fatalf("ListEvents failed: %v", err)
			}
			if len(last) != 2 || last[0].Seq != 4 || last[1].Seq != 5 {
				t.Errorf("expected seqs [4 5], got %v", seqs(last))
			}
			if string(last[1].Data) != `{"n":5}` {
				t.Errorf("Data = %s", last[1].Data)
			}
		})
	}
}

func TestListEventsUnknownSession(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			events, err := store.ListEvents(context.Background(), "missing", 10)
			if err != nil {
				t.Fatalf("ListEvents failed: %v", err)
			}
			if len(events) != 0 {
				t.Errorf("expected no events, got %d", len(events))
			}
		})
	}
}

func TestSQLiteStoreRejectsOrphanEvent(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveEvent(context.Background(), &EventRecord{
		SessionID: "nobody",
		Seq:       1,
		Type:      "error",
		CreatedAt: time.Now(),
	})
	if err == nil {
		t.Error("expected foreign key failure for unknown session")
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultEventLimit},
		{-3, DefaultEventLimit},
		{10, 10},
		{MaxEventLimit + 1, MaxEventLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func seqs(events []*EventRecord) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.Seq
	}
	return out
}

// testStores returns a fresh instance of every Store implementation.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"sqlite": newTestStore(t),
		"mock":   NewMockStore(),
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(MemoryPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}
