package presence

import (
	"errors"
	"testing"
	"time"
)

func TestListActiveFiltersStaleEntries(t *testing.T) {
	registry := NewRegistry("table-1", 10*time.Second)
	now := time.Unix(1700000000, 0).UTC()

	registry.Heartbeat("user-a", "grid", Cursor{Mode: CursorFocus, Active: true}, now.Add(-11*time.Second))
	registry.Heartbeat("user-b", "grid", Cursor{Mode: CursorPointer, X: 4, Y: 2}, now.Add(-2*time.Second))

	active := registry.ListActive("", now)
	if len(active) != 1 {
		t.Fatalf("expected one live entry, got %d", len(active))
	}
	if active[0].UserID != "user-b" {
		t.Fatalf("expected user-b to be live, got %s", active[0].UserID)
	}
	if registry.IsLive("user-a", now) {
		t.Fatalf("entry seen 11s ago must not be live with a 10s ttl")
	}
}

func TestListActiveBoundaryIsExclusive(t *testing.T) {
	registry := NewRegistry("table-1", 10*time.Second)
	now := time.Unix(1700000000, 0).UTC()
	registry.Heartbeat("user-a", "", Cursor{}, now.Add(-10*time.Second))

	if len(registry.ListActive("", now)) != 0 {
		t.Fatalf("entry exactly at ttl must be considered stale")
	}
}

func TestListActiveFiltersByView(t *testing.T) {
	registry := NewRegistry("table-1", 10*time.Second)
	now := time.Unix(1700000000, 0).UTC()
	registry.Heartbeat("user-a", "kanban", Cursor{}, now)
	registry.Heartbeat("user-b", "grid", Cursor{}, now)
	registry.Heartbeat("user-c", "grid", Cursor{}, now)

	grid := registry.ListActive("grid", now)
	if len(grid) != 2 || grid[0].UserID != "user-b" || grid[1].UserID != "user-c" {
		t.Fatalf("unexpected grid viewers: %#v", grid)
	}
	if all := registry.ListActive("", now); len(all) != 3 {
		t.Fatalf("expected three viewers without a view filter, got %d", len(all))
	}
}

func TestHeartbeatOverwritesEntry(t *testing.T) {
	registry := NewRegistry("table-1", 10*time.Second)
	start := time.Unix(1700000000, 0).UTC()
	registry.Heartbeat("user-a", "grid", Cursor{Mode: CursorPointer, X: 1, Y: 1}, start)
	registry.Heartbeat("user-a", "calendar", Cursor{Mode: CursorPointer, X: 9, Y: 9}, start.Add(time.Second))

	if registry.Len() != 1 {
		t.Fatalf("expected a single entry per user, got %d", registry.Len())
	}
	entry, _ := registry.Get("user-a")
	if entry.ViewID != "calendar" || entry.Cursor.X != 9 || !entry.LastSeen.Equal(start.Add(time.Second)) {
		t.Fatalf("heartbeat did not overwrite entry: %#v", entry)
	}
}

func TestExpiredAndRemove(t *testing.T) {
	registry := NewRegistry("table-1", 5*time.Second)
	now := time.Unix(1700000000, 0).UTC()
	registry.Heartbeat("user-a", "", Cursor{}, now.Add(-20*time.Second))
	registry.Heartbeat("user-b", "", Cursor{}, now.Add(-6*time.Second))
	registry.Heartbeat("user-c", "", Cursor{}, now)

	expired := registry.Expired(now)
	if len(expired) != 2 || expired[0].UserID != "user-a" || expired[1].UserID != "user-b" {
		t.Fatalf("unexpected expired entries: %#v", expired)
	}

	removed, ok := registry.Remove("user-a")
	if !ok || removed.UserID != "user-a" {
		t.Fatalf("expected user-a to be removed")
	}
	if _, ok := registry.Remove("user-a"); ok {
		t.Fatalf("second removal must report absence")
	}
	registry.Put(removed)
	if registry.Len() != 3 {
		t.Fatalf("expected put to restore the entry")
	}
}

func TestCursorNormalize(t *testing.T) {
	cursor, err := Cursor{}.Normalize()
	if err != nil || cursor.Mode != CursorFocus {
		t.Fatalf("expected empty cursor to default to focus, got %#v %v", cursor, err)
	}
	pointer, err := Cursor{Mode: "POINTER", X: 3, Y: 4, Active: true, RowID: "r"}.Normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pointer.Active || pointer.RowID != "" || pointer.X != 3 {
		t.Fatalf("pointer cursor should drop focus fields: %#v", pointer)
	}
	if _, err := (Cursor{Mode: "laser"}).Normalize(); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected invalid cursor error, got %v", err)
	}
}
