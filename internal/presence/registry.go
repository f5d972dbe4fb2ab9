// Package presence tracks which collaborators are viewing a table and where their cursor is.
//
// A Registry is owned by a single table scope and is not safe for concurrent use;
// the coordinator serializes access. Liveness is always evaluated at read time against
// the configured TTL, so a missed sweep never exposes a stale entry.
package presence

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidCursor indicates an unknown cursor mode.
var ErrInvalidCursor = fmt.Errorf("presence: invalid cursor")

// CursorMode distinguishes pointer coordinates from field focus.
type CursorMode string

const (
	CursorPointer CursorMode = "pointer"
	CursorFocus   CursorMode = "focus"
)

// Cursor is either a pointer position or a focus flag on a cell.
type Cursor struct {
	Mode    CursorMode `json:"mode"`
	X       float64    `json:"x,omitempty"`
	Y       float64    `json:"y,omitempty"`
	Active  bool       `json:"active,omitempty"`
	RowID   string     `json:"row_id,omitempty"`
	FieldID string     `json:"field_id,omitempty"`
}

// Normalize validates the cursor and fills the default mode.
func (c Cursor) Normalize() (Cursor, error) {
	mode := CursorMode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	switch mode {
	case "":
		mode = CursorFocus
	case CursorPointer, CursorFocus:
	default:
		return Cursor{}, fmt.Errorf("%w: mode %q", ErrInvalidCursor, c.Mode)
	}
	normalized := c
	normalized.Mode = mode
	if mode == CursorPointer {
		normalized.Active = false
		normalized.RowID = ""
		normalized.FieldID = ""
	} else {
		normalized.X = 0
		normalized.Y = 0
	}
	return normalized, nil
}

// Entry is the latest heartbeat of one user in one table.
type Entry struct {
	UserID   string    `json:"user_id"`
	TableID  string    `json:"table_id"`
	ViewID   string    `json:"view_id,omitempty"`
	Cursor   Cursor    `json:"cursor"`
	LastSeen time.Time `json:"last_seen"`
}

// LiveAt reports whether the entry is younger than ttl at now.
func (e Entry) LiveAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastSeen) < ttl
}

// Registry stores one entry per user for a single table.
type Registry struct {
	tableID string
	ttl     time.Duration
	entries map[string]Entry
}

// NewRegistry constructs an empty registry for tableID.
func NewRegistry(tableID string, ttl time.Duration) *Registry {
	return &Registry{
		tableID: tableID,
		ttl:     ttl,
		entries: make(map[string]Entry),
	}
}

// Get returns the stored entry regardless of liveness.
func (r *Registry) Get(userID string) (Entry, bool) {
	entry, ok := r.entries[userID]
	return entry, ok
}

// IsLive reports whether userID has a live entry at now.
func (r *Registry) IsLive(userID string, now time.Time) bool {
	entry, ok := r.entries[userID]
	return ok && entry.LiveAt(now, r.ttl)
}

// Heartbeat overwrites the entry for userID and resets its last_seen.
func (r *Registry) Heartbeat(userID, viewID string, cursor Cursor, now time.Time) Entry {
	entry := Entry{
		UserID:   userID,
		TableID:  r.tableID,
		ViewID:   viewID,
		Cursor:   cursor,
		LastSeen: now,
	}
	r.entries[userID] = entry
	return entry
}

// Put stores entry verbatim; used to roll back a removal.
func (r *Registry) Put(entry Entry) {
	r.entries[entry.UserID] = entry
}

// Remove deletes the entry for userID.
func (r *Registry) Remove(userID string) (Entry, bool) {
	entry, ok := r.entries[userID]
	if ok {
		delete(r.entries, userID)
	}
	return entry, ok
}

// ListActive returns live entries ordered by user id, optionally restricted to viewID.
func (r *Registry) ListActive(viewID string, now time.Time) []Entry {
	active := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		if !entry.LiveAt(now, r.ttl) {
			continue
		}
		if viewID != "" && entry.ViewID != viewID {
			continue
		}
		active = append(active, entry)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].UserID < active[j].UserID
	})
	return active
}

// Expired returns entries that are no longer live at now, ordered by last_seen.
func (r *Registry) Expired(now time.Time) []Entry {
	var expired []Entry
	for _, entry := range r.entries {
		if !entry.LiveAt(now, r.ttl) {
			expired = append(expired, entry)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].LastSeen.Equal(expired[j].LastSeen) {
			return expired[i].UserID < expired[j].UserID
		}
		return expired[i].LastSeen.Before(expired[j].LastSeen)
	})
	return expired
}

// Len returns the number of stored entries, live or not.
func (r *Registry) Len() int {
	return len(r.entries)
}
