// Package typing keeps the ephemeral "currently typing" set per (row, field).
package typing

import (
	"sort"
	"time"
)

// Indicator marks one collaborator typing into one cell.
type Indicator struct {
	UserID    string    `json:"user_id"`
	RowID     string    `json:"row_id"`
	FieldID   string    `json:"field_id"`
	Timestamp time.Time `json:"timestamp"`
}

type cell struct {
	rowID   string
	fieldID string
}

// Tracker holds indicators for one table. It is not safe for concurrent use.
type Tracker struct {
	ttl     time.Duration
	entries map[cell]map[string]time.Time
}

// NewTracker constructs a tracker whose indicators live for ttl.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:     ttl,
		entries: make(map[cell]map[string]time.Time),
	}
}

// Start inserts or refreshes the indicator of userID.
func (t *Tracker) Start(userID, rowID, fieldID string, now time.Time) Indicator {
	target := cell{rowID: rowID, fieldID: fieldID}
	users := t.entries[target]
	if users == nil {
		users = make(map[string]time.Time)
		t.entries[target] = users
	}
	users[userID] = now
	return Indicator{UserID: userID, RowID: rowID, FieldID: fieldID, Timestamp: now}
}

// Stop removes the indicator of userID and reports whether one was stored.
func (t *Tracker) Stop(userID, rowID, fieldID string) bool {
	target := cell{rowID: rowID, fieldID: fieldID}
	users := t.entries[target]
	if users == nil {
		return false
	}
	_, existed := users[userID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, target)
	}
	return existed
}

// List returns live indicators for the cell excluding requester, oldest first.
func (t *Tracker) List(rowID, fieldID, requester string, now time.Time) []Indicator {
	users := t.entries[cell{rowID: rowID, fieldID: fieldID}]
	indicators := make([]Indicator, 0, len(users))
	for userID, timestamp := range users {
		if userID == requester {
			continue
		}
		if now.Sub(timestamp) >= t.ttl {
			continue
		}
		indicators = append(indicators, Indicator{UserID: userID, RowID: rowID, FieldID: fieldID, Timestamp: timestamp})
	}
	sort.Slice(indicators, func(i, j int) bool {
		if indicators[i].Timestamp.Equal(indicators[j].Timestamp) {
			return indicators[i].UserID < indicators[j].UserID
		}
		return indicators[i].Timestamp.Before(indicators[j].Timestamp)
	})
	return indicators
}

// StopAll removes every indicator of userID and returns the affected cells.
func (t *Tracker) StopAll(userID string) []Indicator {
	var removed []Indicator
	for target, users := range t.entries {
		timestamp, ok := users[userID]
		if !ok {
			continue
		}
		removed = append(removed, Indicator{UserID: userID, RowID: target.rowID, FieldID: target.fieldID, Timestamp: timestamp})
		delete(users, userID)
		if len(users) == 0 {
			delete(t.entries, target)
		}
	}
	return removed
}

// Prune drops expired indicators and returns how many were removed.
func (t *Tracker) Prune(now time.Time) int {
	removed := 0
	for target, users := range t.entries {
		for userID, timestamp := range users {
			if now.Sub(timestamp) >= t.ttl {
				delete(users, userID)
				removed++
			}
		}
		if len(users) == 0 {
			delete(t.entries, target)
		}
	}
	return removed
}

// Len returns the number of cells with at least one stored indicator.
func (t *Tracker) Len() int {
	return len(t.entries)
}
