// Package activity implements the append-only, per-table ordered activity log.
package activity

import (
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
)

// Entry is one immutable activity log record. Entries of a table are totally ordered by
// ID, and the store keeps Timestamp non-decreasing along that order.
type Entry struct {
	TableID        string            `gorm:"column:table_id;primaryKey;size:190;not null;uniqueIndex:idx_activity_idempotency,priority:1;index:idx_activity_table_time,priority:1" json:"table_id"`
	ID             int64             `gorm:"column:entry_id;primaryKey;autoIncrement:false" json:"id"`
	UserID         string            `gorm:"column:user_id;size:190;not null;default:'';index" json:"user_id,omitempty"`
	RowID          string            `gorm:"column:row_id;size:190;not null;default:''" json:"row_id,omitempty"`
	FieldID        string            `gorm:"column:field_id;size:190;not null;default:''" json:"field_id,omitempty"`
	ViewID         string            `gorm:"column:view_id;size:190;not null;default:''" json:"view_id,omitempty"`
	ActionType     collab.ActionType `gorm:"column:action_type;size:64;not null;index" json:"action_type"`
	Details        map[string]any    `gorm:"column:details;type:text;serializer:json" json:"details,omitempty"`
	Timestamp      time.Time         `gorm:"column:occurred_at;not null;index:idx_activity_table_time,priority:2" json:"timestamp"`
	IdempotencyKey *string           `gorm:"column:idempotency_key;size:190;uniqueIndex:idx_activity_idempotency,priority:2" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "activity_entries"
}

// IsSystem reports whether the entry was generated without an acting user.
func (e Entry) IsSystem() bool {
	return e.UserID == ""
}

// WithIdempotencyKey returns a copy of the entry carrying key.
func (e Entry) WithIdempotencyKey(key string) Entry {
	if key == "" {
		e.IdempotencyKey = nil
		return e
	}
	value := key
	e.IdempotencyKey = &value
	return e
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	TableID     string
	UserID      string
	ActionTypes []collab.ActionType
	// Since is inclusive, Until is exclusive.
	Since time.Time
	Until time.Time
	// Search is a case-insensitive substring match against the JSON-encoded details, so
	// detail keys such as "comment_id" match as well as values.
	Search string
	// AfterID and BeforeID are exclusive cursors.
	AfterID    int64
	BeforeID   int64
	Limit      int
	Descending bool
}

// Page is one slice of query results.
type Page struct {
	Entries []Entry `json:"entries"`
	HasMore bool    `json:"has_more"`
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultPageLimit
	case f.Limit > maxPageLimit:
		return maxPageLimit
	default:
		return f.Limit
	}
}
