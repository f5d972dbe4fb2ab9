package coordinator

import (
	"github.com/MarcoPoloResearchLab/gridcollab/internal/locks"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/presence"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/typing"
)

// Presence statuses carried by PresenceUpdate.
const (
	PresenceActive = "active"
	PresenceLeft   = "left"
)

// Reasons recorded in the details of user_left and lock_released entries.
const (
	ReasonDisconnect  = "disconnect"
	ReasonExpired     = "expired"
	ReasonReleased    = "released"
	ReasonIdleTimeout = "idle_timeout"
)

// PresenceUpdate is pushed to subscribers whenever a collaborator's presence changes.
type PresenceUpdate struct {
	TableID string          `json:"table_id"`
	UserID  string          `json:"user_id"`
	Status  string          `json:"status"`
	Entry   *presence.Entry `json:"entry,omitempty"`
}

// TypingUpdate carries every live indicator of one cell after a change.
type TypingUpdate struct {
	TableID string             `json:"table_id"`
	RowID   string             `json:"row_id"`
	FieldID string             `json:"field_id"`
	Users   []typing.Indicator `json:"users"`
}

func lockIdempotencyKey(action string, lock locks.Lock) string {
	return "lock:" + action + ":" + lock.GrantID
}

func lockDetails(lock locks.Lock) map[string]any {
	details := map[string]any{
		"owner_user_id": lock.Owner,
		"grant_id":      lock.GrantID,
		"acquired_at":   lock.AcquiredAt,
	}
	if len(lock.Metadata) > 0 {
		details["metadata"] = lock.Metadata
	}
	return details
}
