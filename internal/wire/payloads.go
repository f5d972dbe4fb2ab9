package wire

import (
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/presence"
)

type HeartbeatPayload struct {
	ViewID string          `json:"view_id,omitempty"`
	Cursor presence.Cursor `json:"cursor"`
}

// CellPayload addresses a field of a row in the channel's table.
type CellPayload struct {
	RowID    string            `json:"row_id"`
	FieldID  string            `json:"field_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type CommentCreatePayload struct {
	RowID    string `json:"row_id"`
	Content  string `json:"content"`
	ParentID string `json:"parent_id,omitempty"`
}

type CommentUpdatePayload struct {
	CommentID string `json:"comment_id"`
	Content   string `json:"content"`
}

type CommentRefPayload struct {
	CommentID string `json:"comment_id"`
}

// Settings advertises the client-side timing contract.
type Settings struct {
	PresenceTTLMillis     int64 `json:"presence_ttl_ms"`
	HeartbeatMillis       int64 `json:"heartbeat_interval_ms"`
	CursorRate            int   `json:"cursor_rate"`
	TypingTTLMillis       int64 `json:"typing_ttl_ms"`
	TypingDebounceMillis  int64 `json:"typing_stop_debounce_ms"`
	LockIdleTimeoutMillis int64 `json:"lock_idle_timeout_ms"`
	FeedCapacity          int   `json:"feed_capacity"`
}

// HelloPayload greets a freshly opened channel.
type HelloPayload struct {
	User     collab.Collaborator `json:"user"`
	TableID  string              `json:"table_id"`
	ViewID   string              `json:"view_id,omitempty"`
	LatestID int64               `json:"latest_id"`
	Settings Settings            `json:"settings"`
}

// ErrorPayload is the body of an error frame and of failed REST responses.
type ErrorPayload struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Owner     string `json:"owner,omitempty"`
}
