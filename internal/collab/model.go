package collab

import (
	"fmt"
	"strings"
)

// ActionType enumerates activity log entry kinds.
type ActionType string

const (
	ActionUserJoined        ActionType = "user_joined"
	ActionUserLeft          ActionType = "user_left"
	ActionLockAcquired      ActionType = "lock_acquired"
	ActionLockReleased      ActionType = "lock_released"
	ActionLockBroken        ActionType = "lock_broken"
	ActionCommentCreated    ActionType = "comment_created"
	ActionCommentUpdated    ActionType = "comment_updated"
	ActionCommentDeleted    ActionType = "comment_deleted"
	ActionCommentResolved   ActionType = "comment_resolved"
	ActionCommentUnresolved ActionType = "comment_unresolved"

	// Mutations reported by the surrounding grid product.
	ActionRowCreated   ActionType = "row_created"
	ActionRowUpdated   ActionType = "row_updated"
	ActionRowDeleted   ActionType = "row_deleted"
	ActionFieldUpdated ActionType = "field_updated"
	ActionViewUpdated  ActionType = "view_updated"
)

var externalActions = map[ActionType]struct{}{
	ActionRowCreated:   {},
	ActionRowUpdated:   {},
	ActionRowDeleted:   {},
	ActionFieldUpdated: {},
	ActionViewUpdated:  {},
}

// IsExternal reports whether callers outside the core may record this action type.
func (a ActionType) IsExternal() bool {
	_, ok := externalActions[a]
	return ok
}

// ParseActionType validates raw input against the known action types.
func ParseActionType(raw string) (ActionType, error) {
	value := ActionType(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case ActionUserJoined, ActionUserLeft,
		ActionLockAcquired, ActionLockReleased, ActionLockBroken,
		ActionCommentCreated, ActionCommentUpdated, ActionCommentDeleted,
		ActionCommentResolved, ActionCommentUnresolved:
		return value, nil
	}
	if value.IsExternal() {
		return value, nil
	}
	return "", fmt.Errorf("%w: unknown action type %q", ErrInvalidInput, raw)
}

// RoleAdmin marks a collaborator allowed to break locks and delete any comment.
const RoleAdmin = "admin"

// Collaborator is the identity of a connected user for the lifetime of a session.
type Collaborator struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Color       string `json:"color"`
	Privileged  bool   `json:"privileged"`
}

const maxIdentifierLength = 190

// NormalizeID trims an identifier and checks it fits storage bounds.
func NormalizeID(kind, rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidInput, kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, kind, maxIdentifierLength)
	}
	return trimmed, nil
}

// FieldKey addresses a single field of a single row.
type FieldKey struct {
	TableID string `json:"table_id"`
	RowID   string `json:"row_id"`
	FieldID string `json:"field_id"`
}

// NewFieldKey validates every component of the key.
func NewFieldKey(tableID, rowID, fieldID string) (FieldKey, error) {
	table, err := NormalizeID("table id", tableID)
	if err != nil {
		return FieldKey{}, err
	}
	row, err := NormalizeID("row id", rowID)
	if err != nil {
		return FieldKey{}, err
	}
	field, err := NormalizeID("field id", fieldID)
	if err != nil {
		return FieldKey{}, err
	}
	return FieldKey{TableID: table, RowID: row, FieldID: field}, nil
}

func (k FieldKey) String() string {
	return k.TableID + "/" + k.RowID + "/" + k.FieldID
}
