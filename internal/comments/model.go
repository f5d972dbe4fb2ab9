// Package comments implements single-level comment threads attached to rows.
package comments

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
)

const maxContentLength = 10000

// Comment is a persisted comment. A nil ParentID marks a top-level comment.
type Comment struct {
	ID         string    `gorm:"column:comment_id;primaryKey;size:64" json:"id"`
	TableID    string    `gorm:"column:table_id;size:190;not null;index:idx_comments_row,priority:1" json:"table_id"`
	RowID      string    `gorm:"column:row_id;size:190;not null;index:idx_comments_row,priority:2" json:"row_id"`
	UserID     string    `gorm:"column:user_id;size:190;not null" json:"user_id"`
	Content    string    `gorm:"column:content;type:text;not null" json:"content"`
	ParentID   *string   `gorm:"column:parent_id;size:64;index" json:"parent_id"`
	Mentions   []string  `gorm:"column:mentions;type:text;serializer:json" json:"mentions"`
	IsResolved bool      `gorm:"column:is_resolved;not null;default:false" json:"is_resolved"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`

	// Replies is populated by ListForRow for top-level comments.
	Replies []Comment `gorm:"-" json:"replies,omitempty"`
	// Deleted marks a synthesized placeholder standing in for a removed top-level comment.
	Deleted bool `gorm:"-" json:"deleted,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// IsTopLevel reports whether the comment starts a thread.
func (c Comment) IsTopLevel() bool {
	return c.ParentID == nil
}

func normalizeContent(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty comment content", collab.ErrInvalidInput)
	}
	if utf8.RuneCountInString(trimmed) > maxContentLength {
		return "", fmt.Errorf("%w: comment content exceeds %d characters", collab.ErrInvalidInput, maxContentLength)
	}
	return trimmed, nil
}

// validateParent enforces single-level threading.
func validateParent(parent Comment, tableID, rowID string) error {
	if !parent.IsTopLevel() {
		return fmt.Errorf("%w: comment %s is already a reply", collab.ErrInvalidParent, parent.ID)
	}
	if parent.TableID != tableID || parent.RowID != rowID {
		return fmt.Errorf("%w: parent comment %s belongs to another row", collab.ErrInvalidParent, parent.ID)
	}
	return nil
}

func authorizeEdit(actor collab.Collaborator, comment Comment) error {
	if comment.UserID != actor.ID {
		return fmt.Errorf("%w: only the author may edit comment %s", collab.ErrForbidden, comment.ID)
	}
	return nil
}

func authorizeDelete(actor collab.Collaborator, comment Comment) error {
	if comment.UserID != actor.ID && !actor.Privileged {
		return fmt.Errorf("%w: comment %s may only be deleted by its author", collab.ErrForbidden, comment.ID)
	}
	return nil
}
