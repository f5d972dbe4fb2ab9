package comments

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// Store reads and writes comments. WithTx scopes it to an open transaction.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, collab.NewServiceError("comments.store.new", "missing_database", errMissingDatabase)
	}
	return &Store{db: db}, nil
}

// WithTx returns a Store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Get loads one comment or reports collab.ErrNotFound.
func (s *Store) Get(ctx context.Context, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.WithContext(ctx).Where("comment_id = ?", commentID).Take(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, fmt.Errorf("%w: comment %s", collab.ErrNotFound, commentID)
	}
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (s *Store) Create(ctx context.Context, comment *Comment) error {
	return s.db.WithContext(ctx).Create(comment).Error
}

func (s *Store) Save(ctx context.Context, comment *Comment) error {
	return s.db.WithContext(ctx).Save(comment).Error
}

// Delete removes a single comment. Replies are left in place.
func (s *Store) Delete(ctx context.Context, commentID string) error {
	result := s.db.WithContext(ctx).Where("comment_id = ?", commentID).Delete(&Comment{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: comment %s", collab.ErrNotFound, commentID)
	}
	return nil
}

// CountReplies returns the number of replies that reference parentID.
func (s *Store) CountReplies(ctx context.Context, parentID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Comment{}).Where("parent_id = ?", parentID).Count(&count).Error
	return count, err
}

// ListRow returns every comment of a row, unordered.
func (s *Store) ListRow(ctx context.Context, tableID, rowID string) ([]Comment, error) {
	var rows []Comment
	err := s.db.WithContext(ctx).Where("table_id = ? AND row_id = ?", tableID, rowID).Find(&rows).Error
	return rows, err
}
