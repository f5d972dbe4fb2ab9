package comments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew  = "comments.service.new"
	opCreate      = "comments.create"
	opUpdate      = "comments.update"
	opDelete      = "comments.delete"
	opToggle      = "comments.toggle_resolution"
	opListForRow  = "comments.list_for_row"
	opGet         = "comments.get"
	detailComment = "comment_id"
)

var errMissingLog = errors.New("activity log is required")

// Appender commits a primary-state mutation together with its activity entry.
type Appender interface {
	AppendWith(ctx context.Context, entry activity.Entry, mutate func(tx *gorm.DB) error) (activity.Entry, error)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store      *Store
	Log        Appender
	IDProvider collab.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service applies comment operations. Every mutation is recorded in the activity log within
// the same transaction. Callers serialize mutations per table.
type Service struct {
	store  *Store
	log    Appender
	ids    collab.IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// Result is the outcome of a comment mutation.
type Result struct {
	Comment Comment
	Entry   activity.Entry
	// NewMentions lists users mentioned for the first time by this mutation, author excluded.
	NewMentions []string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, collab.NewServiceError(opServiceNew, "missing_store", errMissingDatabase)
	}
	if cfg.Log == nil {
		return nil, collab.NewServiceError(opServiceNew, "missing_log", errMissingLog)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = collab.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, log: cfg.Log, ids: ids, clock: clock, logger: logger}, nil
}

// Get loads a comment by id.
func (s *Service) Get(ctx context.Context, commentID string) (Comment, error) {
	id, err := collab.NormalizeID("comment id", commentID)
	if err != nil {
		return Comment{}, collab.NewServiceError(opGet, "invalid_comment_id", err)
	}
	comment, err := s.store.Get(ctx, id)
	if err != nil {
		return Comment{}, s.wrap(opGet, "lookup_failed", err, zap.String(detailComment, id))
	}
	return comment, nil
}

// Create adds a comment, or a reply when parentID is set.
func (s *Service) Create(ctx context.Context, actor collab.Collaborator, tableID, rowID, content, parentID string) (Result, error) {
	table, err := collab.NormalizeID("table id", tableID)
	if err != nil {
		return Result{}, collab.NewServiceError(opCreate, "invalid_table_id", err)
	}
	row, err := collab.NormalizeID("row id", rowID)
	if err != nil {
		return Result{}, collab.NewServiceError(opCreate, "invalid_row_id", err)
	}
	body, err := normalizeContent(content)
	if err != nil {
		return Result{}, collab.NewServiceError(opCreate, "invalid_content", err)
	}
	var parent *string
	if parentID != "" {
		normalized, err := collab.NormalizeID("parent id", parentID)
		if err != nil {
			return Result{}, collab.NewServiceError(opCreate, "invalid_parent_id", err)
		}
		parent = &normalized
	}
	commentID, err := s.ids.NewID()
	if err != nil {
		return Result{}, s.wrap(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	comment := Comment{
		ID:        commentID,
		TableID:   table,
		RowID:     row,
		UserID:    actor.ID,
		Content:   body,
		ParentID:  parent,
		Mentions:  ExtractMentions(body),
		CreatedAt: now,
		UpdatedAt: now,
	}
	details := map[string]any{
		detailComment: comment.ID,
		"content":     comment.Content,
		"mentions":    comment.Mentions,
	}
	if parent != nil {
		details["parent_id"] = *parent
	}
	entry := activity.Entry{
		TableID:    table,
		UserID:     actor.ID,
		RowID:      row,
		ActionType: collab.ActionCommentCreated,
		Details:    details,
		Timestamp:  now,
	}.WithIdempotencyKey("comment:created:" + comment.ID)

	stored, err := s.log.AppendWith(ctx, entry, func(tx *gorm.DB) error {
		txStore := s.store.WithTx(tx)
		if parent != nil {
			parentComment, err := txStore.Get(ctx, *parent)
			if err != nil {
				return err
			}
			if err := validateParent(parentComment, table, row); err != nil {
				return err
			}
		}
		record := comment
		return txStore.Create(ctx, &record)
	})
	if err != nil {
		return Result{}, s.wrap(opCreate, reasonFor(err, "append_failed"), err, zap.String(detailComment, comment.ID))
	}
	return Result{Comment: comment, Entry: stored, NewMentions: withoutUser(comment.Mentions, actor.ID)}, nil
}

// Update replaces the content of a comment. Only the author may edit.
func (s *Service) Update(ctx context.Context, actor collab.Collaborator, commentID, content string) (Result, error) {
	existing, err := s.Get(ctx, commentID)
	if err != nil {
		return Result{}, err
	}
	if err := authorizeEdit(actor, existing); err != nil {
		return Result{}, collab.NewServiceError(opUpdate, "not_author", err)
	}
	body, err := normalizeContent(content)
	if err != nil {
		return Result{}, collab.NewServiceError(opUpdate, "invalid_content", err)
	}

	now := s.clock().UTC()
	mentions := ExtractMentions(body)
	entry := activity.Entry{
		TableID:    existing.TableID,
		UserID:     actor.ID,
		RowID:      existing.RowID,
		ActionType: collab.ActionCommentUpdated,
		Details: map[string]any{
			detailComment: existing.ID,
			"content":     body,
			"mentions":    mentions,
		},
		Timestamp: now,
	}

	var updated Comment
	var added []string
	stored, err := s.log.AppendWith(ctx, entry, func(tx *gorm.DB) error {
		txStore := s.store.WithTx(tx)
		current, err := txStore.Get(ctx, existing.ID)
		if err != nil {
			return err
		}
		if err := authorizeEdit(actor, current); err != nil {
			return err
		}
		added = addedMentions(current.Mentions, mentions)
		current.Content = body
		current.Mentions = mentions
		current.UpdatedAt = now
		updated = current
		return txStore.Save(ctx, &current)
	})
	if err != nil {
		return Result{}, s.wrap(opUpdate, reasonFor(err, "append_failed"), err, zap.String(detailComment, existing.ID))
	}
	return Result{Comment: updated, Entry: stored, NewMentions: withoutUser(added, actor.ID)}, nil
}

// Delete hard-deletes a comment. Its replies are orphaned.
func (s *Service) Delete(ctx context.Context, actor collab.Collaborator, commentID string) (Result, error) {
	existing, err := s.Get(ctx, commentID)
	if err != nil {
		return Result{}, err
	}
	if err := authorizeDelete(actor, existing); err != nil {
		return Result{}, collab.NewServiceError(opDelete, "not_permitted", err)
	}

	details := map[string]any{
		detailComment: existing.ID,
		"author_id":   existing.UserID,
	}
	if existing.ParentID != nil {
		details["parent_id"] = *existing.ParentID
	}
	if existing.UserID != actor.ID {
		details["forced"] = true
	}
	entry := activity.Entry{
		TableID:    existing.TableID,
		UserID:     actor.ID,
		RowID:      existing.RowID,
		ActionType: collab.ActionCommentDeleted,
		Details:    details,
		Timestamp:  s.clock().UTC(),
	}.WithIdempotencyKey("comment:deleted:" + existing.ID)

	stored, err := s.log.AppendWith(ctx, entry, func(tx *gorm.DB) error {
		return s.store.WithTx(tx).Delete(ctx, existing.ID)
	})
	if err != nil {
		return Result{}, s.wrap(opDelete, reasonFor(err, "append_failed"), err, zap.String(detailComment, existing.ID))
	}
	return Result{Comment: existing, Entry: stored}, nil
}

// ToggleResolution flips the resolved flag of a top-level comment.
func (s *Service) ToggleResolution(ctx context.Context, actor collab.Collaborator, commentID string) (Result, error) {
	existing, err := s.Get(ctx, commentID)
	if err != nil {
		return Result{}, err
	}
	if !existing.IsTopLevel() {
		return Result{}, collab.NewServiceError(opToggle, "reply", fmt.Errorf("%w: only top-level comments can be resolved", collab.ErrInvalidInput))
	}

	action := collab.ActionCommentResolved
	if existing.IsResolved {
		action = collab.ActionCommentUnresolved
	}
	now := s.clock().UTC()
	entry := activity.Entry{
		TableID:    existing.TableID,
		UserID:     actor.ID,
		RowID:      existing.RowID,
		ActionType: action,
		Details: map[string]any{
			detailComment: existing.ID,
			"is_resolved": !existing.IsResolved,
		},
		Timestamp: now,
	}

	var toggled Comment
	stored, err := s.log.AppendWith(ctx, entry, func(tx *gorm.DB) error {
		txStore := s.store.WithTx(tx)
		current, err := txStore.Get(ctx, existing.ID)
		if err != nil {
			return err
		}
		if current.IsResolved != existing.IsResolved {
			return fmt.Errorf("%w: comment %s changed concurrently", collab.ErrInvalidInput, existing.ID)
		}
		current.IsResolved = !current.IsResolved
		current.UpdatedAt = now
		toggled = current
		return txStore.Save(ctx, &current)
	})
	if err != nil {
		return Result{}, s.wrap(opToggle, reasonFor(err, "append_failed"), err, zap.String(detailComment, existing.ID))
	}
	return Result{Comment: toggled, Entry: stored}, nil
}

// ListForRow returns the threads of a row, oldest first, each carrying its replies.
func (s *Service) ListForRow(ctx context.Context, tableID, rowID string, includeResolved bool) ([]Comment, error) {
	table, err := collab.NormalizeID("table id", tableID)
	if err != nil {
		return nil, collab.NewServiceError(opListForRow, "invalid_table_id", err)
	}
	row, err := collab.NormalizeID("row id", rowID)
	if err != nil {
		return nil, collab.NewServiceError(opListForRow, "invalid_row_id", err)
	}
	rows, err := s.store.ListRow(ctx, table, row)
	if err != nil {
		return nil, s.wrap(opListForRow, "query_failed", fmt.Errorf("%w: %v", collab.ErrTransientIO, err))
	}
	return buildThreads(rows, includeResolved), nil
}

func (s *Service) wrap(operation, reason string, err error, fields ...zap.Field) error {
	if !isDomainError(err) {
		err = fmt.Errorf("%w: %v", collab.ErrTransientIO, err)
	}
	if collab.IsRetryable(err) {
		s.logError(operation, reason, err, fields...)
	}
	return collab.NewServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("comment operation failed", allFields...)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		collab.ErrNotFound,
		collab.ErrForbidden,
		collab.ErrInvalidParent,
		collab.ErrInvalidInput,
		collab.ErrTransientIO,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func reasonFor(err error, fallback string) string {
	switch {
	case errors.Is(err, collab.ErrInvalidParent):
		return "invalid_parent"
	case errors.Is(err, collab.ErrNotFound):
		return "not_found"
	case errors.Is(err, collab.ErrForbidden):
		return "forbidden"
	default:
		return fallback
	}
}

func withoutUser(users []string, userID string) []string {
	filtered := make([]string, 0, len(users))
	for _, user := range users {
		if user != userID {
			filtered = append(filtered, user)
		}
	}
	return filtered
}
