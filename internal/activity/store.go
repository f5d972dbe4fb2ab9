package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnTableID        = "table_id"
	columnEntryID        = "entry_id"
	queryTableID         = columnTableID + " = ?"
	queryTableIdempotent = columnTableID + " = ? AND idempotency_key = ?"
	orderEntryIDAsc      = columnEntryID + " ASC"
	orderEntryIDDesc     = columnEntryID + " DESC"
)

var errMissingDatabase = errors.New("database handle is required")

// Store persists entries with gorm. Appends for one table must be serialized by the caller.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore wraps db.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, collab.NewServiceError("activity.store.new", "missing_database", errMissingDatabase)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the handle so that primary-state stores can share transactions.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Append assigns the next table-scoped id and inserts entry. When mutate is non-nil it runs
// inside the same transaction, before the insert. A previously committed entry with the
// same idempotency key is returned with duplicate set, and mutate is skipped.
func (s *Store) Append(ctx context.Context, entry Entry, mutate func(tx *gorm.DB) error) (stored Entry, duplicate bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if entry.IdempotencyKey != nil {
			var existing []Entry
			if lookupErr := tx.Where(queryTableIdempotent, entry.TableID, *entry.IdempotencyKey).Limit(1).Find(&existing).Error; lookupErr != nil {
				return lookupErr
			}
			if len(existing) > 0 {
				stored = existing[0]
				duplicate = true
				return nil
			}
		}

		var tail Entry
		if tailErr := tx.Where(queryTableID, entry.TableID).Order(orderEntryIDDesc).Limit(1).Find(&tail).Error; tailErr != nil {
			return tailErr
		}

		entry.ID = tail.ID + 1
		entry.Timestamp = entry.Timestamp.UTC()
		if entry.Timestamp.Before(tail.Timestamp) {
			entry.Timestamp = tail.Timestamp.UTC()
		}

		if mutate != nil {
			if mutateErr := mutate(tx); mutateErr != nil {
				return mutateErr
			}
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("activity: conflicting append for table %s id %d", entry.TableID, entry.ID)
		}
		stored = entry
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return stored, duplicate, nil
}

// Query returns one page of entries matching filter.
func (s *Store) Query(ctx context.Context, filter Filter) (Page, error) {
	limit := filter.limit()
	query := s.db.WithContext(ctx).Model(&Entry{}).Where(queryTableID, filter.TableID)

	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if len(filter.ActionTypes) > 0 {
		query = query.Where("action_type IN ?", filter.ActionTypes)
	}
	if !filter.Since.IsZero() {
		query = query.Where("occurred_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("occurred_at < ?", filter.Until.UTC())
	}
	if term := strings.TrimSpace(filter.Search); term != "" {
		query = query.Where("LOWER(details) LIKE ? ESCAPE '\\'", "%"+escapeLike(encodedSearchTerm(term))+"%")
	}
	if filter.AfterID > 0 {
		query = query.Where(columnEntryID+" > ?", filter.AfterID)
	}
	if filter.BeforeID > 0 {
		query = query.Where(columnEntryID+" < ?", filter.BeforeID)
	}

	order := orderEntryIDAsc
	if filter.Descending {
		order = orderEntryIDDesc
	}

	var entries []Entry
	if err := query.Order(order).Limit(limit + 1).Find(&entries).Error; err != nil {
		s.logger.Error("activity query failed",
			zap.String("operation", "activity.query"),
			zap.String(columnTableID, filter.TableID),
			zap.Error(err))
		return Page{}, err
	}

	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
	}
	return page, nil
}

// LatestID returns the id of the most recent entry of tableID, or zero.
func (s *Store) LatestID(ctx context.Context, tableID string) (int64, error) {
	var tail Entry
	if err := s.db.WithContext(ctx).Select(columnEntryID).Where(queryTableID, tableID).Order(orderEntryIDDesc).Limit(1).Find(&tail).Error; err != nil {
		return 0, err
	}
	return tail.ID, nil
}

// encodedSearchTerm spells term the way it appears inside stored details, where the
// JSON encoder escapes quotes, backslashes and <, >, &.
func encodedSearchTerm(term string) string {
	encoded, err := json.Marshal(strings.ToLower(term))
	if err != nil || len(encoded) < 2 {
		return strings.ToLower(term)
	}
	return string(encoded[1 : len(encoded)-1])
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
