package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAppend   = "activity.append"
	opQuery    = "activity.query"
	opLatestID = "activity.latest_id"

	defaultAppendAttempts = 3
	defaultRetryBackoff   = 100 * time.Millisecond
)

// Backend is the durable store behind a Log.
type Backend interface {
	Append(ctx context.Context, entry Entry, mutate func(tx *gorm.DB) error) (Entry, bool, error)
	Query(ctx context.Context, filter Filter) (Page, error)
	LatestID(ctx context.Context, tableID string) (int64, error)
}

// LogConfig describes the dependencies of a Log.
type LogConfig struct {
	Backend    Backend
	IDProvider collab.IDProvider
	Attempts   int
	Backoff    time.Duration
	Logger     *zap.Logger
	// Sleep waits between attempts; it defaults to a context-aware timer.
	Sleep func(ctx context.Context, delay time.Duration) error
}

// Log is the single choke point for writing activity. It validates entries, gives every
// append an idempotency key, and retries transient failures before reporting ErrTransientIO.
type Log struct {
	backend  Backend
	ids      collab.IDProvider
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
	sleep    func(ctx context.Context, delay time.Duration) error
}

// NewLog constructs a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Backend == nil {
		return nil, collab.NewServiceError("activity.log.new", "missing_backend", errMissingDatabase)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = collab.NewUUIDProvider()
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAppendAttempts
	}
	backoff := cfg.Backoff
	if backoff < 0 {
		backoff = defaultRetryBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Log{
		backend:  cfg.Backend,
		ids:      ids,
		attempts: attempts,
		backoff:  backoff,
		logger:   logger,
		sleep:    sleep,
	}, nil
}

// Append records entry and returns it with its table-scoped id.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	return l.AppendWith(ctx, entry, nil)
}

// AppendWith commits mutate and entry atomically. Either both become durable or neither does.
func (l *Log) AppendWith(ctx context.Context, entry Entry, mutate func(tx *gorm.DB) error) (Entry, error) {
	if err := validateEntry(entry); err != nil {
		return Entry{}, collab.NewServiceError(opAppend, "invalid_entry", err)
	}
	if entry.IdempotencyKey == nil {
		key, err := l.ids.NewID()
		if err != nil {
			return Entry{}, collab.NewServiceError(opAppend, "id_generation_failed", err)
		}
		entry = entry.WithIdempotencyKey("auto:" + key)
	}

	var lastErr error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		stored, duplicate, err := l.backend.Append(ctx, entry, mutate)
		if err == nil {
			if duplicate {
				l.logger.Debug("activity append deduplicated",
					zap.String("table_id", stored.TableID),
					zap.Int64("entry_id", stored.ID),
					zap.String("idempotency_key", *entry.IdempotencyKey))
			}
			return stored, nil
		}
		if isPermanent(err) {
			return Entry{}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Entry{}, collab.NewServiceError(opAppend, "cancelled", fmt.Errorf("%w: %v", collab.ErrTransientIO, ctxErr))
		}
		lastErr = err
		l.logger.Warn("activity append failed",
			zap.String("operation", opAppend),
			zap.String("table_id", entry.TableID),
			zap.String("action_type", string(entry.ActionType)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < l.attempts {
			if sleepErr := l.sleep(ctx, l.backoff*time.Duration(attempt)); sleepErr != nil {
				return Entry{}, collab.NewServiceError(opAppend, "cancelled", fmt.Errorf("%w: %v", collab.ErrTransientIO, sleepErr))
			}
		}
	}
	l.logger.Error("activity append retries exhausted",
		zap.String("operation", opAppend),
		zap.String("reason", "retries_exhausted"),
		zap.String("table_id", entry.TableID),
		zap.Error(lastErr))
	return Entry{}, collab.NewServiceError(opAppend, "retries_exhausted", fmt.Errorf("%w: %v", collab.ErrTransientIO, lastErr))
}

// Query returns a page of historical entries.
func (l *Log) Query(ctx context.Context, filter Filter) (Page, error) {
	tableID, err := collab.NormalizeID("table id", filter.TableID)
	if err != nil {
		return Page{}, collab.NewServiceError(opQuery, "invalid_table", err)
	}
	filter.TableID = tableID
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Until.After(filter.Since) {
		return Page{}, collab.NewServiceError(opQuery, "invalid_range", fmt.Errorf("%w: until must be after since", collab.ErrInvalidInput))
	}
	page, err := l.backend.Query(ctx, filter)
	if err != nil {
		return Page{}, collab.NewServiceError(opQuery, "query_failed", fmt.Errorf("%w: %v", collab.ErrTransientIO, err))
	}
	return page, nil
}

// ReadAfter returns every entry of tableID with id greater than afterID, in order.
func (l *Log) ReadAfter(ctx context.Context, tableID string, afterID int64) ([]Entry, error) {
	var entries []Entry
	cursor := afterID
	for {
		page, err := l.Query(ctx, Filter{TableID: tableID, AfterID: cursor, Limit: maxPageLimit})
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.Entries...)
		if !page.HasMore || len(page.Entries) == 0 {
			return entries, nil
		}
		cursor = page.Entries[len(page.Entries)-1].ID
	}
}

// LatestID returns the newest entry id of tableID.
func (l *Log) LatestID(ctx context.Context, tableID string) (int64, error) {
	latest, err := l.backend.LatestID(ctx, tableID)
	if err != nil {
		return 0, collab.NewServiceError(opLatestID, "query_failed", fmt.Errorf("%w: %v", collab.ErrTransientIO, err))
	}
	return latest, nil
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.TableID) == "" {
		return fmt.Errorf("%w: empty table id", collab.ErrInvalidInput)
	}
	if entry.ActionType == "" {
		return fmt.Errorf("%w: empty action type", collab.ErrInvalidInput)
	}
	if entry.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", collab.ErrInvalidInput)
	}
	return nil
}

func isPermanent(err error) bool {
	for _, target := range []error{
		collab.ErrInvalidInput,
		collab.ErrNotFound,
		collab.ErrForbidden,
		collab.ErrInvalidParent,
		collab.ErrLockDenied,
		collab.ErrUnauthorized,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
