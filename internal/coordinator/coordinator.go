// Package coordinator owns the per-table collaboration state and routes every mutation
// through the activity log.
//
// Each table has one scope guarded by a mutex. Presence, locks and typing for that table
// change only while the scope is held, log appends happen inside it, and pushes to
// subscribers are published before it is released, so every subscriber observes entries
// in append order. Scopes of different tables never nest.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/comments"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/locks"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/notify"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/presence"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/typing"
	"go.uber.org/zap"
)

const (
	defaultPresenceTTL = 10 * time.Second
	defaultTypingTTL   = 5 * time.Second
	defaultIdleTimeout = 60 * time.Second
)

var (
	errMissingLog      = errors.New("activity log is required")
	errMissingComments = errors.New("comment service is required")
	errMissingRealtime = errors.New("realtime dispatcher is required")
)

// ActivityLog is the durable log the coordinator appends to.
type ActivityLog interface {
	Append(ctx context.Context, entry activity.Entry) (activity.Entry, error)
	Query(ctx context.Context, filter activity.Filter) (activity.Page, error)
	ReadAfter(ctx context.Context, tableID string, afterID int64) ([]activity.Entry, error)
	LatestID(ctx context.Context, tableID string) (int64, error)
}

// MentionSink accepts mention notifications for asynchronous delivery.
type MentionSink interface {
	Submit(mentions ...notify.Mention) error
}

// Config describes the dependencies and timing of a Coordinator.
type Config struct {
	Log              ActivityLog
	Comments         *comments.Service
	Realtime         *realtime.Dispatcher
	Mentions         MentionSink
	Clock            func() time.Time
	PresenceTTL      time.Duration
	TypingTTL        time.Duration
	LockIdleTimeout  time.Duration
	SignalsPerSecond float64
	SignalBurst      int
	Logger           *zap.Logger
}

// Coordinator is the entry point for every collaboration operation.
type Coordinator struct {
	mu     sync.Mutex
	scopes map[string]*tableScope

	log         ActivityLog
	comments    *comments.Service
	realtime    *realtime.Dispatcher
	mentions    MentionSink
	clock       func() time.Time
	presenceTTL time.Duration
	typingTTL   time.Duration
	idleTimeout time.Duration
	limiter     *signalLimiter
	logger      *zap.Logger
}

type tableScope struct {
	mu       sync.Mutex
	tableID  string
	retired  bool
	presence *presence.Registry
	locks    *locks.Arbiter
	typing   *typing.Tracker
}

func (s *tableScope) idle() bool {
	return s.presence.Len() == 0 && s.locks.Len() == 0 && s.typing.Len() == 0
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		return nil, collab.NewServiceError("coordinator.new", "missing_log", errMissingLog)
	}
	if cfg.Comments == nil {
		return nil, collab.NewServiceError("coordinator.new", "missing_comments", errMissingComments)
	}
	if cfg.Realtime == nil {
		return nil, collab.NewServiceError("coordinator.new", "missing_realtime", errMissingRealtime)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	coordinator := &Coordinator{
		scopes:      make(map[string]*tableScope),
		log:         cfg.Log,
		comments:    cfg.Comments,
		realtime:    cfg.Realtime,
		mentions:    cfg.Mentions,
		clock:       clock,
		presenceTTL: durationOr(cfg.PresenceTTL, defaultPresenceTTL),
		typingTTL:   durationOr(cfg.TypingTTL, defaultTypingTTL),
		idleTimeout: durationOr(cfg.LockIdleTimeout, defaultIdleTimeout),
		limiter:     newSignalLimiter(cfg.SignalsPerSecond, cfg.SignalBurst),
		logger:      logger,
	}
	return coordinator, nil
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// lockScope returns the held scope of tableID. The caller must unlock it.
func (c *Coordinator) lockScope(tableID string) *tableScope {
	for {
		c.mu.Lock()
		scope, ok := c.scopes[tableID]
		if !ok {
			scope = &tableScope{
				tableID:  tableID,
				presence: presence.NewRegistry(tableID, c.presenceTTL),
				locks:    locks.NewArbiter(tableID, c.idleTimeout),
				typing:   typing.NewTracker(c.typingTTL),
			}
			c.scopes[tableID] = scope
		}
		c.mu.Unlock()

		scope.mu.Lock()
		if !scope.retired {
			return scope
		}
		scope.mu.Unlock()
	}
}

func (c *Coordinator) snapshotScopes() []*tableScope {
	c.mu.Lock()
	defer c.mu.Unlock()
	scopes := make([]*tableScope, 0, len(c.scopes))
	for _, scope := range c.scopes {
		scopes = append(scopes, scope)
	}
	return scopes
}

// retireIfIdle drops an empty scope. The caller holds scope.mu.
func (c *Coordinator) retireIfIdle(scope *tableScope) {
	if !scope.idle() {
		return
	}
	c.mu.Lock()
	if current, ok := c.scopes[scope.tableID]; ok && current == scope {
		delete(c.scopes, scope.tableID)
	}
	c.mu.Unlock()
	scope.retired = true
}

// append writes entry and publishes it. The caller holds the scope of entry.TableID.
// Mutations outlive the request that triggered them.
func (c *Coordinator) append(ctx context.Context, entry activity.Entry) (activity.Entry, error) {
	stored, err := c.log.Append(context.WithoutCancel(ctx), entry)
	if err != nil {
		return activity.Entry{}, err
	}
	c.publishEntry(stored)
	return stored, nil
}

func (c *Coordinator) publishEntry(entry activity.Entry) {
	published := entry
	c.realtime.Publish(realtime.Message{
		TableID:   entry.TableID,
		EventType: realtime.EventActivityEntry,
		Entry:     &published,
		Timestamp: entry.Timestamp,
	})
}

func (c *Coordinator) publishSignal(tableID, eventType string, payload any, now time.Time) {
	c.realtime.Publish(realtime.Message{
		TableID:   tableID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: now,
	})
}

func (c *Coordinator) now() time.Time {
	return c.clock().UTC()
}

func requireActor(operation string, actor collab.Collaborator) error {
	if actor.ID == "" {
		return collab.NewServiceError(operation, "unauthenticated", collab.ErrUnauthorized)
	}
	return nil
}

func normalizeTable(operation, tableID string) (string, error) {
	table, err := collab.NormalizeID("table id", tableID)
	if err != nil {
		return "", collab.NewServiceError(operation, "invalid_table_id", err)
	}
	return table, nil
}

func optionalID(kind, raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	return collab.NormalizeID(kind, raw)
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	c.logger.Error("collaboration operation failed", allFields...)
}

func (c *Coordinator) failAppend(operation string, err error, fields ...zap.Field) error {
	c.logError(operation, "append_failed", err, fields...)
	var serviceErr *collab.ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	return collab.NewServiceError(operation, "append_failed", fmt.Errorf("%w: %v", collab.ErrTransientIO, err))
}
