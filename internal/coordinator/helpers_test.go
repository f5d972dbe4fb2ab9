package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/comments"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/notify"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/logging"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

type recordingSink struct {
	mu       sync.Mutex
	mentions []notify.Mention
}

func (s *recordingSink) Submit(mentions ...notify.Mention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mentions = append(s.mentions, mentions...)
	return nil
}

// switchableLog fails every append while failing is set.
type switchableLog struct {
	*activity.Log
	mu      sync.Mutex
	failing bool
}

func (l *switchableLog) setFailing(value bool) {
	l.mu.Lock()
	l.failing = value
	l.mu.Unlock()
}

func (l *switchableLog) Append(ctx context.Context, entry activity.Entry) (activity.Entry, error) {
	l.mu.Lock()
	failing := l.failing
	l.mu.Unlock()
	if failing {
		return activity.Entry{}, collab.NewServiceError("activity.append", "retries_exhausted", collab.ErrTransientIO)
	}
	return l.Log.Append(ctx, entry)
}

type fixture struct {
	coordinator *Coordinator
	clock       *manualClock
	log         *switchableLog
	sink        *recordingSink
	dispatcher  *realtime.Dispatcher
}

type fixtureOption func(*Config)

func newFixture(t *testing.T, options ...fixtureOption) fixture {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "coordinator.db")), &gorm.Config{Logger: logging.NewGormLogger(zap.NewNop())})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(&activity.Entry{}, &comments.Comment{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := newManualClock()
	activityStore, err := activity.NewStore(database, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build activity store: %v", err)
	}
	baseLog, err := activity.NewLog(activity.LogConfig{Backend: activityStore, Attempts: 1})
	if err != nil {
		t.Fatalf("failed to build log: %v", err)
	}
	log := &switchableLog{Log: baseLog}
	commentStore, err := comments.NewStore(database)
	if err != nil {
		t.Fatalf("failed to build comment store: %v", err)
	}
	commentService, err := comments.NewService(comments.ServiceConfig{Store: commentStore, Log: baseLog, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build comment service: %v", err)
	}
	dispatcher := realtime.NewDispatcher(64)
	sink := &recordingSink{}

	cfg := Config{
		Log:             log,
		Comments:        commentService,
		Realtime:        dispatcher,
		Mentions:        sink,
		Clock:           clock.Now,
		PresenceTTL:     10 * time.Second,
		TypingTTL:       5 * time.Second,
		LockIdleTimeout: 60 * time.Second,
	}
	for _, option := range options {
		option(&cfg)
	}
	coordinator, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return fixture{coordinator: coordinator, clock: clock, log: log, sink: sink, dispatcher: dispatcher}
}

func (f fixture) entries(t *testing.T, tableID string) []activity.Entry {
	t.Helper()
	entries, err := f.log.ReadAfter(context.Background(), tableID, 0)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	return entries
}

func actionsOf(entries []activity.Entry) []collab.ActionType {
	actions := make([]collab.ActionType, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.ActionType)
	}
	return actions
}

var (
	userA = collab.Collaborator{ID: "A", DisplayName: "Ada"}
	userB = collab.Collaborator{ID: "B", DisplayName: "Bo"}
	admin = collab.Collaborator{ID: "root", DisplayName: "Admin", Privileged: true}
)
