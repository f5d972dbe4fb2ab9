package activity

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/logging"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// tracingLogger records every error gorm reports for a statement.
type tracingLogger struct {
	gormlogger.Interface
	mu     sync.Mutex
	errors []error
}

func newTracingLogger() *tracingLogger {
	return &tracingLogger{Interface: gormlogger.Discard}
}

func (l *tracingLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *tracingLogger) Trace(_ context.Context, _ time.Time, _ func() (string, int64), err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.errors = append(l.errors, err)
	l.mu.Unlock()
}

func (l *tracingLogger) traced() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errors...)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStoreWithLogger(t, logging.NewGormLogger(zap.NewNop()))
}

func openTestStoreWithLogger(t *testing.T, gormLogger gormlogger.Interface) *Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "activity.db")), &gorm.Config{Logger: gormLogger})
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
	if err := database.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(database, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestLog(t *testing.T, backend Backend, attempts int) *Log {
	t.Helper()
	log, err := NewLog(LogConfig{
		Backend:  backend,
		Attempts: attempts,
		Sleep: func(context.Context, time.Duration) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to create log: %v", err)
	}
	return log
}

func testEntry(table string, action collab.ActionType, user string, at time.Time) Entry {
	return Entry{
		TableID:    table,
		UserID:     user,
		ActionType: action,
		Timestamp:  at,
		Details:    map[string]any{"note": string(action)},
	}
}
