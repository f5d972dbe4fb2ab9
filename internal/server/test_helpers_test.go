package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/comments"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/coordinator"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/database"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/notify"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/users"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type testServer struct {
	server      *httptest.Server
	issuer      *auth.TokenIssuer
	coordinator *coordinator.Coordinator
	log         *activity.Log
}

type discardSink struct{}

func (discardSink) Submit(...notify.Mention) error { return nil }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Options{Path: filepath.Join(t.TempDir(), "server.db")}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	activityStore, err := activity.NewStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build activity store: %v", err)
	}
	log, err := activity.NewLog(activity.LogConfig{Backend: activityStore, Attempts: 1})
	if err != nil {
		t.Fatalf("failed to build log: %v", err)
	}
	commentStore, err := comments.NewStore(db)
	if err != nil {
		t.Fatalf("failed to build comment store: %v", err)
	}
	commentService, err := comments.NewService(comments.ServiceConfig{Store: commentStore, Log: log})
	if err != nil {
		t.Fatalf("failed to build comment service: %v", err)
	}
	dispatcher := realtime.NewDispatcher(64)
	t.Cleanup(dispatcher.Close)

	coord, err := coordinator.New(coordinator.Config{
		Log:             log,
		Comments:        commentService,
		Realtime:        dispatcher,
		Mentions:        discardSink{},
		PresenceTTL:     10 * time.Second,
		TypingTTL:       5 * time.Second,
		LockIdleTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "gridcollab-auth",
		Audience:      "gridcollab-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Validator: issuer})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Coordinator: coord,
		Users:       userService,
		Preferences: userService,
		Settings:    wire.Settings{PresenceTTLMillis: 10000, CursorRate: 10},
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, issuer: issuer, coordinator: coord, log: log}
}

func (s *testServer) token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.Claims{
		Roles:            roles,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) entries(t *testing.T, tableID string) []activity.Entry {
	t.Helper()
	entries, err := s.log.ReadAfter(context.Background(), tableID, 0)
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

type stubResolver struct {
	collaborator collab.Collaborator
	err          error
}

func (s stubResolver) ResolveUser(context.Context, string) (collab.Collaborator, error) {
	return s.collaborator, s.err
}

func newRecorderContext(method, target, token string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(method, target, http.NoBody)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	ctx.Request = request
	return ctx, recorder
}
