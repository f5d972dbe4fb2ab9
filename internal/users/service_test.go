package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/logging"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type countingValidator struct {
	issuer *auth.TokenIssuer
	calls  int
}

func (v *countingValidator) ValidateToken(token string) (auth.Claims, error) {
	v.calls++
	return v.issuer.ValidateToken(token)
}

func newTestService(t *testing.T) (*Service, *auth.TokenIssuer, *countingValidator, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{Logger: logging.NewGormLogger(zap.NewNop())})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}, &Preferences{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "gridcollab-auth",
		Audience:      "gridcollab-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	validator := &countingValidator{issuer: issuer}
	service, err := NewService(ServiceConfig{Database: db, Validator: validator})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, issuer, validator, db
}

func issue(t *testing.T, issuer *auth.TokenIssuer, claims auth.Claims) string {
	t.Helper()
	token, _, err := issuer.Issue(claims)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	return token
}

func TestResolveUserStripsProviderPrefix(t *testing.T) {
	service, issuer, validator, db := newTestService(t)
	token := issue(t, issuer, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "google:12345"},
		Email:            "user@example.com",
		DisplayName:      "Example User",
	})

	collaborator, err := service.ResolveUser(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if collaborator.ID != "12345" || collaborator.DisplayName != "Example User" {
		t.Fatalf("unexpected collaborator %#v", collaborator)
	}
	if collaborator.Color != ColorFor("12345") || collaborator.Privileged {
		t.Fatalf("unexpected colour or privilege %#v", collaborator)
	}

	again, err := service.ResolveUser(context.Background(), token)
	if err != nil || again != collaborator {
		t.Fatalf("expected cached collaborator, got %#v %v", again, err)
	}
	if validator.calls != 1 {
		t.Fatalf("expected a single validation, got %d", validator.calls)
	}

	var count int64
	db.Model(&Identity{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one directory record, got %d", count)
	}
	stored, err := service.Lookup(context.Background(), "12345")
	if err != nil || stored.Email != "user@example.com" {
		t.Fatalf("unexpected directory lookup %#v %v", stored, err)
	}
}

func TestResolveUserGrantsPrivilegeFromRoles(t *testing.T) {
	service, issuer, _, _ := newTestService(t)
	token := issue(t, issuer, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "root"},
		Roles:            []string{"viewer", collab.RoleAdmin},
	})
	collaborator, err := service.ResolveUser(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !collaborator.Privileged || collaborator.DisplayName != "root" {
		t.Fatalf("expected privileged collaborator named by id, got %#v", collaborator)
	}
}

func TestResolveUserRejectsInvalidTokens(t *testing.T) {
	service, _, _, _ := newTestService(t)
	if _, err := service.ResolveUser(context.Background(), "not-a-token"); !errors.Is(err, collab.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := service.Lookup(context.Background(), "ghost"); !errors.Is(err, collab.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestColorForIsStable(t *testing.T) {
	if ColorFor("ada") != ColorFor("ada") {
		t.Fatalf("expected stable colour")
	}
	seen := map[string]struct{}{}
	for _, user := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		seen[ColorFor(user)] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("expected colours to vary across users")
	}
}
