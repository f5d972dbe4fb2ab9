// Package users resolves session tokens into collaborators and keeps the collaborator directory.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultProvider   = "default"
	defaultCacheTTL   = time.Minute
	cacheCleanup      = 5 * time.Minute
	opResolveUser     = "users.resolve"
	opLookupDirectory = "users.lookup"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// TokenValidator turns a raw token into verified claims.
type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database  *gorm.DB
	Validator TokenValidator
	Clock     func() time.Time
	CacheTTL  time.Duration
	Logger    *zap.Logger
}

// Service resolves tokens to collaborators. Resolutions are cached per token.
type Service struct {
	db        *gorm.DB
	validator TokenValidator
	now       func() time.Time
	cache     *cache.Cache
	logger    *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("users: token validator required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		validator: cfg.Validator,
		now:       clock,
		cache:     cache.New(ttl, cacheCleanup),
		logger:    logger,
	}, nil
}

// ResolveUser validates token and returns the collaborator it identifies. Collaborator
// records are created on first sight and refreshed from later claims.
func (s *Service) ResolveUser(ctx context.Context, token string) (collab.Collaborator, error) {
	if cached, ok := s.cache.Get(token); ok {
		if collaborator, ok := cached.(collab.Collaborator); ok {
			return collaborator, nil
		}
	}

	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		return collab.Collaborator{}, collab.NewServiceError(opResolveUser, "invalid_token", auth.AsUnauthorized(err))
	}
	identity, err := s.upsertIdentity(ctx, claims)
	if err != nil {
		if errors.Is(err, ErrInvalidIdentity) {
			return collab.Collaborator{}, collab.NewServiceError(opResolveUser, "invalid_identity", auth.AsUnauthorized(err))
		}
		s.logger.Error("collaborator directory update failed",
			zap.String("operation", opResolveUser),
			zap.String("reason", "directory_failed"),
			zap.Error(err))
		return collab.Collaborator{}, collab.NewServiceError(opResolveUser, "directory_failed", fmt.Errorf("%w: %v", collab.ErrTransientIO, err))
	}

	collaborator := collab.Collaborator{
		ID:          identity.UserID,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		Color:       identity.Color,
		Privileged:  claims.HasRole(collab.RoleAdmin),
	}
	if collaborator.DisplayName == "" {
		collaborator.DisplayName = collaborator.ID
	}

	ttl := cache.DefaultExpiration
	if claims.ExpiresAt != nil {
		remaining := claims.ExpiresAt.Sub(s.now())
		if remaining <= 0 {
			return collaborator, nil
		}
		if remaining < defaultCacheTTL {
			ttl = remaining
		}
	}
	s.cache.Set(token, collaborator, ttl)
	return collaborator, nil
}

// Lookup returns the directory entry of a canonical collaborator id.
func (s *Service) Lookup(ctx context.Context, userID string) (collab.Collaborator, error) {
	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Order("last_seen_at DESC").First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.Collaborator{}, collab.NewServiceError(opLookupDirectory, "not_found", fmt.Errorf("%w: collaborator %s", collab.ErrNotFound, userID))
	}
	if err != nil {
		return collab.Collaborator{}, collab.NewServiceError(opLookupDirectory, "query_failed", fmt.Errorf("%w: %v", collab.ErrTransientIO, err))
	}
	return collab.Collaborator{
		ID:          identity.UserID,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		Color:       identity.Color,
	}, nil
}

func (s *Service) upsertIdentity(ctx context.Context, claims auth.Claims) (Identity, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}
	if _, err := collab.NormalizeID("user id", subject); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.DisplayName),
			Color:       ColorFor(subject),
			LastSeenAt:  s.now().UTC(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
		return identity, nil
	}
	if err != nil {
		return Identity{}, err
	}

	updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
	if email := normalize(claims.Email); email != "" && email != identity.Email {
		updates["user_email"] = email
		identity.Email = email
	}
	if display := normalize(claims.DisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
		identity.DisplayName = display
	}
	if identity.Color == "" {
		identity.Color = ColorFor(identity.UserID)
		updates["user_color"] = identity.Color
	}
	if err := db.Model(&Identity{}).Where("provider = ? AND subject = ?", provider, subject).Updates(updates).Error; err != nil {
		s.logger.Warn("collaborator directory refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}
	return identity, nil
}

// deriveProviderSubject splits "provider:subject" subjects; other subjects use the default provider.
func deriveProviderSubject(claims auth.Claims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)
	if strings.Contains(subject, ":") {
		segments := strings.SplitN(subject, ":", 2)
		if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
			provider = normalize(segments[0])
			subject = normalize(segments[1])
		}
	}
	if subject == "" {
		subject = normalize(claims.Email)
	}
	return provider, subject
}
