package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opPreferencesGet  = "users.preferences.get"
	opPreferencesSave = "users.preferences.save"

	maxFeedCapacity  = 1000
	maxFilterPresets = 50
)

// FilterPreset is a named activity filter saved by a collaborator.
type FilterPreset struct {
	Name        string   `json:"name"`
	UserID      string   `json:"user_id,omitempty"`
	ActionTypes []string `json:"action_types,omitempty"`
	Search      string   `json:"search,omitempty"`
}

// Preferences holds per-collaborator client settings. A zero FeedCapacity means the
// server default.
type Preferences struct {
	UserID        string         `gorm:"column:user_id;primaryKey;size:190" json:"user_id"`
	FeedCapacity  int            `gorm:"column:feed_capacity;not null;default:0" json:"feed_capacity"`
	FilterPresets []FilterPreset `gorm:"column:filter_presets;type:text;serializer:json" json:"filter_presets"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

func (Preferences) TableName() string {
	return "collaborator_preferences"
}

func (p Preferences) validate() error {
	if p.FeedCapacity < 0 || p.FeedCapacity > maxFeedCapacity {
		return fmt.Errorf("%w: feed capacity must be between 0 and %d", collab.ErrInvalidInput, maxFeedCapacity)
	}
	if len(p.FilterPresets) > maxFilterPresets {
		return fmt.Errorf("%w: at most %d filter presets", collab.ErrInvalidInput, maxFilterPresets)
	}
	seen := make(map[string]struct{}, len(p.FilterPresets))
	for _, preset := range p.FilterPresets {
		name := strings.TrimSpace(preset.Name)
		if name == "" {
			return fmt.Errorf("%w: filter preset name required", collab.ErrInvalidInput)
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("%w: duplicate filter preset %q", collab.ErrInvalidInput, name)
		}
		seen[name] = struct{}{}
		for _, raw := range preset.ActionTypes {
			if _, err := collab.ParseActionType(raw); err != nil {
				return err
			}
		}
	}
	return nil
}

// Preferences returns the stored preferences of userID, or defaults when none were saved.
func (s *Service) Preferences(ctx context.Context, userID string) (Preferences, error) {
	id, err := collab.NormalizeID("user id", userID)
	if err != nil {
		return Preferences{}, collab.NewServiceError(opPreferencesGet, "invalid_user", err)
	}
	var stored Preferences
	err = s.db.WithContext(ctx).Where("user_id = ?", id).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Preferences{UserID: id, FilterPresets: []FilterPreset{}}, nil
	}
	if err != nil {
		return Preferences{}, collab.NewServiceError(opPreferencesGet, "query_failed", fmt.Errorf("%w: %v", collab.ErrTransientIO, err))
	}
	if stored.FilterPresets == nil {
		stored.FilterPresets = []FilterPreset{}
	}
	return stored, nil
}

// SavePreferences replaces the preferences of userID.
func (s *Service) SavePreferences(ctx context.Context, userID string, preferences Preferences) (Preferences, error) {
	id, err := collab.NormalizeID("user id", userID)
	if err != nil {
		return Preferences{}, collab.NewServiceError(opPreferencesSave, "invalid_user", err)
	}
	if err := preferences.validate(); err != nil {
		return Preferences{}, collab.NewServiceError(opPreferencesSave, "invalid", err)
	}
	preferences.UserID = id
	preferences.UpdatedAt = s.now().UTC()
	if preferences.FilterPresets == nil {
		preferences.FilterPresets = []FilterPreset{}
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"feed_capacity", "filter_presets", "updated_at"}),
	}).Create(&preferences).Error
	if err != nil {
		s.logger.Error("preferences save failed",
			zap.String("operation", opPreferencesSave),
			zap.String("reason", "write_failed"),
			zap.String("user_id", id),
			zap.Error(err))
		return Preferences{}, collab.NewServiceError(opPreferencesSave, "write_failed", fmt.Errorf("%w: %v", collab.ErrTransientIO, err))
	}
	return preferences, nil
}
