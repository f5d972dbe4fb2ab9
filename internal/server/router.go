package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/coordinator"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/users"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const collaboratorContextKey = "gridcollab_collaborator"

var (
	errMissingCoordinator = errors.New("coordinator dependency required")
	errMissingUsers       = errors.New("user resolver dependency required")
)

// UserResolver turns a session token into the collaborator it identifies.
type UserResolver interface {
	ResolveUser(ctx context.Context, token string) (collab.Collaborator, error)
}

// PreferenceStore keeps per-collaborator client settings.
type PreferenceStore interface {
	Preferences(ctx context.Context, userID string) (users.Preferences, error)
	SavePreferences(ctx context.Context, userID string, preferences users.Preferences) (users.Preferences, error)
}

type Dependencies struct {
	Coordinator *coordinator.Coordinator
	Users       UserResolver
	// Preferences is optional; without it the preference routes are not mounted.
	Preferences PreferenceStore
	// Settings is advertised to clients in the channel greeting.
	Settings       wire.Settings
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		coordinator: deps.Coordinator,
		users:       deps.Users,
		preferences: deps.Preferences,
		settings:    deps.Settings,
		connections: newConnectionTracker(),
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	if deps.Preferences != nil {
		protected.GET("/me/preferences", handler.handleGetPreferences)
		protected.PUT("/me/preferences", handler.handleSavePreferences)
	}

	tables := protected.Group("/tables/:table_id")
	tables.GET("/channel", handler.handleChannel)

	tables.POST("/presence", handler.handleHeartbeat)
	tables.GET("/presence", handler.handleListPresence)
	tables.DELETE("/presence", handler.handleDisconnect)

	tables.GET("/locks", handler.handleListLocks)
	cell := tables.Group("/rows/:row_id/fields/:field_id")
	cell.POST("/lock", handler.handleAcquireLock)
	cell.DELETE("/lock", handler.handleReleaseLock)
	cell.POST("/lock/refresh", handler.handleRefreshLock)
	cell.POST("/lock/break", handler.handleBreakLock)
	cell.POST("/typing", handler.handleStartTyping)
	cell.DELETE("/typing", handler.handleStopTyping)
	cell.GET("/typing", handler.handleListTyping)

	tables.GET("/rows/:row_id/comments", handler.handleListComments)
	tables.POST("/rows/:row_id/comments", handler.handleCreateComment)

	tables.GET("/activity", handler.handleQueryActivity)
	tables.POST("/activity", handler.handleRecordEvent)
	tables.GET("/activity/stream", handler.handleActivityStream)

	protected.GET("/comments/:comment_id", handler.handleGetComment)
	protected.PATCH("/comments/:comment_id", handler.handleUpdateComment)
	protected.DELETE("/comments/:comment_id", handler.handleDeleteComment)
	protected.POST("/comments/:comment_id/resolve", handler.handleToggleResolution)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	coordinator *coordinator.Coordinator
	users       UserResolver
	preferences PreferenceStore
	settings    wire.Settings
	connections *connectionTracker
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, collaboratorFrom(c))
}

func (h *httpHandler) handleGetPreferences(c *gin.Context) {
	preferences, err := h.preferences.Preferences(c.Request.Context(), collaboratorFrom(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preferences)
}

func (h *httpHandler) handleSavePreferences(c *gin.Context) {
	var request users.Preferences
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, invalidRequest("preferences body must be json"))
		return
	}
	preferences, err := h.preferences.SavePreferences(c.Request.Context(), collaboratorFrom(c).ID, request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preferences)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, wire.ErrorPayload{Error: "unauthorized", Message: err.Error()})
		return
	}
	collaborator, err := h.users.ResolveUser(c.Request.Context(), token)
	if err != nil {
		if !errors.Is(err, collab.ErrUnauthorized) {
			h.respondError(c, err)
			return
		}
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, wire.ErrorPayload{Error: "unauthorized"})
		return
	}
	c.Set(collaboratorContextKey, collaborator)
	c.Next()
}

func collaboratorFrom(c *gin.Context) collab.Collaborator {
	value, ok := c.Get(collaboratorContextKey)
	if !ok {
		return collab.Collaborator{}
	}
	collaborator, _ := value.(collab.Collaborator)
	return collaborator
}

func zapRequestFields(c *gin.Context, err error) []zap.Field {
	return []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.String("user_id", collaboratorFrom(c).ID),
		zap.Error(err),
	}
}
