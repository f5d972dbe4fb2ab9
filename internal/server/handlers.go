package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/coordinator"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/gin-gonic/gin"
)

const idempotencyKeyHeader = "Idempotency-Key"

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	var request wire.HeartbeatPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, invalidRequest("heartbeat body must be json"))
		return
	}
	entry, err := h.coordinator.Heartbeat(c.Request.Context(), collaboratorFrom(c), c.Param("table_id"), request.ViewID, request.Cursor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	entries, err := h.coordinator.ListActive(c.Request.Context(), c.Param("table_id"), c.Query("view_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": entries})
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	if err := h.coordinator.Disconnect(c.Request.Context(), collaboratorFrom(c).ID, c.Param("table_id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListLocks(c *gin.Context) {
	held, err := h.coordinator.ListLocks(c.Request.Context(), c.Param("table_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": held})
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	var request wire.CellPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			h.respondError(c, invalidRequest("lock body must be json"))
			return
		}
	}
	lock, err := h.coordinator.AcquireLock(c.Request.Context(), collaboratorFrom(c), c.Param("table_id"), c.Param("row_id"), c.Param("field_id"), request.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	lock, err := h.coordinator.ReleaseLock(c.Request.Context(), collaboratorFrom(c), c.Param("table_id"), c.Param("row_id"), c.Param("field_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

func (h *httpHandler) handleRefreshLock(c *gin.Context) {
	lock, err := h.coordinator.RefreshLock(c.Request.Context(), collaboratorFrom(c), c.Param("table_id"), c.Param("row_id"), c.Param("field_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

func (h *httpHandler) handleBreakLock(c *gin.Context) {
	lock, err := h.coordinator.BreakLock(c.Request.Context(), collaboratorFrom(c), c.Param("table_id"), c.Param("row_id"), c.Param("field_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

func (h *httpHandler) handleStartTyping(c *gin.Context) {
	if err := h.coordinator.StartTyping(c.Request.Context(), collaboratorFrom(c), c.Param("table_id"), c.Param("row_id"), c.Param("field_id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleStopTyping(c *gin.Context) {
	if err := h.coordinator.StopTyping(c.Request.Context(), collaboratorFrom(c), c.Param("table_id"), c.Param("row_id"), c.Param("field_id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListTyping(c *gin.Context) {
	indicators, err := h.coordinator.ListTyping(c.Request.Context(), collaboratorFrom(c), c.Param("table_id"), c.Param("row_id"), c.Param("field_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": indicators})
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	includeResolved, err := parseBool(c.Query("include_resolved"))
	if err != nil {
		h.respondError(c, invalidRequest("include_resolved must be a boolean"))
		return
	}
	threads, err := h.coordinator.ListForRow(c.Request.Context(), c.Param("table_id"), c.Param("row_id"), includeResolved)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": threads})
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	var request wire.CommentCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, invalidRequest("comment body must be json"))
		return
	}
	comment, err := h.coordinator.CreateComment(c.Request.Context(), collaboratorFrom(c), c.Param("table_id"), c.Param("row_id"), request.Content, request.ParentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (h *httpHandler) handleGetComment(c *gin.Context) {
	comment, err := h.coordinator.GetComment(c.Request.Context(), c.Param("comment_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *httpHandler) handleUpdateComment(c *gin.Context) {
	var request wire.CommentUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, invalidRequest("comment body must be json"))
		return
	}
	comment, err := h.coordinator.UpdateComment(c.Request.Context(), collaboratorFrom(c), c.Param("comment_id"), request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	if _, err := h.coordinator.DeleteComment(c.Request.Context(), collaboratorFrom(c), c.Param("comment_id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleToggleResolution(c *gin.Context) {
	comment, err := h.coordinator.ToggleResolution(c.Request.Context(), collaboratorFrom(c), c.Param("comment_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

type recordEventRequest struct {
	ActionType     string         `json:"action_type"`
	RowID          string         `json:"row_id"`
	FieldID        string         `json:"field_id"`
	ViewID         string         `json:"view_id"`
	Details        map[string]any `json:"details"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (h *httpHandler) handleRecordEvent(c *gin.Context) {
	var request recordEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, invalidRequest("event body must be json"))
		return
	}
	action, err := collab.ParseActionType(request.ActionType)
	if err != nil {
		h.respondError(c, err)
		return
	}
	key := request.IdempotencyKey
	if key == "" {
		key = c.GetHeader(idempotencyKeyHeader)
	}
	entry, err := h.coordinator.RecordEvent(c.Request.Context(), collaboratorFrom(c), coordinator.Event{
		TableID:        c.Param("table_id"),
		ActionType:     action,
		RowID:          request.RowID,
		FieldID:        request.FieldID,
		ViewID:         request.ViewID,
		Details:        request.Details,
		IdempotencyKey: key,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *httpHandler) handleQueryActivity(c *gin.Context) {
	filter, err := parseActivityFilter(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	page, err := h.coordinator.Query(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// parseActivityFilter reads user_id, action_type (repeated or comma separated), since,
// until, q, after, before, limit and order.
func parseActivityFilter(c *gin.Context) (activity.Filter, error) {
	filter := activity.Filter{
		TableID: c.Param("table_id"),
		UserID:  strings.TrimSpace(c.Query("user_id")),
		Search:  c.Query("q"),
	}
	for _, raw := range c.QueryArray("action_type") {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			action, err := collab.ParseActionType(part)
			if err != nil {
				return activity.Filter{}, err
			}
			filter.ActionTypes = append(filter.ActionTypes, action)
		}
	}

	var err error
	if filter.Since, err = parseTime(c.Query("since")); err != nil {
		return activity.Filter{}, invalidRequest("since must be RFC 3339")
	}
	if filter.Until, err = parseTime(c.Query("until")); err != nil {
		return activity.Filter{}, invalidRequest("until must be RFC 3339")
	}
	if filter.AfterID, err = parseInt(c.Query("after")); err != nil {
		return activity.Filter{}, invalidRequest("after must be an entry id")
	}
	if filter.BeforeID, err = parseInt(c.Query("before")); err != nil {
		return activity.Filter{}, invalidRequest("before must be an entry id")
	}
	limit, err := parseInt(c.Query("limit"))
	if err != nil {
		return activity.Filter{}, invalidRequest("limit must be a number")
	}
	filter.Limit = int(limit)

	switch strings.ToLower(strings.TrimSpace(c.Query("order"))) {
	case "", "asc":
	case "desc":
		filter.Descending = true
	default:
		return activity.Filter{}, invalidRequest("order must be asc or desc")
	}
	return filter, nil
}

func parseTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
}

func parseInt(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}

func parseBool(raw string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(raw))
}
