package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventHeartbeat = "heartbeat"
	streamHeartbeatEvery = 15 * time.Second
	lastEventIDHeader    = "Last-Event-ID"
)

// handleActivityStream serves the table's activity as server-sent events. The event id is
// the entry id, so a reconnecting EventSource resumes after Last-Event-ID.
func (h *httpHandler) handleActivityStream(c *gin.Context) {
	afterID := int64(math.MaxInt64)
	raw := c.Query("after")
	if raw == "" {
		raw = c.GetHeader(lastEventIDHeader)
	}
	if raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(c, invalidRequest("after must be an entry id"))
			return
		}
		afterID = parsed
	}

	ctx := c.Request.Context()
	stream, err := h.coordinator.Subscribe(ctx, c.Param("table_id"), afterID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer stream.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(streamHeartbeatEvery)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case entry, ok := <-stream.Entries():
			if !ok {
				if err := stream.Err(); err != nil {
					payload := wire.ErrorPayload{Error: "stream_closed", Message: err.Error()}
					if errors.Is(err, realtime.ErrSubscriberOverflow) {
						payload.Error = "resubscribe"
						payload.Retryable = true
					}
					c.Render(-1, sse.Event{Event: wire.TypeError, Data: payload})
					h.logger.Info("activity stream ended", zap.String("table_id", c.Param("table_id")), zap.Error(err))
				}
				return false
			}
			c.Render(-1, sse.Event{
				Id:    strconv.FormatInt(entry.ID, 10),
				Event: wire.TypeActivityEntry,
				Data:  entry,
			})
			return true
		case <-heartbeat.C:
			c.Render(-1, sse.Event{Event: streamEventHeartbeat, Data: gin.H{"at": time.Now().UTC()}})
			return true
		}
	})
}

func mustJSON(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return raw
}
