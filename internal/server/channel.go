package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/coordinator"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelWriteWait  = 10 * time.Second
	channelPongWait   = 60 * time.Second
	channelPingPeriod = (channelPongWait * 9) / 10
	channelReadLimit  = 64 * 1024
	channelOutbound   = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type channelSession struct {
	handler  *httpHandler
	conn     *websocket.Conn
	user     collab.Collaborator
	tableID  string
	viewID   string
	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan wire.Envelope
	logger   *zap.Logger
}

// handleChannel upgrades to a websocket carrying the table's activity stream, presence and
// typing pushes, and the requests of one collaborator.
func (h *httpHandler) handleChannel(c *gin.Context) {
	user := collaboratorFrom(c)
	tableID, err := collab.NormalizeID("table id", c.Param("table_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	viewID := strings.TrimSpace(c.Query("view_id"))
	afterID := int64(math.MaxInt64)
	if raw := c.Query("after"); raw != "" {
		afterID, err = parseInt(raw)
		if err != nil {
			h.respondError(c, invalidRequest("after must be an entry id"))
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("table_id", tableID), zap.Error(err))
		return
	}
	defer conn.Close()

	h.connections.open(user.ID, tableID)
	defer h.leaveChannel(user.ID, tableID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.coordinator.Subscribe(ctx, tableID, afterID)
	if err != nil {
		_ = conn.WriteJSON(errorEnvelope("", err))
		return
	}
	defer stream.Close()

	session := &channelSession{
		handler:  h,
		conn:     conn,
		user:     user,
		tableID:  tableID,
		viewID:   viewID,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan wire.Envelope, channelOutbound),
		logger:   h.logger.With(zap.String("user_id", user.ID), zap.String("table_id", tableID)),
	}

	hello, err := wire.NewEnvelope(wire.TypeHello, "", wire.HelloPayload{
		User:     user,
		TableID:  tableID,
		ViewID:   viewID,
		LatestID: stream.LatestAtSubscribe(),
		Settings: h.settings,
	})
	if err != nil {
		session.logger.Error("hello encode failed", zap.Error(err))
		return
	}
	session.outbound <- hello

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		session.readLoop()
	}()
	session.writeLoop(stream)

	cancel()
	_ = conn.Close()
	<-readerDone
}

// leaveChannel records the departure once the user's last channel on the table closes.
func (h *httpHandler) leaveChannel(userID, tableID string) {
	if !h.connections.close(userID, tableID) {
		return
	}
	if err := h.coordinator.Disconnect(context.Background(), userID, tableID); err != nil {
		h.logger.Warn("channel disconnect failed",
			zap.String("user_id", userID),
			zap.String("table_id", tableID),
			zap.Error(err))
	}
}

func (s *channelSession) readLoop() {
	defer s.cancel()

	s.conn.SetReadLimit(channelReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(channelPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(channelPongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("channel closed", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(channelPongWait))

		envelope, err := wire.Parse(frame)
		if err != nil {
			s.enqueue(errorEnvelope("", fmt.Errorf("%w: %v", collab.ErrInvalidInput, err)))
			continue
		}
		result, err := s.dispatch(envelope)
		if err != nil {
			s.enqueue(errorEnvelope(envelope.RequestID, err))
			continue
		}
		reply, err := wire.NewEnvelope(wire.TypeReply, envelope.RequestID, result)
		if err != nil {
			s.logger.Error("reply encode failed", zap.String("type", envelope.Type), zap.Error(err))
			continue
		}
		s.enqueue(reply)
	}
}

func (s *channelSession) enqueue(envelope wire.Envelope) {
	select {
	case s.outbound <- envelope:
	case <-s.ctx.Done():
	}
}

func (s *channelSession) writeLoop(stream *coordinator.Stream) {
	ticker := time.NewTicker(channelPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.closeWith(websocket.CloseNormalClosure, "")
			return
		case envelope := <-s.outbound:
			if !s.write(envelope) {
				return
			}
		case entry, ok := <-stream.Entries():
			if !ok {
				s.endStream(stream.Err())
				return
			}
			if !s.write(entryEnvelope(entry)) {
				return
			}
		case message := <-stream.Signals():
			envelope, err := wire.NewEnvelope(message.EventType, "", message.Payload)
			if err != nil {
				s.logger.Warn("signal encode failed", zap.String("type", message.EventType), zap.Error(err))
				continue
			}
			if !s.write(envelope) {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *channelSession) write(envelope wire.Envelope) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	if err := s.conn.WriteJSON(envelope); err != nil {
		s.logger.Debug("channel write failed", zap.Error(err))
		s.cancel()
		return false
	}
	return true
}

// endStream tells the client why its activity stream stopped. An overflow asks the client
// to reconnect from its last received id.
func (s *channelSession) endStream(cause error) {
	if errors.Is(cause, realtime.ErrSubscriberOverflow) {
		s.write(wire.Envelope{Type: wire.TypeError, Payload: mustJSON(wire.ErrorPayload{
			Error:     "resubscribe",
			Code:      "activity.subscribe.overflow",
			Message:   cause.Error(),
			Retryable: true,
		})})
		s.closeWith(websocket.CloseTryAgainLater, "resubscribe")
		return
	}
	s.closeWith(websocket.CloseGoingAway, "stream closed")
}

func (s *channelSession) closeWith(code int, text string) {
	deadline := time.Now().Add(channelWriteWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func (s *channelSession) dispatch(envelope wire.Envelope) (any, error) {
	coord := s.handler.coordinator
	switch envelope.Type {
	case wire.TypeHeartbeat:
		var payload wire.HeartbeatPayload
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		viewID := payload.ViewID
		if viewID == "" {
			viewID = s.viewID
		}
		return coord.Heartbeat(s.ctx, s.user, s.tableID, viewID, payload.Cursor)

	case wire.TypeLockAcquire, wire.TypeLockRelease, wire.TypeLockRefresh, wire.TypeLockBreak:
		var payload wire.CellPayload
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		switch envelope.Type {
		case wire.TypeLockAcquire:
			return coord.AcquireLock(s.ctx, s.user, s.tableID, payload.RowID, payload.FieldID, payload.Metadata)
		case wire.TypeLockRelease:
			return coord.ReleaseLock(s.ctx, s.user, s.tableID, payload.RowID, payload.FieldID)
		case wire.TypeLockRefresh:
			return coord.RefreshLock(s.ctx, s.user, s.tableID, payload.RowID, payload.FieldID)
		default:
			return coord.BreakLock(s.ctx, s.user, s.tableID, payload.RowID, payload.FieldID)
		}

	case wire.TypeTypingStart, wire.TypeTypingStop:
		var payload wire.CellPayload
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		if envelope.Type == wire.TypeTypingStart {
			return nil, coord.StartTyping(s.ctx, s.user, s.tableID, payload.RowID, payload.FieldID)
		}
		return nil, coord.StopTyping(s.ctx, s.user, s.tableID, payload.RowID, payload.FieldID)

	case wire.TypeCommentCreate:
		var payload wire.CommentCreatePayload
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		return coord.CreateComment(s.ctx, s.user, s.tableID, payload.RowID, payload.Content, payload.ParentID)

	case wire.TypeCommentUpdate:
		var payload wire.CommentUpdatePayload
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		return coord.UpdateComment(s.ctx, s.user, payload.CommentID, payload.Content)

	case wire.TypeCommentDelete, wire.TypeCommentToggle:
		var payload wire.CommentRefPayload
		if err := decode(envelope, &payload); err != nil {
			return nil, err
		}
		if envelope.Type == wire.TypeCommentDelete {
			return coord.DeleteComment(s.ctx, s.user, payload.CommentID)
		}
		return coord.ToggleResolution(s.ctx, s.user, payload.CommentID)

	default:
		return nil, invalidRequest(fmt.Sprintf("unknown message type %q", envelope.Type))
	}
}

func decode(envelope wire.Envelope, target any) error {
	if err := envelope.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrInvalidInput, err)
	}
	return nil
}

func entryEnvelope(entry activity.Entry) wire.Envelope {
	return wire.Envelope{Type: wire.TypeActivityEntry, Payload: mustJSON(entry)}
}

func errorEnvelope(requestID string, err error) wire.Envelope {
	_, payload := describeError(err)
	return wire.Envelope{Type: wire.TypeError, RequestID: requestID, Payload: mustJSON(payload)}
}
