package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/presence"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/realtime"
	"go.uber.org/zap"
)

const (
	opHeartbeat  = "presence.heartbeat"
	opListActive = "presence.list_active"
	opDisconnect = "presence.disconnect"
)

// Heartbeat upserts the presence of actor in tableID. The first heartbeat of a collaborator
// who is not live records user_joined.
func (c *Coordinator) Heartbeat(ctx context.Context, actor collab.Collaborator, tableID, viewID string, cursor presence.Cursor) (presence.Entry, error) {
	if err := requireActor(opHeartbeat, actor); err != nil {
		return presence.Entry{}, err
	}
	table, err := normalizeTable(opHeartbeat, tableID)
	if err != nil {
		return presence.Entry{}, err
	}
	view, err := optionalID("view id", viewID)
	if err != nil {
		return presence.Entry{}, collab.NewServiceError(opHeartbeat, "invalid_view_id", err)
	}
	normalized, err := cursor.Normalize()
	if err != nil {
		return presence.Entry{}, collab.NewServiceError(opHeartbeat, "invalid_cursor", fmt.Errorf("%w: %v", collab.ErrInvalidInput, err))
	}
	if !c.limiter.Allow(actor.ID, c.clock()) {
		return presence.Entry{}, collab.NewServiceError(opHeartbeat, "rate_limited", collab.ErrRateLimited)
	}

	scope := c.lockScope(table)
	defer scope.mu.Unlock()

	now := c.now()
	previous, known := scope.presence.Get(actor.ID)
	if known && !previous.LiveAt(now, c.presenceTTL) {
		if err := c.expireUserLocked(ctx, scope, previous, now); err != nil {
			return presence.Entry{}, err
		}
		known = false
	}

	entry := scope.presence.Heartbeat(actor.ID, view, normalized, now)
	if !known {
		details := map[string]any{}
		if view != "" {
			details["view_id"] = view
		}
		_, err := c.append(ctx, activity.Entry{
			TableID:    table,
			UserID:     actor.ID,
			ViewID:     view,
			ActionType: collab.ActionUserJoined,
			Details:    details,
			Timestamp:  now,
		})
		if err != nil {
			scope.presence.Remove(actor.ID)
			return presence.Entry{}, c.failAppend(opHeartbeat, err, zap.String("table_id", table), zap.String("user_id", actor.ID))
		}
	}

	published := entry
	c.publishSignal(table, realtime.EventPresenceUpdate, PresenceUpdate{
		TableID: table,
		UserID:  actor.ID,
		Status:  PresenceActive,
		Entry:   &published,
	}, now)
	return entry, nil
}

// ListActive returns live presence entries, optionally restricted to one view.
func (c *Coordinator) ListActive(_ context.Context, tableID, viewID string) ([]presence.Entry, error) {
	table, err := normalizeTable(opListActive, tableID)
	if err != nil {
		return nil, err
	}
	view, err := optionalID("view id", viewID)
	if err != nil {
		return nil, collab.NewServiceError(opListActive, "invalid_view_id", err)
	}
	scope := c.lockScope(table)
	defer scope.mu.Unlock()
	return scope.presence.ListActive(view, c.now()), nil
}

// Disconnect removes actor from tableID, releasing their locks and typing indicators.
func (c *Coordinator) Disconnect(ctx context.Context, userID, tableID string) error {
	if userID == "" {
		return collab.NewServiceError(opDisconnect, "unauthenticated", collab.ErrUnauthorized)
	}
	table, err := normalizeTable(opDisconnect, tableID)
	if err != nil {
		return err
	}
	scope := c.lockScope(table)
	defer scope.mu.Unlock()

	now := c.now()
	if err := c.departLocked(ctx, scope, userID, ReasonDisconnect, now); err != nil {
		return err
	}
	c.retireIfIdle(scope)
	return nil
}

// expireUserLocked records the departure of a collaborator whose heartbeats stopped.
func (c *Coordinator) expireUserLocked(ctx context.Context, scope *tableScope, entry presence.Entry, now time.Time) error {
	return c.departLocked(ctx, scope, entry.UserID, ReasonExpired, now)
}

// departLocked releases the locks and typing indicators of userID and removes their
// presence, recording lock_released and user_left. On a failed append the remaining state
// is kept so a later attempt can finish the departure.
func (c *Coordinator) departLocked(ctx context.Context, scope *tableScope, userID, reason string, now time.Time) error {
	for _, held := range scope.locks.OwnedBy(userID) {
		releaseReason, releasedBy := reason, userID
		if !held.LiveAt(now, c.idleTimeout) {
			releaseReason, releasedBy = ReasonIdleTimeout, ""
		}
		if err := c.releaseStoredLocked(ctx, scope, held, releaseReason, releasedBy, now); err != nil {
			return c.failAppend(opDisconnect, err, zap.String("table_id", scope.tableID), zap.String("user_id", userID))
		}
	}

	c.stopAllTypingLocked(scope, userID, now)

	removed, present := scope.presence.Remove(userID)
	if !present {
		return nil
	}
	details := map[string]any{"reason": reason}
	if removed.ViewID != "" {
		details["view_id"] = removed.ViewID
	}
	_, err := c.append(ctx, activity.Entry{
		TableID:    scope.tableID,
		UserID:     userID,
		ViewID:     removed.ViewID,
		ActionType: collab.ActionUserLeft,
		Details:    details,
		Timestamp:  now,
	})
	if err != nil {
		scope.presence.Put(removed)
		return c.failAppend(opDisconnect, err, zap.String("table_id", scope.tableID), zap.String("user_id", userID))
	}
	c.publishSignal(scope.tableID, realtime.EventPresenceUpdate, PresenceUpdate{
		TableID: scope.tableID,
		UserID:  userID,
		Status:  PresenceLeft,
	}, now)
	return nil
}
