package coordinator

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/typing"
)

const (
	opStartTyping = "typing.start"
	opStopTyping  = "typing.stop"
	opListTyping  = "typing.list"
)

// StartTyping marks actor as typing into a cell. Typing is never logged.
func (c *Coordinator) StartTyping(_ context.Context, actor collab.Collaborator, tableID, rowID, fieldID string) error {
	key, err := c.lockKey(opStartTyping, actor, tableID, rowID, fieldID)
	if err != nil {
		return err
	}
	if !c.limiter.Allow(actor.ID, c.clock()) {
		return collab.NewServiceError(opStartTyping, "rate_limited", collab.ErrRateLimited)
	}
	scope := c.lockScope(key.TableID)
	defer scope.mu.Unlock()

	now := c.now()
	scope.typing.Start(actor.ID, key.RowID, key.FieldID, now)
	c.publishTypingLocked(scope, key.RowID, key.FieldID, now)
	return nil
}

// StopTyping clears actor's indicator on a cell.
func (c *Coordinator) StopTyping(_ context.Context, actor collab.Collaborator, tableID, rowID, fieldID string) error {
	key, err := c.lockKey(opStopTyping, actor, tableID, rowID, fieldID)
	if err != nil {
		return err
	}
	scope := c.lockScope(key.TableID)
	defer scope.mu.Unlock()

	now := c.now()
	if scope.typing.Stop(actor.ID, key.RowID, key.FieldID) {
		c.publishTypingLocked(scope, key.RowID, key.FieldID, now)
	}
	c.retireIfIdle(scope)
	return nil
}

// ListTyping returns the live indicators of a cell, excluding actor.
func (c *Coordinator) ListTyping(_ context.Context, actor collab.Collaborator, tableID, rowID, fieldID string) ([]typing.Indicator, error) {
	key, err := c.lockKey(opListTyping, actor, tableID, rowID, fieldID)
	if err != nil {
		return nil, err
	}
	scope := c.lockScope(key.TableID)
	defer scope.mu.Unlock()
	return scope.typing.List(key.RowID, key.FieldID, actor.ID, c.now()), nil
}

func (c *Coordinator) stopAllTypingLocked(scope *tableScope, userID string, now time.Time) {
	for _, indicator := range scope.typing.StopAll(userID) {
		c.publishTypingLocked(scope, indicator.RowID, indicator.FieldID, now)
	}
}

func (c *Coordinator) publishTypingLocked(scope *tableScope, rowID, fieldID string, now time.Time) {
	c.publishSignal(scope.tableID, realtime.EventTypingUpdate, TypingUpdate{
		TableID: scope.tableID,
		RowID:   rowID,
		FieldID: fieldID,
		Users:   scope.typing.List(rowID, fieldID, "", now),
	}, now)
}
