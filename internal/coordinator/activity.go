package coordinator

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"go.uber.org/zap"
)

const (
	opRecordEvent = "activity.record_event"
	opQuery       = "activity.query"
)

// Event is a mutation reported by the surrounding grid product.
type Event struct {
	TableID        string
	ActionType     collab.ActionType
	RowID          string
	FieldID        string
	ViewID         string
	Details        map[string]any
	IdempotencyKey string
}

// RecordEvent appends an externally reported mutation to the table's log. Supplying the
// same idempotency key again returns the original entry.
func (c *Coordinator) RecordEvent(ctx context.Context, actor collab.Collaborator, event Event) (activity.Entry, error) {
	if err := requireActor(opRecordEvent, actor); err != nil {
		return activity.Entry{}, err
	}
	table, err := normalizeTable(opRecordEvent, event.TableID)
	if err != nil {
		return activity.Entry{}, err
	}
	if !event.ActionType.IsExternal() {
		return activity.Entry{}, collab.NewServiceError(opRecordEvent, "reserved_action",
			fmt.Errorf("%w: action %q cannot be recorded directly", collab.ErrInvalidInput, event.ActionType))
	}
	row, err := optionalID("row id", event.RowID)
	if err != nil {
		return activity.Entry{}, collab.NewServiceError(opRecordEvent, "invalid_row_id", err)
	}
	field, err := optionalID("field id", event.FieldID)
	if err != nil {
		return activity.Entry{}, collab.NewServiceError(opRecordEvent, "invalid_field_id", err)
	}
	view, err := optionalID("view id", event.ViewID)
	if err != nil {
		return activity.Entry{}, collab.NewServiceError(opRecordEvent, "invalid_view_id", err)
	}
	key := ""
	if event.IdempotencyKey != "" {
		key, err = collab.NormalizeID("idempotency key", event.IdempotencyKey)
		if err != nil {
			return activity.Entry{}, collab.NewServiceError(opRecordEvent, "invalid_idempotency_key", err)
		}
		key = "event:" + key
	}

	scope := c.lockScope(table)
	defer scope.mu.Unlock()

	stored, err := c.append(ctx, activity.Entry{
		TableID:    table,
		UserID:     actor.ID,
		RowID:      row,
		FieldID:    field,
		ViewID:     view,
		ActionType: event.ActionType,
		Details:    event.Details,
		Timestamp:  c.now(),
	}.WithIdempotencyKey(key))
	if err != nil {
		return activity.Entry{}, c.failAppend(opRecordEvent, err, zap.String("table_id", table))
	}
	return stored, nil
}

// Query returns a page of the table's history.
func (c *Coordinator) Query(ctx context.Context, filter activity.Filter) (activity.Page, error) {
	page, err := c.log.Query(ctx, filter)
	if err != nil {
		c.logger.Warn("activity query failed", zap.String("operation", opQuery), zap.Error(err))
		return activity.Page{}, err
	}
	return page, nil
}
