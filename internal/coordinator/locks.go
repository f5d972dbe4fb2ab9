package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/locks"
	"go.uber.org/zap"
)

const (
	opAcquireLock = "locks.acquire"
	opReleaseLock = "locks.release"
	opRefreshLock = "locks.refresh"
	opBreakLock   = "locks.break"
	opListLocks   = "locks.list"

	actionAcquired = "acquired"
	actionReleased = "released"
	actionBroken   = "broken"
)

// AcquireLock grants actor the edit lock on one field, or fails fast with a
// collab.LockDeniedError naming the current owner.
func (c *Coordinator) AcquireLock(ctx context.Context, actor collab.Collaborator, tableID, rowID, fieldID string, metadata map[string]string) (locks.Lock, error) {
	key, err := c.lockKey(opAcquireLock, actor, tableID, rowID, fieldID)
	if err != nil {
		return locks.Lock{}, err
	}
	scope := c.lockScope(key.TableID)
	defer scope.mu.Unlock()

	now := c.now()
	outcome, err := scope.locks.Acquire(key, actor.ID, metadata, now)
	if err != nil {
		return locks.Lock{}, collab.NewServiceError(opAcquireLock, "invalid_key", err)
	}
	if !outcome.Granted {
		return locks.Lock{}, collab.NewServiceError(opAcquireLock, "denied", &collab.LockDeniedError{
			Owner:   outcome.Lock.Owner,
			TableID: key.TableID,
			RowID:   key.RowID,
			FieldID: key.FieldID,
		})
	}
	if outcome.Reacquired {
		return outcome.Lock, nil
	}

	if outcome.Expired != nil {
		stale := *outcome.Expired
		if _, err := c.append(ctx, lockReleasedEntry(stale, ReasonIdleTimeout, "", now)); err != nil {
			scope.locks.Put(stale)
			return locks.Lock{}, c.failAppend(opAcquireLock, err, zap.String("lock", key.String()))
		}
	}

	granted := outcome.Lock
	_, err = c.append(ctx, activity.Entry{
		TableID:    key.TableID,
		UserID:     actor.ID,
		RowID:      key.RowID,
		FieldID:    key.FieldID,
		ActionType: collab.ActionLockAcquired,
		Details:    lockDetails(granted),
		Timestamp:  now,
	}.WithIdempotencyKey(lockIdempotencyKey(actionAcquired, granted)))
	if err != nil {
		scope.locks.Delete(key)
		return locks.Lock{}, c.failAppend(opAcquireLock, err, zap.String("lock", key.String()))
	}
	return granted, nil
}

// ReleaseLock unlocks a field held by actor. A privileged actor releasing another
// collaborator's lock breaks it.
func (c *Coordinator) ReleaseLock(ctx context.Context, actor collab.Collaborator, tableID, rowID, fieldID string) (locks.Lock, error) {
	return c.release(ctx, opReleaseLock, actor, tableID, rowID, fieldID)
}

// BreakLock force-releases any lock. Only privileged collaborators may break locks.
func (c *Coordinator) BreakLock(ctx context.Context, actor collab.Collaborator, tableID, rowID, fieldID string) (locks.Lock, error) {
	if err := requireActor(opBreakLock, actor); err != nil {
		return locks.Lock{}, err
	}
	if !actor.Privileged {
		return locks.Lock{}, collab.NewServiceError(opBreakLock, "not_privileged", fmt.Errorf("%w: breaking locks requires the %s role", collab.ErrForbidden, collab.RoleAdmin))
	}
	return c.release(ctx, opBreakLock, actor, tableID, rowID, fieldID)
}

func (c *Coordinator) release(ctx context.Context, operation string, actor collab.Collaborator, tableID, rowID, fieldID string) (locks.Lock, error) {
	key, err := c.lockKey(operation, actor, tableID, rowID, fieldID)
	if err != nil {
		return locks.Lock{}, err
	}
	scope := c.lockScope(key.TableID)
	defer scope.mu.Unlock()

	now := c.now()
	released, forced, err := scope.locks.Release(key, actor.ID, actor.Privileged, now)
	if err != nil {
		reason := "not_found"
		if errors.Is(err, collab.ErrLockDenied) {
			reason = "denied"
		}
		return locks.Lock{}, collab.NewServiceError(operation, reason, err)
	}

	entry := lockReleasedEntry(released, ReasonReleased, actor.ID, now)
	if forced {
		details := lockDetails(released)
		details["previous_owner"] = released.Owner
		details["broken_by"] = actor.ID
		entry = activity.Entry{
			TableID:    key.TableID,
			UserID:     actor.ID,
			RowID:      key.RowID,
			FieldID:    key.FieldID,
			ActionType: collab.ActionLockBroken,
			Details:    details,
			Timestamp:  now,
		}.WithIdempotencyKey(lockIdempotencyKey(actionBroken, released))
	}
	if _, err := c.append(ctx, entry); err != nil {
		scope.locks.Put(released)
		return locks.Lock{}, c.failAppend(operation, err, zap.String("lock", key.String()))
	}
	c.retireIfIdle(scope)
	return released, nil
}

// RefreshLock extends the idle window of a lock held by actor. Refreshes are not logged.
func (c *Coordinator) RefreshLock(_ context.Context, actor collab.Collaborator, tableID, rowID, fieldID string) (locks.Lock, error) {
	key, err := c.lockKey(opRefreshLock, actor, tableID, rowID, fieldID)
	if err != nil {
		return locks.Lock{}, err
	}
	scope := c.lockScope(key.TableID)
	defer scope.mu.Unlock()

	refreshed, err := scope.locks.Refresh(key, actor.ID, c.now())
	if err != nil {
		reason := "not_found"
		if errors.Is(err, collab.ErrLockDenied) {
			reason = "denied"
		}
		return locks.Lock{}, collab.NewServiceError(opRefreshLock, reason, err)
	}
	return refreshed, nil
}

// ListLocks returns the live locks of tableID.
func (c *Coordinator) ListLocks(_ context.Context, tableID string) ([]locks.Lock, error) {
	table, err := normalizeTable(opListLocks, tableID)
	if err != nil {
		return nil, err
	}
	scope := c.lockScope(table)
	defer scope.mu.Unlock()
	return scope.locks.List(c.now()), nil
}

func (c *Coordinator) lockKey(operation string, actor collab.Collaborator, tableID, rowID, fieldID string) (collab.FieldKey, error) {
	if err := requireActor(operation, actor); err != nil {
		return collab.FieldKey{}, err
	}
	key, err := collab.NewFieldKey(tableID, rowID, fieldID)
	if err != nil {
		return collab.FieldKey{}, collab.NewServiceError(operation, "invalid_key", err)
	}
	return key, nil
}

// releaseStoredLocked removes a stored lock, live or stale, and records its release.
func (c *Coordinator) releaseStoredLocked(ctx context.Context, scope *tableScope, lock locks.Lock, reason, actorID string, now time.Time) error {
	scope.locks.Delete(lock.Key())
	if _, err := c.append(ctx, lockReleasedEntry(lock, reason, actorID, now)); err != nil {
		scope.locks.Put(lock)
		return err
	}
	return nil
}

func lockReleasedEntry(lock locks.Lock, reason, actorID string, now time.Time) activity.Entry {
	details := lockDetails(lock)
	details["reason"] = reason
	return activity.Entry{
		TableID:    lock.TableID,
		UserID:     actorID,
		RowID:      lock.RowID,
		FieldID:    lock.FieldID,
		ActionType: collab.ActionLockReleased,
		Details:    details,
		Timestamp:  now,
	}.WithIdempotencyKey(lockIdempotencyKey(actionReleased, lock))
}
