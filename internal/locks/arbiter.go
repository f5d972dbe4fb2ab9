// Package locks arbitrates mutually exclusive edit locks on (table, row, field) keys.
//
// Each key moves UNLOCKED -> LOCKED(owner) -> UNLOCKED. An Arbiter belongs to one table
// scope and is not safe for concurrent use. A lock stops being live once it has not been
// refreshed for the idle timeout, whether or not a sweep has removed it yet.
package locks

import (
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/google/uuid"
)

// Lock is a live or stale claim on one field.
type Lock struct {
	TableID     string            `json:"table_id"`
	RowID       string            `json:"row_id"`
	FieldID     string            `json:"field_id"`
	Owner       string            `json:"owner_user_id"`
	// GrantID identifies one grant; a reacquire or refresh keeps it.
	GrantID     string            `json:"grant_id"`
	AcquiredAt  time.Time         `json:"acquired_at"`
	RefreshedAt time.Time         `json:"refreshed_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Key returns the field key the lock guards.
func (l Lock) Key() collab.FieldKey {
	return collab.FieldKey{TableID: l.TableID, RowID: l.RowID, FieldID: l.FieldID}
}

// LiveAt reports whether the lock was refreshed within idle of now.
func (l Lock) LiveAt(now time.Time, idle time.Duration) bool {
	return now.Sub(l.RefreshedAt) < idle
}

// ExpiresAt returns the instant the lock stops being live without a refresh.
func (l Lock) ExpiresAt(idle time.Duration) time.Time {
	return l.RefreshedAt.Add(idle)
}

type cell struct {
	rowID   string
	fieldID string
}

// AcquireOutcome describes the result of Acquire.
type AcquireOutcome struct {
	// Granted is false when another collaborator holds a live lock.
	Granted bool
	// Lock is the granted lock, or the blocking lock when denied.
	Lock Lock
	// Reacquired is true when the owner already held the lock; it was refreshed.
	Reacquired bool
	// Expired holds a stale lock that was replaced by this grant.
	Expired *Lock
}

// Arbiter holds the lock map of one table.
type Arbiter struct {
	tableID string
	idle    time.Duration
	locks   map[cell]Lock
}

// NewArbiter constructs an empty arbiter for tableID.
func NewArbiter(tableID string, idleTimeout time.Duration) *Arbiter {
	return &Arbiter{
		tableID: tableID,
		idle:    idleTimeout,
		locks:   make(map[cell]Lock),
	}
}

func (a *Arbiter) cellFor(key collab.FieldKey) (cell, error) {
	if key.TableID != a.tableID {
		return cell{}, fmt.Errorf("%w: key %s does not belong to table %s", collab.ErrInvalidInput, key, a.tableID)
	}
	return cell{rowID: key.RowID, fieldID: key.FieldID}, nil
}

// Acquire grants the lock to owner unless another collaborator holds it live. It never waits.
func (a *Arbiter) Acquire(key collab.FieldKey, owner string, metadata map[string]string, now time.Time) (AcquireOutcome, error) {
	target, err := a.cellFor(key)
	if err != nil {
		return AcquireOutcome{}, err
	}
	existing, held := a.locks[target]
	if held && existing.LiveAt(now, a.idle) {
		if existing.Owner != owner {
			return AcquireOutcome{Granted: false, Lock: existing}, nil
		}
		existing.RefreshedAt = now
		if len(metadata) > 0 {
			existing.Metadata = copyMetadata(metadata)
		}
		a.locks[target] = existing
		return AcquireOutcome{Granted: true, Lock: existing, Reacquired: true}, nil
	}

	granted := Lock{
		TableID:     key.TableID,
		RowID:       key.RowID,
		FieldID:     key.FieldID,
		Owner:       owner,
		GrantID:     uuid.NewString(),
		AcquiredAt:  now,
		RefreshedAt: now,
		Metadata:    copyMetadata(metadata),
	}
	a.locks[target] = granted

	outcome := AcquireOutcome{Granted: true, Lock: granted}
	if held {
		stale := existing
		outcome.Expired = &stale
	}
	return outcome, nil
}

// Release unlocks key. Non-owners are denied unless override is set, in which case the
// returned forced flag reports that the lock was broken rather than released.
func (a *Arbiter) Release(key collab.FieldKey, actor string, override bool, now time.Time) (released Lock, forced bool, err error) {
	target, err := a.cellFor(key)
	if err != nil {
		return Lock{}, false, err
	}
	existing, held := a.locks[target]
	if !held || !existing.LiveAt(now, a.idle) {
		return Lock{}, false, fmt.Errorf("%w: no live lock on %s", collab.ErrNotFound, key)
	}
	if existing.Owner != actor {
		if !override {
			return Lock{}, false, &collab.LockDeniedError{Owner: existing.Owner, TableID: key.TableID, RowID: key.RowID, FieldID: key.FieldID}
		}
		forced = true
	}
	delete(a.locks, target)
	return existing, forced, nil
}

// Refresh extends the idle timer of a lock held by owner.
func (a *Arbiter) Refresh(key collab.FieldKey, owner string, now time.Time) (Lock, error) {
	target, err := a.cellFor(key)
	if err != nil {
		return Lock{}, err
	}
	existing, held := a.locks[target]
	if !held || !existing.LiveAt(now, a.idle) {
		return Lock{}, fmt.Errorf("%w: no live lock on %s", collab.ErrNotFound, key)
	}
	if existing.Owner != owner {
		return Lock{}, &collab.LockDeniedError{Owner: existing.Owner, TableID: key.TableID, RowID: key.RowID, FieldID: key.FieldID}
	}
	existing.RefreshedAt = now
	a.locks[target] = existing
	return existing, nil
}

// Get returns the live lock on key, if any.
func (a *Arbiter) Get(key collab.FieldKey, now time.Time) (Lock, bool) {
	target, err := a.cellFor(key)
	if err != nil {
		return Lock{}, false
	}
	existing, held := a.locks[target]
	if !held || !existing.LiveAt(now, a.idle) {
		return Lock{}, false
	}
	return existing, true
}

// Put stores lock verbatim; used to roll back a transition.
func (a *Arbiter) Put(lock Lock) {
	a.locks[cell{rowID: lock.RowID, fieldID: lock.FieldID}] = lock
}

// Delete removes whatever is stored for key; used to roll back a grant.
func (a *Arbiter) Delete(key collab.FieldKey) {
	delete(a.locks, cell{rowID: key.RowID, fieldID: key.FieldID})
}

// List returns live locks ordered by row then field.
func (a *Arbiter) List(now time.Time) []Lock {
	live := make([]Lock, 0, len(a.locks))
	for _, lock := range a.locks {
		if lock.LiveAt(now, a.idle) {
			live = append(live, lock)
		}
	}
	sortLocks(live)
	return live
}

// OwnedBy returns every stored lock of owner, live or stale.
func (a *Arbiter) OwnedBy(owner string) []Lock {
	var owned []Lock
	for _, lock := range a.locks {
		if lock.Owner == owner {
			owned = append(owned, lock)
		}
	}
	sortLocks(owned)
	return owned
}

// Expired returns stored locks that are no longer live at now.
func (a *Arbiter) Expired(now time.Time) []Lock {
	var expired []Lock
	for _, lock := range a.locks {
		if !lock.LiveAt(now, a.idle) {
			expired = append(expired, lock)
		}
	}
	sortLocks(expired)
	return expired
}

// Len returns the number of stored locks, live or not.
func (a *Arbiter) Len() int {
	return len(a.locks)
}

func sortLocks(locks []Lock) {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].RowID == locks[j].RowID {
			return locks[i].FieldID < locks[j].FieldID
		}
		return locks[i].RowID < locks[j].RowID
	})
}

func copyMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	copied := make(map[string]string, len(metadata))
	for key, value := range metadata {
		copied[key] = value
	}
	return copied
}
