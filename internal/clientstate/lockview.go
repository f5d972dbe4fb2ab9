package clientstate

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
)

// LockState is what the UI renders for one field.
type LockState struct {
	Key         collab.FieldKey
	Owner       string
	AcquiredAt  time.Time
	Provisional bool
}

// LockView is an event-sourced copy of the table's lock map. Server entries are applied as
// they arrive; local predictions made by Predict stay provisional until the server confirms
// them and are dropped when a conflicting entry or a denial arrives.
type LockView struct {
	mu            sync.Mutex
	self          string
	authoritative map[collab.FieldKey]LockState
	provisional   map[collab.FieldKey]LockState
}

// NewLockView returns an empty view for the collaborator selfID.
func NewLockView(selfID string) *LockView {
	return &LockView{
		self:          selfID,
		authoritative: make(map[collab.FieldKey]LockState),
		provisional:   make(map[collab.FieldKey]LockState),
	}
}

// Predict records an optimistic local acquisition. It returns false when the field is
// already known to be held by someone else, in which case nothing is recorded.
func (v *LockView) Predict(key collab.FieldKey, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if held, ok := v.authoritative[key]; ok && held.Owner != v.self {
		return false
	}
	v.provisional[key] = LockState{Key: key, Owner: v.self, AcquiredAt: now, Provisional: true}
	return true
}

// Reject drops the prediction for key after the server denied it.
func (v *LockView) Reject(key collab.FieldKey) {
	v.mu.Lock()
	delete(v.provisional, key)
	v.mu.Unlock()
}

// Apply folds one authoritative activity entry into the view.
func (v *LockView) Apply(entry activity.Entry) {
	key := collab.FieldKey{TableID: entry.TableID, RowID: entry.RowID, FieldID: entry.FieldID}
	v.mu.Lock()
	defer v.mu.Unlock()
	switch entry.ActionType {
	case collab.ActionLockAcquired:
		owner := detailString(entry.Details, "owner_user_id")
		if owner == "" {
			owner = entry.UserID
		}
		v.authoritative[key] = LockState{Key: key, Owner: owner, AcquiredAt: entry.Timestamp}
		delete(v.provisional, key)
	case collab.ActionLockReleased, collab.ActionLockBroken:
		delete(v.authoritative, key)
		delete(v.provisional, key)
	}
}

// Reset discards all state, typically before replaying the stream from the start.
func (v *LockView) Reset() {
	v.mu.Lock()
	v.authoritative = make(map[collab.FieldKey]LockState)
	v.provisional = make(map[collab.FieldKey]LockState)
	v.mu.Unlock()
}

// Owner returns the rendered state of key. Authoritative state wins over predictions.
func (v *LockView) Owner(key collab.FieldKey) (LockState, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if held, ok := v.authoritative[key]; ok {
		return held, true
	}
	held, ok := v.provisional[key]
	return held, ok
}

// Snapshot lists every rendered lock ordered by key.
func (v *LockView) Snapshot() []LockState {
	v.mu.Lock()
	defer v.mu.Unlock()
	states := make([]LockState, 0, len(v.authoritative)+len(v.provisional))
	for _, held := range v.authoritative {
		states = append(states, held)
	}
	for key, held := range v.provisional {
		if _, ok := v.authoritative[key]; !ok {
			states = append(states, held)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Key.String() < states[j].Key.String()
	})
	return states
}

func detailString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	value, _ := details[key].(string)
	return value
}
