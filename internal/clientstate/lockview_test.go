package clientstate

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
)

var cellKey = collab.FieldKey{TableID: "1", RowID: "5", FieldID: "3"}

func lockEntry(id int64, action collab.ActionType, actor, owner string) activity.Entry {
	return activity.Entry{
		TableID:    cellKey.TableID,
		ID:         id,
		UserID:     actor,
		RowID:      cellKey.RowID,
		FieldID:    cellKey.FieldID,
		ActionType: action,
		Details:    map[string]any{"owner_user_id": owner},
		Timestamp:  time.Unix(1700000000+id, 0).UTC(),
	}
}

func TestPredictionConfirmedByServer(t *testing.T) {
	view := NewLockView("user-a")
	if !view.Predict(cellKey, time.Unix(1700000000, 0)) {
		t.Fatalf("prediction on a free field must be recorded")
	}
	state, ok := view.Owner(cellKey)
	if !ok || !state.Provisional || state.Owner != "user-a" {
		t.Fatalf("expected provisional ownership, got %#v", state)
	}

	view.Apply(lockEntry(1, collab.ActionLockAcquired, "user-a", "user-a"))
	state, _ = view.Owner(cellKey)
	if state.Provisional || state.Owner != "user-a" {
		t.Fatalf("expected confirmed ownership, got %#v", state)
	}
}

func TestConflictingServerEntryDiscardsPrediction(t *testing.T) {
	view := NewLockView("user-b")
	view.Predict(cellKey, time.Unix(1700000000, 0))

	view.Apply(lockEntry(1, collab.ActionLockAcquired, "user-a", "user-a"))
	state, ok := view.Owner(cellKey)
	if !ok || state.Owner != "user-a" || state.Provisional {
		t.Fatalf("server owner must replace the prediction, got %#v", state)
	}
	if view.Predict(cellKey, time.Unix(1700000001, 0)) {
		t.Fatalf("predicting over a foreign lock must fail")
	}

	view.Apply(lockEntry(2, collab.ActionLockReleased, "", "user-a"))
	if _, ok := view.Owner(cellKey); ok {
		t.Fatalf("released lock must disappear")
	}
	if len(view.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot")
	}
}

func TestRejectDropsPrediction(t *testing.T) {
	view := NewLockView("user-b")
	view.Predict(cellKey, time.Unix(1700000000, 0))
	view.Reject(cellKey)
	if _, ok := view.Owner(cellKey); ok {
		t.Fatalf("rejected prediction must be dropped")
	}
}
