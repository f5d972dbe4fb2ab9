package locks

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
)

func mustKey(t *testing.T, table, row, field string) collab.FieldKey {
	t.Helper()
	key, err := collab.NewFieldKey(table, row, field)
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	return key
}

func TestAcquireDeniesSecondOwner(t *testing.T) {
	arbiter := NewArbiter("1", time.Minute)
	key := mustKey(t, "1", "5", "3")
	now := time.Unix(1700000000, 0).UTC()

	first, err := arbiter.Acquire(key, "user-a", map[string]string{"source": "grid"}, now)
	if err != nil || !first.Granted {
		t.Fatalf("expected first acquire to be granted, got %#v %v", first, err)
	}

	second, err := arbiter.Acquire(key, "user-b", nil, now.Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Granted {
		t.Fatalf("expected second acquire to be denied")
	}
	if second.Lock.Owner != "user-a" {
		t.Fatalf("denial must name the current owner, got %s", second.Lock.Owner)
	}
}

func TestAcquireByOwnerRefreshes(t *testing.T) {
	arbiter := NewArbiter("1", time.Minute)
	key := mustKey(t, "1", "5", "3")
	now := time.Unix(1700000000, 0).UTC()

	if _, err := arbiter.Acquire(key, "user-a", nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, err := arbiter.Acquire(key, "user-a", nil, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Granted || !again.Reacquired {
		t.Fatalf("expected reacquire by owner, got %#v", again)
	}
	if !again.Lock.AcquiredAt.Equal(now) || !again.Lock.RefreshedAt.Equal(now.Add(30*time.Second)) {
		t.Fatalf("reacquire must keep acquired_at and move refreshed_at: %#v", again.Lock)
	}
}

func TestAcquireReplacesIdleLock(t *testing.T) {
	arbiter := NewArbiter("1", 10*time.Second)
	key := mustKey(t, "1", "5", "3")
	now := time.Unix(1700000000, 0).UTC()

	if _, err := arbiter.Acquire(key, "user-a", nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := arbiter.Acquire(key, "user-b", nil, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Granted || outcome.Lock.Owner != "user-b" {
		t.Fatalf("expected idle lock to be replaced, got %#v", outcome)
	}
	if outcome.Expired == nil || outcome.Expired.Owner != "user-a" {
		t.Fatalf("expected expired lock to be reported, got %#v", outcome.Expired)
	}
}

func TestReleaseRules(t *testing.T) {
	arbiter := NewArbiter("1", time.Minute)
	key := mustKey(t, "1", "5", "3")
	now := time.Unix(1700000000, 0).UTC()
	if _, err := arbiter.Acquire(key, "user-a", nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err := arbiter.Release(key, "user-b", false, now)
	var denied *collab.LockDeniedError
	if !errors.As(err, &denied) || denied.Owner != "user-a" {
		t.Fatalf("expected non-owner release to be denied, got %v", err)
	}

	released, forced, err := arbiter.Release(key, "admin-1", true, now)
	if err != nil {
		t.Fatalf("unexpected override error: %v", err)
	}
	if !forced || released.Owner != "user-a" {
		t.Fatalf("expected forced release of user-a lock, got %#v forced=%v", released, forced)
	}

	if _, _, err := arbiter.Release(key, "user-a", false, now); !errors.Is(err, collab.ErrNotFound) {
		t.Fatalf("expected not found after release, got %v", err)
	}
}

func TestOwnerReleaseIsNotForced(t *testing.T) {
	arbiter := NewArbiter("1", time.Minute)
	key := mustKey(t, "1", "5", "3")
	now := time.Unix(1700000000, 0).UTC()
	if _, err := arbiter.Acquire(key, "user-a", nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, forced, err := arbiter.Release(key, "user-a", true, now)
	if err != nil || forced {
		t.Fatalf("owner release must not be forced, got forced=%v err=%v", forced, err)
	}
}

func TestRefreshExtendsIdleWindow(t *testing.T) {
	arbiter := NewArbiter("1", 10*time.Second)
	key := mustKey(t, "1", "5", "3")
	now := time.Unix(1700000000, 0).UTC()
	if _, err := arbiter.Acquire(key, "user-a", nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := arbiter.Refresh(key, "user-a", now.Add(8*time.Second)); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if _, ok := arbiter.Get(key, now.Add(15*time.Second)); !ok {
		t.Fatalf("refreshed lock should still be live")
	}
	if _, ok := arbiter.Get(key, now.Add(18*time.Second)); ok {
		t.Fatalf("lock should expire idle timeout after last refresh")
	}
	if _, err := arbiter.Refresh(key, "user-b", now.Add(9*time.Second)); !errors.Is(err, collab.ErrLockDenied) {
		t.Fatalf("expected refresh by non-owner to be denied, got %v", err)
	}
	if _, err := arbiter.Refresh(key, "user-a", now.Add(30*time.Second)); !errors.Is(err, collab.ErrNotFound) {
		t.Fatalf("expected refresh of idle lock to fail, got %v", err)
	}
}

func TestListOwnedByAndExpired(t *testing.T) {
	arbiter := NewArbiter("1", 10*time.Second)
	now := time.Unix(1700000000, 0).UTC()
	for _, seed := range []struct {
		row, field, owner string
		at                time.Time
	}{
		{"2", "b", "user-a", now},
		{"1", "a", "user-a", now.Add(-20 * time.Second)},
		{"3", "c", "user-b", now},
	} {
		if _, err := arbiter.Acquire(mustKey(t, "1", seed.row, seed.field), seed.owner, nil, seed.at); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	live := arbiter.List(now)
	if len(live) != 2 || live[0].RowID != "2" || live[1].RowID != "3" {
		t.Fatalf("unexpected live locks: %#v", live)
	}
	owned := arbiter.OwnedBy("user-a")
	if len(owned) != 2 || owned[0].RowID != "1" {
		t.Fatalf("expected both user-a locks including the stale one, got %#v", owned)
	}
	expired := arbiter.Expired(now)
	if len(expired) != 1 || expired[0].RowID != "1" {
		t.Fatalf("unexpected expired locks: %#v", expired)
	}
}

func TestAcquireRejectsForeignTable(t *testing.T) {
	arbiter := NewArbiter("1", time.Minute)
	if _, err := arbiter.Acquire(mustKey(t, "2", "5", "3"), "user-a", nil, time.Now()); !errors.Is(err, collab.ErrInvalidInput) {
		t.Fatalf("expected invalid input for a key of another table, got %v", err)
	}
}

func TestEachGrantCarriesItsOwnGrantID(t *testing.T) {
	arbiter := NewArbiter("1", time.Minute)
	key := mustKey(t, "1", "5", "3")
	now := time.Unix(1700000000, 0).UTC()

	first, err := arbiter.Acquire(key, "user-a", nil, now)
	if err != nil || first.Lock.GrantID == "" {
		t.Fatalf("expected a grant id, got %#v %v", first, err)
	}
	again, err := arbiter.Acquire(key, "user-a", nil, now)
	if err != nil || !again.Reacquired || again.Lock.GrantID != first.Lock.GrantID {
		t.Fatalf("expected reacquire to keep the grant id, got %#v %v", again, err)
	}
	if _, _, err := arbiter.Release(key, "user-a", false, now); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	second, err := arbiter.Acquire(key, "user-b", nil, now)
	if err != nil || second.Lock.GrantID == first.Lock.GrantID {
		t.Fatalf("expected a fresh grant id at the same instant, got %#v %v", second, err)
	}
}
