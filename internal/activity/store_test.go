package activity

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"gorm.io/gorm"
)

func TestAppendAssignsTableScopedIDs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	for index, table := range []string{"table-a", "table-a", "table-b", "table-a"} {
		if _, _, err := store.Append(ctx, testEntry(table, collab.ActionRowUpdated, "user-1", base.Add(time.Duration(index)*time.Second)), nil); err != nil {
			t.Fatalf("append %d failed: %v", index, err)
		}
	}

	pageA, err := store.Query(ctx, Filter{TableID: "table-a"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(pageA.Entries) != 3 {
		t.Fatalf("expected three entries in table-a, got %d", len(pageA.Entries))
	}
	for index, entry := range pageA.Entries {
		if entry.ID != int64(index+1) {
			t.Fatalf("expected id %d, got %d", index+1, entry.ID)
		}
	}
	latest, err := store.LatestID(ctx, "table-b")
	if err != nil || latest != 1 {
		t.Fatalf("expected table-b to start its own sequence, got %d %v", latest, err)
	}
	empty, err := store.LatestID(ctx, "table-z")
	if err != nil || empty != 0 {
		t.Fatalf("expected zero latest id for empty table, got %d %v", empty, err)
	}
}

func TestAppendToFreshTableReportsNoStatementErrors(t *testing.T) {
	gormLogger := newTracingLogger()
	store := openTestStoreWithLogger(t, gormLogger)
	ctx := context.Background()
	at := time.Unix(1700000000, 0).UTC()
	setup := len(gormLogger.traced())

	entry := testEntry("table-new", collab.ActionLockAcquired, "user-1", at).WithIdempotencyKey("lock:acquired:grant-1")
	stored, duplicate, err := store.Append(ctx, entry, nil)
	if err != nil || duplicate || stored.ID != 1 {
		t.Fatalf("unexpected append result: %#v duplicate=%v err=%v", stored, duplicate, err)
	}
	if latest, err := store.LatestID(ctx, "table-empty"); err != nil || latest != 0 {
		t.Fatalf("expected zero latest id, got %d %v", latest, err)
	}
	if traced := gormLogger.traced()[setup:]; len(traced) != 0 {
		t.Fatalf("expected no statement errors, got %v", traced)
	}
}

func TestAppendKeepsTimestampsMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	first, _, err := store.Append(ctx, testEntry("table-a", collab.ActionRowUpdated, "user-1", base), nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	second, _, err := store.Append(ctx, testEntry("table-a", collab.ActionRowUpdated, "user-1", base.Add(-time.Minute)), nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Fatalf("timestamp regressed: %v before %v", second.Timestamp, first.Timestamp)
	}
}

func TestAppendDeduplicatesIdempotencyKey(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0).UTC()
	entry := testEntry("table-a", collab.ActionLockAcquired, "user-1", at).WithIdempotencyKey("lock:acquired:1")

	first, duplicate, err := store.Append(ctx, entry, nil)
	if err != nil || duplicate {
		t.Fatalf("unexpected first append result: duplicate=%v err=%v", duplicate, err)
	}
	mutated := false
	second, duplicate, err := store.Append(ctx, entry, func(*gorm.DB) error {
		mutated = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !duplicate || second.ID != first.ID {
		t.Fatalf("expected the original entry back, got %#v duplicate=%v", second, duplicate)
	}
	if mutated {
		t.Fatalf("mutation must not run again for a deduplicated append")
	}
	page, _ := store.Query(ctx, Filter{TableID: "table-a"})
	if len(page.Entries) != 1 {
		t.Fatalf("expected exactly one stored entry, got %d", len(page.Entries))
	}
}

func TestQueryFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	fixtures := []Entry{
		testEntry("table-a", collab.ActionUserJoined, "user-1", base),
		testEntry("table-a", collab.ActionLockAcquired, "user-1", base.Add(time.Minute)),
		testEntry("table-a", collab.ActionCommentCreated, "user-2", base.Add(2*time.Minute)),
		testEntry("table-a", collab.ActionLockReleased, "", base.Add(3*time.Minute)),
	}
	fixtures[2].Details = map[string]any{"content": "Please REVIEW 100% of rows"}
	for _, fixture := range fixtures {
		if _, _, err := store.Append(ctx, fixture, nil); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	byUser, _ := store.Query(ctx, Filter{TableID: "table-a", UserID: "user-1"})
	if len(byUser.Entries) != 2 {
		t.Fatalf("expected two entries for user-1, got %d", len(byUser.Entries))
	}

	byAction, _ := store.Query(ctx, Filter{TableID: "table-a", ActionTypes: []collab.ActionType{collab.ActionLockAcquired, collab.ActionLockReleased}})
	if len(byAction.Entries) != 2 || byAction.Entries[1].UserID != "" {
		t.Fatalf("unexpected lock entries: %#v", byAction.Entries)
	}

	byRange, _ := store.Query(ctx, Filter{TableID: "table-a", Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)})
	if len(byRange.Entries) != 2 || byRange.Entries[0].ID != 2 {
		t.Fatalf("unexpected range result: %#v", byRange.Entries)
	}

	bySearch, _ := store.Query(ctx, Filter{TableID: "table-a", Search: "review 100%"})
	if len(bySearch.Entries) != 1 || bySearch.Entries[0].ActionType != collab.ActionCommentCreated {
		t.Fatalf("unexpected search result: %#v", bySearch.Entries)
	}

	firstPage, _ := store.Query(ctx, Filter{TableID: "table-a", Limit: 3})
	if len(firstPage.Entries) != 3 || !firstPage.HasMore {
		t.Fatalf("expected a full first page with more results, got %d has_more=%v", len(firstPage.Entries), firstPage.HasMore)
	}
	secondPage, _ := store.Query(ctx, Filter{TableID: "table-a", AfterID: 3, Limit: 3})
	if len(secondPage.Entries) != 1 || secondPage.HasMore {
		t.Fatalf("expected final page with one entry, got %d has_more=%v", len(secondPage.Entries), secondPage.HasMore)
	}

	newest, _ := store.Query(ctx, Filter{TableID: "table-a", Descending: true, Limit: 2})
	if len(newest.Entries) != 2 || newest.Entries[0].ID != 4 || !newest.HasMore {
		t.Fatalf("unexpected descending page: %#v", newest)
	}
	older, _ := store.Query(ctx, Filter{TableID: "table-a", Descending: true, BeforeID: 3})
	if len(older.Entries) != 2 || older.Entries[0].ID != 2 || older.HasMore {
		t.Fatalf("unexpected page before id 3: %#v", older)
	}
}

func TestSearchMatchesEscapedCharacters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0).UTC()

	markup := testEntry("table-a", collab.ActionCommentCreated, "user-1", at)
	markup.Details = map[string]any{"content": `Use <b>bold</b> & "quotes"`}
	plain := testEntry("table-a", collab.ActionCommentCreated, "user-2", at)
	plain.Details = map[string]any{"content": "nothing special"}
	for _, entry := range []Entry{markup, plain} {
		if _, _, err := store.Append(ctx, entry, nil); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	for _, term := range []string{"<b>", "bold</b> &", `"quotes"`} {
		page, err := store.Query(ctx, Filter{TableID: "table-a", Search: term})
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(page.Entries) != 1 || page.Entries[0].UserID != "user-1" {
			t.Fatalf("search %q: unexpected result %#v", term, page.Entries)
		}
	}
}
