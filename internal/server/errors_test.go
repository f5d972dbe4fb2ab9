package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
)

func TestDescribeErrorMapsTaxonomy(t *testing.T) {
	testCases := []struct {
		err    error
		status int
		label  string
	}{
		{err: collab.ErrUnauthorized, status: http.StatusUnauthorized, label: "unauthorized"},
		{err: collab.NewServiceError("locks.break", "not_privileged", collab.ErrForbidden), status: http.StatusForbidden, label: "forbidden"},
		{err: fmt.Errorf("%w: comment", collab.ErrNotFound), status: http.StatusNotFound, label: "not_found"},
		{err: collab.ErrInvalidParent, status: http.StatusUnprocessableEntity, label: "invalid_parent"},
		{err: invalidRequest("bad"), status: http.StatusBadRequest, label: "invalid_request"},
		{err: collab.ErrRateLimited, status: http.StatusTooManyRequests, label: "rate_limited"},
		{err: errors.New("boom"), status: http.StatusInternalServerError, label: "internal_error"},
	}
	for _, testCase := range testCases {
		status, payload := describeError(testCase.err)
		if status != testCase.status || payload.Error != testCase.label {
			t.Fatalf("describeError(%v) = %d %q, want %d %q", testCase.err, status, payload.Error, testCase.status, testCase.label)
		}
	}
}

func TestDescribeErrorCarriesLockOwnerAndRetryHint(t *testing.T) {
	status, payload := describeError(collab.NewServiceError("locks.acquire", "denied", &collab.LockDeniedError{Owner: "user-a", TableID: "1", RowID: "5", FieldID: "3"}))
	if status != http.StatusConflict || payload.Owner != "user-a" || payload.Code != "locks.acquire.denied" {
		t.Fatalf("unexpected lock denial mapping %d %#v", status, payload)
	}

	status, payload = describeError(collab.NewServiceError("activity.append", "retries_exhausted", collab.ErrTransientIO))
	if status != http.StatusServiceUnavailable || !payload.Retryable {
		t.Fatalf("expected retryable 503, got %d %#v", status, payload)
	}
}
