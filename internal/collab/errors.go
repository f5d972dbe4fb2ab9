package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates a missing, malformed, or expired identity.
	ErrUnauthorized = errors.New("collab: unauthorized")
	// ErrForbidden indicates the actor is authenticated but may not perform the operation.
	ErrForbidden = errors.New("collab: forbidden")
	// ErrLockDenied indicates the edit lock is held by another collaborator.
	ErrLockDenied = errors.New("collab: lock denied")
	// ErrInvalidParent indicates a reply targets a comment that is itself a reply.
	ErrInvalidParent = errors.New("collab: invalid parent comment")
	// ErrNotFound indicates the referenced resource no longer exists.
	ErrNotFound = errors.New("collab: not found")
	// ErrTransientIO indicates the durable log or store failed and the call may be retried.
	ErrTransientIO = errors.New("collab: transient io failure")
	// ErrRateLimited indicates an ephemeral signal was throttled.
	ErrRateLimited = errors.New("collab: rate limited")
	// ErrInvalidInput indicates a malformed request payload.
	ErrInvalidInput = errors.New("collab: invalid input")
)

// LockDeniedError reports lock contention together with the current owner.
type LockDeniedError struct {
	Owner   string
	TableID string
	RowID   string
	FieldID string
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("%s: %s/%s/%s held by %s", ErrLockDenied.Error(), e.TableID, e.RowID, e.FieldID, e.Owner)
}

// Is allows errors.Is(err, ErrLockDenied).
func (e *LockDeniedError) Is(target error) bool {
	return target == ErrLockDenied
}

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError with the code "<operation>.<reason>".
func NewServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IsRetryable reports whether the caller may retry the failed operation unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
