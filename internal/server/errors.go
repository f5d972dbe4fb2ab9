package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/gin-gonic/gin"
)

// describeError maps a domain failure onto an HTTP status and an error body shared by
// REST responses and channel error frames.
func describeError(err error) (int, wire.ErrorPayload) {
	payload := wire.ErrorPayload{Message: err.Error()}
	var serviceErr *collab.ServiceError
	if errors.As(err, &serviceErr) {
		payload.Code = serviceErr.Code()
	}

	switch {
	case errors.Is(err, collab.ErrUnauthorized):
		payload.Error = "unauthorized"
		return http.StatusUnauthorized, payload
	case errors.Is(err, collab.ErrForbidden):
		payload.Error = "forbidden"
		return http.StatusForbidden, payload
	case errors.Is(err, collab.ErrNotFound):
		payload.Error = "not_found"
		return http.StatusNotFound, payload
	case errors.Is(err, collab.ErrLockDenied):
		payload.Error = "lock_denied"
		var denied *collab.LockDeniedError
		if errors.As(err, &denied) {
			payload.Owner = denied.Owner
		}
		return http.StatusConflict, payload
	case errors.Is(err, collab.ErrInvalidParent):
		payload.Error = "invalid_parent"
		return http.StatusUnprocessableEntity, payload
	case errors.Is(err, collab.ErrInvalidInput):
		payload.Error = "invalid_request"
		return http.StatusBadRequest, payload
	case errors.Is(err, collab.ErrRateLimited):
		payload.Error = "rate_limited"
		return http.StatusTooManyRequests, payload
	case errors.Is(err, collab.ErrTransientIO):
		payload.Error = "unavailable"
		payload.Retryable = true
		payload.Message = "storage temporarily unavailable"
		return http.StatusServiceUnavailable, payload
	default:
		payload.Error = "internal_error"
		payload.Message = ""
		return http.StatusInternalServerError, payload
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, payload := describeError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zapRequestFields(c, err)...)
	}
	c.AbortWithStatusJSON(status, payload)
}

func invalidRequest(message string) error {
	return collab.NewServiceError("http.request", "invalid", fmt.Errorf("%w: %s", collab.ErrInvalidInput, message))
}
