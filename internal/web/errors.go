package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pguigue/mergin/internal/mergin"
)

// statusOf maps service errors to HTTP status codes. Anything unrecognized
// is a server fault.
func statusOf(err error) int {
	switch {
	case errors.Is(err, mergin.ErrNotFound),
		errors.Is(err, mergin.ErrUnknownTransaction):
		return http.StatusNotFound
	case errors.Is(err, mergin.ErrConflict),
		errors.Is(err, mergin.ErrStaleBase):
		return http.StatusConflict
	case errors.Is(err, mergin.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, mergin.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, mergin.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, mergin.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, mergin.ErrChunkMismatch),
		errors.Is(err, mergin.ErrIncompleteUpload),
		errors.Is(err, mergin.ErrCorruptWrite):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error as a JSON body with the mapped status.
func (h *Handler) abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
