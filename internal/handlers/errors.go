package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"partnerlink/internal/apperrors"

	"github.com/gin-gonic/gin"
)

// respondError maps the error taxonomy onto status codes. Unknown errors are
// logged and hidden behind a 500.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrInvalidConfig):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrKeyTaken),
		errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrPayoutSettled):
		status = http.StatusConflict
	case errors.Is(err, apperrors.ErrInvalidSignature):
		status = http.StatusUnauthorized
	case apperrors.IsTransient(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		if status == http.StatusInternalServerError {
			c.JSON(status, gin.H{"error": "Internal error"})
			return
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}
