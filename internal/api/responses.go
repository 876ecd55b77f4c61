package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nhle/orgmail-gateway/internal/attachment"
	"github.com/nhle/orgmail-gateway/internal/dispatch"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func respondError(c *gin.Context, status int, message string, err error) {
	body := ErrorResponse{Message: message}
	if err != nil {
		body.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

func respondBadRequest(c *gin.Context, message string, err error) {
	respondError(c, http.StatusBadRequest, message, err)
}

// respondInternalError logs err with full detail before answering 500.
func respondInternalError(c *gin.Context, message string, err error, log *zap.SugaredLogger) {
	if log != nil {
		log.Errorw(message, "path", c.FullPath(), "error", err)
	}
	respondError(c, http.StatusInternalServerError, message, err)
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case dispatch.IsValidation(err), errors.Is(err, attachment.ErrInvalidFilename):
		return http.StatusBadRequest
	case errors.Is(err, attachment.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
