package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/gin-gonic/gin"
	"instapc-server/internal/lifecycle"
	"instapc-server/internal/session"
)

// statusFor maps domain errors to HTTP status codes. Backend failures,
// including a missing instance, are server errors: only registry misses
// are reported as 404.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrVMNotFound), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errdefs.IsPermissionDenied(err):
		return http.StatusForbidden
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed", "path", c.Request.URL.Path, "error", err)
	} else {
		logger.Info(op+" rejected", "path", c.Request.URL.Path, "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
}
