package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/codelift/workbench/internal/cloud"
	"github.com/codelift/workbench/pkg/logger"
)

// ErrorResponse is the standard failure body.
type ErrorResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// ErrorHandler is a middleware that catches panics and unhandled errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = fmt.Errorf("%v", r)
				}
				logger.Error("Panic recovered", err, map[string]interface{}{
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				})

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Status:    "error",
					Message:   "An unexpected error occurred",
					ErrorKind: string(cloud.KindFatal),
				})

				c.Abort()
			}
		}()

		c.Next()

		// Check if there were any errors
		if len(c.Errors) > 0 {
			err := c.Errors.Last()

			logger.Error("Request error", err.Err, map[string]interface{}{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			})

			// If response not already written
			if !c.Writer.Written() {
				RespondError(c, err.Err)
			}
		}
	}
}

// RespondError maps a classified error onto the HTTP surface. NoCapacity
// is not a failure: the client is told to retry while capacity builds.
func RespondError(c *gin.Context, err error) {
	kind := cloud.KindOf(err)

	if kind == cloud.KindNoCapacity {
		c.JSON(http.StatusAccepted, gin.H{
			"status":  "processing",
			"message": "No workspace available yet, retry shortly",
		})
		return
	}

	status := statusForKind(kind)
	logger.Error("Request failed", err, map[string]interface{}{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
		"kind":   string(kind),
		"status": status,
	})

	c.JSON(status, ErrorResponse{
		Status:    "error",
		Message:   publicMessage(kind, err),
		ErrorKind: string(kind),
	})
}

func statusForKind(kind cloud.ErrorKind) int {
	switch kind {
	case cloud.KindNotAuthenticated:
		return http.StatusUnauthorized
	case cloud.KindNotFound:
		return http.StatusNotFound
	case cloud.KindConflict:
		return http.StatusConflict
	case cloud.KindBadInstance:
		return http.StatusBadGateway
	case cloud.KindTransientUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps credential and invariant details out of responses.
func publicMessage(kind cloud.ErrorKind, err error) string {
	switch kind {
	case cloud.KindPermissionDenied, cloud.KindFatal:
		return "Internal error, please contact support"
	default:
		return err.Error()
	}
}
