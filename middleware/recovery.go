package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery turns a handler panic into a 500 that carries the request id.
// A broken client connection is logged but not answered.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			requestID := GetRequestID(c)
			slog.Error("panic recovered",
				"error", fmt.Sprint(rec),
				"request_id", requestID,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"actor", GetUsername(c),
				"stack", string(debug.Stack()),
			)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "Internal server error",
				"request_id": requestID,
			})
		}()

		c.Next()
	}
}
