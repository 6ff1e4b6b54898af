package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ginLoggerKey    = "logger"
	maxRequestIDLen = 128
)

// Middleware tags each request with a request_id logger, stored in both the
// Gin and the request context, and logs one summary line when it finishes.
// Websocket sessions finish when the socket closes, so their line reports the
// session length.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set(ginLoggerKey, reqLogger)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLogger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"client_ip", c.ClientIP(),
			"duration_ms", float64(time.Since(start).Milliseconds()),
		}

		msg, level := "request", slog.LevelInfo
		switch {
		case len(c.Errors) > 0:
			attrs = append(attrs, "errors", c.Errors.String())
			level = slog.LevelError
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status == http.StatusSwitchingProtocols:
			msg = "websocket session"
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		case path == "/healthz":
			level = slog.LevelDebug
		}
		reqLogger.Log(c.Request.Context(), level, msg, attrs...)
	}
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
