package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Query keys whose values never reach the logs.
var redactedKeys = map[string]struct{}{
	"key":       {},
	"passp":     {},
	"signature": {},
	"sign":      {},
	"hesh":      {},
	"l4digit":   {},
}

func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := RedactQuery(c.Request.URL.RawQuery)

		c.Next()

		latency := time.Since(start)
		traceID := GetTraceID(c.Request.Context())

		fields := []zap.Field{
			zap.String("trace_id", traceID),
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", latency),
			zap.String("user-agent", c.Request.UserAgent()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.Error("HTTP Request", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn("HTTP Request", fields...)
		default:
			logger.Info("HTTP Request", fields...)
		}
	}
}

// RedactQuery masks credential and proof values in a raw query string.
func RedactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "[unparseable]"
	}
	for k := range values {
		if _, ok := redactedKeys[strings.ToLower(k)]; ok {
			values[k] = []string{"REDACTED"}
		}
	}
	return values.Encode()
}
