package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stockledger/internal/core"
)

// Header names understood by the API.
const (
	HeaderRequestID = "X-Request-Id"
	HeaderOperator  = "X-Operator"
)

const requestIDKey = "request_id"

// withRequestID propagates an inbound request ID or mints one.
func withRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// withLogging writes one line per request. Server errors carry the
// underlying cause, which the response body hides.
func withLogging(logger core.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"latency_ms", float64(time.Since(start).Microseconds()) / 1000.0,
			"request_id", requestID(c),
		}
		if op := c.GetHeader(HeaderOperator); op != "" {
			args = append(args, "operator", op)
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("http request", append(args, "error", c.Errors.String())...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("http request", args...)
		default:
			logger.Debug("http request", args...)
		}
	}
}

// operator reads the acting user from the X-Operator header, falling back to
// the value carried in the body.
func operator(c *gin.Context, fromBody string) string {
	if op := c.GetHeader(HeaderOperator); op != "" {
		return op
	}
	return fromBody
}
