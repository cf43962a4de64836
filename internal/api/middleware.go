package api

import (
	"net/http"
	"strconv"
	"time"

	"license-server/internal/logging"

	"github.com/gin-gonic/gin"
)

const headerRequestID = "X-Request-ID"

// requestMiddleware attaches a trace-scoped logger to the request context,
// echoes the request id and records the request in metrics and the log.
func (s *Server) requestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		traceID := c.GetHeader(headerRequestID)
		if traceID == "" || len(traceID) > 64 {
			traceID = logging.GenerateTraceID()
		}
		ctx, _ := logging.ContextWithTraceID(c.Request.Context(), s.log, traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(headerRequestID, traceID)

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(c.Request.Method, c.FullPath(), status, elapsed)

		log := logging.APIContext(c.Request.Method, c.Request.URL.Path, status).
			WithTraceID(traceID).
			WithDuration(elapsed)
		switch {
		case status >= 500:
			log.Error("request failed", "client_ip", c.ClientIP())
		case status >= 400:
			log.Info("request rejected", "client_ip", c.ClientIP())
		default:
			log.Debug("request completed")
		}
	}
}

// rateLimitMiddleware limits each client IP to the configured requests per
// window within scope.
func (s *Server) rateLimitMiddleware(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter.Limit() <= 0 {
			c.Next()
			return
		}

		d := s.rateLimiter.Allow(c.Request.Context(), scope, c.ClientIP())
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			s.metrics.ObserveRateLimited(d.Backend)
			retry := int(time.Until(d.ResetAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			errorResponse(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please slow down.")
			return
		}
		c.Next()
	}
}
