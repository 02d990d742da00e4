package server

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/bookshelf/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonUserRate = "user-rate"

// PurchaseRateLimit throttles purchase initiation per user when redis is configured.
func (s *Server) PurchaseRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.purchaseLimiter.Enabled() {
			c.Next()
			return
		}

		id, ok := currentIdentity(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		decision := s.purchaseLimiter.Allow(ctx, id.UserID)
		if !decision.Allowed {
			logger.FromContext(ctx).Warn("purchase rate limit exceeded",
				zap.String("reason", rateLimitReasonUserRate),
				zap.String("endpoint", endpoint),
				zap.Duration("retry_after", decision.RetryAfter),
			)
			s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, rateLimitReasonUserRate)
			c.Header("Retry-After", retryAfterSeconds(decision.RetryAfter))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonUserRate)
			AbortWithError(c, ErrRateLimited)
			return
		}

		s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
		c.Next()
	}
}

func retryAfterSeconds(wait time.Duration) string {
	seconds := int64(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
