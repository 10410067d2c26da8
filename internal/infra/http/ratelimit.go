package http

import (
	"net/http"
	"strconv"
	"time"

	"asclepius/internal/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// rateLimitByActor throttles mutating routes per authenticated actor. Limiter
// errors fail open so a Redis outage degrades to unthrottled service rather
// than a write outage.
func (s *Server) rateLimitByActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter == nil || s.cfg.RateLimitPerMinute <= 0 {
			return
		}
		principal, ok := getPrincipal(c)
		if !ok || principal.ActorID == "" {
			return
		}
		key := "actor:" + principal.ActorID
		decision, err := s.rateLimiter.Allow(c.Request.Context(), key, s.cfg.RateLimitPerMinute, s.cfg.RateLimitWindow())
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
			return
		}
		writeRateLimitHeaders(c, decision)
		if !decision.Allowed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			c.Abort()
		}
	}
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
