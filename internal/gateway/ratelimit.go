package gateway

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures the token bucket guarding the login endpoint.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// RateLimitMiddleware rejects requests beyond the configured rate with 429.
// A non-positive RPS disables limiting.
func RateLimitMiddleware(configuration RateLimitConfig) gin.HandlerFunc {
	if configuration.RPS <= 0 {
		return func(contextGin *gin.Context) {
			contextGin.Next()
		}
	}
	burst := configuration.Burst
	if burst <= 0 {
		burst = int(math.Ceil(configuration.RPS))
	}
	limiter := rate.NewLimiter(rate.Limit(configuration.RPS), burst)
	return func(contextGin *gin.Context) {
		if !limiter.Allow() {
			contextGin.Header("Retry-After", "1")
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Header("X-RateLimit-Limit", strconv.Itoa(burst))
		contextGin.Next()
	}
}
