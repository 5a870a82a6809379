// Package httpapi is the HTTP Surface (spec.md §4.7, §6): health, runtime
// configuration, gated metrics, and static content, fronted by gin with
// the same middleware shapes the donor codebase already wires.
package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"rillnet/pkg/config"
	"rillnet/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrorHandlerMiddleware converts a propagated AppError (or any other
// error) into a structured JSON response and a log line.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		if appErr := errors.GetAppError(err); appErr != nil {
			log.Errorw("application error",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
			)
			c.JSON(appErr.HTTPStatus, gin.H{"error": string(appErr.Code), "message": appErr.Message})
			return
		}

		log.Errorw("unhandled error", "error", err.Error(), "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(errors.ErrCodeInternal), "message": "internal server error"})
	}
}

// RecoveryMiddleware recovers panics in HTTP handlers into a 500 response.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("panic recovered", "error", r, "path", c.Request.URL.Path)
				c.JSON(http.StatusInternalServerError, gin.H{"error": string(errors.ErrCodeInternal), "message": "internal server error"})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// rateLimiterStore keeps one token bucket per client IP, mirroring the
// donor's HTTP rate-limit middleware.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiterStore(windowMax int, window float64) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(float64(windowMax) / window),
		burst:    windowMax,
	}
}

func (s *rateLimiterStore) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[key] = l
	}
	return l.Allow()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if parts := strings.Split(xff, ","); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware applies a per-IP token bucket (burst windowMax,
// refilled at windowMax per cfg.RateLimiting.HTTP.Window) (spec.md §6).
func rateLimitMiddleware(cfg *config.Config, windowMax int) gin.HandlerFunc {
	store := newRateLimiterStore(windowMax, cfg.RateLimiting.HTTP.Window.Seconds())
	return func(c *gin.Context) {
		if !store.allow(clientIP(c.Request)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": string(errors.ErrCodeRateLimit)})
			return
		}
		c.Next()
	}
}

// metricsAuthMiddleware gates /metrics with an optional bearer token.
// When cfg.Metrics.Token is set, it is used as the HMAC secret to verify
// a signed bearer JWT rather than compared as a bare shared secret
// (SPEC_FULL.md §4: the one place golang-jwt/v5 stays wired). When metrics
// are disabled outright, the gate is skipped entirely so the route falls
// through to its own 404 rather than leaking whether a token is configured.
func metricsAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.Metrics.Enabled || cfg.Metrics.Token == "" {
		return func(c *gin.Context) { c.Next() }
	}

	secret := []byte(cfg.Metrics.Token)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": string(errors.ErrCodeUnauthorized)})
			return
		}

		tokenStr := strings.TrimPrefix(header, prefix)
		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return secret, nil
		})
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": string(errors.ErrCodeUnauthorized)})
			return
		}
		c.Next()
	}
}

// hstsMiddleware optionally emits Strict-Transport-Security (spec.md §6).
func hstsMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.HSTS.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	value := fmt.Sprintf("max-age=%d", int(cfg.HSTS.MaxAge.Seconds()))
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", value)
		c.Next()
	}
}
