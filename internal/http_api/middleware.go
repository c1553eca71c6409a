package http_api

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/ratelimit"
	"github.com/core-coin/mealpass/pkg/logger"
)

const (
	principalKey = "principal"

	schedulerSecretHeader = "X-Scheduler-Secret"
	telegramSecretHeader  = "X-Telegram-Bot-Api-Secret-Token"
)

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("HTTP request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP())
	}
}

// keyFunc picks the identity a rate limit policy counts against.
type keyFunc func(c *gin.Context) string

func clientIPKey(c *gin.Context) string {
	return c.ClientIP()
}

// deviceTokenKey counts against the device session, hashed. The body is
// cached so the handler can bind it again.
func deviceTokenKey(c *gin.Context) string {
	token := bearerToken(c)
	if token == "" {
		var req RedeemRequest
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err == nil {
			token = req.DeviceSessionToken
		}
	}
	if token == "" {
		return "ip:" + c.ClientIP()
	}
	return ratelimit.HashKey(token)
}

// rateLimit applies a named policy before the handler runs. A limiter that
// cannot reach its store lets the request through.
func (s *HTTPServer) rateLimit(name string, key keyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		policy, ok := s.opts.Policies[name]
		if !ok || s.opts.Limiter == nil {
			c.Next()
			return
		}

		res, err := s.opts.Limiter.Allow(c.Request.Context(), policy, key(c))
		if err != nil {
			s.logger.Warn("Rate limiter unavailable, allowing request", "policy", name, "error", err)
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			s.logger.Debug("Rate limited", "policy", name, "route", c.FullPath())
			abortWithError(c, models.ErrRateLimited)
			return
		}
		c.Next()
	}
}

func (s *HTTPServer) requireSchedulerSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !secretMatches(s.opts.SchedulerSecret, c.GetHeader(schedulerSecretHeader)) {
			abortWithError(c, models.ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// requireSession authenticates the bearer token as a session of kind.
func (s *HTTPServer) requireSession(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortWithError(c, models.ErrUnauthorized)
			return
		}
		principal, err := s.opts.Sessions.Authenticate(c.Request.Context(), token, kind)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func secretMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// abortWithError writes the error envelope. Only AppError messages reach
// the client.
func abortWithError(c *gin.Context, err error) {
	appErr := models.AsAppError(err)
	c.AbortWithStatusJSON(appErr.HTTPCode, gin.H{
		"success": false,
		"code":    appErr.Code,
		"error":   appErr.Message,
	})
}
