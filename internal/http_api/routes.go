package http_api

import (
	"github.com/gin-gonic/gin"

	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/ratelimit"
	"github.com/core-coin/mealpass/internal/wellknown"
)

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET(wellknown.Path, s.keySet)
	if s.opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	v1 := s.router.Group("/api/v1")

	v1.POST("/issuance/run", s.requireSchedulerSecret(), s.runIssuance)

	v1.POST("/redeem",
		s.rateLimit(ratelimit.PolicyRedeemIP, clientIPKey),
		s.rateLimit(ratelimit.PolicyRedeem, deviceTokenKey),
		s.redeem,
	)

	v1.POST("/operator/login-link", s.rateLimit(ratelimit.PolicyLogin, clientIPKey), s.requestLoginLink)
	v1.POST("/operator/login", s.rateLimit(ratelimit.PolicyLogin, clientIPKey), s.login)

	operator := v1.Group("", s.requireSession(models.SessionKindOperator))
	operator.POST("/devices", s.issueDevice)
	operator.POST("/devices/:label/revoke", s.revokeDevice)
	operator.POST("/sessions/:jti/revoke", s.revokeSession)
	operator.POST("/customers/:id/telegram-link", s.telegramLink)

	v1.POST("/webhooks/billing", s.rateLimit(ratelimit.PolicyWebhook, clientIPKey), s.billingWebhook)
	v1.POST("/telegram/webhook", s.rateLimit(ratelimit.PolicyTelegram, clientIPKey), s.telegramWebhook)
}
