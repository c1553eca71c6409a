package http_api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/core-coin/mealpass/internal/billing"
	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/issuer"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/session"
	"github.com/core-coin/mealpass/pkg/validation"
)

// maxWebhookBody caps billing webhook bodies.
const maxWebhookBody = 1 << 20

// IssuanceRequest optionally pins the service day of a run.
type IssuanceRequest struct {
	ServiceDate string `json:"service_date"`
}

// RedeemRequest is the kiosk's redemption call. The device session token
// may also come as a bearer token.
type RedeemRequest struct {
	PresentedToken     string `json:"presented_token"`
	DeviceSessionToken string `json:"device_session_token"`
}

type LoginLinkRequest struct {
	Email string `json:"email" binding:"required"`
}

type LoginRequest struct {
	Token string `json:"token" binding:"required"`
}

// SessionResponse carries a freshly issued session token.
type SessionResponse struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"session_token"`
	JTI          string `json:"jti"`
	Principal    string `json:"principal"`
	ExpiresAt    int64  `json:"expires_at"`
}

type DeviceRequest struct {
	Label string `json:"label" binding:"required"`
}

type RevokeRequest struct {
	Reason string `json:"reason"`
}

func (s *HTTPServer) healthz(c *gin.Context) {
	if s.opts.Health != nil {
		if err := s.opts.Health(c.Request.Context()); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// keySet publishes the credential verification key.
func (s *HTTPServer) keySet(c *gin.Context) {
	if s.opts.KeySet == nil {
		abortWithError(c, models.ErrNotFound)
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, s.opts.KeySet)
}

// runIssuance runs issuance for today, or for the requested service day.
func (s *HTTPServer) runIssuance(c *gin.Context) {
	var req IssuanceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.logger.Debug("Invalid request body", "error", err)
			abortWithError(c, models.ErrInvalidRequest)
			return
		}
	}

	var (
		report *issuer.Report
		err    error
	)
	if req.ServiceDate == "" {
		report, err = s.opts.Issuer.Run(c.Request.Context())
	} else {
		day, parseErr := clock.ParseDay(req.ServiceDate)
		if parseErr != nil {
			abortWithError(c, models.ErrInvalidRequest)
			return
		}
		report, err = s.opts.Issuer.RunForDay(c.Request.Context(), day)
	}
	if err != nil {
		s.logger.Error("Issuance run failed", "error", err)
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"report":  report,
	})
}

// redeem authenticates the kiosk and consumes the presented credential.
func (s *HTTPServer) redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		s.logger.Debug("Invalid request body", "error", err)
		abortWithError(c, models.ErrInvalidRequest)
		return
	}
	if req.PresentedToken == "" {
		abortWithError(c, models.ErrInvalidRequest)
		return
	}

	deviceToken := bearerToken(c)
	if deviceToken == "" {
		deviceToken = req.DeviceSessionToken
	}
	if deviceToken == "" {
		abortWithError(c, models.ErrUnauthorized)
		return
	}
	device, err := s.opts.Sessions.Authenticate(c.Request.Context(), deviceToken, models.SessionKindDevice)
	if err != nil {
		abortWithError(c, err)
		return
	}

	outcome, err := s.opts.Redeemer.Redeem(c.Request.Context(), req.PresentedToken, device.Subject)
	if err != nil {
		var appErr *models.AppError
		if !errors.As(err, &appErr) {
			s.logger.Error("Redemption failed", "error", err, "terminal", device.Subject)
		}
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"redemption": outcome,
	})
}

// requestLoginLink always answers the same way, whether or not the email
// belongs to an operator.
func (s *HTTPServer) requestLoginLink(c *gin.Context) {
	var req LoginLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, models.ErrInvalidRequest)
		return
	}
	email, err := validation.ValidateAndNormalizeEmail(req.Email)
	if err != nil {
		s.logger.Debug("Invalid email", "error", err)
		abortWithError(c, models.ErrInvalidRequest)
		return
	}

	if err := s.opts.Sessions.RequestOperatorLink(c.Request.Context(), email); err != nil {
		s.logger.Error("Failed to send login link", "error", err)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "If the address belongs to an operator, a sign-in link is on its way.",
	})
}

func (s *HTTPServer) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, models.ErrInvalidRequest)
		return
	}

	token, record, err := s.opts.Sessions.ConsumeOperatorLink(c.Request.Context(), req.Token)
	if err != nil {
		abortWithError(c, err)
		return
	}

	s.logger.Info("Operator signed in", "operator", record.Principal, "jti", record.JTI)
	c.JSON(http.StatusOK, sessionResponse(token, record))
}

func (s *HTTPServer) issueDevice(c *gin.Context) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, models.ErrInvalidRequest)
		return
	}
	if err := validation.ValidateDeviceLabel(req.Label); err != nil {
		s.logger.Debug("Invalid device label", "error", err, "label", req.Label)
		abortWithError(c, models.ErrInvalidRequest)
		return
	}

	operator := principal(c)
	token, record, err := s.opts.Sessions.IssueDevice(c.Request.Context(), req.Label, operator.Subject)
	if err != nil {
		s.logger.Error("Failed to issue device session", "error", err, "label", req.Label)
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionResponse(token, record))
}

// revokeDevice revokes every live session of a device label.
func (s *HTTPServer) revokeDevice(c *gin.Context) {
	label := c.Param("label")
	if err := validation.ValidateDeviceLabel(label); err != nil {
		abortWithError(c, models.ErrInvalidRequest)
		return
	}
	req := bindRevoke(c)

	n, err := s.opts.Sessions.RevokeAllForPrincipal(c.Request.Context(), models.SessionKindDevice, label, principal(c).Subject, req.Reason)
	if err != nil {
		s.logger.Error("Failed to revoke device", "error", err, "label", label)
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"revoked": n,
	})
}

func (s *HTTPServer) revokeSession(c *gin.Context) {
	jti := c.Param("jti")
	req := bindRevoke(c)

	revoked, err := s.opts.Sessions.Revoke(c.Request.Context(), jti, principal(c).Subject, req.Reason)
	if err != nil {
		s.logger.Error("Failed to revoke session", "error", err, "jti", jti)
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"revoked": revoked,
	})
}

func (s *HTTPServer) telegramLink(c *gin.Context) {
	customerID := c.Param("id")
	link, err := s.opts.Sessions.CreateTelegramLink(c.Request.Context(), customerID)
	if err != nil {
		s.logger.Error("Failed to create Telegram link", "error", err, "customer_id", customerID)
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"link":    link,
	})
}

// billingWebhook applies a signed subscription event. A queued event is
// acknowledged with 202; only a failure to queue makes the provider retry.
func (s *HTTPServer) billingWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		abortWithError(c, models.ErrInvalidRequest)
		return
	}
	if !billing.VerifySignature(s.opts.BillingWebhookSecret, body, c.GetHeader(billing.SignatureHeader)) {
		s.logger.Warn("Rejected billing webhook with a bad signature", "client_ip", c.ClientIP())
		abortWithError(c, models.ErrUnauthorized)
		return
	}

	var event billing.SubscriptionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		abortWithError(c, models.ErrInvalidRequest)
		return
	}

	queued, err := s.opts.Billing.Apply(c.Request.Context(), &event)
	switch {
	case errors.Is(err, billing.ErrInvalidEvent):
		s.logger.Debug("Invalid billing event", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"success": false,
			"code":    models.ErrInvalidRequest.Code,
			"error":   err.Error(),
		})
	case err != nil:
		s.logger.Error("Failed to apply billing event", "error", err, "event_id", event.EventID)
		abortWithError(c, err)
	case queued:
		c.JSON(http.StatusAccepted, gin.H{"success": true, "queued": true})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// telegramWebhook hands a verified update to the bot.
func (s *HTTPServer) telegramWebhook(c *gin.Context) {
	if s.opts.TelegramWebhook == nil {
		abortWithError(c, models.ErrNotFound)
		return
	}
	if !secretMatches(s.opts.TelegramWebhookSecret, c.GetHeader(telegramSecretHeader)) {
		s.logger.Warn("Rejected Telegram update with a bad secret", "client_ip", c.ClientIP())
		abortWithError(c, models.ErrUnauthorized)
		return
	}
	gin.WrapF(s.opts.TelegramWebhook)(c)
}

func principal(c *gin.Context) *session.Principal {
	return c.MustGet(principalKey).(*session.Principal)
}

func bindRevoke(c *gin.Context) RevokeRequest {
	var req RevokeRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	return req
}

func sessionResponse(token string, record *models.Session) SessionResponse {
	return SessionResponse{
		Success:      true,
		SessionToken: token,
		JTI:          record.JTI,
		Principal:    record.Principal,
		ExpiresAt:    record.ExpiresAt,
	}
}
