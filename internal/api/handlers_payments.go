package api

import (
	"errors"
	"io"
	"net/http"

	"license-server/internal/billing"
	"license-server/internal/license"
	"license-server/internal/logging"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody bounds the payload read from a gateway.
const maxWebhookBody = 1 << 20

// handleStripeWebhook handles Stripe webhook events
func (s *Server) handleStripeWebhook(c *gin.Context) {
	if s.stripe == nil || !s.stripe.IsConfigured() {
		s.metrics.ObserveWebhook(license.GatewayStripe, "not_configured")
		errorResponse(c, http.StatusServiceUnavailable, "GATEWAY_NOT_CONFIGURED", "Stripe webhooks are not configured.")
		return
	}

	payload, ok := readWebhookBody(c)
	if !ok {
		return
	}

	res, err := s.stripe.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	s.finishWebhook(c, license.GatewayStripe, res, err)
}

// handlePayPalWebhook handles PayPal webhook events
func (s *Server) handlePayPalWebhook(c *gin.Context) {
	if s.paypal == nil || !s.paypal.IsConfigured() {
		s.metrics.ObserveWebhook(license.GatewayPayPal, "not_configured")
		errorResponse(c, http.StatusServiceUnavailable, "GATEWAY_NOT_CONFIGURED", "PayPal webhooks are not configured.")
		return
	}

	payload, ok := readWebhookBody(c)
	if !ok {
		return
	}

	res, err := s.paypal.HandleWebhook(c.Request.Context(), payload, c.Request.Header)
	s.finishWebhook(c, license.GatewayPayPal, res, err)
}

func readWebhookBody(c *gin.Context) ([]byte, bool) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_PAYLOAD", "Failed to read request body.")
		return nil, false
	}
	return payload, true
}

// finishWebhook records the outcome and answers the gateway. Only 2xx
// answers stop a gateway from redelivering.
func (s *Server) finishWebhook(c *gin.Context, gateway string, res *billing.Result, err error) {
	if err != nil {
		status, code, result := webhookFailure(err)
		s.metrics.ObserveWebhook(gateway, result)

		log := logging.PaymentContext(c.Request.Context(), gateway, "").WithError(err)
		if status >= 500 {
			log.Error("webhook processing failed")
		} else {
			log.Warn("webhook rejected")
		}

		if status == http.StatusInternalServerError || status == http.StatusBadGateway {
			errorResponse(c, status, code, "Webhook could not be processed. Please retry.")
			return
		}
		var lerr *license.Error
		if errors.As(err, &lerr) {
			licenseErrorResponse(c, err)
			return
		}
		errorResponse(c, status, code, err.Error())
		return
	}

	result := "ignored"
	data := gin.H{"received": true, "type": res.EventType}
	if res.Handled {
		result = "created"
		if res.Replayed {
			result = "replayed"
		}
		data["licenseId"] = res.License.ID
		data["replayed"] = res.Replayed
		logging.PaymentContext(c.Request.Context(), gateway, res.License.ID).
			Info("webhook processed", "result", result, "user_id", res.License.UserID)
	}
	s.metrics.ObserveWebhook(gateway, result)

	successResponse(c, data)
}

// webhookFailure maps a webhook error to status, code and metric label.
func webhookFailure(err error) (int, string, string) {
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		return http.StatusServiceUnavailable, "GATEWAY_NOT_CONFIGURED", "not_configured"
	case errors.Is(err, billing.ErrMissingSignature):
		return http.StatusBadRequest, "MISSING_SIGNATURE", "invalid_signature"
	case errors.Is(err, billing.ErrInvalidSignature):
		return http.StatusBadRequest, "INVALID_SIGNATURE", "invalid_signature"
	case errors.Is(err, billing.ErrMalformedEvent):
		return http.StatusBadRequest, "MALFORMED_EVENT", "malformed"
	case errors.Is(err, billing.ErrUpstream):
		return http.StatusBadGateway, "GATEWAY_ERROR", "upstream_error"
	case errors.Is(err, license.ErrInputInvalid):
		return http.StatusBadRequest, "MALFORMED_EVENT", "malformed"
	case errors.Is(err, license.ErrStoreUnavailable):
		return http.StatusInternalServerError, "STORE_UNAVAILABLE", "error"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "error"
	}
}
