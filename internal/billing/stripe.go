package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"license-server/internal/license"
	"license-server/internal/logging"
)

// DefaultStripeTolerance is the accepted age of a signed webhook.
const DefaultStripeTolerance = 5 * time.Minute

// StripeService handles Stripe checkout webhooks
type StripeService struct {
	webhookSecret string
	tolerance     time.Duration
	creator       PurchaseCreator
	now           func() time.Time
}

// NewStripeService creates a new Stripe webhook handler
func NewStripeService(webhookSecret string, creator PurchaseCreator) *StripeService {
	return &StripeService{
		webhookSecret: webhookSecret,
		tolerance:     DefaultStripeTolerance,
		creator:       creator,
		now:           time.Now,
	}
}

// IsConfigured returns true if Stripe is properly configured
func (s *StripeService) IsConfigured() bool {
	return s.webhookSecret != ""
}

// WebhookEvent represents a Stripe webhook event
type WebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// checkoutSession is the subset of a Checkout Session the handler reads.
type checkoutSession struct {
	ID              string            `json:"id"`
	PaymentIntent   *string           `json:"payment_intent"`
	AmountTotal     *int64            `json:"amount_total"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// HandleWebhook verifies and processes a Stripe webhook delivery
func (s *StripeService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if !s.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if signature == "" {
		return nil, ErrMissingSignature
	}
	// Verify webhook signature
	if err := s.verifyWebhookSignature(payload, signature); err != nil {
		return nil, err
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	log := logging.WithComponent("billing").WithFields(map[string]interface{}{
		"gateway":  license.GatewayStripe,
		"event_id": event.ID,
	})
	log.Info("processing Stripe webhook", "type", event.Type)

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	default:
		log.Debug("unhandled webhook event type", "type", event.Type)
		return &Result{EventType: event.Type}, nil
	}
}

// handleCheckoutCompleted creates the license paid for by a checkout session
func (s *StripeService) handleCheckoutCompleted(ctx context.Context, event WebhookEvent) (*Result, error) {
	var session checkoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	hours, ok := parseHours(session.Metadata["hours"])
	if !ok {
		return nil, fmt.Errorf("%w: metadata.hours missing or not numeric", ErrMalformedEvent)
	}

	// Payment-mode sessions carry the payment intent; fall back to the
	// session id so the purchase still has a stable idempotency key.
	txnID := session.ID
	if session.PaymentIntent != nil && *session.PaymentIntent != "" {
		txnID = *session.PaymentIntent
	}

	var amount float64
	if session.AmountTotal != nil {
		amount = stripeAmount(*session.AmountTotal, session.Currency)
	}

	ev := license.PurchaseEvent{
		UserID:        session.Metadata["userId"],
		Hours:         hours,
		TransactionID: txnID,
		Gateway:       license.GatewayStripe,
		Amount:        amount,
		Currency:      session.Currency,
	}
	if session.CustomerDetails != nil {
		ev.CustomerEmail = session.CustomerDetails.Email
	}

	l, replayed, err := s.creator.CreateLicense(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &Result{EventType: event.Type, Handled: true, License: l, Replayed: replayed}, nil
}

// verifyWebhookSignature verifies the Stripe-Signature header: t=<unix>,v1=<hex hmac>
func (s *StripeService) verifyWebhookSignature(payload []byte, signatureHeader string) error {
	// Parse the signature header
	parts := strings.Split(signatureHeader, ",")
	var timestamp string
	var signatures []string

	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: header has no timestamp or v1 signature", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	age := s.now().Sub(time.Unix(ts, 0))
	if age > s.tolerance || age < -s.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expectedSig := SignStripePayload(s.webhookSecret, timestamp, payload)

	// Check if any signature matches
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expectedSig)) {
			return nil
		}
	}

	return ErrInvalidSignature
}

// SignStripePayload computes the v1 signature for payload sent at timestamp.
func SignStripePayload(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// zeroDecimalCurrencies are charged in whole units by Stripe.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true,
	"XPF": true,
}

// stripeAmount converts a Stripe amount in the smallest currency unit to
// a decimal amount.
func stripeAmount(minor int64, currency string) float64 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return float64(minor)
	}
	return float64(minor) / 100
}
