package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"license-server/internal/license"
	"license-server/internal/logging"
)

// PayPal transmission headers required on every webhook delivery.
var paypalHeaders = []string{
	"Paypal-Auth-Algo",
	"Paypal-Cert-Url",
	"Paypal-Transmission-Id",
	"Paypal-Transmission-Sig",
	"Paypal-Transmission-Time",
}

// PayPalConfig holds PayPal REST credentials
type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	BaseURL      string
}

// PayPalService handles PayPal order webhooks
type PayPalService struct {
	config     PayPalConfig
	creator    PurchaseCreator
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalService creates a new PayPal webhook handler
func NewPayPalService(cfg PayPalConfig, creator PurchaseCreator) *PayPalService {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PayPalService{
		config:     cfg,
		creator:    creator,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// IsConfigured returns true if PayPal is properly configured
func (p *PayPalService) IsConfigured() bool {
	return p.config.ClientID != "" && p.config.ClientSecret != "" && p.config.WebhookID != "" && p.config.BaseURL != ""
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID string `json:"id"`
	} `json:"resource"`
}

type paypalOrder struct {
	ID            string `json:"id"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Amount   struct {
			Value        string `json:"value"`
			CurrencyCode string `json:"currency_code"`
		} `json:"amount"`
	} `json:"purchase_units"`
	Payer *struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

// HandleWebhook verifies and processes a PayPal webhook delivery
func (p *PayPalService) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) (*Result, error) {
	if !p.IsConfigured() {
		return nil, ErrNotConfigured
	}
	for _, h := range paypalHeaders {
		if headers.Get(h) == "" {
			return nil, fmt.Errorf("%w: %s header missing", ErrMissingSignature, h)
		}
	}

	var event paypalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if err := p.verifyWebhookSignature(ctx, payload, headers); err != nil {
		return nil, err
	}

	log := logging.WithComponent("billing").WithFields(map[string]interface{}{
		"gateway":  license.GatewayPayPal,
		"event_id": event.ID,
	})
	log.Info("processing PayPal webhook", "type", event.EventType)

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		return p.handleOrderApproved(ctx, event)
	default:
		log.Debug("unhandled webhook event type", "type", event.EventType)
		return &Result{EventType: event.EventType}, nil
	}
}

// handleOrderApproved fetches the approved order and creates its license
func (p *PayPalService) handleOrderApproved(ctx context.Context, event paypalEvent) (*Result, error) {
	orderID := event.Resource.ID
	if orderID == "" {
		return nil, fmt.Errorf("%w: resource.id missing", ErrMalformedEvent)
	}

	body, err := p.makeRequest(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}

	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("%w: order response: %v", ErrUpstream, err)
	}
	if len(order.PurchaseUnits) == 0 {
		return nil, fmt.Errorf("%w: order has no purchase units", ErrMalformedEvent)
	}
	unit := order.PurchaseUnits[0]

	var custom struct {
		UserID string      `json:"userId"`
		Hours  interface{} `json:"hours"`
	}
	if err := json.Unmarshal([]byte(unit.CustomID), &custom); err != nil {
		return nil, fmt.Errorf("%w: custom_id: %v", ErrMalformedEvent, err)
	}
	hours, ok := parseHours(custom.Hours)
	if !ok {
		return nil, fmt.Errorf("%w: custom_id hours missing or not numeric", ErrMalformedEvent)
	}
	amount, err := strconv.ParseFloat(unit.Amount.Value, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrMalformedEvent, unit.Amount.Value)
	}

	ev := license.PurchaseEvent{
		UserID:        custom.UserID,
		Hours:         hours,
		TransactionID: orderID,
		Gateway:       license.GatewayPayPal,
		Amount:        amount,
		Currency:      unit.Amount.CurrencyCode,
	}
	if order.Payer != nil {
		ev.CustomerEmail = order.Payer.EmailAddress
	}

	l, replayed, err := p.creator.CreateLicense(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &Result{EventType: event.EventType, Handled: true, License: l, Replayed: replayed}, nil
}

// verifyWebhookSignature asks PayPal to verify the delivery
func (p *PayPalService) verifyWebhookSignature(ctx context.Context, payload []byte, headers http.Header) error {
	req := map[string]interface{}{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        p.config.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	}

	body, err := p.makeRequest(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req)
	if err != nil {
		return fmt.Errorf("failed to verify webhook signature: %w", err)
	}

	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: verification response: %v", ErrUpstream, err)
	}
	if resp.VerificationStatus != "SUCCESS" {
		return ErrInvalidSignature
	}
	return nil
}

// token returns a cached OAuth access token, refreshing it shortly before expiry
func (p *PayPalService) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: oauth token: %s", ErrUpstream, resp.Status)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: oauth token response", ErrUpstream)
	}

	p.accessToken = tok.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

// makeRequest makes an authenticated JSON request to the PayPal REST API
func (p *PayPalService) makeRequest(ctx context.Context, method, path string, data interface{}) ([]byte, error) {
	accessToken, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.config.BaseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: PayPal API error: %s - %s", ErrUpstream, resp.Status, string(respBody))
	}

	return respBody, nil
}
