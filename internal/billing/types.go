// Package billing verifies payment gateway webhooks and turns completed
// payments into licenses.
package billing

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"license-server/internal/license"
)

// PurchaseCreator issues a license for a completed payment. It is
// satisfied by *license.PurchaseService.
type PurchaseCreator interface {
	CreateLicense(ctx context.Context, ev license.PurchaseEvent) (*license.License, bool, error)
}

// Result describes how a webhook delivery was handled.
type Result struct {
	EventType string
	Handled   bool // false for acknowledged but ignored event types
	License   *license.License
	Replayed  bool
}

// Webhook failures that are the sender's fault. Wrapped errors carry detail.
var (
	ErrNotConfigured    = errors.New("gateway not configured")
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrUpstream         = errors.New("payment gateway request failed")
)

// parseHours accepts hours as a JSON number or a numeric string, the two
// shapes gateways echo back from checkout metadata.
func parseHours(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case string:
		h, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return h, err == nil
	}
	return 0, false
}
