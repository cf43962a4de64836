package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"license-server/internal/license"
	"license-server/internal/license/memstore"
)

const stripeSecret = "whsec_test"

func newPurchases(t *testing.T) (*license.Services, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return license.NewServices(store, license.DefaultConfig()), store
}

func signedHeader(payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, SignStripePayload(stripeSecret, ts, payload))
}

const checkoutCompleted = `{
	"id": "evt_1",
	"type": "checkout.session.completed",
	"data": {"object": {
		"id": "cs_test_1",
		"payment_intent": "pi_123",
		"amount_total": 1499,
		"currency": "usd",
		"metadata": {"userId": "user-1", "hours": "10"},
		"customer_details": {"email": "buyer@example.com"}
	}}
}`

func TestStripeCheckoutCreatesLicense(t *testing.T) {
	svc, _ := newPurchases(t)
	s := NewStripeService(stripeSecret, svc.Purchases)
	now := time.Now()
	s.now = func() time.Time { return now }

	payload := []byte(checkoutCompleted)
	res, err := s.HandleWebhook(context.Background(), payload, signedHeader(payload, now))
	require.NoError(t, err)
	require.True(t, res.Handled)
	assert.False(t, res.Replayed)
	assert.Equal(t, "user-1", res.License.UserID)
	assert.Equal(t, 10.0, res.License.HoursPurchased)

	txns, err := svc.Admin.Transactions(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "pi_123", txns[0].GatewayTransactionID)
	assert.Equal(t, 14.99, txns[0].Amount)
	assert.Equal(t, "USD", txns[0].Currency)
	assert.Equal(t, "buyer@example.com", txns[0].CustomerEmail)

	// redelivery is idempotent
	again, err := s.HandleWebhook(context.Background(), payload, signedHeader(payload, now))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.License.ID, again.License.ID)
}

func TestStripeSessionIDFallback(t *testing.T) {
	svc, _ := newPurchases(t)
	s := NewStripeService(stripeSecret, svc.Purchases)

	payload := []byte(`{"id":"evt_2","type":"checkout.session.completed","data":{"object":{
		"id":"cs_only","payment_intent":null,"amount_total":999,"currency":"eur",
		"metadata":{"userId":"user-2","hours":"5"}}}}`)
	res, err := s.HandleWebhook(context.Background(), payload, signedHeader(payload, time.Now()))
	require.NoError(t, err)

	txns, err := svc.Admin.Transactions(context.Background(), "user-2")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "cs_only", txns[0].GatewayTransactionID)
	assert.Equal(t, res.License.ID, txns[0].LicenseID)
}

func TestStripeZeroDecimalCurrency(t *testing.T) {
	svc, _ := newPurchases(t)
	s := NewStripeService(stripeSecret, svc.Purchases)

	payload := []byte(`{"id":"evt_3","type":"checkout.session.completed","data":{"object":{
		"id":"cs_jpy","payment_intent":"pi_jpy","amount_total":1500,"currency":"jpy",
		"metadata":{"userId":"user-3","hours":"5"}}}}`)
	_, err := s.HandleWebhook(context.Background(), payload, signedHeader(payload, time.Now()))
	require.NoError(t, err)

	txns, err := svc.Admin.Transactions(context.Background(), "user-3")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, 1500.0, txns[0].Amount)
	assert.Equal(t, "JPY", txns[0].Currency)

	assert.Equal(t, 15.0, stripeAmount(1500, "usd"))
	assert.Equal(t, 1500.0, stripeAmount(1500, "KRW"))
}

func TestStripeSignatureFailures(t *testing.T) {
	svc, _ := newPurchases(t)
	s := NewStripeService(stripeSecret, svc.Purchases)
	payload := []byte(checkoutCompleted)
	now := time.Now()

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"missing", "", ErrMissingSignature},
		{"garbage", "nonsense", ErrInvalidSignature},
		{"wrong secret", "t=" + strconv.FormatInt(now.Unix(), 10) + ",v1=" + SignStripePayload("other", strconv.FormatInt(now.Unix(), 10), payload), ErrInvalidSignature},
		{"stale", signedHeader(payload, now.Add(-10*time.Minute)), ErrInvalidSignature},
		{"future", signedHeader(payload, now.Add(10*time.Minute)), ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.HandleWebhook(context.Background(), payload, tt.header)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("tampered payload", func(t *testing.T) {
		header := signedHeader(payload, now)
		tampered := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"metadata":{"userId":"attacker","hours":"999"}}}}`)
		_, err := s.HandleWebhook(context.Background(), tampered, header)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("multiple v1 accepts any match", func(t *testing.T) {
		ts := strconv.FormatInt(now.Unix(), 10)
		header := "t=" + ts + ",v1=deadbeef,v1=" + SignStripePayload(stripeSecret, ts, payload)
		_, err := s.HandleWebhook(context.Background(), payload, header)
		assert.NoError(t, err)
	})
}

func TestStripeIgnoresOtherEvents(t *testing.T) {
	svc, store := newPurchases(t)
	s := NewStripeService(stripeSecret, svc.Purchases)
	payload := []byte(`{"id":"evt_3","type":"payment_intent.created","data":{"object":{}}}`)

	res, err := s.HandleWebhook(context.Background(), payload, signedHeader(payload, time.Now()))
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Equal(t, "payment_intent.created", res.EventType)
	assert.Zero(t, store.UsageCount())
}

func TestStripeMalformedCheckout(t *testing.T) {
	svc, _ := newPurchases(t)
	s := NewStripeService(stripeSecret, svc.Purchases)

	payload := []byte(`{"id":"evt_4","type":"checkout.session.completed","data":{"object":{"id":"cs","metadata":{"userId":"u"}}}}`)
	_, err := s.HandleWebhook(context.Background(), payload, signedHeader(payload, time.Now()))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	payload = []byte(`{"id":"evt_5","type":"checkout.session.completed","data":{"object":{"id":"cs","metadata":{"hours":"5"}}}}`)
	_, err = s.HandleWebhook(context.Background(), payload, signedHeader(payload, time.Now()))
	assert.ErrorIs(t, err, license.ErrInputInvalid)
}

func TestStripeNotConfigured(t *testing.T) {
	s := NewStripeService("", nil)
	assert.False(t, s.IsConfigured())
	_, err := s.HandleWebhook(context.Background(), []byte(`{}`), "t=1,v1=x")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}
