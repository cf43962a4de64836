package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePayPal serves the three PayPal endpoints the handler calls.
type fakePayPal struct {
	verification string
	order        map[string]interface{}
	tokenCalls   atomic.Int32
	lastVerify   map[string]interface{}
}

func (f *fakePayPal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)
		f.tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "A21", "expires_in": 3600})
	})
	mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer A21", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastVerify))
		json.NewEncoder(w).Encode(map[string]string{"verification_status": f.verification})
	})
	mux.HandleFunc("/v2/checkout/orders/", func(w http.ResponseWriter, r *http.Request) {
		if f.order == nil {
			http.Error(w, `{"name":"RESOURCE_NOT_FOUND"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(f.order)
	})
	return mux
}

func paypalHeadersFor() http.Header {
	h := http.Header{}
	h.Set("Paypal-Auth-Algo", "SHA256withRSA")
	h.Set("Paypal-Cert-Url", "https://api.paypal.com/cert.pem")
	h.Set("Paypal-Transmission-Id", "tx-1")
	h.Set("Paypal-Transmission-Sig", "sig")
	h.Set("Paypal-Transmission-Time", "2025-03-01T12:00:00Z")
	return h
}

const orderApproved = `{"id":"WH-1","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORDER-9"}}`

func setupPayPal(t *testing.T, fake *fakePayPal) (*PayPalService, func()) {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	svc, _ := newPurchases(t)
	p := NewPayPalService(PayPalConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookID:    "WH-ID",
		BaseURL:      srv.URL + "/",
	}, svc.Purchases)
	return p, srv.Close
}

func TestPayPalOrderApprovedCreatesLicense(t *testing.T) {
	fake := &fakePayPal{
		verification: "SUCCESS",
		order: map[string]interface{}{
			"id": "ORDER-9",
			"purchase_units": []map[string]interface{}{{
				"custom_id": `{"userId":"user-7","hours":20}`,
				"amount":    map[string]string{"value": "19.99", "currency_code": "usd"},
			}},
			"payer": map[string]string{"email_address": "payer@example.com"},
		},
	}
	p, done := setupPayPal(t, fake)
	defer done()

	res, err := p.HandleWebhook(context.Background(), []byte(orderApproved), paypalHeadersFor())
	require.NoError(t, err)
	require.True(t, res.Handled)
	assert.Equal(t, "user-7", res.License.UserID)
	assert.Equal(t, 20.0, res.License.HoursRemaining)
	assert.Equal(t, "WH-ID", fake.lastVerify["webhook_id"])
	assert.Equal(t, "tx-1", fake.lastVerify["transmission_id"])
	assert.NotNil(t, fake.lastVerify["webhook_event"])

	again, err := p.HandleWebhook(context.Background(), []byte(orderApproved), paypalHeadersFor())
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.License.ID, again.License.ID)

	assert.Equal(t, int32(1), fake.tokenCalls.Load(), "token is cached")
}

func TestPayPalHoursAsString(t *testing.T) {
	fake := &fakePayPal{
		verification: "SUCCESS",
		order: map[string]interface{}{
			"purchase_units": []map[string]interface{}{{
				"custom_id": `{"userId":"user-8","hours":"5"}`,
				"amount":    map[string]string{"value": "9.99", "currency_code": "USD"},
			}},
		},
	}
	p, done := setupPayPal(t, fake)
	defer done()

	res, err := p.HandleWebhook(context.Background(), []byte(orderApproved), paypalHeadersFor())
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.License.HoursPurchased)
}

func TestPayPalRejections(t *testing.T) {
	t.Run("missing headers", func(t *testing.T) {
		p, done := setupPayPal(t, &fakePayPal{verification: "SUCCESS"})
		defer done()
		h := paypalHeadersFor()
		h.Del("Paypal-Transmission-Sig")
		_, err := p.HandleWebhook(context.Background(), []byte(orderApproved), h)
		assert.ErrorIs(t, err, ErrMissingSignature)
	})

	t.Run("verification failure", func(t *testing.T) {
		p, done := setupPayPal(t, &fakePayPal{verification: "FAILURE"})
		defer done()
		_, err := p.HandleWebhook(context.Background(), []byte(orderApproved), paypalHeadersFor())
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("order lookup fails", func(t *testing.T) {
		p, done := setupPayPal(t, &fakePayPal{verification: "SUCCESS"})
		defer done()
		_, err := p.HandleWebhook(context.Background(), []byte(orderApproved), paypalHeadersFor())
		assert.ErrorIs(t, err, ErrUpstream)
	})

	t.Run("bad custom id", func(t *testing.T) {
		p, done := setupPayPal(t, &fakePayPal{
			verification: "SUCCESS",
			order: map[string]interface{}{
				"purchase_units": []map[string]interface{}{{
					"custom_id": "user-1:5",
					"amount":    map[string]string{"value": "9.99", "currency_code": "USD"},
				}},
			},
		})
		defer done()
		_, err := p.HandleWebhook(context.Background(), []byte(orderApproved), paypalHeadersFor())
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("malformed body", func(t *testing.T) {
		p, done := setupPayPal(t, &fakePayPal{verification: "SUCCESS"})
		defer done()
		_, err := p.HandleWebhook(context.Background(), []byte("{"), paypalHeadersFor())
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestPayPalIgnoresOtherEvents(t *testing.T) {
	p, done := setupPayPal(t, &fakePayPal{verification: "SUCCESS"})
	defer done()

	res, err := p.HandleWebhook(context.Background(),
		[]byte(`{"id":"WH-2","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1"}}`), paypalHeadersFor())
	require.NoError(t, err)
	assert.False(t, res.Handled)
}

func TestPayPalNotConfigured(t *testing.T) {
	p := NewPayPalService(PayPalConfig{}, nil)
	assert.False(t, p.IsConfigured())
	_, err := p.HandleWebhook(context.Background(), []byte(orderApproved), paypalHeadersFor())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
