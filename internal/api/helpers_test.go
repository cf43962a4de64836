package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"license-server/config"
	"license-server/internal/auth"
	"license-server/internal/billing"
	"license-server/internal/cache"
	"license-server/internal/events"
	"license-server/internal/license"
	"license-server/internal/license/memstore"
	"license-server/internal/metrics"
)

const (
	testSecret       = "api-test-secret"
	testStripeSecret = "whsec_api"
)

type harness struct {
	t     *testing.T
	srv   *Server
	store *memstore.Store
	svc   *license.Services
	bus   *events.EventBus
	jwt   *auth.JWTManager
	reg   *prometheus.Registry
}

type harnessOption func(*Dependencies)

func withRateLimit(limit int) harnessOption {
	return func(d *Dependencies) {
		d.RateLimiter = cache.NewRateLimiter(nil, limit, time.Minute)
	}
}

func withoutAuth() harnessOption {
	return func(d *Dependencies) { d.JWTManager = nil }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		store: memstore.New(),
		bus:   events.NewEventBus(),
		jwt:   auth.NewJWTManager(testSecret, "license-server", "", time.Hour),
		reg:   prometheus.NewRegistry(),
	}
	m := metrics.New(h.reg)
	h.svc = license.NewServices(h.store, license.DefaultConfig(),
		license.WithPublisher(h.bus),
		license.WithRecorder(m),
	)

	deps := Dependencies{
		Services:   h.svc,
		EventBus:   h.bus,
		Metrics:    m,
		Gatherer:   h.reg,
		JWTManager: h.jwt,
		Stripe:     billing.NewStripeService(testStripeSecret, h.svc.Purchases),
		PayPal:     billing.NewPayPalService(billing.PayPalConfig{}, h.svc.Purchases),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h.srv = NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0, AllowedOrigins: "*"}, deps)
	t.Cleanup(func() {
		h.srv.Hub().Stop()
		h.bus.Wait()
	})
	return h
}

// seed stores an active license owned by userID.
func (h *harness) seed(userID string, hours float64, mutate ...func(*license.License)) *license.License {
	h.t.Helper()
	key, err := license.GenerateKey("TST")
	require.NoError(h.t, err)
	now := time.Now().UTC()
	l := &license.License{
		ID:             uuid.New().String(),
		Key:            key,
		UserID:         userID,
		Type:           license.TypeStandard,
		Status:         license.StatusActive,
		HoursPurchased: hours,
		HoursRemaining: hours,
		MaxActivations: 1,
		PurchaseDate:   now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, m := range mutate {
		m(l)
	}
	h.store.Seed(l)
	return l
}

func (h *harness) token(userID string, admin bool) string {
	h.t.Helper()
	tok, err := h.jwt.GenerateAccessToken(auth.UserClaims{UserID: userID, Email: userID + "@example.com", IsAdmin: admin})
	require.NoError(h.t, err)
	return tok
}

type request struct {
	method  string
	path    string
	body    interface{}
	raw     []byte
	token   string
	headers map[string]string
}

func (h *harness) do(r request) *httptest.ResponseRecorder {
	h.t.Helper()
	var body []byte
	switch {
	case r.raw != nil:
		body = r.raw
	case r.body != nil:
		var err error
		body, err = json.Marshal(r.body)
		require.NoError(h.t, err)
	}

	method := r.method
	if method == "" {
		method = http.MethodPost
	}
	req := httptest.NewRequest(method, r.path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Valid   bool            `json:"valid"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	env := decode(t, w)
	require.True(t, env.Success, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	env := decode(t, w)
	require.False(t, env.Success)
	require.NotNil(t, env.Error, w.Body.String())
	return env.Error.Code
}
