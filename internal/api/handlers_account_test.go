package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"license-server/internal/license"
)

type listResponse struct {
	LicenseID      string                    `json:"licenseId"`
	Count          int                       `json:"count"`
	MaxActivations int                       `json:"maxActivations"`
	Licenses       []license.Snapshot        `json:"licenses"`
	Usage          []license.UsageEvent      `json:"usage"`
	Devices        []license.ActivatedDevice `json:"devices"`
	Transactions   []license.Transaction     `json:"transactions"`
}

func TestAccountRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/api/me/licenses", "/api/me/transactions", "/api/me/licenses/x/usage"} {
		w := h.do(request{method: http.MethodGet, path: path})
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	w := h.do(request{method: http.MethodGet, path: "/api/me/licenses", token: "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccountRoutesWithoutAuthConfigured(t *testing.T) {
	h := newHarness(t, withoutAuth())
	w := h.do(request{method: http.MethodGet, path: "/api/me/licenses"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "AUTH_DISABLED", errorCode(t, w))
}

func TestListMyLicenses(t *testing.T) {
	h := newHarness(t)
	mine := h.seed("user-1", 4)
	h.seed("user-2", 9)

	w := h.do(request{method: http.MethodGet, path: "/api/me/licenses", token: h.token("user-1", false)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res listResponse
	decodeData(t, w, &res)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, mine.ID, res.Licenses[0].LicenseID)
	assert.Equal(t, mine.Key, res.Licenses[0].LicenseKey)
}

func TestLicenseUsageAndDevices(t *testing.T) {
	h := newHarness(t)
	l := h.seed("user-1", 4)
	tok := h.token("user-1", false)

	minutes := 15.0
	require.Equal(t, http.StatusOK, h.do(request{path: "/api/licenses/track-usage", body: TrackUsageRequest{LicenseKey: l.Key, MinutesUsed: &minutes}}).Code)
	require.Equal(t, http.StatusOK, h.do(request{path: "/api/licenses/activate", body: ActivateDeviceRequest{LicenseKey: l.Key, DeviceID: "dev-1"}}).Code)

	w := h.do(request{method: http.MethodGet, path: "/api/me/licenses/" + l.ID + "/usage", token: tok})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var usage listResponse
	decodeData(t, w, &usage)
	require.Equal(t, 1, usage.Count)
	assert.Equal(t, 15.0, usage.Usage[0].MinutesUsed)

	w = h.do(request{method: http.MethodGet, path: "/api/me/licenses/" + l.ID + "/usage?since=2999-01-01T00:00:00Z", token: tok})
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &usage)
	assert.Zero(t, usage.Count)

	w = h.do(request{method: http.MethodGet, path: "/api/me/licenses/" + l.ID + "/usage?limit=abc", token: tok})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(request{method: http.MethodGet, path: "/api/me/licenses/" + l.ID + "/usage?since=yesterday", token: tok})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(request{method: http.MethodGet, path: "/api/me/licenses/" + l.ID + "/devices", token: tok})
	require.Equal(t, http.StatusOK, w.Code)
	var devices listResponse
	decodeData(t, w, &devices)
	require.Equal(t, 1, devices.Count)
	assert.Equal(t, "dev-1", devices.Devices[0].DeviceID)
	assert.Equal(t, 1, devices.MaxActivations)
}

func TestOtherUsersLicenseIsNotFound(t *testing.T) {
	h := newHarness(t)
	theirs := h.seed("user-2", 4)
	tok := h.token("user-1", false)

	for _, suffix := range []string{"/usage", "/devices"} {
		w := h.do(request{method: http.MethodGet, path: "/api/me/licenses/" + theirs.ID + suffix, token: tok})
		assert.Equal(t, http.StatusNotFound, w.Code, suffix)
		assert.Equal(t, "NOT_FOUND", errorCode(t, w))
	}
}

func TestListMyTransactions(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(h.stripeWebhook(checkoutPayload("user-3", "tx1", 2))).Code)
	require.Equal(t, http.StatusOK, h.do(h.stripeWebhook(checkoutPayload("user-4", "tx2", 2))).Code)

	w := h.do(request{method: http.MethodGet, path: "/api/me/transactions", token: h.token("user-3", false)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res listResponse
	decodeData(t, w, &res)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "pi_tx1", res.Transactions[0].GatewayTransactionID)
	assert.Equal(t, 25.0, res.Transactions[0].Amount)
	assert.Equal(t, "USD", res.Transactions[0].Currency)
}

func TestAdminRevoke(t *testing.T) {
	h := newHarness(t)
	l := h.seed("user-1", 4)

	w := h.do(request{path: "/api/admin/licenses/" + l.Key + "/revoke", token: h.token("user-1", false)})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, license.StatusActive, h.store.License(l.ID).Status)

	admin := h.token("admin-1", true)
	w = h.do(request{path: "/api/admin/licenses/" + l.Key + "/revoke", body: RevokeLicenseRequest{Reason: "chargeback"}, token: admin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap license.Snapshot
	decodeData(t, w, &snap)
	assert.Equal(t, license.StatusRevoked, snap.Status)
	assert.NotNil(t, h.store.License(l.ID).RevokedAt)

	// repeating is a no-op success, and the client is now locked out
	w = h.do(request{path: "/api/admin/licenses/" + l.Key + "/revoke", token: admin})
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(request{path: "/api/licenses/validate", body: ValidateLicenseRequest{LicenseKey: l.Key, SystemID: "s"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "LICENSE_REVOKED", errorCode(t, w))

	unknown, err := license.GenerateKey("TST")
	require.NoError(t, err)
	w = h.do(request{path: "/api/admin/licenses/" + unknown + "/revoke", token: admin})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
