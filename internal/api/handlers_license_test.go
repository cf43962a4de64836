package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"license-server/internal/license"
)

func TestValidateLicenseEndpoint(t *testing.T) {
	h := newHarness(t)
	l := h.seed("user-1", 10)

	w := h.do(request{path: "/api/licenses/validate", body: ValidateLicenseRequest{LicenseKey: l.Key, SystemID: "sys-A"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode(t, w).Valid)

	var snap license.Snapshot
	decodeData(t, w, &snap)
	assert.Equal(t, license.StatusActive, snap.Status)
	assert.Equal(t, "sys-A", snap.LinkedSystemID)
	assert.Equal(t, 10.0, snap.HoursRemaining)
	assert.NotNil(t, snap.LastValidatedAt)

	t.Run("same system again", func(t *testing.T) {
		w := h.do(request{path: "/api/licenses/validate", body: ValidateLicenseRequest{LicenseKey: l.Key, SystemID: "sys-A"}})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("other system", func(t *testing.T) {
		w := h.do(request{path: "/api/licenses/validate", body: ValidateLicenseRequest{LicenseKey: l.Key, SystemID: "sys-B"}})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "SYSTEM_MISMATCH", errorCode(t, w))
	})
}

func TestValidateLicenseErrors(t *testing.T) {
	h := newHarness(t)
	revoked := h.seed("user-1", 5, func(l *license.License) { l.Status = license.StatusRevoked })
	unknownKey, err := license.GenerateKey("TST")
	require.NoError(t, err)

	tests := []struct {
		name       string
		body       interface{}
		raw        []byte
		wantStatus int
		wantCode   string
	}{
		{"missing system", ValidateLicenseRequest{LicenseKey: revoked.Key}, nil, http.StatusBadRequest, "MISSING_PARAMETERS"},
		{"not json", nil, []byte("licenseKey="), http.StatusBadRequest, "INVALID_JSON_PAYLOAD"},
		{"wrong field type", nil, []byte(`{"licenseKey":42,"systemId":"s"}`), http.StatusBadRequest, "INVALID_JSON_PAYLOAD"},
		{"unknown key", ValidateLicenseRequest{LicenseKey: unknownKey, SystemID: "s"}, nil, http.StatusNotFound, "NOT_FOUND"},
		{"malformed key", ValidateLicenseRequest{LicenseKey: "nope", SystemID: "s"}, nil, http.StatusNotFound, "NOT_FOUND"},
		{"revoked", ValidateLicenseRequest{LicenseKey: revoked.Key, SystemID: "s"}, nil, http.StatusForbidden, "LICENSE_REVOKED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(request{path: "/api/licenses/validate", body: tt.body, raw: tt.raw})
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}

	t.Run("status detail", func(t *testing.T) {
		w := h.do(request{path: "/api/licenses/validate", body: ValidateLicenseRequest{LicenseKey: revoked.Key, SystemID: "s"}})
		env := decode(t, w)
		require.NotNil(t, env.Error)
		assert.Equal(t, "revoked", env.Error.Details["status"])
	})
}

func TestTrackUsageEndpoint(t *testing.T) {
	h := newHarness(t)
	l := h.seed("user-1", 1)

	minutes := 30.0
	w := h.do(request{path: "/api/licenses/track-usage", body: TrackUsageRequest{LicenseKey: l.Key, MinutesUsed: &minutes}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res license.UsageResult
	decodeData(t, w, &res)
	assert.InDelta(t, 0.5, res.HoursRemaining, 1e-9)
	assert.False(t, res.Depleted)

	t.Run("hours by license id", func(t *testing.T) {
		hours := 0.5
		w := h.do(request{path: "/api/licenses/track-usage", body: TrackUsageRequest{LicenseID: l.ID, HoursUsed: &hours}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var res license.UsageResult
		decodeData(t, w, &res)
		assert.Zero(t, res.HoursRemaining)
		assert.True(t, res.Depleted)
		assert.Equal(t, license.StatusExpired, h.store.License(l.ID).Status)
	})
}

func TestTrackUsageEndpointErrors(t *testing.T) {
	h := newHarness(t)
	l := h.seed("user-1", 0.2)
	thirty, zero, one := 30.0, 0.0, 1.0

	tests := []struct {
		name       string
		body       TrackUsageRequest
		wantStatus int
		wantCode   string
	}{
		{"no amount", TrackUsageRequest{LicenseKey: l.Key}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"both amounts", TrackUsageRequest{LicenseKey: l.Key, MinutesUsed: &one, HoursUsed: &one}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"zero", TrackUsageRequest{LicenseKey: l.Key, MinutesUsed: &zero}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"no license", TrackUsageRequest{MinutesUsed: &one}, http.StatusBadRequest, "MISSING_PARAMETERS"},
		{"insufficient", TrackUsageRequest{LicenseKey: l.Key, MinutesUsed: &thirty}, http.StatusForbidden, "INSUFFICIENT_HOURS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(request{path: "/api/licenses/track-usage", body: tt.body})
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}

	assert.Equal(t, 0.2, h.store.License(l.ID).HoursRemaining, "failed debits change nothing")
	assert.Zero(t, h.store.UsageCount())
}

func TestActivateDeviceEndpoint(t *testing.T) {
	h := newHarness(t)
	l := h.seed("user-1", 3)

	w := h.do(request{path: "/api/licenses/activate", body: ActivateDeviceRequest{LicenseKey: l.Key, DeviceID: "dev-1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res license.ActivationResult
	decodeData(t, w, &res)
	assert.True(t, res.Accepted)
	assert.False(t, res.AlreadyActivated)
	assert.Equal(t, license.TypeStandard, res.LicenseType)

	w = h.do(request{path: "/api/licenses/activate", body: ActivateDeviceRequest{LicenseKey: l.Key, DeviceID: "dev-1"}})
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &res)
	assert.True(t, res.AlreadyActivated)

	w = h.do(request{path: "/api/licenses/activate", body: ActivateDeviceRequest{LicenseKey: l.Key, DeviceID: "dev-2"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ACTIVATION_LIMIT_REACHED", errorCode(t, w))

	w = h.do(request{path: "/api/licenses/activate", body: map[string]string{"licenseKey": l.Key}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStoreFailureIsGeneric(t *testing.T) {
	h := newHarness(t)
	l := h.seed("user-1", 3)
	h.store.FailWith(assert.AnError)

	w := h.do(request{path: "/api/licenses/validate", body: ValidateLicenseRequest{LicenseKey: l.Key, SystemID: "s"}})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "STORE_UNAVAILABLE", errorCode(t, w))
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}
