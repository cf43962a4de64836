package api

import (
	"math"
	"net/http"

	"license-server/internal/license"

	"github.com/gin-gonic/gin"
)

// ValidateLicenseRequest is the body of POST /api/licenses/validate.
type ValidateLicenseRequest struct {
	LicenseKey string `json:"licenseKey" binding:"required"`
	SystemID   string `json:"systemId" binding:"required"`
}

// TrackUsageRequest is the body of POST /api/licenses/track-usage. The
// license is named by key or id, and exactly one of the amounts is set.
type TrackUsageRequest struct {
	LicenseKey  string   `json:"licenseKey"`
	LicenseID   string   `json:"licenseId"`
	SystemID    string   `json:"systemId"`
	MinutesUsed *float64 `json:"minutesUsed"`
	HoursUsed   *float64 `json:"hoursUsed"`
}

// ActivateDeviceRequest is the body of POST /api/licenses/activate.
type ActivateDeviceRequest struct {
	LicenseKey string `json:"licenseKey" binding:"required"`
	DeviceID   string `json:"deviceId" binding:"required"`
}

// minutes resolves the reported amount in minutes.
func (r TrackUsageRequest) minutes() (float64, bool) {
	switch {
	case r.MinutesUsed != nil && r.HoursUsed == nil:
		return *r.MinutesUsed, true
	case r.HoursUsed != nil && r.MinutesUsed == nil:
		return *r.HoursUsed * 60, true
	default:
		return math.NaN(), false
	}
}

// handleValidateLicense checks a license for the calling system
func (s *Server) handleValidateLicense(c *gin.Context) {
	var req ValidateLicenseRequest
	if !bindJSON(c, &req) {
		return
	}

	snap, err := s.services.Validation.Validate(c.Request.Context(), req.LicenseKey, req.SystemID)
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"valid":   true,
		"data":    snap,
	})
}

// handleTrackUsage debits consumed time from a license
func (s *Server) handleTrackUsage(c *gin.Context) {
	var req TrackUsageRequest
	if !bindJSON(c, &req) {
		return
	}

	minutes, ok := req.minutes()
	if !ok {
		errorResponse(c, http.StatusBadRequest, "INVALID_AMOUNT", "Provide exactly one of minutesUsed or hoursUsed.")
		return
	}

	res, err := s.services.Usage.TrackUsage(c.Request.Context(), license.UsageRequest{
		License:     license.LicenseRef{Key: req.LicenseKey, ID: req.LicenseID},
		SystemID:    req.SystemID,
		MinutesUsed: minutes,
	})
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}

	successResponse(c, res)
}

// handleActivateDevice registers a device against a license
func (s *Server) handleActivateDevice(c *gin.Context) {
	var req ActivateDeviceRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := s.services.Devices.Activate(c.Request.Context(), req.LicenseKey, req.DeviceID)
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}

	successResponse(c, res)
}

// handleDeprecatedUsageTrack answers the retired usage endpoint
func (s *Server) handleDeprecatedUsageTrack(c *gin.Context) {
	errorResponseWithDetails(c, http.StatusGone, "ENDPOINT_REMOVED",
		"This endpoint has been removed. Use POST /api/licenses/track-usage.",
		map[string]interface{}{"replacement": "/api/licenses/track-usage"})
}
