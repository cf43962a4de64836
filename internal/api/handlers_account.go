package api

import (
	"net/http"
	"strconv"
	"time"

	"license-server/internal/auth"
	"license-server/internal/license"

	"github.com/gin-gonic/gin"
)

// handleListMyLicenses returns the caller's licenses
func (s *Server) handleListMyLicenses(c *gin.Context) {
	licenses, err := s.services.Admin.ListForUser(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}

	snaps := make([]license.Snapshot, 0, len(licenses))
	for i := range licenses {
		snaps = append(snaps, license.SnapshotOf(&licenses[i]))
	}
	successResponse(c, gin.H{"licenses": snaps, "count": len(snaps)})
}

// handleLicenseUsage returns usage history for one of the caller's
// licenses. Query: since (RFC 3339), limit.
func (s *Server) handleLicenseUsage(c *gin.Context) {
	l, ok := s.ownedLicense(c)
	if !ok {
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "INVALID_PARAMETER", "since must be an RFC 3339 timestamp.")
			return
		}
		since = t
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be a positive integer.")
			return
		}
		limit = n
	}

	usage, err := s.services.Admin.UsageHistory(c.Request.Context(), l.ID, since, limit)
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}
	successResponse(c, gin.H{"licenseId": l.ID, "usage": usage, "count": len(usage)})
}

// handleLicenseDevices returns the devices activated on one of the
// caller's licenses
func (s *Server) handleLicenseDevices(c *gin.Context) {
	l, ok := s.ownedLicense(c)
	if !ok {
		return
	}

	devices, err := s.services.Admin.ListDevices(c.Request.Context(), l.ID)
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}
	successResponse(c, gin.H{
		"licenseId":      l.ID,
		"devices":        devices,
		"count":          len(devices),
		"maxActivations": l.MaxActivations,
	})
}

// handleListMyTransactions returns the caller's purchases
func (s *Server) handleListMyTransactions(c *gin.Context) {
	txns, err := s.services.Admin.Transactions(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}
	successResponse(c, gin.H{"transactions": txns, "count": len(txns)})
}

// ownedLicense loads the :id license, answering 404 unless the caller owns it.
func (s *Server) ownedLicense(c *gin.Context) (*license.License, bool) {
	l, err := s.services.Admin.OwnedLicense(c.Request.Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		licenseErrorResponse(c, err)
		return nil, false
	}
	return l, true
}
