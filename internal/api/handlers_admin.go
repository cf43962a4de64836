package api

import (
	"license-server/internal/auth"
	"license-server/internal/license"
	"license-server/internal/logging"

	"github.com/gin-gonic/gin"
)

// RevokeLicenseRequest is the optional body of the revoke endpoint.
type RevokeLicenseRequest struct {
	Reason string `json:"reason"`
}

// handleRevokeLicense revokes a license (admin only)
func (s *Server) handleRevokeLicense(c *gin.Context) {
	var req RevokeLicenseRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked by administrator"
	}

	l, err := s.services.Admin.Revoke(c.Request.Context(), c.Param("key"), req.Reason)
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}

	logging.FromContext(c.Request.Context()).Info("admin revoked license",
		"admin_id", auth.GetUserID(c),
		"license_id", l.ID)

	successResponse(c, license.SnapshotOf(l))
}
