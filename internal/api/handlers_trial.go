package api

import (
	"net/http"

	"license-server/internal/auth"

	"github.com/gin-gonic/gin"
)

// TrialRequest is the body of the trial endpoints. MinutesUsed is read by
// track-usage only.
type TrialRequest struct {
	SystemID    string   `json:"systemId" binding:"required"`
	UserID      string   `json:"userId"`
	MinutesUsed *float64 `json:"minutesUsed"`
}

// handleTrialActivate starts or resumes the trial for a system. A signed-in
// caller's user id wins over one in the body.
func (s *Server) handleTrialActivate(c *gin.Context) {
	var req TrialRequest
	if !bindJSON(c, &req) {
		return
	}

	userID := req.UserID
	if id := auth.GetUserID(c); id != "" {
		userID = id
	}

	state, err := s.services.Trials.Activate(c.Request.Context(), req.SystemID, userID)
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}

	successResponse(c, state)
}

// handleTrialStatus reports the trial for a system
func (s *Server) handleTrialStatus(c *gin.Context) {
	var req TrialRequest
	if !bindJSON(c, &req) {
		return
	}

	state, err := s.services.Trials.Status(c.Request.Context(), req.SystemID)
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}

	successResponse(c, state)
}

// handleTrialTrackUsage adds consumed minutes to a trial
func (s *Server) handleTrialTrackUsage(c *gin.Context) {
	var req TrialRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.MinutesUsed == nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_AMOUNT", "minutesUsed is required.")
		return
	}

	state, err := s.services.Trials.TrackUsage(c.Request.Context(), req.SystemID, *req.MinutesUsed)
	if err != nil {
		licenseErrorResponse(c, err)
		return
	}

	successResponse(c, state)
}
