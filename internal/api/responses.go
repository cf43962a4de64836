package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"license-server/internal/license"
	"license-server/internal/logging"

	"github.com/gin-gonic/gin"
)

// errorResponse sends the failure envelope and aborts the chain.
func errorResponse(c *gin.Context, statusCode int, code, message string) {
	errorResponseWithDetails(c, statusCode, code, message, nil)
}

func errorResponseWithDetails(c *gin.Context, statusCode int, code, message string, details map[string]interface{}) {
	body := gin.H{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.AbortWithStatusJSON(statusCode, gin.H{
		"success": false,
		"error":   body,
	})
}

// successResponse sends the success envelope
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// statusForKind maps a license error kind to its HTTP status.
func statusForKind(kind license.Kind) int {
	switch kind {
	case license.KindInputInvalid:
		return http.StatusBadRequest
	case license.KindNotFound:
		return http.StatusNotFound
	case license.KindStatusInvalid,
		license.KindSystemMismatch,
		license.KindInsufficientHours,
		license.KindActivationLimitReached:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// licenseErrorResponse renders err from a license operation. Typed errors
// keep their reason as the error code; store failures never leak detail.
func licenseErrorResponse(c *gin.Context, err error) {
	var lerr *license.Error
	if !errors.As(err, &lerr) {
		logging.FromContext(c.Request.Context()).WithError(err).Error("unexpected license error")
		errorResponse(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error.")
		return
	}

	status := statusForKind(lerr.Kind)
	if status == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).WithError(err).Error("license store failure")
		errorResponse(c, status, strings.ToUpper(license.ReasonStoreUnavailable), "License service temporarily unavailable.")
		return
	}

	code := lerr.Reason
	if code == "" {
		code = lerr.Kind.String()
	}

	details := lerr.Details
	if lerr.Status != "" {
		details = make(map[string]interface{}, len(lerr.Details)+1)
		for k, v := range lerr.Details {
			details[k] = v
		}
		details["status"] = lerr.Status
	}

	errorResponseWithDetails(c, status, strings.ToUpper(code), lerr.Message, details)
}

// bindJSON decodes the request body, answering 400 on failure. Bodies that
// are not JSON, or carry wrongly typed fields, are INVALID_JSON_PAYLOAD;
// valid JSON missing a required field is MISSING_PARAMETERS.
func bindJSON(c *gin.Context, dst interface{}) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		errorResponse(c, http.StatusBadRequest, codeInvalidJSON, "Request body must be valid JSON.")
		return false
	}
	errorResponse(c, http.StatusBadRequest, strings.ToUpper(license.ReasonMissingParameters), "Required parameters are missing.")
	return false
}

const codeInvalidJSON = "INVALID_JSON_PAYLOAD"
