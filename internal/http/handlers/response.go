// Package handlers implements the notification REST API on Gin.
//
// Every failure is answered with ErrorResponse. Codes are stable snake_case
// strings clients may branch on; messages are for humans. Internal errors
// are logged with the request-scoped logger and never echoed to the client.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-notification-backend/internal/http/middleware"
)

// Error codes.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeValidation       = "validation_failed"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// store failures, one per kind of operation
	ErrCodeCreateFailed = "create_failed"
	ErrCodeListFailed   = "list_failed"
	ErrCodeUpdateFailed = "update_failed"
	ErrCodeDeleteFailed = "delete_failed"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	// Echo of X-Request-ID
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code      string `json:"code" example:"validation_failed"`
	Message   string `json:"message" example:"type: must be one of order, event, review, comment, system, voucher, loyalty"`
}

// Fail aborts with the error envelope. It is exported for the router's
// NoRoute and NoMethod handlers.
func Fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

func fail(c *gin.Context, status int, code, msg string) { Fail(c, status, code, msg) }

// internalError logs err and answers 500 with a generic message.
func internalError(c *gin.Context, code string, err error) {
	_ = c.Error(err)
	middleware.LoggerFrom(c).Error().Err(err).Str("code", code).Msg("request failed")
	Fail(c, http.StatusInternalServerError, code, "internal error")
}

func writeJSON(c *gin.Context, status int, body any) { c.JSON(status, body) }

func noContent(c *gin.Context) { c.Status(http.StatusNoContent) }
