package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mooose/corrector/internal/auth"
	"github.com/mooose/corrector/internal/demo"
	"github.com/mooose/corrector/internal/essay"
	"github.com/mooose/corrector/internal/grading"
	"github.com/mooose/corrector/internal/ledger"
	"github.com/mooose/corrector/internal/payment"
	"github.com/mooose/corrector/internal/providers/ocr"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware turns errors attached to the gin context into
// the JSON error envelope. Handlers that already wrote a body win.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "too many requests"}

	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidSession),
		errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrSessionRevoked),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, demo.ErrInvalidKey),
		errors.Is(err, payment.ErrMissingSignature),
		errors.Is(err, payment.ErrBadSignature):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: err.Error()}

	case errors.Is(err, demo.ErrKeyExhausted):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: err.Error()}

	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}

	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{Type: "payment_required", Message: err.Error()}

	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, essay.ErrNotFound),
		errors.Is(err, payment.ErrPayerNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, essay.ErrMissingTopic),
		errors.Is(err, essay.ErrMissingText),
		errors.Is(err, essay.ErrFileTooLarge),
		errors.Is(err, essay.ErrEmptyFile),
		errors.Is(err, essay.ErrInvalidReview),
		errors.Is(err, demo.ErrMissingKey),
		errors.Is(err, ocr.ErrUnsupportedType),
		errors.Is(err, ocr.ErrNoTextDetected),
		errors.Is(err, payment.ErrMissingPaymentID),
		errors.Is(err, payment.ErrUnresolvableUser):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}

	case errors.Is(err, grading.ErrUpstream),
		errors.Is(err, grading.ErrMalformedVerdict),
		errors.Is(err, payment.ErrUpstream):
		return http.StatusBadGateway, errorPayload{Type: "upstream_error", Message: err.Error()}
	}

	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
}
