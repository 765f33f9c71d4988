package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	creditdomain "github.com/preset-hq/credits/internal/credit/domain"
	generationdomain "github.com/preset-hq/credits/internal/generation/domain"
	providerdomain "github.com/preset-hq/credits/internal/provider/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

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
		c.Header("Content-Type", "application/json")
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
	errType, message := classify(err)
	return statusFor(errType), errorPayload{
		Type:    errType,
		Message: message,
	}
}

func classify(err error) (string, string) {
	switch {
	case err == nil:
		return "internal_error", "internal server error"
	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		return "insufficient_credits", "insufficient credits"
	case errors.Is(err, creditdomain.ErrPoolDepleted):
		return "pool_depleted", "platform pool depleted"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidUser),
		errors.Is(err, generationdomain.ErrInvalidRequest):
		return "invalid_request", "invalid request"
	case errors.Is(err, creditdomain.ErrAccountNotFound),
		errors.Is(err, creditdomain.ErrPoolNotFound),
		errors.Is(err, generationdomain.ErrTaskNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return "not_found", "not found"
	case errors.Is(err, providerdomain.ErrInvalidSignature):
		return "invalid_signature", "webhook signature mismatch"
	case errors.Is(err, providerdomain.ErrProviderNotFound):
		return "provider_not_found", "unknown provider"
	case errors.Is(err, providerdomain.ErrProviderUnavailable),
		errors.Is(err, creditdomain.ErrRefillFailed):
		return "provider_unavailable", "provider unavailable"
	default:
		return "internal_error", "internal server error"
	}
}

func statusFor(errType string) int {
	switch errType {
	case "insufficient_credits", "pool_depleted":
		return http.StatusPaymentRequired
	case "invalid_request":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "invalid_signature":
		return http.StatusUnauthorized
	case "provider_not_found", "provider_unavailable":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// classifyErrorForLog feeds the request log with a stable error taxonomy.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	errType, _ := classify(err)
	return errType, err.Error()
}
