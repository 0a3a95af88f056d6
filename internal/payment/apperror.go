package payment

import (
	"errors"
	"net/http"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/resilience"
)

// AppError converts a failed provider call into an API error. The provider's
// own message is kept so operators see exactly what Stripe answered.
func AppError(action string, err error) *common.AppError {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return common.NewAppError("CONFIGURATION", "stripe secret key not configured", http.StatusInternalServerError, err)
	case errors.Is(err, resilience.ErrOpenCircuit):
		return common.NewAppError("PROVIDER_UNAVAILABLE", "payment provider temporarily unavailable", http.StatusServiceUnavailable, err)
	}
	msg := action
	var pe *Error
	if errors.As(err, &pe) && pe.Message != "" {
		msg = action + ": " + pe.Message
	}
	return common.NewAppError("PROVIDER_ERROR", msg, http.StatusInternalServerError, err)
}
