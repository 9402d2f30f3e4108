package httpapi

import (
	"errors"
	"net/http"

	"fxengine/internal/domain"
)

// statusFor maps domain's error taxonomy (spec.md §7) to an HTTP status:
// validation/config/pricing failures are 4xx, margin and state conflicts
// are 409, external provider failures are 503, anything unrecognized is
// a 500.
func statusFor(err error) int {
	var placeFailed *domain.PlaceOrderFailed
	if errors.As(err, &placeFailed) {
		return statusFor(placeFailed.Cause)
	}

	switch {
	case errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrInvalidOrderType),
		errors.Is(err, domain.ErrInvalidNumericFields),
		errors.Is(err, domain.ErrUserNotVerified),
		errors.Is(err, domain.ErrInvalidLeverage),
		errors.Is(err, domain.ErrMissingGroupData),
		errors.Is(err, domain.ErrPricingFailed),
		errors.Is(err, domain.ErrStaleQuote),
		errors.Is(err, domain.ErrNoConversion),
		errors.Is(err, domain.ErrInvalidCloseStatus),
		errors.Is(err, domain.ErrUnsupportedFlow),
		errors.Is(err, domain.ErrUserNotFound):
		return http.StatusBadRequest

	case errors.Is(err, domain.ErrMarginCalculationFailed),
		errors.Is(err, domain.ErrInsufficientMargin),
		errors.Is(err, domain.ErrOverallMarginFailed),
		errors.Is(err, domain.ErrOrderExists),
		errors.Is(err, domain.ErrIdempotencyInProgress),
		errors.Is(err, domain.ErrCloseInProgress),
		errors.Is(err, domain.ErrLockBusy),
		errors.Is(err, domain.ErrInconsistentHashTags):
		return http.StatusConflict

	case errors.Is(err, domain.ErrProviderUnreachable),
		errors.Is(err, domain.ErrProviderSendFailed),
		errors.Is(err, domain.ErrProviderSendTimeout),
		errors.Is(err, domain.ErrCancelAckTimeout),
		errors.Is(err, domain.ErrCloseAckTimeout):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
