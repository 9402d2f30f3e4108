package domain

import "errors"

// Error taxonomy from spec.md §7. Grouped by kind; propagation policy
// (4xx/409/503/500) lives in internal/httpapi.
var (
	// validation
	ErrMissingFields        = errors.New("missing_fields")
	ErrInvalidOrderType     = errors.New("invalid_order_type")
	ErrInvalidNumericFields = errors.New("invalid_numeric_fields")
	ErrUserNotVerified      = errors.New("user_not_verified")
	ErrInvalidLeverage      = errors.New("invalid_leverage")

	// config
	ErrMissingGroupData = errors.New("missing_group_data")

	// pricing
	ErrPricingFailed = errors.New("pricing_failed")
	ErrStaleQuote    = errors.New("stale_quote")
	ErrNoConversion  = errors.New("no_conversion")

	// margin
	ErrMarginCalculationFailed = errors.New("margin_calculation_failed")
	ErrInsufficientMargin      = errors.New("insufficient_margin")
	ErrOverallMarginFailed     = errors.New("overall_margin_failed")

	// state
	ErrOrderExists             = errors.New("order_exists")
	ErrInconsistentHashTags    = errors.New("inconsistent_hash_tags")
	ErrUserNotFound            = errors.New("user_not_found")
	ErrInvalidCloseStatus      = errors.New("invalid_close_status")
	ErrUnsupportedFlow         = errors.New("unsupported_flow")
	ErrIdempotencyInProgress   = errors.New("idempotency_in_progress")
	ErrCloseInProgress         = errors.New("close_in_progress")
	ErrLockBusy                = errors.New("lock_busy")

	// external
	ErrProviderUnreachable = errors.New("provider_unreachable")
	ErrProviderSendFailed  = errors.New("provider_send_failed")
	ErrProviderSendTimeout = errors.New("provider_send_timeout")
	ErrCancelAckTimeout    = errors.New("cancel_ack_timeout")
	ErrCloseAckTimeout     = errors.New("close_ack_timeout")

	// dispatcher
	ErrMissingOrderData     = errors.New("missing_order_data")
	ErrUnmappedRoutingState = errors.New("unmapped_routing_state")
)

// PlaceOrderFailed wraps a cause into the place_order_failed:<cause> shape
// from spec.md §4.3.
type PlaceOrderFailed struct {
	Cause error
}

func (e *PlaceOrderFailed) Error() string { return "place_order_failed:" + e.Cause.Error() }
func (e *PlaceOrderFailed) Unwrap() error { return e.Cause }
