package margin

import (
	"fxengine/internal/domain"
)

// SingleOrderMarginUSD implements single_order_margin_usd (spec.md
// §4.5), grounded on margin_calculator.compute_single_order_margin's
// formula (see test_margin_calculator.py in original_source, which
// pins contract_size=1000, qty=1, price=1.2, leverage=100 -> 12.0 USD
// for non-crypto; the same inputs as crypto with a 0.5
// crypto_margin_factor give 600.0 USD, since leverage does not apply).
func SingleOrderMarginUSD(
	contractSize, orderQuantity, executionPrice float64,
	profitCurrency, symbol string,
	leverage float64,
	instrumentType int,
	cryptoMarginFactor float64,
	quotes QuoteLookup,
	nowMs int64,
	strict bool,
) (float64, error) {
	if strict && leverage <= 0 {
		return 0, domain.ErrInvalidLeverage
	}
	if leverage <= 0 {
		leverage = 1
	}

	var marginNative float64
	if instrumentType == domain.InstrumentCrypto {
		marginNative = contractSize * orderQuantity * executionPrice * cryptoMarginFactor
	} else {
		marginNative = (contractSize * orderQuantity * executionPrice) / leverage
	}

	usd, ok, err := ConvertToUSD(marginNative, profitCurrency, quotes, nowMs, strict)
	if err != nil {
		return 0, err
	}
	if !ok && !strict {
		return 0, nil
	}
	return usd, nil
}

// ExecutionPriceForMargin resolves the price used for margin purposes
// (spec.md §4.5 "Execution-price policy for margin"): non-crypto
// always uses the market ask; crypto prefers the order's own price and
// falls back to ask only when the order carries none.
func ExecutionPriceForMargin(order domain.Order, instrumentType int, quotes QuoteLookup, nowMs int64) (float64, bool) {
	if instrumentType == domain.InstrumentCrypto && order.OrderPrice > 0 {
		return order.OrderPrice, true
	}
	rec, ok := quotes.Get(order.Symbol, nowMs)
	if !ok || rec.Ask <= 0 {
		return 0, false
	}
	return rec.Ask, true
}

// PerOrderResult records the per-order outcome for meta reporting,
// mirroring user_margin_service.py's meta["per_order"] shape.
type PerOrderResult struct {
	OrderID   string
	MarginUSD float64
	Skipped   bool
	Reason    string
	Queued    bool
}
