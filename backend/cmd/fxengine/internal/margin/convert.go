// Package margin implements the Margin Engine: per-order margin in USD
// and the hedged per-symbol aggregation that produces a user's total
// used margin. Grounded on original_source/services/python-service's
// app/services/portfolio/user_margin_service.py (the orchestration
// shape: fetch orders -> fetch group data -> fetch conversion prices ->
// per-order margin -> per-symbol hedge -> sum) and on the teacher's
// internal/risk package for the Go idiom of a stateless calculator
// plus a thin manager wrapper (manager.go's QuickCheck/Decide style).
package margin

import (
	"strings"

	"fxengine/internal/domain"
	"fxengine/internal/quote"
)

// QuoteLookup is the subset of internal/quote.Store the margin engine
// needs: a fresh bid/ask for a symbol, or not-ok if missing/stale.
type QuoteLookup interface {
	Get(symbol string, nowMs int64) (quote.Record, bool)
}

// ConvertToUSD converts a native-currency amount to USD using the
// direct pair {CUR}USD (ask) or, failing that, the inverse pair
// USD{CUR} (1/ask), per spec.md §4.5. USD/USDT amounts are returned
// unchanged. In strict mode, a missing/stale conversion pair is an
// error (domain.ErrNoConversion); in non-strict mode it returns
// (0, false) so the caller can degrade instead of failing the order.
func ConvertToUSD(amount float64, currency string, quotes QuoteLookup, nowMs int64, strict bool) (float64, bool, error) {
	cur := strings.ToUpper(currency)
	if cur == "USD" || cur == "USDT" {
		return amount, true, nil
	}

	if rec, ok := quotes.Get(cur+"USD", nowMs); ok && rec.Ask > 0 {
		return amount * rec.Ask, true, nil
	}
	if rec, ok := quotes.Get("USD"+cur, nowMs); ok && rec.Ask > 0 {
		return amount / rec.Ask, true, nil
	}

	if strict {
		return 0, false, domain.ErrNoConversion
	}
	return 0, false, nil
}
