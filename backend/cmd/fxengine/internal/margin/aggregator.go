package margin

import "fxengine/internal/domain"

// symbolOrderMargin is one order's contribution to a symbol's hedged
// margin: its side and its already-converted USD margin.
type symbolOrderMargin struct {
	Side      domain.Side
	MarginUSD float64
}

// ComputeSymbolMargin implements the per-symbol hedged aggregator
// (spec.md §4.5 "compute hedged margin ... nets BUY vs SELL quantities
// at the group-configured netting ratio"). The exact aggregator source
// (symbol_margin_aggregator.py) was not present in the retrieved
// original_source tree, so the formula is the DESIGN.md-recorded
// decision: margin = larger(buy, sell) + (1-ratio) * smaller(buy, sell).
// ratio=1 is full netting (margin = the larger side only, the smaller
// side is fully absorbed); ratio=0 is no netting (margin = buy+sell,
// both sides charged independently).
func ComputeSymbolMargin(orders []symbolOrderMargin, nettingRatio float64) float64 {
	var buyTotal, sellTotal float64
	for _, o := range orders {
		if o.Side == domain.SideBuy {
			buyTotal += o.MarginUSD
		} else {
			sellTotal += o.MarginUSD
		}
	}
	larger, smaller := buyTotal, sellTotal
	if smaller > larger {
		larger, smaller = smaller, larger
	}
	return larger + (1-nettingRatio)*smaller
}

// TotalMarginResult is the orchestration result of UserTotalMargin,
// mirroring user_margin_service.py's (executed_margin, total_margin, meta) return.
type TotalMarginResult struct {
	UsedMarginExecuted float64
	UsedMarginAll      float64
	PerSymbol          map[string]float64
	PerSymbolExecuted  map[string]float64
	PerOrder           map[string]PerOrderResult
	SkippedCount       int
	Fatal              bool
}

// GroupLookup resolves the group config for a symbol; missing data is
// reported via ok=false so the caller can skip the order per spec.md
// §4.5/§4.6 ("unresolvable orders are skipped, not fatal").
type GroupLookup func(symbol string) (domain.GroupConfig, bool)

// UserTotalMargin implements user_total_margin (spec.md §4.5): compute
// per-order margin, group by symbol, hedge each symbol, sum across
// symbols for both the executed-only and include-queued totals.
func UserTotalMargin(orders []domain.Order, leverage float64, groups GroupLookup, quotes QuoteLookup, nowMs int64, strict bool) TotalMarginResult {
	res := TotalMarginResult{
		PerSymbol:         make(map[string]float64),
		PerSymbolExecuted: make(map[string]float64),
		PerOrder:          make(map[string]PerOrderResult),
	}

	if strict && leverage <= 0 {
		res.Fatal = true
		for _, o := range orders {
			res.PerOrder[o.OrderID] = PerOrderResult{OrderID: o.OrderID, Skipped: true, Reason: "missing_or_invalid_leverage"}
		}
		res.SkippedCount = len(orders)
		return res
	}

	bySymbol := make(map[string][]symbolOrderMargin)
	bySymbolExecuted := make(map[string][]symbolOrderMargin)
	nettingBySymbol := make(map[string]float64)

	for _, o := range orders {
		if o.Symbol == "" {
			res.PerOrder[o.OrderID] = PerOrderResult{OrderID: o.OrderID, Skipped: true, Reason: "missing_symbol"}
			res.SkippedCount++
			continue
		}
		group, ok := groups(o.Symbol)
		if !ok {
			res.PerOrder[o.OrderID] = PerOrderResult{OrderID: o.OrderID, Skipped: true, Reason: "missing_group_data"}
			res.SkippedCount++
			continue
		}
		if strict && (group.ContractSize == 0 || group.ProfitCurrency == "") {
			reason := "missing_contract_size"
			if group.ProfitCurrency == "" {
				reason = "missing_profit_currency"
			}
			res.PerOrder[o.OrderID] = PerOrderResult{OrderID: o.OrderID, Skipped: true, Reason: reason}
			res.SkippedCount++
			continue
		}
		nettingBySymbol[o.Symbol] = group.NettingRatio()

		execPrice, ok := ExecutionPriceForMargin(o, group.Type, quotes, nowMs)
		if !ok {
			res.PerOrder[o.OrderID] = PerOrderResult{OrderID: o.OrderID, Skipped: true, Reason: "missing_price"}
			res.SkippedCount++
			continue
		}

		marginUSD, err := SingleOrderMarginUSD(
			group.ContractSize, o.OrderQuantity, execPrice,
			group.ProfitCurrency, o.Symbol, leverage, group.Type,
			group.CryptoMarginFactor, quotes, nowMs, strict,
		)
		if err != nil {
			res.PerOrder[o.OrderID] = PerOrderResult{OrderID: o.OrderID, Skipped: true, Reason: "conversion_failed_or_invalid_inputs"}
			res.SkippedCount++
			continue
		}

		isQueued := o.IsQueued()
		res.PerOrder[o.OrderID] = PerOrderResult{OrderID: o.OrderID, MarginUSD: marginUSD, Queued: isQueued}

		entry := symbolOrderMargin{Side: o.Side, MarginUSD: marginUSD}
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], entry)
		if !isQueued {
			bySymbolExecuted[o.Symbol] = append(bySymbolExecuted[o.Symbol], entry)
		}
	}

	for sym, entries := range bySymbol {
		m := ComputeSymbolMargin(entries, nettingBySymbol[sym])
		res.PerSymbol[sym] = m
		res.UsedMarginAll += m
	}
	for sym, entries := range bySymbolExecuted {
		m := ComputeSymbolMargin(entries, nettingBySymbol[sym])
		res.PerSymbolExecuted[sym] = m
		res.UsedMarginExecuted += m
	}

	return res
}
