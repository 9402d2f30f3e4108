// Package trigger implements the Trigger Monitor (G): a sorted-set index
// of stop-loss/take-profit prices per (symbol, side) and a scan loop that
// turns a quote tick into the fireable set without iterating every open
// order. Grounded on internal/risk/stoploss.go's SL/TP data shapes
// (StopLossPosition, isStopLossTriggered/isTakeProfitTriggered) re-pointed
// from an in-process map onto pkg/redisx's sorted-set helpers so the
// index survives a restart and is shared across replicas.
package trigger

import (
	"context"

	"fxengine/internal/domain"
	"fxengine/pkg/redisx"
)

// Index owns the sl_index/tp_index sorted sets and trigger_active_symbols
// membership set.
type Index struct {
	redis *redisx.Client
}

func NewIndex(redis *redisx.Client) *Index { return &Index{redis: redis} }

// Register scores and inserts an order's stop-loss and/or take-profit
// into the per-(symbol,side) sorted sets, per spec.md §4.7's score
// column, and marks the symbol active.
func (ix *Index) Register(ctx context.Context, t domain.Trigger, halfSpread float64) error {
	if err := ix.redis.SAdd(ctx, domain.KeyTriggerActiveSymbols, t.Symbol); err != nil {
		return err
	}
	if t.StopLoss != nil {
		score := slScore(t.Side, *t.StopLoss, halfSpread)
		if err := ix.redis.ZAdd(ctx, domain.KeySLIndex(t.Symbol, t.Side), score, t.OrderID); err != nil {
			return err
		}
	}
	if t.TakeProfit != nil {
		score := tpScore(t.Side, *t.TakeProfit, halfSpread)
		if err := ix.redis.ZAdd(ctx, domain.KeyTPIndex(t.Symbol, t.Side), score, t.OrderID); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes an order from both indexes for its symbol/side,
// called by the order engine on close, cancel, or SL/TP modification.
func (ix *Index) Unregister(ctx context.Context, symbol string, side domain.Side, orderID string) error {
	if err := ix.redis.ZRem(ctx, domain.KeySLIndex(symbol, side), orderID); err != nil {
		return err
	}
	return ix.redis.ZRem(ctx, domain.KeyTPIndex(symbol, side), orderID)
}

// slScore/tpScore implement spec.md §4.7's score column.
func slScore(side domain.Side, sl, halfSpread float64) float64 {
	if side == domain.SideBuy {
		return sl + halfSpread
	}
	return sl - halfSpread
}

func tpScore(side domain.Side, tp, halfSpread float64) float64 {
	if side == domain.SideBuy {
		return tp + halfSpread
	}
	return tp - halfSpread
}
