package workers

import (
	"context"

	"fxengine/internal/domain"
	"fxengine/internal/margin"
)

// HandleOpen implements the open worker (spec.md §4.11): mark the order
// OPEN/EXECUTED at the provider's fill price, recompute its margin at
// that price (the placement-time estimate used the requested price, not
// the actual fill), and publish ORDER_OPEN_CONFIRMED. A PendingTriggered
// message (a pending order promoted straight to a fill) takes the same
// path, plus retiring the pending projection and scan-index entries it
// leaves behind.
func (w *Worker) HandleOpen(ctx context.Context, msg Message) error {
	userType := domain.UserType(msg.UserType)
	return w.withUserMarginLock(ctx, userType, msg.UserID, func() error {
		o, ok, err := w.Repo.GetOrderByID(ctx, msg.OrderID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrMissingOrderData
		}

		group, _, err := w.Repo.GetGroupConfig(ctx, o.Group, o.Symbol)
		if err != nil {
			return err
		}

		nowMs := domain.TimeNowMs()
		newMargin, mErr := margin.SingleOrderMarginUSD(
			o.ContractSize, o.OrderQuantity, msg.AvgPx, o.ProfitCurrency, o.Symbol,
			msg.Leverage, o.InstrumentType, group.CryptoMarginFactor, w.Quotes, nowMs, w.Strict,
		)
		if mErr != nil {
			// The reserved estimate from placement is the best fallback;
			// a margin recompute failure shouldn't block an already-filled
			// order from being marked open.
			newMargin = o.Margin
		}
		delta := newMargin - o.Margin

		fields := map[string]any{
			"status":           string(domain.StatusOpen),
			"execution_status": string(domain.ExecExecuted),
			"order_price":      msg.AvgPx,
			"margin":           newMargin,
		}
		if err := w.Repo.PatchOrder(ctx, userType, msg.UserID, msg.OrderID, fields); err != nil {
			return err
		}
		if err := w.Repo.AdjustPortfolioMargins(ctx, userType, msg.UserID, delta, delta); err != nil {
			return err
		}
		if msg.PendingTriggered {
			if err := w.Repo.DeletePendingOrder(ctx, msg.OrderID); err != nil {
				return err
			}
			if err := w.unregisterProviderPending(ctx, msg.OrderID); err != nil {
				return err
			}
			if w.Pending != nil {
				if err := w.Pending.Unregister(ctx, o.Symbol, o.PendingType, o.OrderID); err != nil {
					return err
				}
			}
		}

		if w.DB != nil {
			_ = w.DB.PublishOrderDBUpdate(ctx, domain.MsgOrderOpenConfirmed, msg.OrderID, map[string]any{
				"order_price": msg.AvgPx, "margin": newMargin, "symbol": o.Symbol,
			})
		}
		return nil
	})
}
