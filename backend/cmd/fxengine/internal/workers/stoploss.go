package workers

import (
	"context"

	"fxengine/internal/domain"
)

// HandleStoploss implements the stoploss worker (spec.md §4.11): on the
// provider's PENDING ack, convert its avgpx back to the user-facing
// trigger price and persist it.
func (w *Worker) HandleStoploss(ctx context.Context, msg Message) error {
	return w.setTrigger(ctx, msg, true)
}

// setTrigger converts the provider's executable price back to the
// user-facing level (subtract the half-spread for BUY, add it for SELL,
// the inverse of how the engine built the provider-side price) and
// writes it onto the order.
func (w *Worker) setTrigger(ctx context.Context, msg Message, stoploss bool) error {
	userType := domain.UserType(msg.UserType)
	return w.withUserMarginLock(ctx, userType, msg.UserID, func() error {
		o, ok, err := w.Repo.GetOrderByID(ctx, msg.OrderID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrMissingOrderData
		}

		level := msg.AvgPx
		if o.Side == domain.SideSell {
			level += o.HalfSpread
		} else {
			level -= o.HalfSpread
		}

		fields := map[string]any{}
		msgType := domain.MsgOrderStoplossConfirmed
		if stoploss {
			fields["stop_loss"] = level
		} else {
			fields["take_profit"] = level
			msgType = domain.MsgOrderTakeprofitConfirmed
		}
		if err := w.Repo.PatchOrder(ctx, userType, msg.UserID, msg.OrderID, fields); err != nil {
			return err
		}

		if w.DB != nil {
			_ = w.DB.PublishOrderDBUpdate(ctx, msgType, o.OrderID, map[string]any{
				"level": level, "symbol": o.Symbol,
			})
		}
		return nil
	})
}
