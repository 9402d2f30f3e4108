package workers

import (
	"context"

	"fxengine/internal/domain"
)

// HandlePending implements the pending worker (spec.md §4.11): confirm
// the order sits live as a working pending order at the provider,
// applying any staged modify price, and register it with both the
// Pending Monitor's scan index and the Provider-Pending margin monitor.
func (w *Worker) HandlePending(ctx context.Context, msg Message) error {
	userType := domain.UserType(msg.UserType)
	return w.withUserMarginLock(ctx, userType, msg.UserID, func() error {
		o, ok, err := w.Repo.GetOrderByID(ctx, msg.OrderID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrMissingOrderData
		}

		fields := map[string]any{
			"status":           string(domain.StatusPending),
			"execution_status": string(domain.ExecPending),
		}
		orderPrice := o.OrderPrice
		if o.PendingModifyPriceUser != nil {
			orderPrice = *o.PendingModifyPriceUser
			fields["order_price"] = orderPrice
		}
		if err := w.Repo.PatchOrder(ctx, userType, msg.UserID, msg.OrderID, fields); err != nil {
			return err
		}
		if o.PendingModifyPriceUser != nil {
			if err := w.Repo.ClearOrderFields(ctx, userType, msg.UserID, msg.OrderID, "pending_modify_price_user"); err != nil {
				return err
			}
		}

		po := domain.PendingOrder{
			OrderID: o.OrderID, Symbol: o.Symbol, OrderType: o.PendingType,
			OrderQuantity: o.OrderQuantity, UserID: o.UserID, UserType: o.UserType,
			Group: o.Group, TriggerPrice: orderPrice,
		}
		if err := w.Repo.PutPendingOrder(ctx, po); err != nil {
			return err
		}
		if w.Pending != nil {
			if err := w.Pending.Register(ctx, po); err != nil {
				return err
			}
		}
		if err := w.registerProviderPending(ctx, o.OrderID); err != nil {
			return err
		}

		if w.DB != nil {
			_ = w.DB.PublishOrderDBUpdate(ctx, domain.MsgOrderPendingConfirmed, o.OrderID, map[string]any{
				"order_price": orderPrice, "symbol": o.Symbol,
			})
		}
		return nil
	})
}
