package workers

import (
	"context"
	"strings"

	"fxengine/internal/domain"
)

type cancelKind int

const (
	cancelUnknown cancelKind = iota
	cancelStoploss
	cancelTakeprofit
	cancelPending
)

// classifyCancel implements the cancel worker's classification step
// (spec.md §4.11): distinguish kind from the lifecycle id prefix, with
// the canonical order's own status as a fallback for a provider that
// doesn't echo the id back untouched.
func classifyCancel(lifecycleID string, status domain.OrderStatus) cancelKind {
	switch {
	case strings.HasPrefix(lifecycleID, "SLC"):
		return cancelStoploss
	case strings.HasPrefix(lifecycleID, "TPC"):
		return cancelTakeprofit
	case strings.HasPrefix(lifecycleID, "PC"):
		return cancelPending
	}
	switch status {
	case domain.StatusStopLossCancel:
		return cancelStoploss
	case domain.StatusTakeProfitCancel:
		return cancelTakeprofit
	case domain.StatusPendingCancel:
		return cancelPending
	default:
		return cancelUnknown
	}
}

// HandleCancel implements the cancel worker (spec.md §4.11).
func (w *Worker) HandleCancel(ctx context.Context, msg Message) error {
	userType := domain.UserType(msg.UserType)
	return w.withUserMarginLock(ctx, userType, msg.UserID, func() error {
		o, ok, err := w.Repo.GetOrderByID(ctx, msg.OrderID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrMissingOrderData
		}

		switch classifyCancel(msg.LifecycleID, o.Status) {
		case cancelStoploss:
			return w.cancelTrigger(ctx, o, true)
		case cancelTakeprofit:
			return w.cancelTrigger(ctx, o, false)
		case cancelPending:
			return w.cancelPendingOrder(ctx, o)
		default:
			return domain.ErrUnmappedRoutingState
		}
	})
}

// cancelTrigger drops the sl_index/tp_index entry, clears the cancelled
// side's fields, and restores OPEN.
func (w *Worker) cancelTrigger(ctx context.Context, o domain.Order, stoploss bool) error {
	if w.Triggers != nil {
		if err := w.Triggers.Unregister(ctx, o.Symbol, o.Side, o.OrderID); err != nil {
			return err
		}
	}

	clear := []string{"stop_loss", "stoploss_id", "stoploss_cancel_id"}
	msgType := domain.MsgOrderStoplossCancel
	if !stoploss {
		clear = []string{"take_profit", "takeprofit_id", "takeprofit_cancel_id"}
		msgType = domain.MsgOrderTakeprofitCancel
	}
	if err := w.Repo.ClearOrderFields(ctx, o.UserType, o.UserID, o.OrderID, clear...); err != nil {
		return err
	}
	if err := w.Repo.PatchOrder(ctx, o.UserType, o.UserID, o.OrderID, map[string]any{
		"status": string(domain.StatusOpen),
	}); err != nil {
		return err
	}

	if w.DB != nil {
		_ = w.DB.PublishOrderDBUpdate(ctx, msgType, o.OrderID, map[string]any{"symbol": o.Symbol})
	}
	return nil
}

// cancelPendingOrder removes a cancelled pending order entirely: the
// scan index, the scan projection, the canonical and holding records,
// and the reserved margin it had set aside.
func (w *Worker) cancelPendingOrder(ctx context.Context, o domain.Order) error {
	if w.Pending != nil {
		if err := w.Pending.Unregister(ctx, o.Symbol, o.PendingType, o.OrderID); err != nil {
			return err
		}
	}
	if err := w.Repo.DeletePendingOrder(ctx, o.OrderID); err != nil {
		return err
	}
	if err := w.unregisterProviderPending(ctx, o.OrderID); err != nil {
		return err
	}
	if err := w.Repo.RemoveOrder(ctx, o); err != nil {
		return err
	}
	if o.HasReservedMargin && o.ReservedMargin != 0 {
		if err := w.Repo.AdjustPortfolioMargins(ctx, o.UserType, o.UserID, 0, -o.ReservedMargin); err != nil {
			return err
		}
	}

	if w.DB != nil {
		_ = w.DB.PublishOrderDBUpdate(ctx, domain.MsgOrderPendingCancel, o.OrderID, map[string]any{"symbol": o.Symbol})
	}
	return nil
}
