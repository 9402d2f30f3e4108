package workers

import (
	"context"
	"strings"

	"fxengine/internal/domain"
)

// categorizeReject implements the reject worker's lifecycle-id
// classification (spec.md §4.11).
func categorizeReject(lifecycleID string, pendingType domain.PendingType) string {
	switch {
	case strings.HasPrefix(lifecycleID, "MOD"):
		return domain.RejectCategoryPendingModify
	case strings.HasPrefix(lifecycleID, "SLC"), strings.HasPrefix(lifecycleID, "TPC"):
		return domain.RejectCategoryTriggerRemove
	case strings.HasPrefix(lifecycleID, "SL"), strings.HasPrefix(lifecycleID, "TP"):
		return domain.RejectCategoryTriggerAdd
	case strings.HasPrefix(lifecycleID, "CNL"):
		return domain.RejectCategoryPendingCancel
	case strings.HasPrefix(lifecycleID, "CLS"):
		return domain.RejectCategoryClose
	default:
		if pendingType != "" {
			return domain.RejectCategoryPendingPlacement
		}
		return domain.RejectCategoryOrderPlacement
	}
}

// HandleReject implements the reject worker (spec.md §4.11): only
// ORDER_PLACEMENT rejections mutate Redis state — every other category
// is a no-op beyond the rejection record, since the order it refers to
// never changed state in the first place (a rejected cancel/modify/SL-TP
// change just leaves the prior state standing).
func (w *Worker) HandleReject(ctx context.Context, msg Message) error {
	userType := domain.UserType(msg.UserType)
	return w.withUserMarginLock(ctx, userType, msg.UserID, func() error {
		o, ok, err := w.Repo.GetOrderByID(ctx, msg.OrderID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrMissingOrderData
		}

		category := categorizeReject(msg.LifecycleID, o.PendingType)
		if category == domain.RejectCategoryOrderPlacement {
			if err := w.rejectPlacement(ctx, o); err != nil {
				return err
			}
		}

		if w.DB != nil {
			rec := domain.RejectionRecord{
				OrderID: o.OrderID, Category: category, Reason: msg.OrdStatus, TsMs: msg.TsMs,
			}
			_ = w.DB.PublishOrderDBUpdate(ctx, domain.MsgOrderRejectionRecord, o.OrderID, map[string]any{
				"category": rec.Category, "reason": rec.Reason, "ts": rec.TsMs,
			})
			if category == domain.RejectCategoryOrderPlacement {
				_ = w.DB.PublishOrderDBUpdate(ctx, domain.MsgOrderRejected, o.OrderID, map[string]any{"symbol": o.Symbol})
			}
		}
		return nil
	})
}

// rejectPlacement marks the order REJECTED, releases its reserved
// margin, drops it from the user index, and retires the symbol holder
// entry if this was the user's last order in that symbol.
func (w *Worker) rejectPlacement(ctx context.Context, o domain.Order) error {
	if err := w.Repo.PatchOrder(ctx, o.UserType, o.UserID, o.OrderID, map[string]any{
		"status": string(domain.StatusRejected), "execution_status": string(domain.ExecRejected),
	}); err != nil {
		return err
	}
	if o.HasReservedMargin && o.ReservedMargin != 0 {
		if err := w.Repo.AdjustPortfolioMargins(ctx, o.UserType, o.UserID, 0, -o.ReservedMargin); err != nil {
			return err
		}
	}
	if err := w.Repo.RemoveOrder(ctx, o); err != nil {
		return err
	}

	remaining, err := w.Repo.ListUserOrders(ctx, o.UserType, o.UserID)
	if err != nil {
		return err
	}
	stillHolds := false
	for _, other := range remaining {
		if other.Symbol == o.Symbol {
			stillHolds = true
			break
		}
	}
	if !stillHolds {
		if err := w.Repo.RemoveSymbolHolder(ctx, o.Symbol, o.UserType, o.UserID); err != nil {
			return err
		}
	}
	return nil
}
