package dispatch

import (
	"context"
	"encoding/json"

	"fxengine/internal/domain"
	"fxengine/pkg/providerframe"
)

// route implements spec.md §4.10: resolve the lifecycle id to a
// canonical order, look up its worker queue from the (engine status,
// provider ord_status) routing table, and publish the enriched payload.
func (d *Dispatcher) route(ctx context.Context, report confirmationMessage) error {
	lifecycleID := report.OrderID
	if lifecycleID == "" {
		lifecycleID = report.ExecID
	}
	if lifecycleID == "" {
		return domain.ErrMissingOrderData
	}

	orderID := lifecycleID
	if resolved, ok, err := d.Lookup.ResolveGlobalLookup(ctx, lifecycleID); err != nil {
		return err
	} else if ok {
		orderID = resolved
	}

	o, ok, err := d.Lookup.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrMissingOrderData
	}

	queue, extra, err := targetQueue(o.Status, report.OrdStatus)
	if err != nil {
		return err
	}

	payload, err := d.compose(ctx, o, report, lifecycleID, extra)
	if err != nil {
		return err
	}
	return d.Publish.PublishPersistent(ctx, queue, payload)
}

// targetQueue is spec.md §4.10's (order_data.status, ord_status) -> worker
// queue routing table.
func targetQueue(status domain.OrderStatus, ordStatus string) (queue string, extra map[string]any, err error) {
	switch {
	case status == domain.StatusOpen && ordStatus == providerframe.OrdStatusExecuted:
		return domain.QueueWorkerOpen, nil, nil
	case status == domain.StatusOpen && ordStatus == providerframe.OrdStatusRejected:
		return domain.QueueWorkerReject, nil, nil

	case isPendingLike(status) && ordStatus == providerframe.OrdStatusExecuted:
		return domain.QueueWorkerOpen, map[string]any{"pending_triggered": true}, nil
	case isPendingLike(status) && (ordStatus == providerframe.OrdStatusPending || ordStatus == providerframe.OrdStatusModify):
		return domain.QueueWorkerPending, nil, nil
	case isPendingLike(status) && ordStatus == providerframe.OrdStatusRejected:
		return domain.QueueWorkerReject, nil, nil

	// A PENDING-CANCEL racing an already-filled order is still a fill,
	// not a cancel: the cancel lost the race.
	case status == domain.StatusPendingCancel && ordStatus == providerframe.OrdStatusExecuted:
		return domain.QueueWorkerOpen, map[string]any{"cancel_lost_race": true}, nil
	case status == domain.StatusPendingCancel && isCancelAck(ordStatus):
		return domain.QueueWorkerCancel, nil, nil

	case status == domain.StatusClosed && ordStatus == providerframe.OrdStatusExecuted:
		return domain.QueueWorkerClose, nil, nil
	case status == domain.StatusClosed && ordStatus == providerframe.OrdStatusRejected:
		return domain.QueueWorkerReject, nil, nil

	case status == domain.StatusStopLoss && ordStatus == providerframe.OrdStatusPending:
		return domain.QueueWorkerStoploss, nil, nil
	case status == domain.StatusTakeProfit && ordStatus == providerframe.OrdStatusPending:
		return domain.QueueWorkerTakeprofit, nil, nil
	case isSLTP(status) && ordStatus == providerframe.OrdStatusExecuted:
		return domain.QueueWorkerClose, map[string]any{"triggered_by": string(status)}, nil
	case isSLTPCancel(status) && ordStatus == providerframe.OrdStatusExecuted:
		return domain.QueueWorkerClose, nil, nil

	case isSLTPCancel(status) && isCancelAck(ordStatus):
		return domain.QueueWorkerCancel, nil, nil

	default:
		return "", nil, domain.ErrUnmappedRoutingState
	}
}

func isPendingLike(s domain.OrderStatus) bool {
	return s == domain.StatusPending || s == domain.StatusPendingQueued || s == domain.StatusModify
}

func isSLTP(s domain.OrderStatus) bool {
	return s == domain.StatusStopLoss || s == domain.StatusTakeProfit
}

func isSLTPCancel(s domain.OrderStatus) bool {
	return s == domain.StatusStopLossCancel || s == domain.StatusTakeProfitCancel
}

func isCancelAck(ordStatus string) bool {
	switch ordStatus {
	case providerframe.OrdStatusCancelled, providerframe.OrdStatusCanceled, providerframe.OrdStatusPending, providerframe.OrdStatusModify:
		return true
	}
	return false
}

// compose enriches the routed payload with the user/order context the
// target worker needs (spec.md §4.10): user_id, user_type, group,
// leverage, contract_size, profit_currency, spread, spread_pip,
// order_type, order_price, order_quantity, plus the provider's own
// fields (avgpx, cumqty, ord_status). lifecycle_id carries the original,
// pre-resolution id (e.g. a cancel/SLC/TPC prefix) so the cancel and
// reject workers can classify the request by prefix per spec.md §4.11.
func (d *Dispatcher) compose(ctx context.Context, o domain.Order, report confirmationMessage, lifecycleID string, extra map[string]any) ([]byte, error) {
	cfg, _, err := d.Lookup.GetUserConfig(ctx, o.UserType, o.UserID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"order_id":        o.OrderID,
		"lifecycle_id":    lifecycleID,
		"user_id":         o.UserID,
		"user_type":       string(o.UserType),
		"group":           o.Group,
		"leverage":        cfg.Leverage,
		"contract_size":   o.ContractSize,
		"profit_currency": o.ProfitCurrency,
		"spread":          o.SpreadPoints,
		"spread_pip":      o.SpreadPip,
		"order_type":      string(o.PendingType),
		"order_price":     o.OrderPrice,
		"order_quantity":  o.OrderQuantity,
		"symbol":          o.Symbol,
		"side":            string(o.Side),
		"avgpx":           report.AvgPx,
		"cumqty":          report.CumQty,
		"ord_status":      report.OrdStatus,
		"ts":              report.TsMs,
		"idempotency":     report.Idempotency,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return json.Marshal(payload)
}
