package order

import (
	"context"
	"time"

	"fxengine/internal/domain"
	"fxengine/internal/margin"
	"fxengine/pkg/redisx"
)

const (
	cancelAckDeadline = 5 * time.Second
	closeAckDeadline  = 8 * time.Second
	closeLockTTL      = 15 * time.Second
)

// ProviderCloser is the provider-flow collaborator close_order (spec.md
// §4.4) sends cancel/close requests through and waits for acks on;
// backed by internal/provider's persistent connection.
type ProviderCloser interface {
	SendCancel(ctx context.Context, orderID, cancelID, targetLifecycleID string) error
	SendClose(ctx context.Context, orderID, closeID string) error
	WaitAck(ctx context.Context, lifecycleID string, deadline time.Duration) (status string, err error)
}

// TriggerUnregister removes a closed order's SL/TP entries from the
// trigger index; kept narrow so internal/order never imports
// internal/trigger (which itself depends back on order.Closer).
type TriggerUnregister interface {
	Unregister(ctx context.Context, symbol string, side domain.Side, orderID string) error
}

func validCloseReason(reason string) bool {
	switch reason {
	case domain.CloseReasonClosed, domain.CloseReasonStoploss, domain.CloseReasonTakeprofit, domain.CloseReasonAutocutoff:
		return true
	}
	return false
}

// CloseOrder satisfies trigger.Closer. The Trigger Monitor has already
// acquired close_processing:{order_id} before calling this, so it must
// not be re-acquired here.
func (e *Engine) CloseOrder(ctx context.Context, orderID, closeReason, lifecycleID string) error {
	_, err := e.closeOrder(ctx, orderID, closeReason, lifecycleID)
	return err
}

// Close is the direct/API entry point for close_order (spec.md §4.4);
// unlike CloseOrder it owns the close_processing lock since no monitor
// is holding it on its behalf.
func (e *Engine) Close(ctx context.Context, req CloseRequest) (CloseResult, error) {
	lifecycleID := "close_" + e.NewOrderID()
	if e.Redis == nil {
		return e.closeOrder(ctx, req.OrderID, req.CloseReason, lifecycleID)
	}
	lock := redisx.NewLock(e.Redis, domain.KeyCloseProcessing(req.OrderID), closeLockTTL)
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		return CloseResult{}, err
	}
	if !acquired {
		return CloseResult{}, domain.ErrCloseInProgress
	}
	defer lock.Release(ctx)
	return e.closeOrder(ctx, req.OrderID, req.CloseReason, lifecycleID)
}

func (e *Engine) closeOrder(ctx context.Context, orderID, closeReason, lifecycleID string) (CloseResult, error) {
	if !validCloseReason(closeReason) {
		return CloseResult{}, domain.ErrInvalidCloseStatus
	}
	o, ok, err := e.Repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return CloseResult{}, err
	}
	if !ok {
		return CloseResult{}, domain.ErrMissingOrderData
	}
	if o.Status != domain.StatusOpen {
		return CloseResult{}, domain.ErrInvalidCloseStatus
	}

	cfg, ok, err := e.Repo.GetUserConfig(ctx, o.UserType, o.UserID)
	if err != nil {
		return CloseResult{}, err
	}
	if !ok {
		return CloseResult{}, domain.ErrUserNotFound
	}

	if RouteFlow(o.UserType, cfg.SendingOrders) == FlowProvider {
		return e.closeProvider(ctx, o, closeReason, lifecycleID)
	}
	return e.closeLocal(ctx, o, closeReason)
}

// closeLocal implements spec.md §4.4's local path.
func (e *Engine) closeLocal(ctx context.Context, o domain.Order, closeReason string) (CloseResult, error) {
	nowMs := domain.TimeNowMs()
	rec, fresh := e.Quotes.Get(o.Symbol, nowMs)
	if !fresh {
		return CloseResult{}, domain.ErrPricingFailed
	}
	// Close on the opposite market side of open (BUY opened on ask,
	// closes on bid; SELL opened on bid, closes on ask), half-spread
	// applied in the opposite direction of the entry fill.
	raw := rec.Ask
	if o.Side == domain.SideBuy {
		raw = rec.Bid
	}
	closePrice := raw - o.HalfSpread
	if o.Side == domain.SideSell {
		closePrice = raw + o.HalfSpread
	}

	netProfit, profitUSD, commissionExit, totalCommission, err := e.settle(o, closePrice)
	if err != nil {
		return CloseResult{}, err
	}

	if err := e.finish(ctx, o, closeReason, closePrice, netProfit, profitUSD, commissionExit, totalCommission); err != nil {
		return CloseResult{}, err
	}
	return CloseResult{OrderID: o.OrderID, NetProfit: netProfit, ClosePrice: closePrice}, nil
}

// FinalizeClose implements finalize_close (spec.md §4.4), invoked by the
// provider close worker once the provider reports EXECUTED with an
// average fill price; same PnL math as the local path but using the
// provider's avgpx instead of a fresh local quote.
func (e *Engine) FinalizeClose(ctx context.Context, orderID, closeReason string, avgpx, swap float64) (CloseResult, error) {
	o, ok, err := e.Repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return CloseResult{}, err
	}
	if !ok {
		return CloseResult{}, domain.ErrMissingOrderData
	}
	o.Swap = swap

	netProfit, profitUSD, commissionExit, totalCommission, err := e.settle(o, avgpx)
	if err != nil {
		return CloseResult{}, err
	}
	if err := e.finish(ctx, o, closeReason, avgpx, netProfit, profitUSD, commissionExit, totalCommission); err != nil {
		return CloseResult{}, err
	}
	return CloseResult{OrderID: o.OrderID, NetProfit: netProfit, ClosePrice: avgpx}, nil
}

func (e *Engine) settle(o domain.Order, closePrice float64) (netProfit, profitUSD, commissionExit, totalCommission float64, err error) {
	commissionExit = computeCommission(commissionConfigFromOrder(o), o.OrderQuantity, closePrice, "exit")
	totalCommission = o.CommissionEntry + commissionExit

	var pnlNative float64
	if o.Side == domain.SideBuy {
		pnlNative = (closePrice - o.OrderPrice) * o.OrderQuantity * o.ContractSize
	} else {
		pnlNative = (o.OrderPrice - closePrice) * o.OrderQuantity * o.ContractSize
	}

	usd, ok, cErr := margin.ConvertToUSD(pnlNative, o.ProfitCurrency, e.Quotes, domain.TimeNowMs(), e.Strict)
	if cErr != nil {
		return 0, 0, 0, 0, cErr
	}
	if !ok && e.Strict {
		return 0, 0, 0, 0, domain.ErrNoConversion
	}
	profitUSD = usd
	netProfit = profitUSD - totalCommission + o.Swap
	return netProfit, profitUSD, commissionExit, totalCommission, nil
}

// finish removes the order, recomputes the user's margins, drops the
// SL/TP trigger-index entries, and publishes ORDER_CLOSE_CONFIRMED.
func (e *Engine) finish(ctx context.Context, o domain.Order, closeReason string, closePrice, netProfit, profitUSD, commissionExit, totalCommission float64) error {
	if err := e.Repo.RemoveOrder(ctx, o); err != nil {
		return err
	}

	remaining, err := e.Repo.ListUserOrders(ctx, o.UserType, o.UserID)
	if err == nil {
		stillHolds := false
		for _, r := range remaining {
			if r.Symbol == o.Symbol {
				stillHolds = true
				break
			}
		}
		if !stillHolds {
			_ = e.Repo.RemoveSymbolHolder(ctx, o.Symbol, o.UserType, o.UserID)
		}
	}

	marginDelta := -o.Margin
	if err := e.Repo.AdjustPortfolioMargins(ctx, o.UserType, o.UserID, marginDelta, marginDelta); err != nil {
		return err
	}

	if e.Triggers != nil && (o.StopLoss != nil || o.TakeProfit != nil) {
		_ = e.Triggers.Unregister(ctx, o.Symbol, o.Side, o.OrderID)
	}

	if e.DB != nil {
		fields := map[string]any{
			"order_status":    string(domain.StatusClosed),
			"close_price":     closePrice,
			"net_profit":      netProfit,
			"profit_usd":      profitUSD,
			"commission_exit": commissionExit,
			"commission":      totalCommission,
			"swap":            o.Swap,
			"close_message":   closeReason,
			"symbol":          o.Symbol,
		}
		_ = e.DB.PublishOrderDBUpdate(ctx, "ORDER_CLOSE_CONFIRMED", o.OrderID, fields)
	}
	return nil
}

// closeProvider implements spec.md §4.4's provider path.
func (e *Engine) closeProvider(ctx context.Context, o domain.Order, closeReason, closeID string) (CloseResult, error) {
	if e.Provider == nil {
		return CloseResult{}, domain.ErrProviderUnreachable
	}

	hadCancels := false
	for _, triggerID := range []string{o.StoplossID, o.TakeprofitID} {
		if triggerID == "" {
			continue
		}
		hadCancels = true
		cancelID := e.NewOrderID()
		if err := e.Provider.SendCancel(ctx, o.OrderID, cancelID, triggerID); err != nil {
			return CloseResult{}, domain.ErrProviderSendFailed
		}
		status, err := e.Provider.WaitAck(ctx, cancelID, cancelAckDeadline)
		if err != nil {
			return CloseResult{}, domain.ErrCancelAckTimeout
		}
		if status == "REJECTED" {
			return CloseResult{}, domain.ErrProviderSendFailed
		}
	}

	if err := e.Repo.SetGlobalLookup(ctx, closeID, o.OrderID); err != nil {
		return CloseResult{}, err
	}
	if err := e.Provider.SendClose(ctx, o.OrderID, closeID); err != nil {
		return CloseResult{}, domain.ErrProviderSendFailed
	}
	// Pre-emptively mark CLOSED so the dispatcher routes the eventual
	// provider ack to the close/finalize path instead of treating a
	// stray message against this order_id as unmapped.
	_ = e.Repo.SetOrderField(ctx, o.OrderID, "status", string(domain.StatusClosed))

	if !hadCancels {
		return CloseResult{OrderID: o.OrderID, Async: true}, nil
	}

	status, err := e.Provider.WaitAck(ctx, closeID, closeAckDeadline)
	if err != nil {
		return CloseResult{OrderID: o.OrderID, Async: true}, domain.ErrCloseAckTimeout
	}
	if status == "REJECTED" {
		return CloseResult{OrderID: o.OrderID}, domain.ErrProviderSendFailed
	}
	return CloseResult{OrderID: o.OrderID, Async: true}, nil
}
