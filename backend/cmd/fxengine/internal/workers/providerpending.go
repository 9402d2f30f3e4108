package workers

import (
	"context"
	"log"
	"time"

	"fxengine/internal/domain"
)

const (
	providerPendingTick     = 500 * time.Millisecond
	providerPendingCancelTTL = 30 * time.Second
)

// registerProviderPending adds a confirmed pending order to the
// Provider-Pending margin monitor's scan set (spec.md §4.11).
func (w *Worker) registerProviderPending(ctx context.Context, orderID string) error {
	if w.Redis == nil {
		return nil
	}
	return w.Redis.SAdd(ctx, domain.KeyProviderPendingActive, orderID)
}

// unregisterProviderPending drops an order from the scan set once it is
// promoted, cancelled, or rejected, clearing any cancel-sent sentinel.
func (w *Worker) unregisterProviderPending(ctx context.Context, orderID string) error {
	if w.Redis == nil {
		return nil
	}
	if err := w.Redis.SRem(ctx, domain.KeyProviderPendingActive, orderID); err != nil {
		return err
	}
	return w.Redis.Del(ctx, domain.KeyProviderPendingCancelSent(orderID))
}

// RunProviderPendingMonitor implements spec.md §4.11's Provider-Pending
// margin monitor: every tick, recompute a margin preview at (ask +
// half_spread) for each registered pending order and, if the user can no
// longer afford it, send the provider a cancel. Grounded on
// internal/pendingmon.Monitor's ticker-driven scan loop, narrowed from a
// trigger-price scan down to a margin-sufficiency scan over a flat set
// instead of a per-symbol sorted set, since margin depends on the whole
// user's portfolio, not just this order's trigger price.
func (w *Worker) RunProviderPendingMonitor(ctx context.Context) {
	ticker := time.NewTicker(providerPendingTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanProviderPending(ctx)
		}
	}
}

func (w *Worker) scanProviderPending(ctx context.Context) {
	ids, err := w.Redis.SMembers(ctx, domain.KeyProviderPendingActive)
	if err != nil {
		log.Printf("workers: provider-pending scan: list active: %v", err)
		return
	}
	for _, orderID := range ids {
		if err := w.checkProviderPendingMargin(ctx, orderID); err != nil {
			log.Printf("workers: provider-pending scan: %s: %v", orderID, err)
		}
	}
}

func (w *Worker) checkProviderPendingMargin(ctx context.Context, orderID string) error {
	po, ok, err := w.Repo.GetPendingOrder(ctx, orderID)
	if err != nil || !ok {
		return err
	}
	o, ok, err := w.Repo.GetOrderByID(ctx, orderID)
	if err != nil || !ok {
		return err
	}
	group, _, err := w.Repo.GetGroupConfig(ctx, po.Group, po.Symbol)
	if err != nil {
		return err
	}
	rec, ok := w.Quotes.Get(po.Symbol, domain.TimeNowMs())
	if !ok || rec.Ask <= 0 {
		return nil
	}
	previewPrice := rec.Ask + o.HalfSpread

	if w.MarginCheck == nil {
		return nil
	}
	sufficient, err := w.MarginCheck.HasSufficientFreeMargin(ctx, po.UserType, po.UserID, po, previewPrice, group)
	if err != nil {
		return err
	}
	if sufficient {
		return nil
	}

	sent, err := w.Redis.SetNX(ctx, domain.KeyProviderPendingCancelSent(orderID), "1", providerPendingCancelTTL)
	if err != nil || !sent {
		return err
	}
	if w.Provider == nil || w.NewID == nil {
		return nil
	}
	cancelID := "PC" + w.NewID()
	return w.Provider.SendCancel(ctx, orderID, cancelID, orderID)
}
