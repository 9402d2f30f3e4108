package autocutoff

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"fxengine/internal/domain"
	"fxengine/internal/margin"
)

func defaultNewID() string { return uuid.NewString() }

const liquidationSettleDelay = 300 * time.Millisecond

type lossCandidate struct {
	order  domain.Order
	lossUSD float64
}

// liquidate runs the Liquidation Engine for one user: close the
// largest-loss open positions one at a time until margin_level
// recovers to >= 100, per spec.md §4.12.
func (w *Watcher) liquidate(ctx context.Context, userType domain.UserType, userID string, marginLevel float64) error {
	candidates, err := w.lossSortedOrders(ctx, userType, userID)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		if marginLevel >= 100 {
			break
		}

		closeID := "CLS" + w.nextID()
		if err := w.closer.CloseOrder(ctx, c.order.OrderID, domain.CloseReasonAutocutoff, closeID); err != nil {
			continue
		}
		time.Sleep(liquidationSettleDelay)

		if p, found, err := w.repo.GetPortfolio(ctx, userType, userID); err == nil && found {
			marginLevel = p.MarginLevel
		}
	}

	if userType == domain.UserStrategyProv && w.followers != nil {
		followers, err := w.followers.ActiveFollowers(ctx, userID)
		if err == nil && len(followers) > 0 {
			w.auditSink(userID, followers)
			for _, followerID := range followers {
				followerPortfolio, found, err := w.repo.GetPortfolio(ctx, domain.UserCopyFollower, followerID)
				if err != nil || !found {
					continue
				}
				if err := w.liquidate(ctx, domain.UserCopyFollower, followerID, followerPortfolio.MarginLevel); err != nil {
					continue
				}
			}
		}
	}

	return nil
}

// lossSortedOrders computes each open order's USD loss at current
// market and returns them sorted descending (spec.md §4.12's "sort by
// loss descending").
func (w *Watcher) lossSortedOrders(ctx context.Context, userType domain.UserType, userID string) ([]lossCandidate, error) {
	orders, err := w.repo.ListUserOrders(ctx, userType, userID)
	if err != nil {
		return nil, err
	}

	nowMs := domain.TimeNowMs()
	out := make([]lossCandidate, 0, len(orders))
	for _, o := range orders {
		if o.Status != domain.StatusOpen {
			continue
		}
		rec, ok := w.quotes.Get(o.Symbol, nowMs)
		if !ok {
			continue
		}

		var lossNative float64
		switch o.Side {
		case domain.SideBuy:
			lossNative = (o.OrderPrice - rec.Bid) * o.OrderQuantity * o.ContractSize
		case domain.SideSell:
			lossNative = (rec.Ask - o.OrderPrice) * o.OrderQuantity * o.ContractSize
		}
		if lossNative <= 0 {
			continue
		}

		lossUSD, ok, err := margin.ConvertToUSD(lossNative, o.ProfitCurrency, w.quotes, nowMs, w.strict)
		if err != nil || !ok {
			continue
		}
		out = append(out, lossCandidate{order: o, lossUSD: lossUSD})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].lossUSD > out[j].lossUSD })
	return out, nil
}
