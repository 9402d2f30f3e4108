package trigger

import (
	"context"
	"log"
	"strconv"
	"time"

	"fxengine/internal/domain"
	"fxengine/internal/quote"
	"fxengine/pkg/redisx"
)

const (
	scanTick      = 150 * time.Millisecond
	rangeBatch    = 100
	processingTTL = 15 * time.Second
)

// Closer is the order engine's close entry point (§4.4), kept as a
// narrow interface here so the trigger monitor never imports internal/order.
type Closer interface {
	CloseOrder(ctx context.Context, orderID, closeReason, lifecycleID string) error
}

// reason values a candidate resolves to before dispatch.
const (
	reasonStoploss   = domain.CloseReasonStoploss
	reasonTakeprofit = domain.CloseReasonTakeprofit
)

// Monitor runs the scan loop against the sorted-set index.
type Monitor struct {
	redis  *redisx.Client
	quotes *quote.Store
	closer Closer
}

func NewMonitor(redis *redisx.Client, quotes *quote.Store, closer Closer) *Monitor {
	return &Monitor{redis: redis, quotes: quotes, closer: closer}
}

// Run scans trigger_active_symbols on scanTick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(scanTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanAll(ctx)
		}
	}
}

func (m *Monitor) scanAll(ctx context.Context) {
	symbols, err := m.redis.SMembers(ctx, domain.KeyTriggerActiveSymbols)
	if err != nil {
		log.Printf("trigger: active symbols scan failed: %v", err)
		return
	}
	nowMs := domain.TimeNowMs()
	for _, sym := range symbols {
		rec, ok := m.quotes.Get(sym, nowMs)
		if !ok {
			continue
		}
		m.scanSymbol(ctx, sym, rec)
	}
}

// scanSymbol implements spec.md §4.7's per-symbol body: two range queries
// per side, stoploss preferred over takeprofit on conflict, single-fire
// via a close_processing sentinel.
//
// The fire conditions in spec.md's table read as inequalities against
// the score ("bid ≤ score", "ask ≥ score", ...); each is translated here
// into the ZRangeByScore bounds whose result set is
// exactly the fireable set for that inequality, per Open Question
// decision #2 in DESIGN.md:
//
//	BUY  SL fires when bid ≤ score  ⇒ score ≥ bid ⇒ range [bid, +inf)
//	BUY  TP fires when bid ≥ score  ⇒ score ≤ bid ⇒ range (-inf, bid]
//	SELL SL fires when ask ≥ score  ⇒ score ≤ ask ⇒ range (-inf, ask]
//	SELL TP fires when ask ≤ score  ⇒ score ≥ ask ⇒ range [ask, +inf)
func (m *Monitor) scanSymbol(ctx context.Context, symbol string, rec quote.Record) {
	candidates := make(map[string]string) // order_id -> reason

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		slKey := domain.KeySLIndex(symbol, side)
		tpKey := domain.KeyTPIndex(symbol, side)

		var slIDs, tpIDs []string
		var err error
		switch side {
		case domain.SideBuy:
			slIDs, err = m.redis.ZRangeByScore(ctx, slKey, fscore(rec.Bid), "+inf", rangeBatch)
			if err == nil {
				tpIDs, err = m.redis.ZRangeByScore(ctx, tpKey, "-inf", fscore(rec.Bid), rangeBatch)
			}
		case domain.SideSell:
			slIDs, err = m.redis.ZRangeByScore(ctx, slKey, "-inf", fscore(rec.Ask), rangeBatch)
			if err == nil {
				tpIDs, err = m.redis.ZRangeByScore(ctx, tpKey, fscore(rec.Ask), "+inf", rangeBatch)
			}
		}
		if err != nil {
			log.Printf("trigger: range query failed for %s/%s: %v", symbol, side, err)
			continue
		}
		mergeCandidates(candidates, slIDs, tpIDs)
	}

	for orderID, reason := range candidates {
		m.fire(ctx, orderID, reason)
	}
}

func (m *Monitor) fire(ctx context.Context, orderID, reason string) {
	lock := redisx.NewLock(m.redis, domain.KeyCloseProcessing(orderID), processingTTL)
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		log.Printf("trigger: processing sentinel check failed for %s: %v", orderID, err)
		return
	}
	if !acquired {
		return
	}

	lifecycleID := "trigger_stoploss_" + orderID
	if reason == reasonTakeprofit {
		lifecycleID = "trigger_takeprofit_" + orderID
	}
	if err := m.closer.CloseOrder(ctx, orderID, reason, lifecycleID); err != nil {
		log.Printf("trigger: close dispatch failed for %s (%s): %v", orderID, reason, err)
	}
}

func fscore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// mergeCandidates unions a side's fireable stop-loss and take-profit ids
// into the shared candidate map, with stoploss preferred on conflict
// (spec.md §4.7: "preferring stoploss on conflict").
func mergeCandidates(into map[string]string, slIDs, tpIDs []string) {
	for _, id := range tpIDs {
		into[id] = reasonTakeprofit
	}
	for _, id := range slIDs {
		into[id] = reasonStoploss
	}
}
