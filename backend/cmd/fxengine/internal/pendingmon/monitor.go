// Package pendingmon implements the Pending Monitor (H): a sorted-set
// index of pending order trigger prices per (symbol, pending type) and a
// scan loop that promotes a pending order to the OPEN worker once its
// trigger price is crossed. Same grounding as internal/trigger
// (internal/risk/stoploss.go's trigger-price shapes re-pointed onto
// pkg/redisx's sorted sets).
package pendingmon

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
	scanTick     = 150 * time.Millisecond
	rangeBatch   = 100
	orderLockTTL = 5 * time.Second
)

// GroupConfigs resolves the pricing config backing the half-spread used
// in the re-validation execution price.
type GroupConfigs interface {
	GetGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error)
}

// MarginValidator re-checks free margin at the pending's execution price
// before promotion (spec.md §4.8 step 2); implemented by
// internal/marginguard.Guard.
type MarginValidator interface {
	HasSufficientFreeMargin(ctx context.Context, userType domain.UserType, userID string, po domain.PendingOrder, execPrice float64, group domain.GroupConfig) (bool, error)
}

// OpenDispatcher hands a triggered pending order to the OPEN worker as if
// it had just been executed (spec.md §4.8 step 3).
type OpenDispatcher interface {
	DispatchTriggeredPending(ctx context.Context, po domain.PendingOrder, execPrice float64) error
}

// RejectionPublisher records a rejection and drops the pending from monitoring.
type RejectionPublisher interface {
	PublishRejection(ctx context.Context, rec domain.RejectionRecord) error
}

// Index owns the pending_index sorted sets and pending_active_symbols set.
type Index struct {
	redis *redisx.Client
}

func NewIndex(redis *redisx.Client) *Index { return &Index{redis: redis} }

// Register scores a pending order by its trigger price, per spec.md
// §4.8 (all four variants are compared against the same scan axis).
func (ix *Index) Register(ctx context.Context, po domain.PendingOrder) error {
	if err := ix.redis.SAdd(ctx, domain.KeyPendingActiveSymbols, po.Symbol); err != nil {
		return err
	}
	return ix.redis.ZAdd(ctx, domain.KeyPendingIndex(po.Symbol, po.OrderType), po.TriggerPrice, po.OrderID)
}

// Unregister removes a pending order from its type's index, called on
// cancel, modify, or promotion.
func (ix *Index) Unregister(ctx context.Context, symbol string, t domain.PendingType, orderID string) error {
	return ix.redis.ZRem(ctx, domain.KeyPendingIndex(symbol, t), orderID)
}

// Monitor runs the scan loop.
type Monitor struct {
	redis   *redisx.Client
	quotes  *quote.Store
	groups  GroupConfigs
	margin  MarginValidator
	open    OpenDispatcher
	rejects RejectionPublisher
	orders  PendingOrderLookup
}

// PendingOrderLookup resolves the full pending-order record for a
// scanned order id (the sorted set only carries ids + scores).
type PendingOrderLookup interface {
	GetPendingOrder(ctx context.Context, orderID string) (domain.PendingOrder, bool, error)
}

func NewMonitor(redis *redisx.Client, quotes *quote.Store, groups GroupConfigs, margin MarginValidator, open OpenDispatcher, rejects RejectionPublisher, orders PendingOrderLookup) *Monitor {
	return &Monitor{redis: redis, quotes: quotes, groups: groups, margin: margin, open: open, rejects: rejects, orders: orders}
}

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
	symbols, err := m.redis.SMembers(ctx, domain.KeyPendingActiveSymbols)
	if err != nil {
		log.Printf("pendingmon: active symbols scan failed: %v", err)
		return
	}
	nowMs := domain.TimeNowMs()
	for _, sym := range symbols {
		rec, ok := m.quotes.Get(sym, nowMs)
		if !ok {
			continue
		}
		for _, t := range pendingTypes {
			m.scanType(ctx, sym, t, rec.Ask)
		}
	}
}

var pendingTypes = []domain.PendingType{
	domain.PendingBuyStop, domain.PendingSellLimit,
	domain.PendingBuyLimit, domain.PendingSellStop,
}

// fireDirection returns the ZRangeByScore bounds whose result is exactly
// the fireable set for t at the given ask, per spec.md §4.8's table:
// BUY_STOP/SELL_LIMIT fire when ask ≥ trigger_price (range (-inf, ask]);
// BUY_LIMIT/SELL_STOP fire when ask ≤ trigger_price (range [ask, +inf)).
func fireDirection(t domain.PendingType, ask float64) (min, max string) {
	switch t {
	case domain.PendingBuyStop, domain.PendingSellLimit:
		return "-inf", fscore(ask)
	default: // PendingBuyLimit, PendingSellStop
		return fscore(ask), "+inf"
	}
}

func (m *Monitor) scanType(ctx context.Context, symbol string, t domain.PendingType, ask float64) {
	min, max := fireDirection(t, ask)
	ids, err := m.redis.ZRangeByScore(ctx, domain.KeyPendingIndex(symbol, t), min, max, rangeBatch)
	if err != nil {
		log.Printf("pendingmon: range query failed for %s/%s: %v", symbol, t, err)
		return
	}
	for _, id := range ids {
		m.tryFire(ctx, id, ask)
	}
}

func (m *Monitor) tryFire(ctx context.Context, orderID string, ask float64) {
	lock := redisx.NewLock(m.redis, domain.KeyPendingLock(orderID), orderLockTTL)
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		log.Printf("pendingmon: lock check failed for %s: %v", orderID, err)
		return
	}
	if !acquired {
		return
	}

	po, ok, err := m.orders.GetPendingOrder(ctx, orderID)
	if err != nil || !ok {
		return
	}

	group, ok, err := m.groups.GetGroupConfig(ctx, po.Group, po.Symbol)
	if err != nil || !ok {
		m.reject(ctx, po, "missing_group_data")
		return
	}

	execPrice := ask + group.HalfSpread()

	sufficient, err := m.margin.HasSufficientFreeMargin(ctx, po.UserType, po.UserID, po, execPrice, group)
	if err != nil {
		log.Printf("pendingmon: margin re-check failed for %s: %v", orderID, err)
		return
	}
	if !sufficient {
		m.reject(ctx, po, "insufficient_free_margin")
		if err := m.unregisterAfterTerminal(ctx, po); err != nil {
			log.Printf("pendingmon: unregister after rejection failed for %s: %v", orderID, err)
		}
		return
	}

	if err := m.open.DispatchTriggeredPending(ctx, po, execPrice); err != nil {
		log.Printf("pendingmon: open dispatch failed for %s: %v", orderID, err)
		return
	}
	if err := m.unregisterAfterTerminal(ctx, po); err != nil {
		log.Printf("pendingmon: unregister after promotion failed for %s: %v", orderID, err)
	}
}

func (m *Monitor) reject(ctx context.Context, po domain.PendingOrder, reason string) {
	rec := domain.RejectionRecord{
		OrderID: po.OrderID, Category: "PENDING_PLACEMENT", Reason: reason, TsMs: domain.TimeNowMs(),
	}
	if err := m.rejects.PublishRejection(ctx, rec); err != nil {
		log.Printf("pendingmon: rejection publish failed for %s: %v", po.OrderID, err)
	}
}

func (m *Monitor) unregisterAfterTerminal(ctx context.Context, po domain.PendingOrder) error {
	return NewIndex(m.redis).Unregister(ctx, po.Symbol, po.OrderType, po.OrderID)
}

func fscore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
