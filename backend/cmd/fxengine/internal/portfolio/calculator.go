// Package portfolio implements the Portfolio Calculator (D): drains
// the dirty-user set on a 200ms tick and recomputes each user's
// equity/margin/margin-level snapshot. Grounded on the teacher's
// internal/balance package (manager.go's sync-on-tick Manager,
// multi_user.go's per-user fan-out over a map) generalized from a
// single exchange-synced balance into the equity/margin/degraded-field
// computation spec.md §4.6 describes, and on original_source's
// user_margin_service.py for the skip-not-fail per-order validity
// classification.
package portfolio

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"fxengine/internal/domain"
	"fxengine/internal/events"
	"fxengine/internal/margin"
	"fxengine/internal/quote"
)

const (
	drainTick      = 200 * time.Millisecond
	maxConcurrency = 50
)

type userKey struct {
	UserType domain.UserType
	UserID   string
}

// Repo is the read/write surface the calculator needs; internal/repo.Store
// satisfies it, and tests can supply a fake without touching Redis.
type Repo interface {
	GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error)
	GetGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error)
	ListUserOrders(ctx context.Context, userType domain.UserType, userID string) ([]domain.Order, error)
	SymbolHolders(ctx context.Context, symbol string, userType domain.UserType) ([]string, error)
	GetPortfolio(ctx context.Context, userType domain.UserType, userID string) (domain.UserPortfolio, bool, error)
	PutPortfolio(ctx context.Context, p domain.UserPortfolio) error
}

// Calculator owns the dirty-user set and the periodic drain loop.
type Calculator struct {
	repo   Repo
	quotes margin.QuoteLookup
	bus    *events.Bus
	strict bool

	mu    sync.Mutex
	dirty map[userKey]struct{}

	sem *semaphore.Weighted
}

func New(store Repo, quotes *quote.Store, bus *events.Bus, strict bool) *Calculator {
	return &Calculator{
		repo:   store,
		quotes: quotes,
		bus:    bus,
		strict: strict,
		dirty:  make(map[userKey]struct{}),
		sem:    semaphore.NewWeighted(maxConcurrency),
	}
}

// MarkDirty unions a set of user keys into the pending drain set; it's
// what the market-listener subscription below calls for every symbol's
// holder set, and what order/close flows call directly for their own
// user after a margin-affecting transition.
func (c *Calculator) MarkDirty(keys ...userKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.dirty[k] = struct{}{}
	}
}

// Run subscribes to EventDirtySymbols and drains the dirty set on
// drainTick until ctx is cancelled.
func (c *Calculator) Run(ctx context.Context) {
	sub, unsub := c.bus.Subscribe(events.EventDirtySymbols, 256)
	defer unsub()

	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			dp, ok := payload.(events.DirtySymbolsPayload)
			if !ok {
				continue
			}
			c.onDirtySymbols(ctx, dp.Symbols)
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

// onDirtySymbols unions each symbol's holders (across both user types)
// into the dirty set (spec.md §4.6 step 1-2).
func (c *Calculator) onDirtySymbols(ctx context.Context, symbols []string) {
	for _, sym := range symbols {
		for _, ut := range domain.AllUserTypes {
			holders, err := c.repo.SymbolHolders(ctx, sym, ut)
			if err != nil {
				log.Printf("portfolio: symbol holders lookup failed for %s/%s: %v", sym, ut, err)
				continue
			}
			keys := make([]userKey, 0, len(holders))
			for _, uid := range holders {
				keys = append(keys, userKey{UserType: ut, UserID: uid})
			}
			c.MarkDirty(keys...)
		}
	}
}

func (c *Calculator) drain(ctx context.Context) {
	c.mu.Lock()
	batch := c.dirty
	c.dirty = make(map[userKey]struct{})
	c.mu.Unlock()

	var wg sync.WaitGroup
	for k := range batch {
		k := k
		if !c.sem.TryAcquire(1) {
			// Budget exceeded for this tick; put it back for the next one.
			c.MarkDirty(k)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.sem.Release(1)
			if err := c.recompute(ctx, k); err != nil {
				log.Printf("portfolio: recompute failed for %s/%s: %v", k.UserType, k.UserID, err)
			}
		}()
	}
	wg.Wait()
}

// recompute implements spec.md §4.6's per-user body.
func (c *Calculator) recompute(ctx context.Context, k userKey) error {
	nowMs := domain.TimeNowMs()

	cfg, ok, err := c.repo.GetUserConfig(ctx, k.UserType, k.UserID)
	if err != nil {
		return err
	}
	if !ok || cfg.WalletBalance == 0 {
		return c.writeError(ctx, k, nowMs, "missing_balance")
	}

	orders, err := c.repo.ListUserOrders(ctx, k.UserType, k.UserID)
	if err != nil {
		return err
	}

	groupCache := make(map[string]domain.GroupConfig)
	degraded := make(map[string]struct{})
	var openPnLUSD float64
	hasQueued := false

	validOrders := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		if o.IsQueued() {
			hasQueued = true
		}
		group, ok := c.lookupGroup(ctx, groupCache, cfg.Group, o.Symbol)
		if o.Symbol == "" {
			degraded["missing_symbol"] = struct{}{}
			continue
		}
		rec, freshOK := c.quotes.Get(o.Symbol, nowMs)
		if !freshOK {
			degraded["missing_price"] = struct{}{}
			continue
		}
		if !ok {
			degraded["missing_group"] = struct{}{}
			continue
		}
		if group.ProfitCurrency == "" {
			degraded["missing_profit_currency"] = struct{}{}
			continue
		}

		pnlNative := unrealizedPnLNative(o, rec)
		pnlUSD, convOK, convErr := margin.ConvertToUSD(pnlNative, group.ProfitCurrency, c.quotes, nowMs, c.strict)
		if convErr != nil || !convOK {
			degraded["missing_conversion"] = struct{}{}
			continue
		}
		openPnLUSD += pnlUSD
		validOrders = append(validOrders, o)
	}

	equity := cfg.WalletBalance + openPnLUSD

	cached, hadCache, err := c.repo.GetPortfolio(ctx, k.UserType, k.UserID)
	if err != nil {
		return err
	}

	var usedMarginExecuted, usedMarginAll float64
	needsRecompute := !hadCache || (hasQueued && cached.UsedMarginAll == 0) || (!hasQueued && cached.UsedMarginExecuted == 0)
	if needsRecompute {
		res := margin.UserTotalMargin(validOrders, cfg.Leverage, func(sym string) (domain.GroupConfig, bool) {
			g, ok := c.lookupGroup(ctx, groupCache, cfg.Group, sym)
			return g, ok
		}, c.quotes, nowMs, c.strict)
		usedMarginExecuted = res.UsedMarginExecuted
		usedMarginAll = res.UsedMarginAll
	} else {
		usedMarginExecuted = cached.UsedMarginExecuted
		usedMarginAll = cached.UsedMarginAll
	}

	usedMarginChosen := usedMarginExecuted
	if hasQueued {
		usedMarginChosen = usedMarginAll
	}

	freeMargin := equity - usedMarginChosen
	marginLevel := domain.MarginLevelSafeSentinel
	if usedMarginChosen != 0 {
		marginLevel = equity / usedMarginChosen * 100
	}

	status := domain.CalcOK
	fields := make([]string, 0, len(degraded))
	for f := range degraded {
		fields = append(fields, f)
	}
	if len(fields) > 0 {
		status = domain.CalcDegraded
	}

	portfolioOut := domain.UserPortfolio{
		UserID: k.UserID, UserType: k.UserType,
		Balance: cfg.WalletBalance, Equity: equity, OpenPnL: openPnLUSD,
		UsedMarginExecuted: usedMarginExecuted, UsedMarginAll: usedMarginAll,
		FreeMargin: freeMargin, MarginLevel: marginLevel,
		CalcStatus: status, DegradedFields: fields, TsMs: nowMs,
	}
	if err := c.repo.PutPortfolio(ctx, portfolioOut); err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.Publish(events.EventPortfolioUpdate, portfolioOut)
	}
	return nil
}

func (c *Calculator) lookupGroup(ctx context.Context, cache map[string]domain.GroupConfig, group, symbol string) (domain.GroupConfig, bool) {
	cacheKey := group + ":" + symbol
	if g, ok := cache[cacheKey]; ok {
		return g, true
	}
	g, ok, err := c.repo.GetGroupConfig(ctx, group, symbol)
	if err != nil || !ok {
		return domain.GroupConfig{}, false
	}
	cache[cacheKey] = g
	return g, true
}

func (c *Calculator) writeError(ctx context.Context, k userKey, nowMs int64, code string) error {
	p := domain.UserPortfolio{
		UserID: k.UserID, UserType: k.UserType,
		CalcStatus: domain.CalcError, ErrorCodes: []string{code}, TsMs: nowMs,
	}
	if err := c.repo.PutPortfolio(ctx, p); err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.Publish(events.EventPortfolioUpdate, p)
	}
	return nil
}

// unrealizedPnLNative computes an order's open PnL in its profit
// currency against the order's raw (pre-spread) entry quote: BUY gains
// when the bid (exit price) rises above it; SELL gains when the ask
// falls below it.
func unrealizedPnLNative(o domain.Order, rec quote.Record) float64 {
	qty := o.OrderQuantity * o.ContractSize
	if o.Side == domain.SideBuy {
		return (rec.Bid - o.RawPrice) * qty
	}
	return (o.RawPrice - rec.Ask) * qty
}
