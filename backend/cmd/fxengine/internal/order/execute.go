package order

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"fxengine/internal/domain"
	"fxengine/internal/margin"
	"fxengine/internal/userlock"
	"fxengine/pkg/redisx"
)

// GroupDBFallback is the external collaborator spec.md §4.3 step 4 calls
// "a DB lookup" when the cached group config is incomplete; backed by
// pkg/db against the group-configuration database.
type GroupDBFallback interface {
	FetchGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error)
}

// Engine is the Order Execution Engine and Closer (F).
type Engine struct {
	Repo    Repo
	Quotes  Quotes
	GroupDB GroupDBFallback
	Locks   *userlock.Striped
	Strict  bool

	// Redis backs the close_processing lock Close (the direct/API entry
	// point) acquires; nil is fine for CloseOrder (trigger-initiated
	// closes, where the caller already holds the lock) and for tests.
	Redis *redisx.Client
	// DB publishes ORDER_CLOSE_CONFIRMED; nil drops the publish (tests).
	DB DBUpdatePublisher
	// Provider sends cancel/close requests on the provider flow; nil
	// makes closeProvider fail fast with ErrProviderUnreachable.
	Provider ProviderCloser
	// Triggers drops SL/TP index entries on close; nil skips cleanup.
	Triggers TriggerUnregister

	// NewOrderID is overridable in tests; production mints a uuid.
	NewOrderID func() string
}

func NewEngine(repo Repo, quotes Quotes, groupDB GroupDBFallback, strict bool) *Engine {
	return &Engine{
		Repo: repo, Quotes: quotes, GroupDB: groupDB, Locks: userlock.New(), Strict: strict,
		NewOrderID: func() string { return uuid.NewString() },
	}
}

// ExecuteInstantOrder implements spec.md §4.3's numbered algorithm.
func (e *Engine) ExecuteInstantOrder(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	// 1. Validate shape and numeric ranges.
	if req.Symbol == "" || req.UserID == "" || req.UserType == "" || (req.Side != domain.SideBuy && req.Side != domain.SideSell) {
		return ExecuteResult{}, domain.ErrMissingFields
	}
	if req.OrderQuantity <= 0 || req.OrderPrice < 0 {
		return ExecuteResult{}, domain.ErrInvalidNumericFields
	}

	// 2. Load user config; require verified + positive leverage.
	cfg, ok, err := e.Repo.GetUserConfig(ctx, req.UserType, req.UserID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if !ok {
		return ExecuteResult{}, domain.ErrUserNotFound
	}
	if cfg.Status != "verified" {
		return ExecuteResult{}, domain.ErrUserNotVerified
	}
	if cfg.Leverage <= 0 {
		return ExecuteResult{}, domain.ErrInvalidLeverage
	}

	// 3. Idempotency compare-and-set.
	if req.IdempotencyKey != "" {
		acquired, prior, err := e.Repo.TryBeginIdempotency(ctx, req.UserType, req.UserID, req.IdempotencyKey)
		if err != nil {
			return ExecuteResult{}, err
		}
		if !acquired {
			if prior == "" {
				return ExecuteResult{}, domain.ErrIdempotencyInProgress
			}
			res, replayErr := decodeReplayedResult(prior)
			return res, replayErr
		}
	}

	result, err := e.placeNew(ctx, req, cfg)
	if req.IdempotencyKey != "" {
		_ = e.Repo.FinishIdempotency(ctx, req.UserType, req.UserID, req.IdempotencyKey, encodeResultForReplay(result, err))
	}
	return result, err
}

// placeNew is steps 4-9 of execute_instant_order, factored out of
// ExecuteInstantOrder so idempotency bookkeeping always wraps it exactly
// once regardless of which branch returns.
func (e *Engine) placeNew(ctx context.Context, req ExecuteRequest, cfg domain.UserConfig) (ExecuteResult, error) {
	// 4. Load group config; DB fallback on incomplete data.
	group, ok, err := e.Repo.GetGroupConfig(ctx, cfg.Group, req.Symbol)
	if err != nil {
		return ExecuteResult{}, err
	}
	if !ok || group.ContractSize == 0 || group.ProfitCurrency == "" {
		if e.GroupDB == nil {
			return ExecuteResult{}, domain.ErrMissingGroupData
		}
		dbGroup, found, err := e.GroupDB.FetchGroupConfig(ctx, cfg.Group, req.Symbol)
		if err != nil || !found {
			return ExecuteResult{}, domain.ErrMissingGroupData
		}
		group = mergeGroupConfig(group, dbGroup)
	}

	flow := RouteFlow(req.UserType, cfg.SendingOrders)

	// 5. Determine exec_price. rawPrice is the market quote before the
	// half-spread is applied; execPrice (stored as the order's entry
	// order_price, spec.md §3's "order_price (entry)") is the
	// spread-adjusted price the user is actually filled at.
	nowMs := domain.TimeNowMs()
	var execPrice, rawPrice, halfSpread float64
	switch flow {
	case FlowLocal:
		rec, fresh := e.Quotes.Get(req.Symbol, nowMs)
		if !fresh {
			return ExecuteResult{}, domain.ErrPricingFailed
		}
		rawPrice = rec.Bid
		if req.Side == domain.SideBuy {
			rawPrice = rec.Ask
		}
		halfSpread = group.HalfSpread()
		if req.Side == domain.SideBuy {
			execPrice = rawPrice + halfSpread
		} else {
			execPrice = rawPrice - halfSpread
		}
	case FlowProvider:
		execPrice = req.OrderPrice
		rawPrice = req.OrderPrice
		halfSpread = group.HalfSpread()
	}

	// 6. Single-order margin in USD.
	marginUSD, err := margin.SingleOrderMarginUSD(
		group.ContractSize, req.OrderQuantity, execPrice,
		group.ProfitCurrency, req.Symbol, cfg.Leverage, group.Type,
		group.CryptoMarginFactor, e.Quotes, nowMs, e.Strict,
	)
	if err != nil {
		return ExecuteResult{}, domain.ErrMarginCalculationFailed
	}

	// 7. Free-margin pre-check (outside the lock; re-checked under it).
	existing, err := e.Repo.ListUserOrders(ctx, req.UserType, req.UserID)
	if err != nil {
		return ExecuteResult{}, err
	}
	groupLookup := func(symbol string) (domain.GroupConfig, bool) {
		if symbol == req.Symbol {
			return group, true
		}
		g, ok, _ := e.Repo.GetGroupConfig(ctx, cfg.Group, symbol)
		return g, ok
	}
	totals := margin.UserTotalMargin(existing, cfg.Leverage, groupLookup, e.Quotes, nowMs, e.Strict)
	if totals.Fatal {
		return ExecuteResult{}, domain.ErrOverallMarginFailed
	}
	freeMargin := cfg.WalletBalance - totals.UsedMarginAll
	if freeMargin < marginUSD {
		return ExecuteResult{}, domain.ErrInsufficientMargin
	}

	// 8. Per-user mutex; recompute + atomic placement under it.
	unlock := e.Locks.Lock(req.UserType, req.UserID)
	defer unlock()

	existing, err = e.Repo.ListUserOrders(ctx, req.UserType, req.UserID)
	if err != nil {
		return ExecuteResult{}, err
	}
	totals = margin.UserTotalMargin(existing, cfg.Leverage, groupLookup, e.Quotes, nowMs, e.Strict)
	if cfg.WalletBalance-totals.UsedMarginAll < marginUSD {
		return ExecuteResult{}, domain.ErrInsufficientMargin
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = e.NewOrderID()
	}

	status := domain.StatusOpen
	if flow == FlowProvider {
		status = domain.StatusQueued
	}

	// Commission entry is charged only on the local flow's immediate
	// fill; the provider flow has no confirmed exec_price yet and leaves
	// commission_entry at 0. No later step charges the entry leg:
	// the open worker does not compute commission, and finalize_close
	// adds only the exit commission.
	var commissionEntry float64
	if flow == FlowLocal {
		commissionEntry = computeCommission(commissionConfigFromGroup(group), req.OrderQuantity, execPrice, "entry")
	}

	o := domain.Order{
		OrderID: orderID, UserID: req.UserID, UserType: req.UserType,
		Symbol: req.Symbol, Side: req.Side,
		OrderQuantity: req.OrderQuantity, OrderPrice: execPrice,
		Status: status, ExecutionStatus: executionStatusFor(flow),
		RawPrice: rawPrice, HalfSpread: halfSpread,
		ContractValue: group.ContractSize * req.OrderQuantity,
		Margin:        marginUSD, HasMargin: true,
		Group: cfg.Group, ContractSize: group.ContractSize,
		ProfitCurrency: group.ProfitCurrency, InstrumentType: group.Type,
		SpreadPip: group.SpreadPip, CommissionRate: group.CommissionRate,
		CommissionType: group.CommissionType, CommissionValType: group.CommissionValType,
		CommissionEntry: commissionEntry,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAtMs:     nowMs, UpdatedAtMs: nowMs,
	}

	if err := e.Repo.PlaceOrder(ctx, o, marginUSD, marginUSD); err != nil {
		if errors.Is(err, redisx.ErrOrderExists) {
			return ExecuteResult{}, domain.ErrOrderExists
		}
		return ExecuteResult{}, &domain.PlaceOrderFailed{Cause: err}
	}
	if err := e.Repo.AddSymbolHolder(ctx, req.Symbol, req.UserType, req.UserID); err != nil {
		return ExecuteResult{}, &domain.PlaceOrderFailed{Cause: err}
	}

	result := ExecuteResult{OrderID: orderID, Status: status, ExecPrice: execPrice, MarginUSD: marginUSD}

	// 9. Provider-flow send payload (sent by the API layer after return).
	if flow == FlowProvider {
		if err := e.Repo.SetGlobalLookup(ctx, orderID, orderID); err != nil {
			return ExecuteResult{}, &domain.PlaceOrderFailed{Cause: err}
		}
		result.ProviderPayload = &ProviderSendPayload{
			OrderID: orderID, Symbol: req.Symbol, OrderType: "instant",
			OrderPrice: execPrice, ContractValue: o.ContractValue, Status: "OPEN",
		}
	}

	return result, nil
}

func executionStatusFor(flow Flow) domain.ExecutionStatus {
	if flow == FlowProvider {
		return domain.ExecQueued
	}
	return domain.ExecExecuted
}

// mergeGroupConfig fills zero-valued fields in cached from the DB
// fallback's copy, per spec.md §4.3 step 4 ("merge missing fields").
func mergeGroupConfig(cached, fallback domain.GroupConfig) domain.GroupConfig {
	out := cached
	if out.ContractSize == 0 {
		out.ContractSize = fallback.ContractSize
	}
	if out.ProfitCurrency == "" {
		out.ProfitCurrency = fallback.ProfitCurrency
	}
	if out.Type == 0 {
		out.Type = fallback.Type
	}
	if out.Spread == 0 {
		out.Spread = fallback.Spread
	}
	if out.SpreadPip == 0 {
		out.SpreadPip = fallback.SpreadPip
	}
	if out.CommissionRate == 0 {
		out.CommissionRate = fallback.CommissionRate
	}
	if out.CryptoMarginFactor == 0 {
		out.CryptoMarginFactor = fallback.CryptoMarginFactor
	}
	if out.GroupMargin == 0 {
		out.GroupMargin = fallback.GroupMargin
	}
	out.Group, out.Symbol = cached.Group, cached.Symbol
	if out.Group == "" {
		out.Group = fallback.Group
	}
	if out.Symbol == "" {
		out.Symbol = fallback.Symbol
	}
	return out
}
