// Package domain holds the shared entity types for the order lifecycle
// engine: quotes, orders, user/group configuration, portfolio snapshots,
// triggers, and pending orders. Nothing here talks to Redis, AMQP, or the
// provider socket directly — see internal/repo for the hash codec.
package domain

import "time"

// UserType enumerates the account classes the engine routes differently.
type UserType string

const (
	UserLive           UserType = "live"
	UserDemo           UserType = "demo"
	UserStrategyProv   UserType = "strategy_provider"
	UserCopyFollower   UserType = "copy_follower"
)

// AllUserTypes enumerates every account class, for components (the
// portfolio calculator, the auto-cutoff watcher) that must fan out
// across all of them rather than assume only live/demo exist.
var AllUserTypes = []UserType{UserLive, UserDemo, UserStrategyProv, UserCopyFollower}

// Side is the instant-order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PendingType enumerates the four pending order variants.
type PendingType string

const (
	PendingBuyLimit  PendingType = "BUY_LIMIT"
	PendingBuyStop   PendingType = "BUY_STOP"
	PendingSellLimit PendingType = "SELL_LIMIT"
	PendingSellStop  PendingType = "SELL_STOP"
)

// OrderStatus is the canonical engine state written into order_data.status.
// It is distinct from ExecutionStatus (spec.md §3).
type OrderStatus string

const (
	StatusOpen              OrderStatus = "OPEN"
	StatusClosed            OrderStatus = "CLOSED"
	StatusQueued            OrderStatus = "QUEUED"
	StatusPending           OrderStatus = "PENDING"
	StatusPendingQueued     OrderStatus = "PENDING-QUEUED"
	StatusModify            OrderStatus = "MODIFY"
	StatusPendingCancel     OrderStatus = "PENDING-CANCEL"
	StatusStopLoss          OrderStatus = "STOPLOSS"
	StatusTakeProfit        OrderStatus = "TAKEPROFIT"
	StatusStopLossCancel    OrderStatus = "STOPLOSS-CANCEL"
	StatusTakeProfitCancel  OrderStatus = "TAKEPROFIT-CANCEL"
	StatusRejected          OrderStatus = "REJECTED"
)

// ExecutionStatus tracks placement/ack progress independent of OrderStatus.
type ExecutionStatus string

const (
	ExecQueued   ExecutionStatus = "QUEUED"
	ExecExecuted ExecutionStatus = "EXECUTED"
	ExecPending  ExecutionStatus = "PENDING"
	ExecRejected ExecutionStatus = "REJECTED"
)

// SendingOrders is the per-user routing knob that picks local vs provider flow.
type SendingOrders string

const (
	SendingRock     SendingOrders = "rock"
	SendingBarclays SendingOrders = "barclays"
	SendingNone     SendingOrders = ""
)

// Quote is a per-symbol bid/ask record. Zero value for Bid/Ask means "unset".
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	TsMs   int64
}

// HasBid/HasAsk distinguish "side never set" from "side is literally zero",
// which matters for partial updates (spec.md §4.1, invariant P6).
func (q Quote) HasBid() bool { return q.Bid > 0 }
func (q Quote) HasAsk() bool { return q.Ask > 0 }

// Order is the canonical order record (spec.md §3).
type Order struct {
	OrderID  string
	UserID   string
	UserType UserType

	Symbol        string
	Side          Side
	PendingType   PendingType // empty for instant orders
	OrderQuantity float64
	OrderPrice    float64 // entry/requested price

	Status          OrderStatus
	ExecutionStatus ExecutionStatus

	RawPrice      float64
	HalfSpread    float64
	ContractValue float64

	// Exactly one of Margin / ReservedMargin is set (invariant 1).
	Margin         float64
	HasMargin      bool
	ReservedMargin float64
	HasReservedMargin bool

	CommissionEntry float64
	CommissionExit  float64
	Swap            float64
	ProfitUSD       float64
	NetProfit       float64
	ClosePrice      float64

	StopLoss   *float64
	TakeProfit *float64

	// PendingModifyPriceUser is a staged order_price change awaiting the
	// provider's re-validation ack; the pending worker applies it and
	// clears the staging field once the provider confirms (spec.md §4.11).
	PendingModifyPriceUser *float64

	CloseID             string
	CancelID            string
	ModifyID            string
	StoplossID          string
	TakeprofitID        string
	StoplossCancelID    string
	TakeprofitCancelID  string

	// Snapshot of group pricing/commission config at open, immutable after.
	Group             string
	ContractSize      float64
	ProfitCurrency    string
	InstrumentType    int
	SpreadPip         float64
	SpreadPoints      float64
	CommissionRate    float64
	CommissionType    string
	CommissionValType string

	IdempotencyKey string

	CreatedAtMs int64
	UpdatedAtMs int64
}

// IsQueued reports whether this order contributes only to used_margin_all
// (invariant 3).
func (o Order) IsQueued() bool {
	return o.Status == StatusQueued || o.ExecutionStatus == ExecQueued
}

// LifecycleIDs returns every non-empty lifecycle id the order has emitted,
// which must each resolve to OrderID via the global lookup (invariant 2).
func (o Order) LifecycleIDs() []string {
	ids := []string{o.CloseID, o.CancelID, o.ModifyID, o.StoplossID, o.TakeprofitID, o.StoplossCancelID, o.TakeprofitCancelID}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// UserConfig is the external, read-only per-user configuration.
type UserConfig struct {
	UserID               string
	UserType             UserType
	WalletBalance        float64
	Leverage             float64
	Group                string
	SendingOrders        SendingOrders
	Status               string // must be "verified" to trade
	AutoCutoffLevel      float64 // default 50
	AutoLiquidationLevel float64 // default 10
}

const (
	DefaultAutoCutoffLevel      = 50.0
	DefaultAutoLiquidationLevel = 10.0
)

// EffectiveAutoCutoffLevel/EffectiveAutoLiquidationLevel apply the spec defaults.
func (u UserConfig) EffectiveAutoCutoffLevel() float64 {
	if u.AutoCutoffLevel <= 0 {
		return DefaultAutoCutoffLevel
	}
	return u.AutoCutoffLevel
}

func (u UserConfig) EffectiveAutoLiquidationLevel() float64 {
	if u.AutoLiquidationLevel <= 0 {
		return DefaultAutoLiquidationLevel
	}
	return u.AutoLiquidationLevel
}

// Instrument types (GroupConfig.Type).
const (
	InstrumentFX     = 1
	InstrumentMetal  = 2
	InstrumentIndex  = 3
	InstrumentCrypto = 4
)

// GroupConfig is per (group, symbol) pricing/commission configuration.
type GroupConfig struct {
	Group              string
	Symbol             string
	ContractSize       float64
	ProfitCurrency     string
	Type               int
	Spread             float64
	SpreadPip          float64
	CommissionRate     float64
	CommissionType     string
	CommissionValType  string
	CryptoMarginFactor float64 // only meaningful when Type == InstrumentCrypto
	GroupMargin        float64 // netting ratio in [0,1]; 0 means "use default 1.0"
}

// HalfSpread is spread * spread_pip / 2 (GLOSSARY).
func (g GroupConfig) HalfSpread() float64 {
	return g.Spread * g.SpreadPip / 2
}

// NettingRatio resolves the Open Question on hedged-margin netting (DESIGN.md).
func (g GroupConfig) NettingRatio() float64 {
	if g.GroupMargin <= 0 || g.GroupMargin > 1 {
		return 1.0
	}
	return g.GroupMargin
}

// CalcStatus values for UserPortfolio.
type CalcStatus string

const (
	CalcOK       CalcStatus = "ok"
	CalcDegraded CalcStatus = "degraded"
	CalcError    CalcStatus = "error"
)

// UserPortfolio is the derived per-user snapshot recomputed by the
// Portfolio Calculator (D).
type UserPortfolio struct {
	UserID   string
	UserType UserType

	Balance             float64
	Equity              float64
	OpenPnL             float64
	UsedMarginExecuted  float64
	UsedMarginAll       float64
	FreeMargin          float64
	MarginLevel         float64 // 999 sentinel when used margin is 0

	CalcStatus     CalcStatus
	DegradedFields []string
	ErrorCodes     []string

	TsMs int64
}

// MarginLevelSafeSentinel is the +inf stand-in exposed to watchers (spec.md §4.6).
const MarginLevelSafeSentinel = 999.0

// Trigger is the per-order SL/TP attachment tracked by the Trigger Monitor (G).
type Trigger struct {
	OrderID    string
	Symbol     string
	Side       Side
	UserType   UserType
	UserID     string
	StopLoss   *float64
	TakeProfit *float64
	ScoreSL    float64
	ScoreTP    float64
}

// PendingOrder is the minimal projection the Pending Monitor (H) scans.
type PendingOrder struct {
	OrderID       string
	Symbol        string
	OrderType     PendingType
	OrderQuantity float64
	UserID        string
	UserType      UserType
	Group         string
	TriggerPrice  float64
}

// CopyRelationship backs copy_master_followers:{id}:active (SUPPLEMENTED,
// see SPEC_FULL.md §5). Read-only: the relationship is created by the
// (external) onboarding system.
type CopyRelationship struct {
	StrategyProviderID string
	FollowerID         string
	Active             bool
}

// RejectionRecord is the structured rejection document published by the
// reject worker (SUPPLEMENTED, see SPEC_FULL.md §5).
type RejectionRecord struct {
	OrderID  string
	Category string // ORDER_PLACEMENT, PENDING_PLACEMENT, PENDING_MODIFY, PENDING_CANCEL, ORDER_CLOSE, trigger add/remove
	Reason   string
	TsMs     int64
}

// Rejection record categories (spec.md §4.11's reject worker).
const (
	RejectCategoryOrderPlacement   = "ORDER_PLACEMENT"
	RejectCategoryPendingPlacement = "PENDING_PLACEMENT"
	RejectCategoryClose            = "ORDER_CLOSE"
	RejectCategoryPendingModify    = "PENDING_MODIFY"
	RejectCategoryPendingCancel    = "PENDING_CANCEL"
	RejectCategoryTriggerAdd       = "trigger_add"
	RejectCategoryTriggerRemove    = "trigger_remove"
)

// CloseReason values used on close_message / DB update payloads.
const (
	CloseReasonClosed     = "Closed"
	CloseReasonStoploss   = "Stoploss"
	CloseReasonTakeprofit = "Takeprofit"
	CloseReasonAutocutoff = "Autocutoff"
)

// TimeNowMs is overridable in tests; production uses time.Now().
var TimeNowMs = func() int64 { return time.Now().UnixMilli() }
