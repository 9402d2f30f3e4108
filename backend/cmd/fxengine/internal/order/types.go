// Package order implements the Order Execution Engine and Closer (F):
// execute_instant_order's ten-step placement algorithm (spec.md §4.3)
// and close_order/finalize_close (spec.md §4.4). Adapted from the
// teacher's internal/order package (executor.go's "build request,
// send, persist, publish" shape, dry_run.go's production/simulated
// mode switch) re-pointed from an exchange gateway onto the Quote
// Store, Margin Engine, and the hash-tagged Redis placement script.
package order

import (
	"context"

	"fxengine/internal/domain"
	"fxengine/internal/margin"
)

// ExecuteRequest is execute_instant_order's input (spec.md §4.3).
type ExecuteRequest struct {
	Symbol         string
	Side           domain.Side
	OrderPrice     float64
	OrderQuantity  float64
	UserID         string
	UserType       domain.UserType
	IdempotencyKey string
	OrderID        string // pre-generated by the caller; a fresh uuid is minted if empty
}

// ExecuteResult is what execute_instant_order hands back to the API
// boundary; ProviderPayload is non-nil only on the provider flow.
type ExecuteResult struct {
	OrderID         string
	Status          domain.OrderStatus
	ExecPrice       float64
	MarginUSD       float64
	ProviderPayload *ProviderSendPayload
	Replayed        bool // true when served from an idempotency cache hit
}

// ProviderSendPayload is the provider_send_payload spec.md §4.3 step 9
// describes; the API layer hands it to the Provider Connection after
// this call returns.
type ProviderSendPayload struct {
	OrderID       string
	Symbol        string
	OrderType     string
	OrderPrice    float64
	ContractValue float64
	Status        string
}

// CloseRequest is close_order's input (spec.md §4.4).
type CloseRequest struct {
	OrderID     string
	CloseReason string // one of domain.CloseReason*
}

type CloseResult struct {
	OrderID    string
	NetProfit  float64
	ClosePrice float64
	Async      bool // true when the provider path returned before finalization
}

// Quotes is the read surface the engine needs from the Quote Store;
// internal/margin.QuoteLookup's shape is reused directly since the
// engine's own price resolution is margin-adjacent (both read bid/ask
// for a symbol no older than the staleness window).
type Quotes = margin.QuoteLookup

// Repo is the subset of internal/repo.Store the engine reads and writes.
type Repo interface {
	GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error)
	GetGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error)
	ListUserOrders(ctx context.Context, userType domain.UserType, userID string) ([]domain.Order, error)
	GetHolding(ctx context.Context, userType domain.UserType, userID, orderID string) (domain.Order, bool, error)
	GetOrderByID(ctx context.Context, orderID string) (domain.Order, bool, error)

	TryBeginIdempotency(ctx context.Context, userType domain.UserType, userID, key string) (acquired bool, priorResult string, err error)
	FinishIdempotency(ctx context.Context, userType domain.UserType, userID, key, result string) error

	PlaceOrder(ctx context.Context, o domain.Order, execMarginDelta, allMarginDelta float64) error
	AddSymbolHolder(ctx context.Context, symbol string, userType domain.UserType, userID string) error
	RemoveSymbolHolder(ctx context.Context, symbol string, userType domain.UserType, userID string) error
	RemoveOrder(ctx context.Context, o domain.Order) error
	AdjustPortfolioMargins(ctx context.Context, userType domain.UserType, userID string, execDelta, allDelta float64) error

	SetGlobalLookup(ctx context.Context, lifecycleID, orderID string) error
	ResolveGlobalLookup(ctx context.Context, lifecycleID string) (string, bool, error)
	SetOrderField(ctx context.Context, orderID, field, value string) error
	PatchOrder(ctx context.Context, userType domain.UserType, userID, orderID string, fields map[string]any) error
}

// DBUpdatePublisher hands a finalized order event to the db_update queue
// collaborator (component K's AMQP publish, spec.md §4.4/§4.11).
type DBUpdatePublisher interface {
	PublishOrderDBUpdate(ctx context.Context, msgType string, orderID string, fields map[string]any) error
}
