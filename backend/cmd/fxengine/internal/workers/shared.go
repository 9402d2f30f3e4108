// Package workers implements the Provider Workers (K): one consumer per
// worker queue that turns a dispatched execution report into a Redis
// state transition and a db_update publish (spec.md §4.11). Grounded on
// internal/order/close.go's "load state, mutate under lock, publish"
// shape, generalized from a single finalize path into one handler per
// (open, close, cancel, pending, reject, stoploss, takeprofit) queue,
// the same way the teacher's internal/order/executor.go generalizes one
// finalize-and-publish routine across every order kind it submits.
package workers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"fxengine/internal/domain"
	"fxengine/internal/margin"
	"fxengine/internal/order"
	"fxengine/pkg/redisx"
)

const (
	marginLockTTL   = 5 * time.Second
	providerIdemTTL = 7 * 24 * time.Hour
)

// Repo is the read/write surface every worker needs; *internal/repo.Store
// satisfies it structurally.
type Repo interface {
	GetOrderByID(ctx context.Context, orderID string) (domain.Order, bool, error)
	PatchOrder(ctx context.Context, userType domain.UserType, userID, orderID string, fields map[string]any) error
	SetOrderField(ctx context.Context, orderID, field, value string) error
	ClearOrderFields(ctx context.Context, userType domain.UserType, userID, orderID string, fields ...string) error
	RemoveOrder(ctx context.Context, o domain.Order) error
	RemoveSymbolHolder(ctx context.Context, symbol string, userType domain.UserType, userID string) error
	ListUserOrders(ctx context.Context, userType domain.UserType, userID string) ([]domain.Order, error)
	AdjustPortfolioMargins(ctx context.Context, userType domain.UserType, userID string, execDelta, allDelta float64) error
	GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error)
	GetGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error)

	PutPendingOrder(ctx context.Context, po domain.PendingOrder) error
	GetPendingOrder(ctx context.Context, orderID string) (domain.PendingOrder, bool, error)
	DeletePendingOrder(ctx context.Context, orderID string) error
}

// TriggerIndex drops an order's SL/TP sorted-set entries;
// *internal/trigger.Index satisfies it.
type TriggerIndex interface {
	Unregister(ctx context.Context, symbol string, side domain.Side, orderID string) error
}

// PendingIndex maintains the pending-order scan index;
// *internal/pendingmon.Index satisfies it.
type PendingIndex interface {
	Register(ctx context.Context, po domain.PendingOrder) error
	Unregister(ctx context.Context, symbol string, t domain.PendingType, orderID string) error
}

// CloseFinalizer runs finalize_close's PnL settlement and publish;
// *internal/order.Engine satisfies it.
type CloseFinalizer interface {
	FinalizeClose(ctx context.Context, orderID, closeReason string, avgpx, swap float64) (order.CloseResult, error)
}

// FreeMarginChecker re-validates a pending order's margin at a preview
// execution price; implemented the same way internal/pendingmon's own
// MarginValidator is, through the portfolio/margin layer.
type FreeMarginChecker interface {
	HasSufficientFreeMargin(ctx context.Context, userType domain.UserType, userID string, po domain.PendingOrder, execPrice float64, group domain.GroupConfig) (bool, error)
}

// Worker bundles the collaborators every status handler needs.
type Worker struct {
	Redis       *redisx.Client
	Repo        Repo
	Quotes      margin.QuoteLookup
	DB          order.DBUpdatePublisher
	Provider    order.ProviderCloser
	Triggers    TriggerIndex
	Pending     PendingIndex
	Closer      CloseFinalizer
	MarginCheck FreeMarginChecker
	Strict      bool
	NewID       func() string
}

// Message is the JSON payload internal/dispatch composes onto each
// worker queue (spec.md §4.10's "compose" step): the canonical order's
// frozen context, the provider's own report fields, and the original
// pre-resolution lifecycle id.
type Message struct {
	OrderID        string  `json:"order_id"`
	LifecycleID    string  `json:"lifecycle_id"`
	UserID         string  `json:"user_id"`
	UserType       string  `json:"user_type"`
	Group          string  `json:"group"`
	Leverage       float64 `json:"leverage"`
	ContractSize   float64 `json:"contract_size"`
	ProfitCurrency string  `json:"profit_currency"`
	Spread         float64 `json:"spread"`
	SpreadPip      float64 `json:"spread_pip"`
	OrderType      string  `json:"order_type"`
	OrderPrice     float64 `json:"order_price"`
	OrderQuantity  float64 `json:"order_quantity"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	AvgPx          float64 `json:"avgpx"`
	CumQty         float64 `json:"cumqty"`
	OrdStatus      string  `json:"ord_status"`
	TsMs           int64   `json:"ts"`
	Idempotency    string  `json:"idempotency,omitempty"`

	PendingTriggered bool   `json:"pending_triggered,omitempty"`
	CancelLostRace   bool   `json:"cancel_lost_race,omitempty"`
	TriggeredBy      string `json:"triggered_by,omitempty"`
}

// Handler processes one decoded worker message.
type Handler func(ctx context.Context, msg Message) error

// Consume drains msgs until the channel closes or ctx is cancelled,
// deduplicating on the provider idempotency token before calling handle
// (spec.md §4.11) and always acking — a handler error is logged, not
// retried by the broker, since every handler already owns its own
// bounded-retry policy where the spec calls for one.
func (w *Worker) Consume(ctx context.Context, msgs <-chan amqp.Delivery, handle Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			w.handleDelivery(ctx, d, handle)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery, handle Handler) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Printf("workers: malformed message: %v", err)
		_ = d.Ack(false)
		return
	}

	fresh, err := w.dedupe(ctx, msg.Idempotency)
	if err != nil {
		log.Printf("workers: dedupe check failed for %s: %v", msg.OrderID, err)
		_ = d.Ack(false)
		return
	}
	if !fresh {
		_ = d.Ack(false)
		return
	}

	if err := handle(ctx, msg); err != nil {
		log.Printf("workers: handler failed for %s: %v", msg.OrderID, err)
	}
	_ = d.Ack(false)
}

// dedupe reports whether token has not been seen in the last 7 days
// (spec.md §4.11); a message with no token can't be deduplicated and is
// always treated as fresh. A nil Redis (unit tests exercising a handler
// directly) always reports fresh, matching internal/order.Engine's
// "e.Redis == nil skips the lock" test convention.
func (w *Worker) dedupe(ctx context.Context, token string) (fresh bool, err error) {
	if token == "" || w.Redis == nil {
		return true, nil
	}
	return w.Redis.SetNX(ctx, domain.KeyProviderIdem(token), "1", providerIdemTTL)
}

// withUserMarginLock serializes shared-state mutation per (user_type,
// user_id) across processes before a worker touches margin or order
// state (spec.md §4.11, §5).
func (w *Worker) withUserMarginLock(ctx context.Context, userType domain.UserType, userID string, fn func() error) error {
	if w.Redis == nil {
		return fn()
	}
	lock := redisx.NewLock(w.Redis, domain.KeyUserMarginLock(userType, userID), marginLockTTL)
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return domain.ErrLockBusy
	}
	defer lock.Release(ctx)
	return fn()
}
