// Package dispatch implements the Dispatcher (J): the confirmation_queue
// consumer that resolves a provider execution report back to a
// canonical order and routes it to the matching worker queue (spec.md
// §4.10). Adapted from internal/reconciliation/service.go, which already
// reconciles an external source of truth (exchange positions) against
// internal state on a supervised loop; here the loop is event-driven (an
// AMQP consumer) rather than ticker-driven, since a provider execution
// report arrives as a message, not as a periodic snapshot to diff.
package dispatch

import (
	"context"
	"encoding/json"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"fxengine/internal/domain"
)

// OrderLookup is the read surface the dispatcher needs to resolve a
// lifecycle id and compose a worker payload. internal/order.Repo and
// internal/repo.Store both satisfy this structurally; dispatch never
// imports internal/order.
type OrderLookup interface {
	ResolveGlobalLookup(ctx context.Context, lifecycleID string) (string, bool, error)
	GetOrderByID(ctx context.Context, orderID string) (domain.Order, bool, error)
	GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error)
}

// QueuePublisher hands a routed payload (or a DLQ entry) to a durable
// queue; satisfied by *pkg/amqpx.Conn.
type QueuePublisher interface {
	PublishPersistent(ctx context.Context, queue string, body []byte) error
}

// Dispatcher consumes confirmation_queue and routes each execution
// report to the worker queue spec.md §4.10's table names, or to
// confirmation_dlq when it can't be routed.
type Dispatcher struct {
	Lookup  OrderLookup
	Publish QueuePublisher
}

func New(lookup OrderLookup, publish QueuePublisher) *Dispatcher {
	return &Dispatcher{Lookup: lookup, Publish: publish}
}

// Run consumes deliveries from msgs until the channel closes or ctx is
// cancelled. Every delivery is acked after handling: an unroutable
// report is explicitly sent to the DLQ rather than requeued, so there is
// nothing left for a broker-level nack/requeue to accomplish.
func (d *Dispatcher) Run(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			d.handle(ctx, msg)
		}
	}
}

// confirmationMessage mirrors internal/provider's confirmation_queue
// wire shape. Duplicated deliberately: it is the contract between the
// two packages crossing a message broker, not shared internal state.
type confirmationMessage struct {
	Type        string  `json:"type"`
	OrderID     string  `json:"order_id"`
	ExecID      string  `json:"exec_id"`
	OrdStatus   string  `json:"ord_status"`
	AvgPx       float64 `json:"avgpx"`
	CumQty      float64 `json:"cumqty"`
	TsMs        int64   `json:"ts"`
	Idempotency string  `json:"idempotency,omitempty"`
	Raw         []byte  `json:"raw,omitempty"`
}

func (d *Dispatcher) handle(ctx context.Context, msg amqp.Delivery) {
	var report confirmationMessage
	if err := json.Unmarshal(msg.Body, &report); err != nil {
		log.Printf("dispatch: malformed confirmation message: %v", err)
		d.deadLetter(ctx, report, "malformed_message")
		_ = msg.Ack(false)
		return
	}

	// 1. Ignore non-execution-report types.
	if report.Type != "execution_report" {
		_ = msg.Ack(false)
		return
	}

	if err := d.route(ctx, report); err != nil {
		d.deadLetter(ctx, report, err.Error())
	}
	_ = msg.Ack(false)
}

func (d *Dispatcher) deadLetter(ctx context.Context, report confirmationMessage, reason string) {
	body, err := json.Marshal(map[string]any{"reason": reason, "report": report})
	if err != nil {
		log.Printf("dispatch: marshal DLQ entry: %v", err)
		return
	}
	if err := d.Publish.PublishPersistent(ctx, domain.QueueConfirmationDLQ, body); err != nil {
		log.Printf("dispatch: publish to DLQ failed: %v", err)
	}
}
