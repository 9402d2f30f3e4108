// Package enginerunner is the composition root (spec.md §9): it builds
// every component, wires the narrow interfaces each package declares
// for its collaborators, and fans the whole thing out as a group of
// supervised goroutines with shared cancellation. Grounded on
// internal/provider/connection.go's own dial/supervise/reconnect loop,
// generalized here from one socket to the engine's full set of
// consumers and background scans via golang.org/x/sync/errgroup, the
// same fan-out-with-cancellation primitive spec.md §9 calls for and
// that the teacher's main.go otherwise approximated by hand with raw
// goroutines and a sync.WaitGroup.
package enginerunner

import (
	"context"
	"encoding/json"
	"fmt"

	"fxengine/internal/domain"
	"fxengine/pkg/amqpx"
)

// dbUpdatePublisher satisfies order.DBUpdatePublisher and
// workers.Worker.DB by JSON-encoding the message and handing it to the
// order_db_update_queue over the shared AMQP connection.
type dbUpdatePublisher struct {
	conn  *amqpx.Conn
	queue string
}

func newDBUpdatePublisher(conn *amqpx.Conn, queue string) *dbUpdatePublisher {
	return &dbUpdatePublisher{conn: conn, queue: queue}
}

func (p *dbUpdatePublisher) PublishOrderDBUpdate(ctx context.Context, msgType string, orderID string, fields map[string]any) error {
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["type"] = msgType
	payload["order_id"] = orderID

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("enginerunner: marshal db update: %w", err)
	}
	return p.conn.PublishPersistent(ctx, p.queue, body)
}

// rejectionPublisher satisfies pendingmon.RejectionPublisher by
// recording the rejection through the same db_update publish path every
// other terminal state change uses (spec.md §4.8's reject_pending_order
// step), rather than opening a second channel of delivery.
type rejectionPublisher struct {
	db *dbUpdatePublisher
}

func (p *rejectionPublisher) PublishRejection(ctx context.Context, rec domain.RejectionRecord) error {
	return p.db.PublishOrderDBUpdate(ctx, domain.MsgOrderRejectionRecord, rec.OrderID, map[string]any{
		"category": rec.Category,
		"reason":   rec.Reason,
		"ts":       rec.TsMs,
	})
}

// groupAndLeverageLookup is the read surface openDispatcher needs to
// rebuild a worker-open message's frozen context from a pending order's
// (group, symbol) and (user_type, user_id) pairs.
type groupAndLeverageLookup interface {
	GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error)
	GetGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error)
}

// openDispatcher satisfies pendingmon.OpenDispatcher: it hands a
// triggered pending order to the OPEN worker queue exactly as if the
// provider had just confirmed a fill at execPrice (spec.md §4.8 step 3),
// reusing the same workers.Message wire shape internal/dispatch composes
// for a real execution report.
type openDispatcher struct {
	repo  groupAndLeverageLookup
	conn  *amqpx.Conn
	queue string
}

func newOpenDispatcher(repo groupAndLeverageLookup, conn *amqpx.Conn, queue string) *openDispatcher {
	return &openDispatcher{repo: repo, conn: conn, queue: queue}
}

func (d *openDispatcher) DispatchTriggeredPending(ctx context.Context, po domain.PendingOrder, execPrice float64) error {
	cfg, ok, err := d.repo.GetUserConfig(ctx, po.UserType, po.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrUserNotFound
	}
	group, ok, err := d.repo.GetGroupConfig(ctx, po.Group, po.Symbol)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrMissingGroupData
	}

	msg := struct {
		OrderID          string  `json:"order_id"`
		UserID           string  `json:"user_id"`
		UserType         string  `json:"user_type"`
		Group            string  `json:"group"`
		Leverage         float64 `json:"leverage"`
		ContractSize     float64 `json:"contract_size"`
		ProfitCurrency   string  `json:"profit_currency"`
		Symbol           string  `json:"symbol"`
		OrderQuantity    float64 `json:"order_quantity"`
		AvgPx            float64 `json:"avgpx"`
		OrdStatus        string  `json:"ord_status"`
		TsMs             int64   `json:"ts"`
		PendingTriggered bool    `json:"pending_triggered"`
	}{
		OrderID:          po.OrderID,
		UserID:           po.UserID,
		UserType:         string(po.UserType),
		Group:            po.Group,
		Leverage:         cfg.Leverage,
		ContractSize:     group.ContractSize,
		ProfitCurrency:   group.ProfitCurrency,
		Symbol:           po.Symbol,
		OrderQuantity:    po.OrderQuantity,
		AvgPx:            execPrice,
		OrdStatus:        "EXECUTED",
		TsMs:             domain.TimeNowMs(),
		PendingTriggered: true,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("enginerunner: marshal triggered pending: %w", err)
	}
	return d.conn.PublishPersistent(ctx, d.queue, body)
}
