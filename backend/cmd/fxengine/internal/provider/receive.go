package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/vmihailenco/msgpack/v5"

	"fxengine/internal/domain"
	"fxengine/pkg/providerframe"
)

// receiveLoop reads frames until the connection errs or ctx is
// cancelled. Every parsed report is recorded for WaitAck and published
// to confirmation_queue (spec.md §4.9).
func (c *Connection) receiveLoop(ctx context.Context, conn net.Conn) {
	for ctx.Err() == nil {
		report, err := c.readReport(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("provider: receive failed: %v", err)
			}
			return
		}
		c.recordAck(ctx, report.OrderID, report.OrdStatus)
		c.recordAck(ctx, report.ExecID, report.OrdStatus)
		c.publish(ctx, report)
	}
}

// readReport reads one frame and shapes it into a canonical
// ExecutionReport: already-shaped reports (type=execution_report) are
// decoded directly; a FIX-style field map (tag 35 present) is converted
// via providerframe.FromFIXFields (spec.md §4.9).
func (c *Connection) readReport(conn net.Conn) (providerframe.ExecutionReport, error) {
	raw, err := providerframe.ReadRawFrame(conn)
	if err != nil {
		return providerframe.ExecutionReport{}, err
	}

	var generic map[string]any
	if err := msgpack.Unmarshal(raw, &generic); err != nil {
		return providerframe.ExecutionReport{}, fmt.Errorf("provider: decode frame: %w", err)
	}

	if providerframe.LooksLikeFIX(generic) {
		report := providerframe.FromFIXFields(generic)
		report.Raw = raw
		return report, nil
	}

	var report providerframe.ExecutionReport
	if err := msgpack.Unmarshal(raw, &report); err != nil {
		return providerframe.ExecutionReport{}, fmt.Errorf("provider: decode execution report: %w", err)
	}
	report.Raw = raw
	return report, nil
}

// confirmationMessage is the canonical shape published onto
// confirmation_queue (spec.md §4.9): {order_id, exec_id, ord_status,
// avgpx, cumqty, ts, raw}.
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

func (c *Connection) publish(ctx context.Context, report providerframe.ExecutionReport) {
	if c.amqp == nil {
		return
	}
	body, err := json.Marshal(confirmationMessage{
		Type:        "execution_report",
		OrderID:     report.OrderID,
		ExecID:      report.ExecID,
		OrdStatus:   report.OrdStatus,
		AvgPx:       report.AvgPx,
		CumQty:      report.CumQty,
		TsMs:        report.TsMs,
		Idempotency: report.Idempotency,
		Raw:         report.Raw,
	})
	if err != nil {
		log.Printf("provider: marshal confirmation: %v", err)
		return
	}
	if err := c.amqp.PublishPersistent(ctx, domain.QueueConfirmation, body); err != nil {
		log.Printf("provider: publish confirmation failed: %v", err)
	}
}
