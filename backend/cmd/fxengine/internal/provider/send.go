package provider

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"fxengine/pkg/providerframe"
)

// sendLoop drains the bounded queue onto conn, serializing writes under
// writeMu. A write failure stops the loop (the caller redials); the
// failed job is requeued once (spec.md §4.9), best-effort.
func (c *Connection) sendLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.sendQueue:
			if err := c.writeFrame(conn, job.payload); err != nil {
				log.Printf("provider: send failed: %v", err)
				if !job.requeued {
					job.requeued = true
					select {
					case c.sendQueue <- job:
					default:
						log.Printf("provider: send queue full, dropping requeued payload %+v", job.payload)
					}
				}
				return
			}
		}
	}
}

// enqueue blocks until there is room in the bounded send queue or ctx is
// cancelled, rather than blocking the caller indefinitely on a stalled
// provider.
func (c *Connection) enqueue(ctx context.Context, payload any) error {
	select {
	case c.sendQueue <- sendJob{payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendOrder enqueues an open/modify/SL/TP-set payload. Every outbound
// payload carries type=order and a millisecond ts (spec.md §4.9).
func (c *Connection) SendOrder(ctx context.Context, p providerframe.OrderPayload) error {
	p.Type = "order"
	if p.TsMs == 0 {
		p.TsMs = nowMs()
	}
	return c.enqueue(ctx, p)
}

// SendCancel satisfies order.ProviderCloser.
func (c *Connection) SendCancel(ctx context.Context, orderID, cancelID, targetLifecycleID string) error {
	return c.enqueue(ctx, providerframe.CancelPayload{
		Type:       "order",
		TsMs:       nowMs(),
		OriginalID: targetLifecycleID,
		CancelID:   cancelID,
		Status:     providerframe.StatusCancelled,
	})
}

// SendClose satisfies order.ProviderCloser.
func (c *Connection) SendClose(ctx context.Context, orderID, closeID string) error {
	return c.enqueue(ctx, providerframe.OrderPayload{
		Type:    "order",
		TsMs:    nowMs(),
		OrderID: orderID,
		Status:  providerframe.StatusClosed,
	})
}

// SendDirect is send_provider_order (spec.md §4.9): waits up to `wait`
// for the persistent connection to become available, without opening a
// fallback transient socket — that escape hatch is DialFallback,
// reserved for bootstrap tests.
func (c *Connection) SendDirect(ctx context.Context, p providerframe.OrderPayload, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		if c.isConnected() {
			return c.SendOrder(ctx, p)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrUnavailable
		case <-poll.C:
		}
	}
}

// DialFallback opens a single transient connection, writes payload, and
// closes it. spec.md §4.9 calls this out as "an explicitly selectable
// function for bootstrap tests only" — the normal send path never calls
// it, it exists so a test can prove the wire format against a bare
// listener without standing up the full reconnect loop.
func DialFallback(ctx context.Context, network, address string, p providerframe.OrderPayload) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("provider: fallback dial: %w", err)
	}
	defer conn.Close()
	p.Type = "order"
	if p.TsMs == 0 {
		p.TsMs = nowMs()
	}
	return providerframe.WriteFrame(conn, p)
}
