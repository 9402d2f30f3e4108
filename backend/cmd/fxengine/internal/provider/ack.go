package provider

import (
	"context"
	"time"

	"fxengine/internal/domain"
)

const (
	ackTTL       = 30 * time.Second
	ackPollEvery = 50 * time.Millisecond
)

// recordAck persists a terminal ord_status for id so WaitAck observes it
// even if it runs in a different goroutine (or, via AckStore's Redis
// backing, a different process) than the one that owns the socket.
func (c *Connection) recordAck(ctx context.Context, id, status string) {
	if id == "" || c.acks == nil {
		return
	}
	_ = c.acks.SetEx(ctx, domain.KeyProviderAck(id), status, ackTTL)
}

// WaitAck satisfies order.ProviderCloser: poll for a terminal status on
// lifecycleID, set by the receive loop via recordAck, or time out.
func (c *Connection) WaitAck(ctx context.Context, lifecycleID string, deadline time.Duration) (string, error) {
	if c.acks == nil {
		return "", ErrUnavailable
	}

	if status, ok, err := c.acks.Get(ctx, domain.KeyProviderAck(lifecycleID)); err == nil && ok {
		return status, nil
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(ackPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", ErrAckTimeout
		case <-ticker.C:
			if status, ok, err := c.acks.Get(ctx, domain.KeyProviderAck(lifecycleID)); err == nil && ok {
				return status, nil
			}
		}
	}
}
