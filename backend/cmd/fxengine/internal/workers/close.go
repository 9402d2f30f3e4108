package workers

import (
	"context"
	"errors"
	"log"

	"fxengine/internal/domain"
)

const closeFinalizeAttempts = 3

// HandleClose implements the close worker (spec.md §4.11): run
// finalize_close at the provider's average fill price. ORDER_CLOSE_CONFIRMED
// publish is finalize_close's own responsibility (internal/order.Engine.finish);
// this worker only decides the close reason and retries a bounded number
// of times on a transient failure before giving up and acking anyway, so
// a single bad tick can't wedge the queue.
func (w *Worker) HandleClose(ctx context.Context, msg Message) error {
	userType := domain.UserType(msg.UserType)
	return w.withUserMarginLock(ctx, userType, msg.UserID, func() error {
		reason := closeReasonFor(msg)
		var err error
		for attempt := 1; attempt <= closeFinalizeAttempts; attempt++ {
			_, err = w.Closer.FinalizeClose(ctx, msg.OrderID, reason, msg.AvgPx, 0)
			if err == nil {
				return nil
			}
			if errors.Is(err, domain.ErrMissingOrderData) {
				return err
			}
			log.Printf("workers: close finalize attempt %d/%d failed for %s: %v", attempt, closeFinalizeAttempts, msg.OrderID, err)
		}
		return err
	})
}

func closeReasonFor(msg Message) string {
	switch msg.TriggeredBy {
	case string(domain.StatusStopLoss):
		return domain.CloseReasonStoploss
	case string(domain.StatusTakeProfit):
		return domain.CloseReasonTakeprofit
	default:
		return domain.CloseReasonClosed
	}
}
