package workers

import "context"

// HandleTakeprofit implements the takeprofit worker (spec.md §4.11);
// shares setTrigger's price-reconstruction with the stoploss worker.
func (w *Worker) HandleTakeprofit(ctx context.Context, msg Message) error {
	return w.setTrigger(ctx, msg, false)
}
