package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"fxengine/internal/domain"
	"fxengine/pkg/providerframe"
)

type fakeLookup struct {
	lookups map[string]string
	orders  map[string]domain.Order
	configs map[string]domain.UserConfig
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{lookups: map[string]string{}, orders: map[string]domain.Order{}, configs: map[string]domain.UserConfig{}}
}

func (f *fakeLookup) ResolveGlobalLookup(ctx context.Context, lifecycleID string) (string, bool, error) {
	v, ok := f.lookups[lifecycleID]
	return v, ok, nil
}

func (f *fakeLookup) GetOrderByID(ctx context.Context, orderID string) (domain.Order, bool, error) {
	o, ok := f.orders[orderID]
	return o, ok, nil
}

func (f *fakeLookup) GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error) {
	c, ok := f.configs[domain.UserTag(userType, userID)]
	return c, ok, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func newFakePublisher() *fakePublisher { return &fakePublisher{msgs: map[string][][]byte{}} }

func (f *fakePublisher) PublishPersistent(ctx context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[queue] = append(f.msgs[queue], body)
	return nil
}

func (f *fakePublisher) last(queue string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.msgs[queue]
	if len(msgs) == 0 {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(msgs[len(msgs)-1], &out)
	return out
}

func (f *fakePublisher) count(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs[queue])
}

func delivery(t *testing.T, msg any) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal delivery: %v", err)
	}
	return amqp.Delivery{Body: body}
}

func TestDispatchOpenOrderExecutedRoutesToOpenQueue(t *testing.T) {
	lookup := newFakeLookup()
	lookup.lookups["o1"] = "o1"
	lookup.orders["o1"] = domain.Order{OrderID: "o1", UserID: "u1", UserType: domain.UserLive, Status: domain.StatusOpen, Symbol: "EURUSD", Group: "standard"}
	lookup.configs[domain.UserTag(domain.UserLive, "u1")] = domain.UserConfig{Leverage: 100}
	pub := newFakePublisher()
	d := New(lookup, pub)

	d.handle(context.Background(), delivery(t, confirmationMessage{Type: "execution_report", OrderID: "o1", OrdStatus: providerframe.OrdStatusExecuted, AvgPx: 1.1}))

	if pub.count(domain.QueueWorkerOpen) != 1 {
		t.Fatalf("want 1 open worker message, got %d", pub.count(domain.QueueWorkerOpen))
	}
	got := pub.last(domain.QueueWorkerOpen)
	if got["user_id"] != "u1" || got["leverage"] != float64(100) {
		t.Fatalf("payload not enriched: %+v", got)
	}
}

func TestDispatchResolvesLifecycleIDViaGlobalLookup(t *testing.T) {
	lookup := newFakeLookup()
	lookup.lookups["close-id-1"] = "o1"
	lookup.orders["o1"] = domain.Order{OrderID: "o1", UserID: "u1", UserType: domain.UserLive, Status: domain.StatusClosed}
	pub := newFakePublisher()
	d := New(lookup, pub)

	d.handle(context.Background(), delivery(t, confirmationMessage{Type: "execution_report", OrderID: "close-id-1", OrdStatus: providerframe.OrdStatusExecuted}))

	if pub.count(domain.QueueWorkerClose) != 1 {
		t.Fatalf("want 1 close worker message, got %d", pub.count(domain.QueueWorkerClose))
	}
}

func TestDispatchIgnoresNonExecutionReportMessages(t *testing.T) {
	lookup := newFakeLookup()
	pub := newFakePublisher()
	d := New(lookup, pub)

	d.handle(context.Background(), delivery(t, confirmationMessage{Type: "heartbeat"}))

	for _, q := range []string{domain.QueueWorkerOpen, domain.QueueConfirmationDLQ} {
		if pub.count(q) != 0 {
			t.Fatalf("expected no messages on %s, got %d", q, pub.count(q))
		}
	}
}

func TestDispatchDeadLettersUnresolvableOrder(t *testing.T) {
	lookup := newFakeLookup()
	pub := newFakePublisher()
	d := New(lookup, pub)

	d.handle(context.Background(), delivery(t, confirmationMessage{Type: "execution_report", OrderID: "ghost", OrdStatus: providerframe.OrdStatusExecuted}))

	if pub.count(domain.QueueConfirmationDLQ) != 1 {
		t.Fatalf("want 1 DLQ message, got %d", pub.count(domain.QueueConfirmationDLQ))
	}
	got := pub.last(domain.QueueConfirmationDLQ)
	if got["reason"] != "missing_order_data" {
		t.Fatalf("want missing_order_data reason, got %+v", got)
	}
}

func TestDispatchDeadLettersUnmappedRoutingState(t *testing.T) {
	lookup := newFakeLookup()
	lookup.orders["o1"] = domain.Order{OrderID: "o1", UserID: "u1", UserType: domain.UserLive, Status: domain.StatusQueued}
	pub := newFakePublisher()
	d := New(lookup, pub)

	d.handle(context.Background(), delivery(t, confirmationMessage{Type: "execution_report", OrderID: "o1", OrdStatus: providerframe.OrdStatusExecuted}))

	if pub.count(domain.QueueConfirmationDLQ) != 1 {
		t.Fatalf("want 1 DLQ message, got %d", pub.count(domain.QueueConfirmationDLQ))
	}
	got := pub.last(domain.QueueConfirmationDLQ)
	if got["reason"] != "unmapped_routing_state" {
		t.Fatalf("want unmapped_routing_state reason, got %+v", got)
	}
}

func TestDispatchPendingCancelRaceTreatedAsFill(t *testing.T) {
	lookup := newFakeLookup()
	lookup.orders["o1"] = domain.Order{OrderID: "o1", UserID: "u1", UserType: domain.UserLive, Status: domain.StatusPendingCancel}
	pub := newFakePublisher()
	d := New(lookup, pub)

	d.handle(context.Background(), delivery(t, confirmationMessage{Type: "execution_report", OrderID: "o1", OrdStatus: providerframe.OrdStatusExecuted}))

	if pub.count(domain.QueueWorkerOpen) != 1 {
		t.Fatalf("want cancel-race fill routed to open queue, got %d", pub.count(domain.QueueWorkerOpen))
	}
}

func TestDispatchStoplossTriggerRoutesToCloseQueue(t *testing.T) {
	lookup := newFakeLookup()
	lookup.orders["o1"] = domain.Order{OrderID: "o1", UserID: "u1", UserType: domain.UserLive, Status: domain.StatusStopLoss}
	pub := newFakePublisher()
	d := New(lookup, pub)

	d.handle(context.Background(), delivery(t, confirmationMessage{Type: "execution_report", OrderID: "o1", OrdStatus: providerframe.OrdStatusExecuted}))

	if pub.count(domain.QueueWorkerClose) != 1 {
		t.Fatalf("want 1 close worker message, got %d", pub.count(domain.QueueWorkerClose))
	}
}
