package provider

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"fxengine/pkg/providerframe"
)

type fakeAckStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newFakeAckStore() *fakeAckStore { return &fakeAckStore{m: map[string]string{}} }

func (f *fakeAckStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
	return nil
}

func (f *fakeAckStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	return v, ok, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakePublisher) PublishPersistent(ctx context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, body)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// newPipedConnection wires a Connection's send/receive loops directly
// onto one end of a net.Pipe, bypassing Run/dial so the test controls
// the socket without a real listener.
func newPipedConnection(t *testing.T, acks AckStore, pub ConfirmationPublisher) (*Connection, net.Conn, context.CancelFunc) {
	t.Helper()
	c := New(Config{}, pub, acks)
	local, remote := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go c.sendLoop(ctx, local)
	go c.receiveLoop(ctx, local)
	t.Cleanup(func() { cancel(); local.Close(); remote.Close() })
	return c, remote, cancel
}

func TestSendOrderWritesFramedMsgpack(t *testing.T) {
	c, remote, _ := newPipedConnection(t, nil, nil)

	err := c.SendOrder(context.Background(), providerframe.OrderPayload{
		OrderID: "o1", Symbol: "EURUSD", OrderType: "instant", OrderPrice: 1.1, Status: "OPEN",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got providerframe.OrderPayload
	if err := providerframe.ReadFrame(remote, &got); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Type != "order" {
		t.Fatalf("want type=order, got %q", got.Type)
	}
	if got.OrderID != "o1" || got.Symbol != "EURUSD" {
		t.Fatalf("payload mismatch: %+v", got)
	}
	if got.TsMs == 0 {
		t.Fatalf("ts_ms should be stamped")
	}
}

func TestSendCancelAndCloseShapes(t *testing.T) {
	c, remote, _ := newPipedConnection(t, nil, nil)

	if err := c.SendCancel(context.Background(), "o1", "cx1", "sl1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var cancel providerframe.CancelPayload
	if err := providerframe.ReadFrame(remote, &cancel); err != nil {
		t.Fatalf("read cancel frame: %v", err)
	}
	if cancel.OriginalID != "sl1" || cancel.CancelID != "cx1" {
		t.Fatalf("cancel payload mismatch: %+v", cancel)
	}

	if err := c.SendClose(context.Background(), "o1", "cl1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var closeMsg providerframe.OrderPayload
	if err := providerframe.ReadFrame(remote, &closeMsg); err != nil {
		t.Fatalf("read close frame: %v", err)
	}
	if closeMsg.Status != providerframe.StatusClosed {
		t.Fatalf("want status CLOSED, got %q", closeMsg.Status)
	}
}

func TestReceiveLoopRecordsAckAndPublishesConfirmation(t *testing.T) {
	acks := newFakeAckStore()
	pub := &fakePublisher{}
	c, remote, _ := newPipedConnection(t, acks, pub)

	report := providerframe.ExecutionReport{
		Type: "execution_report", OrderID: "o1", ExecID: "e1",
		OrdStatus: providerframe.OrdStatusExecuted, AvgPx: 1.105, CumQty: 1,
	}
	if err := providerframe.WriteFrame(remote, report); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	waitFor(t, func() bool {
		status, ok, _ := acks.Get(context.Background(), "provider:ack:{o1}")
		return ok && status == providerframe.OrdStatusExecuted
	})
	waitFor(t, func() bool { return pub.count() == 1 })
}

func TestReceiveLoopConvertsFIXFieldMap(t *testing.T) {
	acks := newFakeAckStore()
	pub := &fakePublisher{}
	c, remote, _ := newPipedConnection(t, acks, pub)
	_ = c

	fix := map[string]any{"35": "8", "11": "o1", "39": "2", "6": "1.105", "14": "1"}
	if err := providerframe.WriteFrame(remote, fix); err != nil {
		t.Fatalf("write fix frame: %v", err)
	}

	waitFor(t, func() bool {
		status, ok, _ := acks.Get(context.Background(), "provider:ack:{o1}")
		return ok && status == providerframe.OrdStatusExecuted
	})
}

func TestWaitAckReturnsOnRecordedStatus(t *testing.T) {
	acks := newFakeAckStore()
	c := New(Config{}, nil, acks)
	_ = acks.SetEx(context.Background(), "provider:ack:{o1}", providerframe.OrdStatusExecuted, time.Second)

	status, err := c.WaitAck(context.Background(), "o1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != providerframe.OrdStatusExecuted {
		t.Fatalf("want EXECUTED, got %q", status)
	}
}

func TestWaitAckTimesOutWithNoAck(t *testing.T) {
	c := New(Config{}, nil, newFakeAckStore())
	_, err := c.WaitAck(context.Background(), "missing", 30*time.Millisecond)
	if err != ErrAckTimeout {
		t.Fatalf("want ErrAckTimeout, got %v", err)
	}
}

func TestSendDirectReportsUnavailableWhenNotConnected(t *testing.T) {
	c := New(Config{}, nil, nil)
	err := c.SendDirect(context.Background(), providerframe.OrderPayload{OrderID: "o1"}, 30*time.Millisecond)
	if err != ErrUnavailable {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
