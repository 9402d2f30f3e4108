package autocutoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"fxengine/internal/domain"
	"fxengine/internal/events"
	"fxengine/internal/quote"
)

type fakeRepo struct {
	cfg       domain.UserConfig
	orders    []domain.Order
	portfolio domain.UserPortfolio
}

func (r *fakeRepo) GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error) {
	return r.cfg, true, nil
}
func (r *fakeRepo) ListUserOrders(ctx context.Context, userType domain.UserType, userID string) ([]domain.Order, error) {
	return r.orders, nil
}
func (r *fakeRepo) GetPortfolio(ctx context.Context, userType domain.UserType, userID string) (domain.UserPortfolio, bool, error) {
	return r.portfolio, true, nil
}

type fakeSentinels struct {
	mu   sync.Mutex
	sets map[string]bool
}

func newFakeSentinels() *fakeSentinels { return &fakeSentinels{sets: map[string]bool{}} }

func (f *fakeSentinels) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] {
		return false, nil
	}
	f.sets[key] = true
	return true, nil
}

func (f *fakeSentinels) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.sets, k)
	}
	return nil
}

type fakeCloser struct {
	closed []string
}

func (c *fakeCloser) CloseOrder(ctx context.Context, orderID, closeReason, lifecycleID string) error {
	c.closed = append(c.closed, orderID)
	return nil
}

type fakeAlertSink struct {
	sent []string
	fail bool
}

func (a *fakeAlertSink) Send(message string) error {
	if a.fail {
		return context.DeadlineExceeded
	}
	a.sent = append(a.sent, message)
	return nil
}

func TestHandleSafeZoneClearsLiquidatingSentinel(t *testing.T) {
	sentinels := newFakeSentinels()
	userType, userID := domain.UserLive, "u1"
	sentinels.sets[domain.KeyAutocutoffLiquidating(userType, userID)] = true

	w := New(events.NewBus(), sentinels, &fakeRepo{cfg: domain.UserConfig{}}, nil, &fakeCloser{}, &fakeAlertSink{}, nil, false, nil)

	p := domain.UserPortfolio{UserType: userType, UserID: userID, MarginLevel: 200, UsedMarginExecuted: 100}
	if err := w.handle(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sentinels.sets[domain.KeyAutocutoffLiquidating(userType, userID)] {
		t.Error("expected liquidating sentinel to be cleared in safe zone")
	}
}

func TestHandleAlertZoneSendsOnce(t *testing.T) {
	sentinels := newFakeSentinels()
	alert := &fakeAlertSink{}
	userType, userID := domain.UserLive, "u1"
	repo := &fakeRepo{cfg: domain.UserConfig{}}
	w := New(events.NewBus(), sentinels, repo, nil, &fakeCloser{}, alert, nil, false, nil)

	p := domain.UserPortfolio{UserType: userType, UserID: userID, MarginLevel: 30, UsedMarginExecuted: 100}
	if err := w.handle(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alert.sent) != 1 {
		t.Fatalf("expected 1 alert sent, got %d", len(alert.sent))
	}

	// Second event in the same alert window must not re-send.
	if err := w.handle(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alert.sent) != 1 {
		t.Errorf("expected alert sentinel to suppress a second send, got %d sends", len(alert.sent))
	}
}

func TestHandleLiquidationZoneClosesUntilRecovered(t *testing.T) {
	sentinels := newFakeSentinels()
	closer := &fakeCloser{}
	userType, userID := domain.UserLive, "u1"

	quotes := quote.New(nil, 60000)
	quotes.PutPartial("EURUSD", f(0.9), f(1.1), domain.TimeNowMs())

	order := domain.Order{
		OrderID: "o1", Status: domain.StatusOpen, Side: domain.SideBuy,
		Symbol: "EURUSD", OrderQuantity: 1, OrderPrice: 1.5,
		ContractSize: 100000, ProfitCurrency: "USD",
	}
	repo := &fakeRepo{
		cfg:       domain.UserConfig{},
		orders:    []domain.Order{order},
		portfolio: domain.UserPortfolio{MarginLevel: 150},
	}

	w := New(events.NewBus(), sentinels, repo, quotes, closer, &fakeAlertSink{}, nil, false, nil)

	p := domain.UserPortfolio{UserType: userType, UserID: userID, MarginLevel: 5, UsedMarginExecuted: 100}
	if err := w.handle(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(closer.closed) != 1 || closer.closed[0] != "o1" {
		t.Errorf("expected order o1 to be closed, got %v", closer.closed)
	}
	if sentinels.sets[domain.KeyAutocutoffLiquidating(userType, userID)] {
		t.Error("expected liquidating sentinel to be released after the pass")
	}
}

func f(v float64) *float64 { return &v }
