package order

import (
	"context"
	"errors"
	"testing"

	"fxengine/internal/domain"
)

func newTestEngine(repo *fakeRepo, quotes *fakeQuotes) *Engine {
	e := NewEngine(repo, quotes, nil, true)
	n := 0
	e.NewOrderID = func() string { n++; return "order-" + string(rune('0'+n)) }
	return e
}

func TestExecuteInstantOrderLocalFillsAtSpreadAdjustedPrice(t *testing.T) {
	repo := newFakeRepo()
	repo.users[uk(domain.UserDemo, "u1")] = domain.UserConfig{
		WalletBalance: 10000, Leverage: 100, Group: "Standard", Status: "verified",
	}
	repo.groups[gk("Standard", "EURUSD")] = domain.GroupConfig{
		ContractSize: 100000, ProfitCurrency: "USD", Type: domain.InstrumentFX,
		Spread: 1, SpreadPip: 0.0002,
	}
	quotes := newFakeQuotes()
	quotes.set("EURUSD", 1.1000, 1.1002, 1000)

	e := newTestEngine(repo, quotes)
	res, err := e.ExecuteInstantOrder(context.Background(), ExecuteRequest{
		Symbol: "EURUSD", Side: domain.SideBuy, OrderQuantity: 1,
		UserID: "u1", UserType: domain.UserDemo,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusOpen {
		t.Fatalf("want OPEN, got %s", res.Status)
	}
	wantPrice := 1.1002 + (1*0.0002)/2
	if res.ExecPrice != wantPrice {
		t.Fatalf("want exec price %v, got %v", wantPrice, res.ExecPrice)
	}
	o, ok := repo.global[res.OrderID]
	if !ok {
		t.Fatalf("order not persisted")
	}
	if o.OrderPrice != wantPrice {
		t.Fatalf("order_price should equal the spread-adjusted entry, got %v", o.OrderPrice)
	}
}

func TestExecuteInstantOrderRejectsInsufficientMargin(t *testing.T) {
	repo := newFakeRepo()
	repo.users[uk(domain.UserDemo, "u1")] = domain.UserConfig{
		WalletBalance: 1, Leverage: 100, Group: "Standard", Status: "verified",
	}
	repo.groups[gk("Standard", "EURUSD")] = domain.GroupConfig{
		ContractSize: 100000, ProfitCurrency: "USD", Type: domain.InstrumentFX,
	}
	quotes := newFakeQuotes()
	quotes.set("EURUSD", 1.10, 1.10, 1000)

	e := newTestEngine(repo, quotes)
	_, err := e.ExecuteInstantOrder(context.Background(), ExecuteRequest{
		Symbol: "EURUSD", Side: domain.SideBuy, OrderQuantity: 1,
		UserID: "u1", UserType: domain.UserDemo,
	})
	if !errors.Is(err, domain.ErrInsufficientMargin) {
		t.Fatalf("want ErrInsufficientMargin, got %v", err)
	}
}

func TestExecuteInstantOrderIdempotentReplayDoesNotPlaceTwice(t *testing.T) {
	repo := newFakeRepo()
	repo.users[uk(domain.UserDemo, "u1")] = domain.UserConfig{
		WalletBalance: 10000, Leverage: 100, Group: "Standard", Status: "verified",
	}
	repo.groups[gk("Standard", "EURUSD")] = domain.GroupConfig{
		ContractSize: 100000, ProfitCurrency: "USD", Type: domain.InstrumentFX,
	}
	quotes := newFakeQuotes()
	quotes.set("EURUSD", 1.10, 1.10, 1000)

	e := newTestEngine(repo, quotes)
	req := ExecuteRequest{
		Symbol: "EURUSD", Side: domain.SideBuy, OrderQuantity: 1,
		UserID: "u1", UserType: domain.UserDemo, IdempotencyKey: "k1",
	}
	first, err := e.ExecuteInstantOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := e.ExecuteInstantOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("replay should not error: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("second call should be served from replay cache")
	}
	if second.OrderID != first.OrderID {
		t.Fatalf("replay should return the same order id")
	}
	if len(repo.holdings[uk(domain.UserDemo, "u1")]) != 1 {
		t.Fatalf("replay must not place a second order")
	}
}

func TestExecuteInstantOrderLiveBarclaysRoutesProvider(t *testing.T) {
	repo := newFakeRepo()
	repo.users[uk(domain.UserLive, "u1")] = domain.UserConfig{
		WalletBalance: 10000, Leverage: 100, Group: "Standard", Status: "verified",
		SendingOrders: domain.SendingBarclays,
	}
	repo.groups[gk("Standard", "EURUSD")] = domain.GroupConfig{
		ContractSize: 100000, ProfitCurrency: "USD", Type: domain.InstrumentFX,
	}
	quotes := newFakeQuotes()
	e := newTestEngine(repo, quotes)

	res, err := e.ExecuteInstantOrder(context.Background(), ExecuteRequest{
		Symbol: "EURUSD", Side: domain.SideBuy, OrderQuantity: 1, OrderPrice: 1.1005,
		UserID: "u1", UserType: domain.UserLive,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != domain.StatusQueued {
		t.Fatalf("want QUEUED, got %s", res.Status)
	}
	if res.ProviderPayload == nil {
		t.Fatalf("provider flow must produce a send payload")
	}
}
