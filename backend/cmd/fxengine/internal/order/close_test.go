package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"fxengine/internal/domain"
)

func openTestOrder(repo *fakeRepo, o domain.Order) {
	k := uk(o.UserType, o.UserID)
	if repo.holdings[k] == nil {
		repo.holdings[k] = map[string]domain.Order{}
	}
	repo.holdings[k][o.OrderID] = o
	repo.global[o.OrderID] = o
}

func TestCloseOrderLocalZeroCommissionZeroSwapUSD(t *testing.T) {
	repo := newFakeRepo()
	repo.users[uk(domain.UserDemo, "u1")] = domain.UserConfig{
		WalletBalance: 10000, Leverage: 100, Group: "Standard", Status: "verified",
	}
	quotes := newFakeQuotes()
	quotes.set("EURUSD", 1.1000, 1.1000, 1000)

	openTestOrder(repo, domain.Order{
		OrderID: "o1", UserID: "u1", UserType: domain.UserDemo,
		Symbol: "EURUSD", Side: domain.SideBuy, OrderQuantity: 1, OrderPrice: 1.1000,
		Status: domain.StatusOpen, ExecutionStatus: domain.ExecExecuted,
		ContractSize: 100000, ProfitCurrency: "USD", Margin: 1100,
	})

	e := newTestEngine(repo, quotes)
	res, err := e.Close(context.Background(), CloseRequest{OrderID: "o1", CloseReason: domain.CloseReasonClosed})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NetProfit != 0 {
		t.Fatalf("want net_profit 0 (no spread move, no commission, no swap), got %v", res.NetProfit)
	}
	if _, ok := repo.global["o1"]; ok {
		t.Fatalf("closed order should be removed")
	}
}

func TestCloseOrderLocalBuyProfitsOnPriceIncrease(t *testing.T) {
	repo := newFakeRepo()
	repo.users[uk(domain.UserDemo, "u1")] = domain.UserConfig{
		WalletBalance: 10000, Leverage: 100, Group: "Standard", Status: "verified",
	}
	quotes := newFakeQuotes()
	quotes.set("EURUSD", 1.1100, 1.1100, 1000)

	openTestOrder(repo, domain.Order{
		OrderID: "o1", UserID: "u1", UserType: domain.UserDemo,
		Symbol: "EURUSD", Side: domain.SideBuy, OrderQuantity: 1, OrderPrice: 1.1000,
		Status: domain.StatusOpen, ExecutionStatus: domain.ExecExecuted,
		ContractSize: 100000, ProfitCurrency: "USD",
	})

	e := newTestEngine(repo, quotes)
	res, err := e.Close(context.Background(), CloseRequest{OrderID: "o1", CloseReason: domain.CloseReasonClosed})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := (1.1100 - 1.1000) * 1 * 100000
	if res.NetProfit != want {
		t.Fatalf("want net_profit %v, got %v", want, res.NetProfit)
	}
}

func TestCloseOrderRejectsInvalidCloseReason(t *testing.T) {
	repo := newFakeRepo()
	quotes := newFakeQuotes()
	openTestOrder(repo, domain.Order{
		OrderID: "o1", UserID: "u1", UserType: domain.UserDemo,
		Symbol: "EURUSD", Side: domain.SideBuy, Status: domain.StatusOpen,
	})
	e := newTestEngine(repo, quotes)
	_, err := e.Close(context.Background(), CloseRequest{OrderID: "o1", CloseReason: "bogus"})
	if !errors.Is(err, domain.ErrInvalidCloseStatus) {
		t.Fatalf("want ErrInvalidCloseStatus, got %v", err)
	}
}

func TestCloseOrderMissingOrderErrors(t *testing.T) {
	repo := newFakeRepo()
	quotes := newFakeQuotes()
	e := newTestEngine(repo, quotes)
	_, err := e.Close(context.Background(), CloseRequest{OrderID: "missing", CloseReason: domain.CloseReasonClosed})
	if !errors.Is(err, domain.ErrMissingOrderData) {
		t.Fatalf("want ErrMissingOrderData, got %v", err)
	}
}

func TestCloseOrderProviderFlowWithoutPriorCancelsReturnsAsync(t *testing.T) {
	repo := newFakeRepo()
	repo.users[uk(domain.UserLive, "u1")] = domain.UserConfig{
		WalletBalance: 10000, Leverage: 100, Group: "Standard", Status: "verified",
		SendingOrders: domain.SendingBarclays,
	}
	openTestOrder(repo, domain.Order{
		OrderID: "o1", UserID: "u1", UserType: domain.UserLive,
		Symbol: "EURUSD", Side: domain.SideBuy, Status: domain.StatusOpen,
		ExecutionStatus: domain.ExecExecuted,
	})

	e := newTestEngine(repo, newFakeQuotes())
	e.Provider = &fakeProviderCloser{}

	res, err := e.Close(context.Background(), CloseRequest{OrderID: "o1", CloseReason: domain.CloseReasonClosed})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Async {
		t.Fatalf("no prior cancels: close should return immediately (async)")
	}
	if o := repo.global["o1"]; o.Status != domain.StatusClosed {
		t.Fatalf("status should be marked CLOSED pre-emptively, got %s", o.Status)
	}
}

func TestCloseOrderProviderFlowWithoutGatewayErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.users[uk(domain.UserLive, "u1")] = domain.UserConfig{
		WalletBalance: 10000, Leverage: 100, Group: "Standard", Status: "verified",
		SendingOrders: domain.SendingBarclays,
	}
	openTestOrder(repo, domain.Order{
		OrderID: "o1", UserID: "u1", UserType: domain.UserLive,
		Symbol: "EURUSD", Side: domain.SideBuy, Status: domain.StatusOpen,
	})
	e := newTestEngine(repo, newFakeQuotes())
	_, err := e.Close(context.Background(), CloseRequest{OrderID: "o1", CloseReason: domain.CloseReasonClosed})
	if !errors.Is(err, domain.ErrProviderUnreachable) {
		t.Fatalf("want ErrProviderUnreachable, got %v", err)
	}
}

type fakeProviderCloser struct {
	cancelStatus string
	closeStatus  string
}

func (f *fakeProviderCloser) SendCancel(ctx context.Context, orderID, cancelID, targetLifecycleID string) error {
	return nil
}

func (f *fakeProviderCloser) SendClose(ctx context.Context, orderID, closeID string) error {
	return nil
}

func (f *fakeProviderCloser) WaitAck(ctx context.Context, lifecycleID string, deadline time.Duration) (string, error) {
	return "EXECUTED", nil
}
