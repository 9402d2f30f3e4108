package marginguard

import (
	"context"
	"testing"

	"fxengine/internal/domain"
	"fxengine/internal/quote"
)

type fakeRepo struct {
	cfg       domain.UserConfig
	portfolio domain.UserPortfolio
}

func (r *fakeRepo) GetUserConfig(ctx context.Context, userType domain.UserType, userID string) (domain.UserConfig, bool, error) {
	return r.cfg, true, nil
}
func (r *fakeRepo) GetPortfolio(ctx context.Context, userType domain.UserType, userID string) (domain.UserPortfolio, bool, error) {
	return r.portfolio, true, nil
}

func f(v float64) *float64 { return &v }

func TestHasSufficientFreeMarginApproves(t *testing.T) {
	quotes := quote.New(nil, 60000)
	quotes.PutPartial("EURUSD", f(1.0998), f(1.1000), domain.TimeNowMs())

	repo := &fakeRepo{
		cfg:       domain.UserConfig{Leverage: 100},
		portfolio: domain.UserPortfolio{FreeMargin: 1000},
	}
	g := New(repo, quotes, false)

	po := domain.PendingOrder{OrderID: "p1", Symbol: "EURUSD", OrderQuantity: 1}
	group := domain.GroupConfig{ContractSize: 1000, ProfitCurrency: "USD"}

	ok, err := g.HasSufficientFreeMargin(context.Background(), domain.UserLive, "u1", po, 1.1, group)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected sufficient free margin")
	}
}

func TestHasSufficientFreeMarginRejects(t *testing.T) {
	repo := &fakeRepo{
		cfg:       domain.UserConfig{Leverage: 1},
		portfolio: domain.UserPortfolio{FreeMargin: 1},
	}
	g := New(repo, quote.New(nil, 60000), false)

	po := domain.PendingOrder{OrderID: "p1", Symbol: "EURUSD", OrderQuantity: 10}
	group := domain.GroupConfig{ContractSize: 100000, ProfitCurrency: "USD"}

	ok, err := g.HasSufficientFreeMargin(context.Background(), domain.UserLive, "u1", po, 1.1, group)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected insufficient free margin to be rejected")
	}
}
