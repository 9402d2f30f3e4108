package portfolio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxengine/internal/domain"
	"fxengine/internal/events"
	"fxengine/internal/quote"
)

type fakeRepo struct {
	configs    map[string]domain.UserConfig
	groups     map[string]domain.GroupConfig
	orders     map[string][]domain.Order
	holders    map[string][]string
	portfolios map[string]domain.UserPortfolio
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		configs:    make(map[string]domain.UserConfig),
		groups:     make(map[string]domain.GroupConfig),
		orders:     make(map[string][]domain.Order),
		holders:    make(map[string][]string),
		portfolios: make(map[string]domain.UserPortfolio),
	}
}

func uk(ut domain.UserType, uid string) string { return string(ut) + ":" + uid }

func (f *fakeRepo) GetUserConfig(ctx context.Context, ut domain.UserType, uid string) (domain.UserConfig, bool, error) {
	c, ok := f.configs[uk(ut, uid)]
	return c, ok, nil
}
func (f *fakeRepo) GetGroupConfig(ctx context.Context, group, symbol string) (domain.GroupConfig, bool, error) {
	g, ok := f.groups[group+":"+symbol]
	return g, ok, nil
}
func (f *fakeRepo) ListUserOrders(ctx context.Context, ut domain.UserType, uid string) ([]domain.Order, error) {
	return f.orders[uk(ut, uid)], nil
}
func (f *fakeRepo) SymbolHolders(ctx context.Context, symbol string, ut domain.UserType) ([]string, error) {
	return f.holders[symbol+":"+string(ut)], nil
}
func (f *fakeRepo) GetPortfolio(ctx context.Context, ut domain.UserType, uid string) (domain.UserPortfolio, bool, error) {
	p, ok := f.portfolios[uk(ut, uid)]
	return p, ok, nil
}
func (f *fakeRepo) PutPortfolio(ctx context.Context, p domain.UserPortfolio) error {
	f.portfolios[uk(p.UserType, p.UserID)] = p
	return nil
}

func TestRecomputeMissingBalanceIsError(t *testing.T) {
	r := newFakeRepo()
	r.configs[uk(domain.UserLive, "u1")] = domain.UserConfig{UserID: "u1", UserType: domain.UserLive}
	q := quote.New(nil, 5000)
	c := New(r, q, events.NewBus(), true)

	err := c.recompute(context.Background(), userKey{UserType: domain.UserLive, UserID: "u1"})
	require.NoError(t, err)

	p := r.portfolios[uk(domain.UserLive, "u1")]
	assert.Equal(t, domain.CalcError, p.CalcStatus)
	assert.Contains(t, p.ErrorCodes, "missing_balance")
}

func TestRecomputeHealthyUserOK(t *testing.T) {
	r := newFakeRepo()
	r.configs[uk(domain.UserLive, "u1")] = domain.UserConfig{
		UserID: "u1", UserType: domain.UserLive, WalletBalance: 10000, Leverage: 100, Group: "Standard",
	}
	r.groups["Standard:EURUSD"] = domain.GroupConfig{
		Group: "Standard", Symbol: "EURUSD", ContractSize: 1000, ProfitCurrency: "USD",
		Type: domain.InstrumentFX, GroupMargin: 1.0,
	}
	r.orders[uk(domain.UserLive, "u1")] = []domain.Order{
		{OrderID: "o1", UserID: "u1", UserType: domain.UserLive, Symbol: "EURUSD", Side: domain.SideBuy,
			OrderQuantity: 1, ContractSize: 1000, RawPrice: 1.0990, Status: domain.StatusOpen},
	}
	q := quote.New(nil, 5000)
	bid, ask := 1.1005, 1.1007
	q.PutPartial("EURUSD", &bid, &ask, domain.TimeNowMs())

	c := New(r, q, events.NewBus(), true)
	err := c.recompute(context.Background(), userKey{UserType: domain.UserLive, UserID: "u1"})
	require.NoError(t, err)

	p := r.portfolios[uk(domain.UserLive, "u1")]
	assert.Equal(t, domain.CalcOK, p.CalcStatus)
	assert.InDelta(t, 10000+(1.1005-1.0990)*1000, p.Equity, 1e-6)
	assert.Greater(t, p.UsedMarginExecuted, 0.0)
	assert.InDelta(t, p.Equity-p.UsedMarginExecuted, p.FreeMargin, 1e-9)
}

func TestRecomputeSkipsOrderWithMissingPriceAsDegraded(t *testing.T) {
	r := newFakeRepo()
	r.configs[uk(domain.UserLive, "u1")] = domain.UserConfig{
		UserID: "u1", UserType: domain.UserLive, WalletBalance: 5000, Leverage: 50, Group: "Standard",
	}
	r.orders[uk(domain.UserLive, "u1")] = []domain.Order{
		{OrderID: "o1", UserID: "u1", UserType: domain.UserLive, Symbol: "XAUUSD", Side: domain.SideBuy, OrderQuantity: 1},
	}
	q := quote.New(nil, 5000) // no quote seeded for XAUUSD

	c := New(r, q, events.NewBus(), true)
	err := c.recompute(context.Background(), userKey{UserType: domain.UserLive, UserID: "u1"})
	require.NoError(t, err)

	p := r.portfolios[uk(domain.UserLive, "u1")]
	assert.Equal(t, domain.CalcDegraded, p.CalcStatus)
	assert.Contains(t, p.DegradedFields, "missing_price")
	assert.InDelta(t, 5000, p.Equity, 1e-9, "unresolvable order contributes zero, not an error")
}

func TestZeroMarginYieldsSentinelMarginLevel(t *testing.T) {
	r := newFakeRepo()
	r.configs[uk(domain.UserLive, "u1")] = domain.UserConfig{UserID: "u1", UserType: domain.UserLive, WalletBalance: 1000}
	q := quote.New(nil, 5000)

	c := New(r, q, events.NewBus(), true)
	err := c.recompute(context.Background(), userKey{UserType: domain.UserLive, UserID: "u1"})
	require.NoError(t, err)

	p := r.portfolios[uk(domain.UserLive, "u1")]
	assert.Equal(t, domain.MarginLevelSafeSentinel, p.MarginLevel)
}
