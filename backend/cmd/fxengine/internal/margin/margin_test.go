package margin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxengine/internal/domain"
	"fxengine/internal/quote"
)

func newQuotes(t *testing.T, records ...quote.Record) *quote.Store {
	t.Helper()
	s := quote.New(nil, 5000)
	for _, r := range records {
		bid, ask := r.Bid, r.Ask
		s.PutPartial(r.Symbol, &bid, &ask, r.TsMs)
	}
	return s
}

// Pinned against original_source/services/python-service/tests/test_margin_calculator.py.
func TestSingleOrderMarginUSDNonCrypto(t *testing.T) {
	q := newQuotes(t)
	margin, err := SingleOrderMarginUSD(1000, 1, 1.2, "USD", "EURUSD", 100, domain.InstrumentFX, 0, q, 1000, true)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, margin, 1e-9)
}

func TestSingleOrderMarginUSDCrypto(t *testing.T) {
	q := newQuotes(t)
	margin, err := SingleOrderMarginUSD(1000, 1, 1.2, "USD", "BTCUSD", 100, domain.InstrumentCrypto, 0.5, q, 1000, true)
	require.NoError(t, err)
	assert.InDelta(t, 600.0, margin, 1e-9)
}

func TestSingleOrderMarginUSDStrictInvalidLeverage(t *testing.T) {
	q := newQuotes(t)
	_, err := SingleOrderMarginUSD(1000, 1, 1.2, "USD", "EURUSD", 0, domain.InstrumentFX, 0, q, 1000, true)
	assert.ErrorIs(t, err, domain.ErrInvalidLeverage)
}

func TestSingleOrderMarginUSDNonStrictMissingContractSize(t *testing.T) {
	q := newQuotes(t)
	margin, err := SingleOrderMarginUSD(0, 1, 1.2, "USD", "EURUSD", 100, domain.InstrumentFX, 0, q, 1000, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, margin, 1e-9)
}

func TestConvertToUSDDirectPair(t *testing.T) {
	q := newQuotes(t, quote.Record{Symbol: "EURUSD", Bid: 1.0995, Ask: 1.1000, TsMs: 1000})
	usd, ok, err := ConvertToUSD(100, "EUR", q, 1000, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 110.0, usd, 1e-9)
}

func TestConvertToUSDInversePair(t *testing.T) {
	q := newQuotes(t, quote.Record{Symbol: "USDJPY", Bid: 149.98, Ask: 150.00, TsMs: 1000})
	usd, ok, err := ConvertToUSD(15000, "JPY", q, 1000, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 100.0, usd, 1e-6)
}

func TestConvertToUSDStrictNoConversion(t *testing.T) {
	q := newQuotes(t)
	_, _, err := ConvertToUSD(100, "GBP", q, 1000, true)
	assert.ErrorIs(t, err, domain.ErrNoConversion)
}

func TestConvertToUSDNonStrictNoConversion(t *testing.T) {
	q := newQuotes(t)
	usd, ok, err := ConvertToUSD(100, "GBP", q, 1000, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0.0, usd)
}

func TestComputeSymbolMarginFullNetting(t *testing.T) {
	orders := []symbolOrderMargin{
		{Side: domain.SideBuy, MarginUSD: 100},
		{Side: domain.SideSell, MarginUSD: 40},
	}
	assert.InDelta(t, 100.0, ComputeSymbolMargin(orders, 1.0), 1e-9, "full netting charges only the larger side")
}

func TestComputeSymbolMarginNoNetting(t *testing.T) {
	orders := []symbolOrderMargin{
		{Side: domain.SideBuy, MarginUSD: 100},
		{Side: domain.SideSell, MarginUSD: 40},
	}
	assert.InDelta(t, 140.0, ComputeSymbolMargin(orders, 0.0), 1e-9, "no netting sums both sides")
}

func TestComputeSymbolMarginPartialNetting(t *testing.T) {
	orders := []symbolOrderMargin{
		{Side: domain.SideBuy, MarginUSD: 100},
		{Side: domain.SideSell, MarginUSD: 40},
	}
	assert.InDelta(t, 120.0, ComputeSymbolMargin(orders, 0.5), 1e-9)
}

func TestUserTotalMarginHedgesPerSymbolAndSplitsQueued(t *testing.T) {
	q := newQuotes(t, quote.Record{Symbol: "EURUSD", Bid: 1.0998, Ask: 1.1000, TsMs: 1000})
	groups := func(symbol string) (domain.GroupConfig, bool) {
		if symbol != "EURUSD" {
			return domain.GroupConfig{}, false
		}
		return domain.GroupConfig{
			Group: "Standard", Symbol: "EURUSD", ContractSize: 1000,
			ProfitCurrency: "USD", Type: domain.InstrumentFX, GroupMargin: 1.0,
		}, true
	}

	orders := []domain.Order{
		{OrderID: "o1", Symbol: "EURUSD", Side: domain.SideBuy, OrderQuantity: 1, Status: domain.StatusOpen},
		{OrderID: "o2", Symbol: "EURUSD", Side: domain.SideSell, OrderQuantity: 0.4, Status: domain.StatusQueued},
	}

	res := UserTotalMargin(orders, 100, groups, q, 1000, true)
	require.False(t, res.Fatal)
	// buy margin = 1000*1*1.1/100 = 11.0, sell margin = 1000*0.4*1.1/100 = 4.4
	assert.InDelta(t, 11.0, res.UsedMarginExecuted, 1e-6, "queued order excluded from executed total")
	assert.InDelta(t, 11.0, res.UsedMarginAll, 1e-6, "full netting: the smaller (queued) side is fully absorbed")
}

func TestUserTotalMarginSkipsMissingGroupData(t *testing.T) {
	q := newQuotes(t)
	groups := func(symbol string) (domain.GroupConfig, bool) { return domain.GroupConfig{}, false }
	orders := []domain.Order{{OrderID: "o1", Symbol: "EURUSD", OrderQuantity: 1}}

	res := UserTotalMargin(orders, 100, groups, q, 1000, true)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, "missing_group_data", res.PerOrder["o1"].Reason)
}
