package valuation_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

// priceTable answers LatestClose from an in-memory list, counting calls.
type priceTable struct {
	prices []model.Price
	calls  int
}

func (p *priceTable) LatestClose(_ context.Context, id string, asOf time.Time) (model.Price, bool, error) {
	p.calls++
	var best model.Price
	found := false
	for _, pr := range p.prices {
		if pr.InstrumentID != id || pr.Date.After(asOf) {
			continue
		}
		if !found || pr.Date.After(best.Date) {
			best, found = pr, true
		}
	}
	return best, found, nil
}

type mockPrices struct{ mock.Mock }

func (m *mockPrices) LatestClose(ctx context.Context, id string, asOf time.Time) (model.Price, bool, error) {
	args := m.Called(ctx, id, asOf)
	return args.Get(0).(model.Price), args.Bool(1), args.Error(2)
}

var (
	day1 = model.Date(2024, 3, 1)
	day2 = model.Date(2024, 3, 2)
)

func replay(t *testing.T, txs ...model.Transaction) *ledger.Result {
	t.Helper()
	res, err := ledger.Replay(ledger.SortForReplay(txs))
	require.NoError(t, err)
	return res
}

func instruments() map[string]model.Instrument {
	return map[string]model.Instrument{
		"aapl": {ID: "aapl", Symbol: "AAPL", Kind: model.KindStock},
		"msft": {ID: "msft", Symbol: "MSFT", Kind: model.KindStock},
	}
}

func TestBuild_EndToEnd(t *testing.T) {
	res := replay(t,
		model.Transaction{ID: "1", AccountID: "acct", Type: model.TxDeposit, TradeDate: day1, CreatedAt: day1, Amount: dp(50000)},
		model.Transaction{ID: "2", AccountID: "acct", Type: model.TxBuy, TradeDate: day2, CreatedAt: day2,
			InstrumentID: model.StrPtr("aapl"), Quantity: dp(60), Price: dp(190)},
	)
	prices := &priceTable{prices: []model.Price{{InstrumentID: "aapl", Date: day2, Close: d(198)}}}

	snap, err := valuation.NewBuilder(prices).Build(context.Background(), valuation.Input{
		AsOf: day2, Replay: res, Instruments: instruments(),
	})
	require.NoError(t, err)

	assert.True(t, snap.Totals.Cash.Equal(d(38600)), "cash %s", snap.Totals.Cash)
	assert.True(t, snap.Totals.MarketValue.Equal(d(11880)), "mv %s", snap.Totals.MarketValue)
	assert.True(t, snap.Totals.TotalValue.Equal(d(50480)), "total %s", snap.Totals.TotalValue)
	assert.True(t, snap.Totals.UnrealizedPnL.Equal(d(480)), "upnl %s", snap.Totals.UnrealizedPnL)
	assert.Empty(t, snap.Warnings)

	require.Len(t, snap.Holdings, 2)
	assert.Equal(t, valuation.CashSymbol, snap.Holdings[0].Symbol, "largest first")
	assert.Equal(t, "AAPL", snap.Holdings[1].Symbol)
	assert.InDelta(t, 11880.0/50480.0*100, snap.Holdings[1].WeightPct, 1e-9)
}

func TestBuild_MissingAndStalePrices(t *testing.T) {
	res := replay(t,
		model.Transaction{ID: "1", AccountID: "acct", Type: model.TxBuy, TradeDate: day1, CreatedAt: day1,
			InstrumentID: model.StrPtr("aapl"), Quantity: dp(1), Price: dp(100)},
		model.Transaction{ID: "2", AccountID: "acct", Type: model.TxBuy, TradeDate: day1, CreatedAt: day1,
			InstrumentID: model.StrPtr("msft"), Quantity: dp(2), Price: dp(50)},
	)
	prices := &priceTable{prices: []model.Price{{InstrumentID: "aapl", Date: day1, Close: d(110)}}}

	snap, err := valuation.NewBuilder(prices).Build(context.Background(), valuation.Input{
		AsOf: day2, Replay: res, Instruments: instruments(),
	})
	require.NoError(t, err)

	codes := map[model.WarningCode]string{}
	for _, w := range snap.Warnings {
		codes[w.Code] = w.Symbol
	}
	assert.Equal(t, "AAPL", codes[model.WarnStalePriceFallback])
	assert.Equal(t, "MSFT", codes[model.WarnMissingPrice])
	assert.Equal(t, valuation.CashSymbol, codes[model.WarnNegativeCash])

	assert.True(t, snap.Totals.MarketValue.Equal(d(110)))
	for _, h := range snap.Holdings {
		if h.Symbol == "MSFT" {
			assert.True(t, h.MarketValue.IsZero())
		}
	}
}

func TestBuild_WeightsFiniteAtZeroTotal(t *testing.T) {
	// Buy then sell at the same price with no cash left: total value is exactly zero.
	res := replay(t,
		model.Transaction{ID: "1", AccountID: "acct", Type: model.TxDeposit, TradeDate: day1, CreatedAt: day1, Amount: dp(100)},
		model.Transaction{ID: "2", AccountID: "acct", Type: model.TxBuy, TradeDate: day1, CreatedAt: day1.Add(time.Second),
			InstrumentID: model.StrPtr("aapl"), Quantity: dp(1), Price: dp(100)},
		model.Transaction{ID: "3", AccountID: "acct", Type: model.TxWithdrawal, TradeDate: day1, CreatedAt: day1.Add(2 * time.Second), Amount: dp(100)},
	)
	prices := &priceTable{prices: []model.Price{{InstrumentID: "aapl", Date: day1, Close: d(100)}}}

	snap, err := valuation.NewBuilder(prices).Build(context.Background(), valuation.Input{
		AsOf: day1, Replay: res, Instruments: instruments(),
	})
	require.NoError(t, err)
	assert.True(t, snap.Totals.TotalValue.IsZero())
	for _, h := range snap.Holdings {
		assert.False(t, math.IsInf(h.WeightPct, 0) || math.IsNaN(h.WeightPct), "weight for %s", h.Symbol)
	}
}

func TestBuild_UnknownInstrumentFallsBackToID(t *testing.T) {
	res := replay(t,
		model.Transaction{ID: "1", AccountID: "acct", Type: model.TxBuy, TradeDate: day1, CreatedAt: day1,
			InstrumentID: model.StrPtr("xyz"), Quantity: dp(1), Price: dp(1)},
	)
	prices := &priceTable{prices: []model.Price{{InstrumentID: "xyz", Date: day1, Close: d(2)}}}
	snap, err := valuation.NewBuilder(prices).Build(context.Background(), valuation.Input{AsOf: day1, Replay: res})
	require.NoError(t, err)
	require.NotEmpty(t, snap.Holdings)
	assert.Equal(t, "xyz", snap.Holdings[0].Symbol)
	assert.Equal(t, model.KindOther, snap.Holdings[0].Kind)
}

func TestBuild_Deterministic(t *testing.T) {
	res := replay(t,
		model.Transaction{ID: "1", AccountID: "b", Type: model.TxDeposit, TradeDate: day1, CreatedAt: day1, Amount: dp(10)},
		model.Transaction{ID: "2", AccountID: "a", Type: model.TxDeposit, TradeDate: day1, CreatedAt: day1, Amount: dp(10)},
	)
	b := valuation.NewBuilder(&priceTable{})
	first, err := b.Build(context.Background(), valuation.Input{AsOf: day1, Replay: res})
	require.NoError(t, err)
	second, err := b.Build(context.Background(), valuation.Input{AsOf: day1, Replay: res})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "a", first.Holdings[0].AccountID, "ties broken by account")
}

func TestBuild_PropagatesPriceErrors(t *testing.T) {
	res := replay(t,
		model.Transaction{ID: "1", AccountID: "acct", Type: model.TxBuy, TradeDate: day1, CreatedAt: day1,
			InstrumentID: model.StrPtr("aapl"), Quantity: dp(1), Price: dp(1)},
	)
	boom := errors.New("provider down")
	prices := &mockPrices{}
	prices.On("LatestClose", mock.Anything, "aapl", day1).Return(model.Price{}, false, boom)

	_, err := valuation.NewBuilder(prices).Build(context.Background(), valuation.Input{AsOf: day1, Replay: res})
	assert.ErrorIs(t, err, boom)
	prices.AssertExpectations(t)
}

func TestMemo_CachesLookups(t *testing.T) {
	table := &priceTable{prices: []model.Price{{InstrumentID: "aapl", Date: day1, Close: d(1)}}}
	memo := valuation.NewMemo(table)
	for i := 0; i < 3; i++ {
		p, ok, err := memo.LatestClose(context.Background(), "aapl", day2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, p.Close.Equal(d(1)))
	}
	_, _, err := memo.LatestClose(context.Background(), "aapl", day1)
	require.NoError(t, err)
	assert.Equal(t, 2, table.calls)
}
