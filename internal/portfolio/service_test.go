package portfolio_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/exposure"
	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/performance"
	"github.com/atmx/portfolio-engine/internal/period"
	"github.com/atmx/portfolio-engine/internal/portfolio"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/warnings"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func dp(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

func jan(day int) time.Time { return model.Date(2024, time.January, day) }

type fixture struct {
	store *store.MemoryStore
	svc   *portfolio.Service
}

// newFixture: acc-1 deposits 10000 and buys 10 AAPL @ 100 and 5 VTI @ 200
// on Jan 2. AAPL closes 100 on Jan 2 and 110 on Jan 5; VTI closes 200 on Jan 2.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.UpsertInstrument(ctx, model.Instrument{ID: "aapl", Symbol: "AAPL", Kind: model.KindStock,
		Country: model.StrPtr("US"), Sector: model.StrPtr("Technology"), Industry: model.StrPtr("Hardware"), Currency: model.StrPtr("USD")}))
	require.NoError(t, s.UpsertInstrument(ctx, model.Instrument{ID: "msft", Symbol: "MSFT", Kind: model.KindStock,
		Country: model.StrPtr("US"), Sector: model.StrPtr("Technology"), Industry: model.StrPtr("Software"), Currency: model.StrPtr("USD")}))
	require.NoError(t, s.UpsertInstrument(ctx, model.Instrument{ID: "vti", Symbol: "VTI", Kind: model.KindETF,
		Country: model.StrPtr("US"), Currency: model.StrPtr("USD")}))

	_, err := s.UpsertPrices(ctx, []model.Price{
		{InstrumentID: "aapl", Date: jan(2), Close: d(100)},
		{InstrumentID: "aapl", Date: jan(5), Close: d(110)},
		{InstrumentID: "vti", Date: jan(2), Close: d(200)},
	})
	require.NoError(t, err)
	require.NoError(t, s.UpsertConstituents(ctx, model.ConstituentSet{
		ETFInstrumentID: "vti", AsOf: jan(1),
		Weights: map[string]decimal.Decimal{"AAPL": d(0.5), "MSFT": d(0.5)},
	}))

	created := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	for _, tx := range []model.Transaction{
		{ID: "t1", AccountID: "acc-1", Type: model.TxDeposit, TradeDate: jan(2), Amount: dp(10000), CreatedAt: created},
		{ID: "t2", AccountID: "acc-1", InstrumentID: model.StrPtr("aapl"), Type: model.TxBuy, TradeDate: jan(2),
			Quantity: dp(10), Price: dp(100), CreatedAt: created.Add(time.Minute)},
		{ID: "t3", AccountID: "acc-1", InstrumentID: model.StrPtr("vti"), Type: model.TxBuy, TradeDate: jan(2),
			Quantity: dp(5), Price: dp(200), CreatedAt: created.Add(2 * time.Minute)},
	} {
		tx := tx
		require.NoError(t, s.InsertTransaction(ctx, &tx))
	}

	svc := portfolio.NewService(portfolio.Deps{
		Transactions: s,
		Prices:       s,
		Instruments:  s,
		Daily:        s,
		Performance:  performance.NewEngine(),
		Exposure:     exposure.NewEngine(s, s),
		Tracker:      warnings.NewTracker(s, zerolog.Nop()),
	}, zerolog.Nop())
	return &fixture{store: s, svc: svc}
}

func TestSnapshot_ValuesAndTracksWarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.svc.Snapshot(ctx, "acc-1", jan(5))
	require.NoError(t, err)
	assert.True(t, snap.Totals.Cash.Equal(d(8000)), snap.Totals.Cash.String())
	assert.True(t, snap.Totals.MarketValue.Equal(d(2100)), snap.Totals.MarketValue.String())
	assert.True(t, snap.Totals.TotalValue.Equal(d(10100)))

	// VTI's only close is from Jan 2.
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, model.WarnStalePriceFallback, snap.Warnings[0].Code)

	active, err := f.store.ListActiveWarnings(ctx, portfolio.Scope("acc-1"), warnings.ModeSnapshot)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = f.store.UpsertPrices(ctx, []model.Price{{InstrumentID: "vti", Date: jan(5), Close: d(210)}})
	require.NoError(t, err)
	snap, err = f.svc.Snapshot(ctx, "acc-1", jan(5))
	require.NoError(t, err)
	assert.Empty(t, snap.Warnings)

	active, _ = f.store.ListActiveWarnings(ctx, portfolio.Scope("acc-1"), warnings.ModeSnapshot)
	assert.Empty(t, active, "stale price warning resolved")
}

func TestPerformance_CustomPeriod(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Performance(context.Background(), "acc-1",
		period.Selector{Kind: period.Custom, From: ptr(jan(2)), To: ptr(jan(5))}, jan(5))
	require.NoError(t, err)

	// Jan 2 is funded flat; the only move is AAPL 100 -> 110 on Jan 5.
	assert.InDelta(t, 100.0/10000, res.TWR, 1e-12)
	assert.True(t, res.StartValue.IsZero())
	assert.True(t, res.EndValue.Equal(d(10100)))
	assert.True(t, res.NetFlows.Equal(d(10000)))
	require.NotNil(t, res.MWR)
	assert.Greater(t, *res.MWR, 0.0)
}

func TestPerformance_SinceInception(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Performance(context.Background(), "", period.Selector{Kind: period.SinceInception}, jan(10))
	require.NoError(t, err)
	assert.Equal(t, jan(2), res.Period.Start)
	assert.Equal(t, jan(10), res.Period.End)

	_, err = f.svc.Performance(context.Background(), "nobody", period.Selector{Kind: period.SinceInception}, jan(10))
	assert.ErrorIs(t, err, period.ErrInvalidPeriod)
}

func ptr(t time.Time) *time.Time { return &t }

func TestExposure_LookThroughAndClassification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.svc.Exposure(ctx, portfolio.ExposureRequest{AccountID: "acc-1", AsOf: jan(5), LookThrough: true})
	require.NoError(t, err)

	require.NotNil(t, report.LookThrough)
	assert.InDelta(t, 100, report.LookThrough.CoveragePct, 1e-9)
	assert.True(t, report.TotalValue.Equal(d(10100)))

	var aapl model.Holding
	for _, h := range report.Holdings {
		assert.NotEqual(t, model.KindETF, h.Kind, "ETFs are replaced by constituents")
		if h.Symbol == "AAPL" {
			aapl = h
		}
	}
	assert.True(t, aapl.MarketValue.Equal(d(1600)), aapl.MarketValue.String())

	require.NotEmpty(t, report.Dimensions)
	assert.Equal(t, exposure.DimensionCountry, report.Dimensions[0].Name)
	assert.Equal(t, exposure.CashBucket, report.Dimensions[0].Buckets[0].Label)

	active, _ := f.store.ListActiveWarnings(ctx, portfolio.Scope("acc-1"), warnings.ModeExposure)
	assert.NotEmpty(t, active, "stale VTI price and stale constituents are tracked")
}

func TestExposure_FilteredViewDoesNotTouchLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.svc.Exposure(ctx, portfolio.ExposureRequest{
		AccountID: "acc-1", AsOf: jan(5), Kinds: []model.AssetKind{model.KindStock},
	})
	require.NoError(t, err)
	require.Len(t, report.Holdings, 1)
	assert.Equal(t, "AAPL", report.Holdings[0].Symbol)
	assert.InDelta(t, 100, report.Holdings[0].WeightPct, 1e-9, "weights use the filtered denominator")

	active, _ := f.store.ListActiveWarnings(ctx, portfolio.Scope("acc-1"), warnings.ModeExposure)
	assert.Empty(t, active)
}

func TestValidateEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oversell := model.Transaction{ID: "t9", AccountID: "acc-1", InstrumentID: model.StrPtr("aapl"),
		Type: model.TxSell, TradeDate: jan(3), Quantity: dp(11), Price: dp(100)}
	err := f.svc.ValidateEdit(ctx, oversell)
	assert.ErrorIs(t, err, ledger.ErrInsufficientLots)

	// Moving the buy after an existing-lot sell would break history too.
	require.NoError(t, f.store.InsertTransaction(ctx, &model.Transaction{ID: "t4", AccountID: "acc-1",
		InstrumentID: model.StrPtr("aapl"), Type: model.TxSell, TradeDate: jan(4), Quantity: dp(5), Price: dp(105),
		CreatedAt: jan(4)}))
	backdated := model.Transaction{ID: "t2", AccountID: "acc-1", InstrumentID: model.StrPtr("aapl"),
		Type: model.TxBuy, TradeDate: jan(6), Quantity: dp(10), Price: dp(100)}
	assert.ErrorIs(t, f.svc.ValidateEdit(ctx, backdated), ledger.ErrInsufficientLots)

	ok := oversell
	ok.Quantity = dp(5)
	assert.NoError(t, f.svc.ValidateEdit(ctx, ok))

	bad := ok
	bad.Price = nil
	assert.ErrorIs(t, f.svc.ValidateEdit(ctx, bad), ledger.ErrMissingField)
}

func TestMaterializeDaily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.MaterializeDaily(ctx, jan(1), jan(5))
	require.NoError(t, err)
	assert.Equal(t, 5, m.Days)
	assert.Equal(t, 1, m.WarningsObserved, "stale VTI close on Jan 5")

	rows, err := f.store.DailyValuations(ctx, portfolio.ScopePortfolio, jan(1), jan(5))
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.True(t, rows[0].TotalValue.IsZero())
	assert.True(t, rows[1].TotalValue.Equal(d(10000)))
	assert.True(t, rows[4].TotalValue.Equal(d(10100)))
	assert.Equal(t, 1, rows[4].WarningCount)

	_, err = f.svc.MaterializeDaily(ctx, jan(5), jan(1))
	assert.ErrorIs(t, err, period.ErrInvalidPeriod)
}
