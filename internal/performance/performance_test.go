package performance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/performance"
	"github.com/atmx/portfolio-engine/internal/period"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func dp(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

// stepValuer returns value before the switch day and after from then on.
func stepValuer(switchDay time.Time, before, after float64) performance.Valuer {
	return performance.ValuerFunc(func(_ context.Context, on time.Time) (decimal.Decimal, error) {
		if on.Before(switchDay) {
			return d(before), nil
		}
		return d(after), nil
	})
}

func TestCompute_GrowthNoFlows(t *testing.T) {
	bounds := period.Bounds{Start: model.Date(2023, 1, 1), End: model.Date(2024, 1, 1)}
	v := stepValuer(bounds.End, 100, 110)

	res, err := performance.NewEngine().Compute(context.Background(), bounds, nil, v)
	require.NoError(t, err)

	assert.InDelta(t, 0.10, res.TWR, 1e-6)
	require.NotNil(t, res.MWR)
	assert.InDelta(t, 0.10, *res.MWR, 1e-6)
	assert.True(t, res.StartValue.Equal(d(100)))
	assert.True(t, res.EndValue.Equal(d(110)))
}

func TestCompute_TWRNeutralizesDeposits(t *testing.T) {
	// Day 1: 100 -> 110 (+10%). Day 2: deposit 1000, value 1110 -> flat.
	// Day 3: 1110 -> 1221 (+10%). TWR = 1.1*1.1 - 1.
	start := model.Date(2024, 1, 1)
	values := map[time.Time]float64{
		start.AddDate(0, 0, -1): 100,
		start:                   110,
		start.AddDate(0, 0, 1):  1110,
		start.AddDate(0, 0, 2):  1221,
	}
	v := performance.ValuerFunc(func(_ context.Context, on time.Time) (decimal.Decimal, error) {
		return d(values[on]), nil
	})
	flows := map[time.Time]decimal.Decimal{start.AddDate(0, 0, 1): d(1000)}

	res, err := performance.NewEngine().Compute(context.Background(),
		period.Bounds{Start: start, End: start.AddDate(0, 0, 2)}, flows, v)
	require.NoError(t, err)
	assert.InDelta(t, 0.21, res.TWR, 1e-9)
	assert.True(t, res.NetFlows.Equal(d(1000)))
	require.NotNil(t, res.MWR)
}

func TestCompute_ZeroOpeningValue(t *testing.T) {
	// Account funded on the first day of the period: deposit equals end-of-day value.
	start := model.Date(2024, 1, 1)
	v := performance.ValuerFunc(func(_ context.Context, on time.Time) (decimal.Decimal, error) {
		if on.Before(start) {
			return decimal.Zero, nil
		}
		return d(500), nil
	})
	flows := map[time.Time]decimal.Decimal{start: d(500)}

	res, err := performance.NewEngine().Compute(context.Background(),
		period.Bounds{Start: start, End: start.AddDate(0, 0, 5)}, flows, v)
	require.NoError(t, err)
	assert.InDelta(t, 0, res.TWR, 1e-12)
	require.NotNil(t, res.MWR)
	assert.InDelta(t, 0, *res.MWR, 1e-9)
}

func TestCompute_EmptyScopeHasUndefinedMWR(t *testing.T) {
	v := performance.ValuerFunc(func(context.Context, time.Time) (decimal.Decimal, error) { return decimal.Zero, nil })
	res, err := performance.NewEngine().Compute(context.Background(),
		period.Bounds{Start: model.Date(2024, 1, 1), End: model.Date(2024, 1, 31)}, nil, v)
	require.NoError(t, err)
	assert.Nil(t, res.MWR)
	assert.Equal(t, 0.0, res.TWR)
}

func TestCompute_PropagatesValuerError(t *testing.T) {
	boom := errors.New("price provider down")
	v := performance.ValuerFunc(func(context.Context, time.Time) (decimal.Decimal, error) { return decimal.Zero, boom })
	_, err := performance.NewEngine().Compute(context.Background(),
		period.Bounds{Start: model.Date(2024, 1, 1), End: model.Date(2024, 1, 2)}, nil, v)
	assert.ErrorIs(t, err, boom)
}

func TestCompute_RejectsInvertedBounds(t *testing.T) {
	v := stepValuer(time.Time{}, 0, 0)
	_, err := performance.NewEngine().Compute(context.Background(),
		period.Bounds{Start: model.Date(2024, 2, 1), End: model.Date(2024, 1, 1)}, nil, v)
	assert.ErrorIs(t, err, period.ErrInvalidPeriod)
}

func TestCompute_CallsValuerOncePerDay(t *testing.T) {
	calls := 0
	v := performance.ValuerFunc(func(context.Context, time.Time) (decimal.Decimal, error) {
		calls++
		return d(1), nil
	})
	_, err := performance.NewEngine().Compute(context.Background(),
		period.Bounds{Start: model.Date(2024, 1, 1), End: model.Date(2024, 1, 10)}, nil, v)
	require.NoError(t, err)
	assert.Equal(t, 11, calls, "ten period days plus the opening day")
}

func TestExternalFlows(t *testing.T) {
	bounds := period.Bounds{Start: model.Date(2024, 1, 2), End: model.Date(2024, 1, 3)}
	txs := []model.Transaction{
		{ID: "1", Type: model.TxDeposit, TradeDate: model.Date(2024, 1, 1), Amount: dp(999)},
		{ID: "2", Type: model.TxDeposit, TradeDate: model.Date(2024, 1, 2), Amount: dp(100)},
		{ID: "3", Type: model.TxWithdrawal, TradeDate: model.Date(2024, 1, 2), Amount: dp(30)},
		{ID: "4", Type: model.TxDividend, TradeDate: model.Date(2024, 1, 3), Amount: dp(5)},
		{ID: "5", Type: model.TxWithdrawal, TradeDate: model.Date(2024, 1, 3), Amount: dp(10)},
	}
	flows := performance.ExternalFlows(txs, bounds)
	assert.Len(t, flows, 2)
	assert.True(t, flows[model.Date(2024, 1, 2)].Equal(d(70)))
	assert.True(t, flows[model.Date(2024, 1, 3)].Equal(d(-10)))
}
