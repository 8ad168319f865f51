package xirr

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// --- Solve ---

func TestSolve_OneYearTenPercent(t *testing.T) {
	flows := []Flow{
		{Date: date(2023, 1, 1), Amount: -100},
		{Date: date(2024, 1, 1), Amount: 110},
	}
	r, method, err := Solve(flows)
	require.NoError(t, err)
	assert.Equal(t, MethodNewton, method)
	assert.InDelta(t, 0.10, r, 1e-9)
}

func TestSolve_HalfYearIsAnnualized(t *testing.T) {
	start := date(2023, 1, 1)
	flows := []Flow{
		{Date: start, Amount: -1000},
		{Date: start.AddDate(0, 0, 73), Amount: 1010}, // 0.2 years
	}
	r, _, err := Solve(flows)
	require.NoError(t, err)
	assert.InDelta(t, math.Pow(1.01, 5)-1, r, 1e-9)
	assert.InDelta(t, 0, XNPV(flows, r), 1e-6)
}

func TestSolve_InterimFlows(t *testing.T) {
	flows := []Flow{
		{Date: date(2020, 1, 1), Amount: -10000},
		{Date: date(2020, 6, 1), Amount: -2500},
		{Date: date(2021, 3, 1), Amount: 3000},
		{Date: date(2022, 1, 1), Amount: 11000},
	}
	r, _, err := Solve(flows)
	require.NoError(t, err)
	assert.InDelta(t, 0, XNPV(flows, r), 1e-6)
}

func TestSolve_OrderIndependent(t *testing.T) {
	flows := []Flow{
		{Date: date(2024, 1, 1), Amount: 110},
		{Date: date(2023, 1, 1), Amount: -100},
	}
	r, _, err := Solve(flows)
	require.NoError(t, err)
	assert.InDelta(t, 0.10, r, 1e-9)
}

func TestSolve_Undefined(t *testing.T) {
	_, _, err := Solve([]Flow{{Date: date(2023, 1, 1), Amount: -100}, {Date: date(2024, 1, 1), Amount: -5}})
	assert.ErrorIs(t, err, ErrUndefined)

	_, _, err = Solve([]Flow{{Date: date(2023, 1, 1), Amount: 0}})
	assert.ErrorIs(t, err, ErrUndefined)
}

func TestSolve_NearTotalLossUsesBisection(t *testing.T) {
	// The first Newton step from 10% lands below -1, so the solver must
	// fall back to bisection to find r = -0.999.
	flows := []Flow{
		{Date: date(2023, 1, 1), Amount: -1000},
		{Date: date(2024, 1, 1), Amount: 1},
	}
	r, method, err := Solve(flows)
	require.NoError(t, err)
	assert.Equal(t, MethodBisect, method)
	assert.InDelta(t, -0.999, r, 1e-9)
}

// --- internals ---

func TestNewton_AbandonsFlatDerivative(t *testing.T) {
	flows := []Flow{{Date: date(2023, 1, 1), Amount: -1}, {Date: date(2023, 1, 1), Amount: 2}}
	_, ok := newton(flows, yearFractions(flows))
	assert.False(t, ok, "same-day flows have zero derivative")
}

func TestBisect_NoBracket(t *testing.T) {
	flows := []Flow{{Date: date(2023, 1, 1), Amount: -1}, {Date: date(2023, 1, 1), Amount: 2}}
	_, err := bisect(flows, yearFractions(flows))
	assert.ErrorIs(t, err, ErrNoBracket)
}

func TestSolve_SameDayFlowsHaveNoRoot(t *testing.T) {
	flows := []Flow{{Date: date(2023, 1, 1), Amount: -1}, {Date: date(2023, 1, 1), Amount: 2}}
	_, _, err := Solve(flows)
	assert.ErrorIs(t, err, ErrNoBracket)
}
