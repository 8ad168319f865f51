// Package performance computes money-weighted (XIRR) and time-weighted
// (daily-chained) returns over a resolved period.
//
// The engine never values a portfolio itself; it asks an injected Valuer for
// end-of-day totals, once per day in the period plus the opening day.
package performance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/period"
	"github.com/atmx/portfolio-engine/internal/xirr"
)

// zeroTolerance mirrors the ledger epsilon for value comparisons in float space.
const zeroTolerance = 1e-9

// Valuer returns the scope's total value at the end of a calendar day.
type Valuer interface {
	TotalValue(ctx context.Context, on time.Time) (decimal.Decimal, error)
}

// ValuerFunc adapts a function to Valuer.
type ValuerFunc func(ctx context.Context, on time.Time) (decimal.Decimal, error)

// TotalValue implements Valuer.
func (f ValuerFunc) TotalValue(ctx context.Context, on time.Time) (decimal.Decimal, error) {
	return f(ctx, on)
}

// Result is the outcome of one performance request.
type Result struct {
	Period     period.Bounds   `json:"period"`
	MWR        *float64        `json:"mwr"` // nil when XIRR is undefined
	MWRMethod  xirr.Method     `json:"mwr_method,omitempty"`
	TWR        float64         `json:"twr"`
	StartValue decimal.Decimal `json:"start_value"`
	EndValue   decimal.Decimal `json:"end_value"`
	NetFlows   decimal.Decimal `json:"net_flows"`
}

// Engine computes returns. It is stateless.
type Engine struct{}

// NewEngine creates a performance engine.
func NewEngine() *Engine { return &Engine{} }

// ExternalFlows sums DEPOSIT (+) and WITHDRAWAL (-) amounts per calendar day
// inside bounds.
func ExternalFlows(txs []model.Transaction, bounds period.Bounds) map[time.Time]decimal.Decimal {
	flows := make(map[time.Time]decimal.Decimal)
	for _, tx := range txs {
		day := model.Day(tx.TradeDate)
		if day.Before(bounds.Start) || day.After(bounds.End) || tx.Amount == nil {
			continue
		}
		switch tx.Type {
		case model.TxDeposit:
			flows[day] = flows[day].Add(*tx.Amount)
		case model.TxWithdrawal:
			flows[day] = flows[day].Sub(*tx.Amount)
		case model.TxBuy, model.TxSell, model.TxDividend, model.TxFee:
			// internal to the portfolio
		}
	}
	return flows
}

// Compute returns MWR and TWR for bounds. flows are external flows keyed by
// calendar day (see ExternalFlows).
func (e *Engine) Compute(ctx context.Context, bounds period.Bounds, flows map[time.Time]decimal.Decimal, v Valuer) (*Result, error) {
	start, end := model.Day(bounds.Start), model.Day(bounds.End)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end before start", period.ErrInvalidPeriod)
	}

	opening, err := v.TotalValue(ctx, start.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("opening value: %w", err)
	}

	prev := opening
	growth := make([]float64, 0, bounds.Days())
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		curr, err := v.TotalValue(ctx, day)
		if err != nil {
			return nil, fmt.Errorf("value on %s: %w", day.Format(model.DateLayout), err)
		}
		growth = append(growth, 1+dailyReturn(prev, curr, flows[day]))
		prev = curr
	}
	closing := prev

	res := &Result{
		Period:     period.Bounds{Start: start, End: end},
		TWR:        floats.Prod(growth) - 1,
		StartValue: opening,
		EndValue:   closing,
	}
	for _, f := range flows {
		res.NetFlows = res.NetFlows.Add(f)
	}

	mwr, method, err := xirr.Solve(cashFlowSeries(start, end, opening, closing, flows))
	switch {
	case err == nil:
		res.MWR = &mwr
		res.MWRMethod = method
	case errors.Is(err, xirr.ErrUndefined), errors.Is(err, xirr.ErrNoBracket):
		// MWR stays nil
	default:
		return nil, fmt.Errorf("xirr: %w", err)
	}
	return res, nil
}

// dailyReturn is (curr - prev - flow) / prev. With no opening value the
// day's own contributions are the base; if those are zero too the day is flat.
func dailyReturn(prev, curr, flow decimal.Decimal) float64 {
	p := prev.InexactFloat64()
	c := curr.InexactFloat64()
	f := flow.InexactFloat64()
	if math.Abs(p) <= zeroTolerance {
		if math.Abs(c-f) <= zeroTolerance || f <= zeroTolerance {
			return 0
		}
		return (c - f) / f
	}
	return (c - p - f) / p
}

// cashFlowSeries builds the investor-perspective series: the opening value is
// paid in, deposits are paid in, withdrawals are received, the closing value
// is received.
func cashFlowSeries(start, end time.Time, opening, closing decimal.Decimal, flows map[time.Time]decimal.Decimal) []xirr.Flow {
	days := make([]time.Time, 0, len(flows))
	for day, amount := range flows {
		if !amount.IsZero() {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	series := make([]xirr.Flow, 0, len(days)+2)
	series = append(series, xirr.Flow{Date: start, Amount: opening.Neg().InexactFloat64()})
	for _, day := range days {
		series = append(series, xirr.Flow{Date: day, Amount: flows[day].Neg().InexactFloat64()})
	}
	series = append(series, xirr.Flow{Date: end, Amount: closing.InexactFloat64()})
	return series
}
