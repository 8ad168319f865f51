// Package xirr solves for the internal rate of return of an irregularly
// spaced cash-flow series (actual/365 day count).
//
// The solver tries Newton-Raphson seeded at 10% first and falls back to
// bisection on [-0.9999, 1e18] when Newton does not converge within its
// iteration cap, its derivative underflows, or it leaves the domain r > -1.
// The iteration caps and tolerances below are part of the contract: results
// must be reproducible across runs and implementations.
package xirr

import (
	"errors"
	"math"
	"sort"
	"time"
)

var (
	// ErrUndefined is returned when the flows lack both a positive and a
	// negative amount; the IRR has no solution.
	ErrUndefined = errors.New("xirr: flows need at least one positive and one negative amount")

	// ErrNoBracket is returned when bisection endpoints do not straddle zero.
	ErrNoBracket = errors.New("xirr: bisection bounds do not bracket a root")
)

const (
	// Guess is the Newton-Raphson seed.
	Guess = 0.1
	// NewtonMaxIter caps Newton-Raphson iterations.
	NewtonMaxIter = 100
	// BisectMaxIter caps bisection iterations.
	BisectMaxIter = 200
	// StepTolerance is the Newton step size accepted as converged.
	StepTolerance = 1e-10
	// ResidualTolerance is the |XNPV| accepted as a root during bisection.
	ResidualTolerance = 1e-9
	// MinDerivative is the |dXNPV/dr| below which Newton is abandoned.
	MinDerivative = 1e-12
	// LowerBound and UpperBound delimit the bisection interval.
	LowerBound = -0.9999
	UpperBound = 1e18

	daysPerYear = 365.0
)

// Flow is one dated cash amount. Negative is money paid in by the investor.
type Flow struct {
	Date   time.Time
	Amount float64
}

// Method reports which solver produced a rate.
type Method string

const (
	MethodNewton Method = "newton"
	MethodBisect Method = "bisection"
)

// Solve returns the annualized rate r at which XNPV(r) = 0.
func Solve(flows []Flow) (float64, Method, error) {
	if !hasBothSigns(flows) {
		return 0, "", ErrUndefined
	}

	sorted := make([]Flow, len(flows))
	copy(sorted, flows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	years := yearFractions(sorted)

	if r, ok := newton(sorted, years); ok {
		return r, MethodNewton, nil
	}
	r, err := bisect(sorted, years)
	if err != nil {
		return 0, "", err
	}
	return r, MethodBisect, nil
}

// XNPV is the net present value of flows at rate r, discounted to the first
// (earliest) flow date.
func XNPV(flows []Flow, r float64) float64 {
	sorted := make([]Flow, len(flows))
	copy(sorted, flows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })
	return xnpv(sorted, yearFractions(sorted), r)
}

func hasBothSigns(flows []Flow) bool {
	pos, neg := false, false
	for _, f := range flows {
		if f.Amount > 0 {
			pos = true
		} else if f.Amount < 0 {
			neg = true
		}
	}
	return pos && neg
}

func yearFractions(sorted []Flow) []float64 {
	years := make([]float64, len(sorted))
	if len(sorted) == 0 {
		return years
	}
	t0 := sorted[0].Date
	for i, f := range sorted {
		years[i] = f.Date.Sub(t0).Hours() / 24 / daysPerYear
	}
	return years
}

func xnpv(flows []Flow, years []float64, r float64) float64 {
	sum := 0.0
	base := 1 + r
	for i, f := range flows {
		sum += f.Amount / math.Pow(base, years[i])
	}
	return sum
}

func dxnpv(flows []Flow, years []float64, r float64) float64 {
	sum := 0.0
	base := 1 + r
	for i, f := range flows {
		if years[i] == 0 {
			continue
		}
		sum -= years[i] * f.Amount / math.Pow(base, years[i]+1)
	}
	return sum
}

func newton(flows []Flow, years []float64) (float64, bool) {
	r := Guess
	for i := 0; i < NewtonMaxIter; i++ {
		f := xnpv(flows, years, r)
		df := dxnpv(flows, years, r)
		if math.Abs(df) < MinDerivative || math.IsNaN(df) || math.IsInf(df, 0) {
			return 0, false
		}
		next := r - f/df
		if math.IsNaN(next) || math.IsInf(next, 0) || next <= -1 {
			return 0, false
		}
		if math.Abs(next-r) < StepTolerance {
			return next, true
		}
		r = next
	}
	return 0, false
}

func bisect(flows []Flow, years []float64) (float64, error) {
	lo, hi := LowerBound, UpperBound
	fLo := xnpv(flows, years, lo)
	fHi := xnpv(flows, years, hi)
	if math.IsNaN(fLo) || math.IsNaN(fHi) || fLo*fHi > 0 {
		return 0, ErrNoBracket
	}
	if fLo == 0 {
		return lo, nil
	}
	if fHi == 0 {
		return hi, nil
	}

	mid := lo
	for i := 0; i < BisectMaxIter; i++ {
		mid = (lo + hi) / 2
		fMid := xnpv(flows, years, mid)
		if math.Abs(fMid) < ResidualTolerance || (hi-lo)/2 < StepTolerance {
			return mid, nil
		}
		if fLo*fMid < 0 {
			hi = mid
		} else {
			lo, fLo = mid, fMid
		}
	}
	return mid, nil
}
