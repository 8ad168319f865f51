// Package valuation combines replayed positions with a price lookup into a
// point-in-time snapshot. A Builder holds no mutable state and may be called
// concurrently for different dates.
package valuation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
)

// CashSymbol labels the synthetic per-account cash row.
const CashSymbol = "CASH"

// PriceSource returns the latest close at or before asOf.
type PriceSource interface {
	LatestClose(ctx context.Context, instrumentID string, asOf time.Time) (model.Price, bool, error)
}

// Input is everything one snapshot depends on.
type Input struct {
	AsOf        time.Time
	Replay      *ledger.Result
	Instruments map[string]model.Instrument // by instrument id; missing entries fall back to the id
}

// Builder produces snapshots.
type Builder struct {
	prices PriceSource
}

// NewBuilder creates a snapshot builder over a price source.
func NewBuilder(prices PriceSource) *Builder {
	return &Builder{prices: prices}
}

// Build values every open position and cash balance as of in.AsOf.
// Missing prices value the position at zero and emit MISSING_PRICE; prices
// from an earlier date are used and emit STALE_PRICE_FALLBACK.
func (b *Builder) Build(ctx context.Context, in Input) (*model.Snapshot, error) {
	asOf := model.Day(in.AsOf)
	snap := &model.Snapshot{AsOf: asOf, Holdings: []model.Holding{}, Warnings: []model.Warning{}}
	if in.Replay == nil {
		return snap, nil
	}

	totals := model.Totals{RealizedPnL: in.Replay.RealizedPnL()}

	for _, pos := range in.Replay.Positions {
		inst := lookup(in.Instruments, pos.InstrumentID)
		instrumentID := pos.InstrumentID
		h := model.Holding{
			AccountID:    pos.AccountID,
			InstrumentID: &instrumentID,
			Symbol:       inst.Symbol,
			Kind:         inst.Kind,
			Quantity:     pos.Quantity,
			MarketValue:  decimal.Zero,
			CostBasis:    pos.CostBasis,
			RealizedPnL:  pos.RealizedPnL,
		}

		price, ok, err := b.prices.LatestClose(ctx, pos.InstrumentID, asOf)
		if err != nil {
			return nil, fmt.Errorf("price for %s as of %s: %w", pos.InstrumentID, asOf.Format(model.DateLayout), err)
		}
		switch {
		case !ok:
			snap.Warnings = append(snap.Warnings, model.Warning{
				Code:         model.WarnMissingPrice,
				Message:      fmt.Sprintf("no price for %s on or before %s", inst.Symbol, asOf.Format(model.DateLayout)),
				AccountID:    model.StrPtr(pos.AccountID),
				InstrumentID: model.StrPtr(pos.InstrumentID),
				Symbol:       inst.Symbol,
			})
		default:
			if !model.SameDay(price.Date, asOf) {
				snap.Warnings = append(snap.Warnings, model.Warning{
					Code: model.WarnStalePriceFallback,
					Message: fmt.Sprintf("using %s close from %s for %s",
						inst.Symbol, model.Day(price.Date).Format(model.DateLayout), asOf.Format(model.DateLayout)),
					AccountID:    model.StrPtr(pos.AccountID),
					InstrumentID: model.StrPtr(pos.InstrumentID),
					Symbol:       inst.Symbol,
				})
			}
			h.MarketValue = pos.Quantity.Mul(price.Close)
			h.UnrealizedPnL = h.MarketValue.Sub(pos.CostBasis)
		}

		totals.MarketValue = totals.MarketValue.Add(h.MarketValue)
		totals.UnrealizedPnL = totals.UnrealizedPnL.Add(h.UnrealizedPnL)
		snap.Holdings = append(snap.Holdings, h)
	}

	for _, account := range in.Replay.Accounts() {
		cash := in.Replay.Cash[account]
		totals.Cash = totals.Cash.Add(cash)
		if cash.LessThan(ledger.Epsilon.Neg()) {
			snap.Warnings = append(snap.Warnings, model.Warning{
				Code:      model.WarnNegativeCash,
				Message:   fmt.Sprintf("account %s cash balance is %s", account, cash.StringFixed(2)),
				AccountID: model.StrPtr(account),
				Symbol:    CashSymbol,
			})
		}
		if cash.Abs().LessThanOrEqual(ledger.Epsilon) {
			continue
		}
		snap.Holdings = append(snap.Holdings, model.Holding{
			AccountID:   account,
			Symbol:      CashSymbol,
			Kind:        model.KindCash,
			Quantity:    cash,
			MarketValue: cash,
			CostBasis:   cash,
			RealizedPnL: in.Replay.Income[account],
		})
	}

	totals.TotalValue = totals.Cash.Add(totals.MarketValue)
	snap.Totals = totals
	Reweight(snap.Holdings, totals.TotalValue)
	SortHoldings(snap.Holdings)
	return snap, nil
}

func lookup(instruments map[string]model.Instrument, id string) model.Instrument {
	if inst, ok := instruments[id]; ok {
		if inst.Symbol == "" {
			inst.Symbol = id
		}
		if inst.Kind == "" {
			inst.Kind = model.KindOther
		}
		return inst
	}
	return model.Instrument{ID: id, Symbol: id, Kind: model.KindOther}
}

// Reweight sets WeightPct on every holding against total. A total within
// ledger.Epsilon of zero is replaced by 1 so weights stay finite.
func Reweight(holdings []model.Holding, total decimal.Decimal) {
	denominator := total
	if denominator.Abs().LessThanOrEqual(ledger.Epsilon) {
		denominator = decimal.NewFromInt(1)
	}
	hundred := decimal.NewFromInt(100)
	for i := range holdings {
		holdings[i].WeightPct = holdings[i].MarketValue.Mul(hundred).Div(denominator).InexactFloat64()
	}
}

// SortHoldings orders by market value descending, then account and symbol.
func SortHoldings(holdings []model.Holding) {
	sort.SliceStable(holdings, func(i, j int) bool {
		a, b := holdings[i], holdings[j]
		if c := a.MarketValue.Cmp(b.MarketValue); c != 0 {
			return c > 0
		}
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		return a.Symbol < b.Symbol
	})
}
