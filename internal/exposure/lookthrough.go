// Package exposure reallocates ETF holdings into their constituents and
// breaks holdings down by country, sector, industry and currency.
package exposure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

// UnmappedSymbol labels the synthetic bucket for ETF value without constituents.
const UnmappedSymbol = "UNMAPPED_ETF_EXPOSURE"

// ConstituentSource returns the most recent weight set dated on or before asOf.
type ConstituentSource interface {
	LatestConstituents(ctx context.Context, etfInstrumentID string, asOf time.Time) (model.ConstituentSet, bool, error)
}

// InstrumentSource resolves instrument metadata by id or by symbol.
type InstrumentSource interface {
	InstrumentsByID(ctx context.Context, ids []string) (map[string]model.Instrument, error)
	InstrumentsBySymbol(ctx context.Context, symbols []string) (map[string]model.Instrument, error)
}

// DefaultMaterialityPct is the unclassified share (of gross value) above
// which an UNCLASSIFIED_EXPOSURE warning is emitted.
const DefaultMaterialityPct = 0.5

// Engine runs look-through and classification.
type Engine struct {
	constituents   ConstituentSource
	instruments    InstrumentSource
	materialityPct float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaterialityPct overrides DefaultMaterialityPct.
func WithMaterialityPct(pct float64) Option {
	return func(e *Engine) { e.materialityPct = pct }
}

// NewEngine creates an exposure engine.
func NewEngine(constituents ConstituentSource, instruments InstrumentSource, opts ...Option) *Engine {
	e := &Engine{
		constituents:   constituents,
		instruments:    instruments,
		materialityPct: DefaultMaterialityPct,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LookThroughResult is the flattened holding set plus coverage figures.
type LookThroughResult struct {
	Holdings        []model.Holding `json:"holdings"`
	TotalETFValue   decimal.Decimal `json:"total_etf_value"`
	CoveredETFValue decimal.Decimal `json:"covered_etf_value"`
	UncoveredValue  decimal.Decimal `json:"uncovered_value"`
	CoveragePct     float64         `json:"coverage_pct"`
	Warnings        []model.Warning `json:"warnings"`
}

type mergeKey struct {
	account string
	symbol  string
	kind    model.AssetKind
}

// flatSet merges rows by (account, symbol, kind), keeping first-seen order.
type flatSet struct {
	index map[mergeKey]int
	rows  []model.Holding
}

func newFlatSet() *flatSet {
	return &flatSet{index: make(map[mergeKey]int)}
}

func (f *flatSet) add(h model.Holding) {
	key := mergeKey{h.AccountID, strings.ToUpper(h.Symbol), h.Kind}
	if i, ok := f.index[key]; ok {
		row := &f.rows[i]
		row.Quantity = row.Quantity.Add(h.Quantity)
		row.MarketValue = row.MarketValue.Add(h.MarketValue)
		row.CostBasis = row.CostBasis.Add(h.CostBasis)
		row.UnrealizedPnL = row.UnrealizedPnL.Add(h.UnrealizedPnL)
		row.RealizedPnL = row.RealizedPnL.Add(h.RealizedPnL)
		if row.InstrumentID == nil {
			row.InstrumentID = h.InstrumentID
		}
		return
	}
	f.index[key] = len(f.rows)
	f.rows = append(f.rows, h)
}

// scaled returns the share fraction of h as a synthetic row.
func scaled(h model.Holding, symbol string, kind model.AssetKind, fraction decimal.Decimal) model.Holding {
	return model.Holding{
		AccountID:     h.AccountID,
		Symbol:        symbol,
		Kind:          kind,
		Quantity:      decimal.Zero,
		MarketValue:   h.MarketValue.Mul(fraction),
		CostBasis:     h.CostBasis.Mul(fraction),
		UnrealizedPnL: h.UnrealizedPnL.Mul(fraction),
		RealizedPnL:   h.RealizedPnL.Mul(fraction),
	}
}

// ApplyLookThrough replaces each ETF holding with its constituents using the
// latest weight set dated on or before asOf. ETFs without usable weights go
// to the UNMAPPED_ETF_EXPOSURE bucket in full; any weight shortfall goes there
// proportionally.
func (e *Engine) ApplyLookThrough(ctx context.Context, holdings []model.Holding, asOf time.Time) (*LookThroughResult, error) {
	asOf = model.Day(asOf)
	res := &LookThroughResult{Warnings: []model.Warning{}}
	flat := newFlatSet()
	one := decimal.NewFromInt(1)

	for _, h := range holdings {
		if h.Kind != model.KindETF || h.InstrumentID == nil {
			flat.add(h)
			continue
		}
		etfID := *h.InstrumentID
		res.TotalETFValue = res.TotalETFValue.Add(h.MarketValue)

		set, found, err := e.constituents.LatestConstituents(ctx, etfID, asOf)
		if err != nil {
			return nil, fmt.Errorf("constituents for %s: %w", etfID, err)
		}

		weights, sum := positiveWeights(set.Weights)
		if !found || len(weights) == 0 {
			res.Warnings = append(res.Warnings, model.Warning{
				Code:         model.WarnEtfLookthroughUnavailable,
				Message:      fmt.Sprintf("no constituent weights for %s on or before %s", h.Symbol, asOf.Format(model.DateLayout)),
				AccountID:    model.StrPtr(h.AccountID),
				InstrumentID: model.StrPtr(etfID),
				Symbol:       h.Symbol,
			})
			flat.add(scaled(h, UnmappedSymbol, model.KindUnmapped, one))
			res.UncoveredValue = res.UncoveredValue.Add(h.MarketValue)
			continue
		}
		if !model.SameDay(set.AsOf, asOf) {
			res.Warnings = append(res.Warnings, model.Warning{
				Code: model.WarnEtfLookthroughStale,
				Message: fmt.Sprintf("using %s constituents from %s for %s", h.Symbol,
					model.Day(set.AsOf).Format(model.DateLayout), asOf.Format(model.DateLayout)),
				AccountID:    model.StrPtr(h.AccountID),
				InstrumentID: model.StrPtr(etfID),
				Symbol:       h.Symbol,
			})
		}

		// Weights summing to at most 1 are already fractions.
		if sum.GreaterThan(one) {
			for i := range weights {
				weights[i].weight = weights[i].weight.Div(sum)
			}
			sum = one
		}

		for _, w := range weights {
			flat.add(scaled(h, w.symbol, model.KindStock, w.weight))
		}
		covered := h.MarketValue.Mul(sum)
		res.CoveredETFValue = res.CoveredETFValue.Add(covered)

		if shortfall := one.Sub(sum); shortfall.GreaterThan(ledger.Epsilon) {
			flat.add(scaled(h, UnmappedSymbol, model.KindUnmapped, shortfall))
			res.UncoveredValue = res.UncoveredValue.Add(h.MarketValue.Sub(covered))
		}
	}

	res.CoveragePct = 100
	if res.TotalETFValue.Abs().GreaterThan(ledger.Epsilon) {
		res.CoveragePct = res.CoveredETFValue.Div(res.TotalETFValue).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	total := decimal.Zero
	for _, h := range flat.rows {
		total = total.Add(h.MarketValue)
	}
	valuation.Reweight(flat.rows, total)
	valuation.SortHoldings(flat.rows)
	res.Holdings = flat.rows
	return res, nil
}

type symbolWeight struct {
	symbol string
	weight decimal.Decimal
}

// positiveWeights drops non-positive weights and returns the rest sorted by
// symbol, with their sum.
func positiveWeights(weights map[string]decimal.Decimal) ([]symbolWeight, decimal.Decimal) {
	out := make([]symbolWeight, 0, len(weights))
	sum := decimal.Zero
	for symbol, w := range weights {
		if !w.IsPositive() {
			continue
		}
		out = append(out, symbolWeight{symbol: strings.ToUpper(strings.TrimSpace(symbol)), weight: w})
		sum = sum.Add(w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out, sum
}
