package exposure

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"

	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/model"
)

// Classification dimensions, in report order.
const (
	DimensionCountry  = "country"
	DimensionSector   = "sector"
	DimensionIndustry = "industry"
	DimensionCurrency = "currency"
)

// Dimensions lists every classification dimension.
var Dimensions = []string{DimensionCountry, DimensionSector, DimensionIndustry, DimensionCurrency}

// Bucket labels with special meaning.
const (
	Unclassified    = "UNCLASSIFIED"
	CashBucket      = "CASH"
	DefaultCurrency = "USD"
)

// Bucket is one label within a dimension.
type Bucket struct {
	Label       string          `json:"label"`
	MarketValue decimal.Decimal `json:"market_value"`
	WeightPct   float64         `json:"weight_pct"`
}

// Coverage splits a dimension's gross value into classified and unclassified.
// Percentages are against the sum of absolute holding values.
type Coverage struct {
	ClassifiedValue   decimal.Decimal `json:"classified_value"`
	UnclassifiedValue decimal.Decimal `json:"unclassified_value"`
	ClassifiedPct     float64         `json:"classified_pct"`
	UnclassifiedPct   float64         `json:"unclassified_pct"`
}

// Dimension is the breakdown of holdings along one attribute.
type Dimension struct {
	Name     string   `json:"name"`
	Buckets  []Bucket `json:"buckets"`
	Coverage Coverage `json:"coverage"`
}

// Breakdown is the full classification result.
type Breakdown struct {
	Dimensions []Dimension     `json:"dimensions"`
	Warnings   []model.Warning `json:"warnings"`
}

// Classify buckets holdings by country, sector, industry and currency.
// Bucket weights are against totalValue; coverage is against gross value.
func (e *Engine) Classify(ctx context.Context, holdings []model.Holding, totalValue decimal.Decimal) (*Breakdown, error) {
	meta, unknown, err := e.resolve(ctx, holdings)
	if err != nil {
		return nil, err
	}

	gross := make([]float64, len(holdings))
	for i, h := range holdings {
		gross[i] = math.Abs(h.MarketValue.InexactFloat64())
	}
	grossTotal := floats.Sum(gross)

	out := &Breakdown{Dimensions: make([]Dimension, 0, len(Dimensions)), Warnings: []model.Warning{}}
	for _, dim := range Dimensions {
		d := buildDimension(dim, holdings, meta, totalValue, grossTotal)
		if d.Coverage.UnclassifiedPct >= e.materialityPct && d.Coverage.UnclassifiedValue.GreaterThan(ledger.Epsilon) {
			out.Warnings = append(out.Warnings, model.Warning{
				Code:    model.WarnUnclassifiedExposure,
				Message: fmt.Sprintf("%.2f%% of exposure has no %s classification", d.Coverage.UnclassifiedPct, dim),
				Symbol:  strings.ToUpper(dim),
			})
		}
		out.Dimensions = append(out.Dimensions, d)
	}

	for _, symbol := range unknown {
		out.Warnings = append(out.Warnings, model.Warning{
			Code:    model.WarnUnknownTicker,
			Message: fmt.Sprintf("no instrument metadata for symbol %s", symbol),
			Symbol:  symbol,
		})
	}
	return out, nil
}

// resolve returns instrument metadata per holding index, plus the sorted
// symbols that matched nothing. Lookups are by id first, then by symbol.
func (e *Engine) resolve(ctx context.Context, holdings []model.Holding) (map[int]model.Instrument, []string, error) {
	var ids []string
	seenID := make(map[string]bool)
	for _, h := range holdings {
		if h.InstrumentID != nil && !seenID[*h.InstrumentID] {
			seenID[*h.InstrumentID] = true
			ids = append(ids, *h.InstrumentID)
		}
	}
	byID := map[string]model.Instrument{}
	if len(ids) > 0 {
		var err error
		if byID, err = e.instruments.InstrumentsByID(ctx, ids); err != nil {
			return nil, nil, fmt.Errorf("instruments by id: %w", err)
		}
	}

	meta := make(map[int]model.Instrument, len(holdings))
	var symbols []string
	seenSymbol := make(map[string]bool)
	pending := make(map[int]string)
	for i, h := range holdings {
		if !needsMetadata(h) {
			continue
		}
		if h.InstrumentID != nil {
			if inst, ok := byID[*h.InstrumentID]; ok {
				meta[i] = inst
				continue
			}
		}
		symbol := strings.ToUpper(strings.TrimSpace(h.Symbol))
		pending[i] = symbol
		if !seenSymbol[symbol] {
			seenSymbol[symbol] = true
			symbols = append(symbols, symbol)
		}
	}
	if len(symbols) == 0 {
		return meta, nil, nil
	}

	bySymbol, err := e.instruments.InstrumentsBySymbol(ctx, symbols)
	if err != nil {
		return nil, nil, fmt.Errorf("instruments by symbol: %w", err)
	}
	missing := make(map[string]bool)
	for i, symbol := range pending {
		if inst, ok := bySymbol[symbol]; ok {
			meta[i] = inst
		} else {
			missing[symbol] = true
		}
	}
	unknown := make([]string, 0, len(missing))
	for symbol := range missing {
		unknown = append(unknown, symbol)
	}
	sort.Strings(unknown)
	return meta, unknown, nil
}

// needsMetadata is false for synthetic rows that are classified by kind.
func needsMetadata(h model.Holding) bool {
	return h.Kind != model.KindCash && h.Kind != model.KindUnmapped
}

func buildDimension(dim string, holdings []model.Holding, meta map[int]model.Instrument, totalValue decimal.Decimal, grossTotal float64) Dimension {
	values := make(map[string]decimal.Decimal)
	var classified, unclassified decimal.Decimal
	for i, h := range holdings {
		label := labelFor(dim, h, meta[i])
		values[label] = values[label].Add(h.MarketValue)
		if label == Unclassified {
			unclassified = unclassified.Add(h.MarketValue.Abs())
		} else {
			classified = classified.Add(h.MarketValue.Abs())
		}
	}

	denom := totalValue
	if denom.Abs().LessThanOrEqual(ledger.Epsilon) {
		denom = decimal.NewFromInt(1)
	}
	buckets := make([]Bucket, 0, len(values))
	for label, v := range values {
		buckets = append(buckets, Bucket{
			Label:       label,
			MarketValue: v,
			WeightPct:   v.Div(denom).Mul(decimal.NewFromInt(100)).InexactFloat64(),
		})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if c := buckets[i].MarketValue.Cmp(buckets[j].MarketValue); c != 0 {
			return c > 0
		}
		return buckets[i].Label < buckets[j].Label
	})

	cov := Coverage{ClassifiedValue: classified, UnclassifiedValue: unclassified, ClassifiedPct: 100}
	if grossTotal > 1e-9 {
		cov.ClassifiedPct = classified.InexactFloat64() / grossTotal * 100
		cov.UnclassifiedPct = unclassified.InexactFloat64() / grossTotal * 100
	}
	return Dimension{Name: dim, Buckets: buckets, Coverage: cov}
}

func labelFor(dim string, h model.Holding, inst model.Instrument) string {
	switch h.Kind {
	case model.KindCash:
		if dim == DimensionCurrency {
			return DefaultCurrency
		}
		return CashBucket
	case model.KindUnmapped:
		return Unclassified
	case model.KindStock, model.KindETF, model.KindBond, model.KindFund, model.KindOther:
	}

	var v *string
	switch dim {
	case DimensionCountry:
		v = inst.Country
	case DimensionSector:
		v = inst.Sector
	case DimensionIndustry:
		v = inst.Industry
	case DimensionCurrency:
		v = inst.Currency
	}
	if v == nil || strings.TrimSpace(*v) == "" {
		return Unclassified
	}
	return strings.TrimSpace(*v)
}
