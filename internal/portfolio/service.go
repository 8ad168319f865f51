// Package portfolio composes the ledger, valuation, performance, exposure and
// warning engines into the computations the request layer exposes.
package portfolio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/exposure"
	"github.com/atmx/portfolio-engine/internal/ledger"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/performance"
	"github.com/atmx/portfolio-engine/internal/period"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/valuation"
	"github.com/atmx/portfolio-engine/internal/warnings"
)

// ScopePortfolio is the warning and valuation scope spanning every account.
const ScopePortfolio = "portfolio"

// Scope names the warning scope of an account filter.
func Scope(accountID string) string {
	if accountID == "" {
		return ScopePortfolio
	}
	return "account:" + accountID
}

// endOfTime selects a transaction history without a date cutoff.
var endOfTime = model.Date(9999, time.December, 31)

// Deps are the collaborators of a Service.
type Deps struct {
	Transactions store.TransactionSource
	Prices       store.PriceSource
	Instruments  store.InstrumentSource
	Daily        store.DailyValuationStore
	Performance  *performance.Engine
	Exposure     *exposure.Engine
	Tracker      *warnings.Tracker
}

// Service runs portfolio computations.
type Service struct {
	txs         store.TransactionSource
	prices      store.PriceSource
	instruments store.InstrumentSource
	daily       store.DailyValuationStore
	perf        *performance.Engine
	exposure    *exposure.Engine
	tracker     *warnings.Tracker
	log         zerolog.Logger
}

// NewService creates a portfolio service.
func NewService(deps Deps, log zerolog.Logger) *Service {
	return &Service{
		txs:         deps.Transactions,
		prices:      deps.Prices,
		instruments: deps.Instruments,
		daily:       deps.Daily,
		perf:        deps.Performance,
		exposure:    deps.Exposure,
		tracker:     deps.Tracker,
		log:         log.With().Str("component", "portfolio").Logger(),
	}
}

// history is a transaction set loaded once plus the instruments it touches.
type history struct {
	accountID   string
	txs         []model.Transaction
	instruments map[string]model.Instrument
}

func (s *Service) load(ctx context.Context, accountID string, through time.Time) (*history, error) {
	txs, err := s.txs.Transactions(ctx, accountID, through)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	var ids []string
	seen := make(map[string]bool)
	for _, tx := range txs {
		if id := tx.Instrument(); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	instruments := map[string]model.Instrument{}
	if len(ids) > 0 {
		if instruments, err = s.instruments.InstrumentsByID(ctx, ids); err != nil {
			return nil, fmt.Errorf("load instruments: %w", err)
		}
	}
	return &history{accountID: accountID, txs: txs, instruments: instruments}, nil
}

// inception is the earliest trade date in h, or nil when h is empty.
func (h *history) inception() *time.Time {
	var first *time.Time
	for _, tx := range h.txs {
		day := model.Day(tx.TradeDate)
		if first == nil || day.Before(*first) {
			first = &day
		}
	}
	return first
}

func (h *history) snapshot(ctx context.Context, b *valuation.Builder, asOf time.Time) (*model.Snapshot, error) {
	res, err := ledger.Replay(ledger.Filter(h.txs, h.accountID, asOf))
	if err != nil {
		return nil, err
	}
	return b.Build(ctx, valuation.Input{AsOf: asOf, Replay: res, Instruments: h.instruments})
}

// Snapshot values the scope as of asOf and reconciles its warnings.
func (s *Service) Snapshot(ctx context.Context, accountID string, asOf time.Time) (*model.Snapshot, error) {
	start := time.Now()
	asOf = model.Day(asOf)

	h, err := s.load(ctx, accountID, asOf)
	if err != nil {
		return nil, err
	}
	snap, err := h.snapshot(ctx, valuation.NewBuilder(s.prices), asOf)
	if err != nil {
		return nil, err
	}
	metrics.SnapshotLatency.WithLabelValues("snapshot").Observe(time.Since(start).Seconds())

	if err := s.track(ctx, Scope(accountID), warnings.ModeSnapshot, asOf, snap.Warnings, false); err != nil {
		return nil, err
	}
	return snap, nil
}

// Performance resolves sel against asOf and computes MWR and TWR.
func (s *Service) Performance(ctx context.Context, accountID string, sel period.Selector, asOf time.Time) (*performance.Result, error) {
	start := time.Now()
	asOf = model.Day(asOf)

	h, err := s.load(ctx, accountID, asOf)
	if err != nil {
		return nil, err
	}
	bounds, err := period.Resolve(sel, asOf, h.inception())
	if err != nil {
		return nil, err
	}

	builder := valuation.NewBuilder(valuation.NewMemo(s.prices))
	valuer := performance.ValuerFunc(func(ctx context.Context, on time.Time) (decimal.Decimal, error) {
		snap, err := h.snapshot(ctx, builder, on)
		if err != nil {
			return decimal.Zero, err
		}
		return snap.Totals.TotalValue, nil
	})

	res, err := s.perf.Compute(ctx, bounds, performance.ExternalFlows(h.txs, bounds), valuer)
	if err != nil {
		return nil, err
	}
	metrics.SnapshotLatency.WithLabelValues("performance").Observe(time.Since(start).Seconds())
	s.log.Debug().
		Str("scope", Scope(accountID)).
		Int("days", bounds.Days()).
		Dur("elapsed", time.Since(start)).
		Msg("Performance computed")
	return res, nil
}

// ExposureRequest selects an exposure view. Kinds and Symbols are view
// filters; a filtered view is never reconciled into the warning ledger.
type ExposureRequest struct {
	AccountID   string
	AsOf        time.Time
	LookThrough bool
	Kinds       []model.AssetKind
	Symbols     []string
}

// Filtered reports whether any view filter is set.
func (r ExposureRequest) Filtered() bool {
	return len(r.Kinds) > 0 || len(r.Symbols) > 0
}

// LookThroughSummary reports ETF coverage of a look-through view.
type LookThroughSummary struct {
	TotalETFValue   decimal.Decimal `json:"total_etf_value"`
	CoveredETFValue decimal.Decimal `json:"covered_etf_value"`
	UncoveredValue  decimal.Decimal `json:"uncovered_value"`
	CoveragePct     float64         `json:"coverage_pct"`
}

// ExposureReport is holdings plus their classification breakdown.
type ExposureReport struct {
	AsOf        time.Time            `json:"as_of"`
	TotalValue  decimal.Decimal      `json:"total_value"`
	Holdings    []model.Holding      `json:"holdings"`
	LookThrough *LookThroughSummary  `json:"look_through,omitempty"`
	Dimensions  []exposure.Dimension `json:"dimensions"`
	Warnings    []model.Warning      `json:"warnings"`
}

// Exposure builds the snapshot, optionally looks through ETFs, applies view
// filters and classifies what remains.
func (s *Service) Exposure(ctx context.Context, req ExposureRequest) (*ExposureReport, error) {
	start := time.Now()
	asOf := model.Day(req.AsOf)

	h, err := s.load(ctx, req.AccountID, asOf)
	if err != nil {
		return nil, err
	}
	snap, err := h.snapshot(ctx, valuation.NewBuilder(s.prices), asOf)
	if err != nil {
		return nil, err
	}

	report := &ExposureReport{AsOf: asOf}
	holdings := snap.Holdings
	observed := append([]model.Warning{}, snap.Warnings...)

	if req.LookThrough {
		lt, err := s.exposure.ApplyLookThrough(ctx, holdings, asOf)
		if err != nil {
			return nil, err
		}
		holdings = lt.Holdings
		observed = append(observed, lt.Warnings...)
		report.LookThrough = &LookThroughSummary{
			TotalETFValue:   lt.TotalETFValue,
			CoveredETFValue: lt.CoveredETFValue,
			UncoveredValue:  lt.UncoveredValue,
			CoveragePct:     lt.CoveragePct,
		}
	}

	if req.Filtered() {
		holdings = filterHoldings(holdings, req.Kinds, req.Symbols)
	}
	total := decimal.Zero
	for _, hd := range holdings {
		total = total.Add(hd.MarketValue)
	}
	valuation.Reweight(holdings, total)
	valuation.SortHoldings(holdings)

	breakdown, err := s.exposure.Classify(ctx, holdings, total)
	if err != nil {
		return nil, err
	}
	observed = append(observed, breakdown.Warnings...)

	report.TotalValue = total
	report.Holdings = holdings
	report.Dimensions = breakdown.Dimensions
	report.Warnings = observed
	metrics.SnapshotLatency.WithLabelValues("exposure").Observe(time.Since(start).Seconds())

	if err := s.track(ctx, Scope(req.AccountID), warnings.ModeExposure, asOf, observed, req.Filtered()); err != nil {
		return nil, err
	}
	return report, nil
}

func filterHoldings(holdings []model.Holding, kinds []model.AssetKind, symbols []string) []model.Holding {
	kindSet := make(map[model.AssetKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	symbolSet := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		symbolSet[strings.ToUpper(strings.TrimSpace(sym))] = true
	}
	out := make([]model.Holding, 0, len(holdings))
	for _, h := range holdings {
		if len(kindSet) > 0 && !kindSet[h.Kind] {
			continue
		}
		if len(symbolSet) > 0 && !symbolSet[strings.ToUpper(h.Symbol)] {
			continue
		}
		out = append(out, h)
	}
	return out
}

// ValidateEdit checks that replacing (or appending) edited keeps every
// affected account's full history replayable.
func (s *Service) ValidateEdit(ctx context.Context, edited model.Transaction) error {
	all, err := s.txs.Transactions(ctx, "", endOfTime)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	return ledger.ValidateEdit(all, edited)
}

// MaterializeDaily persists a portfolio-scope DailyValuation for every day in
// [from, to] and reconciles the warnings observed on to.
func (s *Service) MaterializeDaily(ctx context.Context, from, to time.Time) (*model.Materialization, error) {
	start := time.Now()
	from, to = model.Day(from), model.Day(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: to before from", period.ErrInvalidPeriod)
	}

	h, err := s.load(ctx, "", to)
	if err != nil {
		return nil, err
	}
	builder := valuation.NewBuilder(valuation.NewMemo(s.prices))

	out := &model.Materialization{}
	var last *model.Snapshot
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := h.snapshot(ctx, builder, day)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", day.Format(model.DateLayout), err)
		}
		if err := s.daily.SaveDailyValuation(ctx, model.DailyValuation{
			Scope:         ScopePortfolio,
			Date:          day,
			Cash:          snap.Totals.Cash,
			MarketValue:   snap.Totals.MarketValue,
			TotalValue:    snap.Totals.TotalValue,
			RealizedPnL:   snap.Totals.RealizedPnL,
			UnrealizedPnL: snap.Totals.UnrealizedPnL,
			WarningCount:  len(snap.Warnings),
		}); err != nil {
			return nil, err
		}
		out.Days++
		last = snap
	}

	outcome, err := s.tracker.Reconcile(ctx, ScopePortfolio, warnings.ModeValuation, to, last.Warnings, false)
	if err != nil {
		return nil, err
	}
	out.WarningsObserved = outcome.Observed
	out.WarningsResolved = outcome.Resolved
	metrics.ActiveWarnings.WithLabelValues(ScopePortfolio, warnings.ModeValuation).Set(float64(len(outcome.Active)))
	metrics.SnapshotLatency.WithLabelValues("materialize").Observe(time.Since(start).Seconds())

	s.log.Info().
		Str("from", from.Format(model.DateLayout)).
		Str("to", to.Format(model.DateLayout)).
		Int("days", out.Days).
		Int("warnings", out.WarningsObserved).
		Msg("Daily valuations materialized")
	return out, nil
}

func (s *Service) track(ctx context.Context, scope, mode string, asOf time.Time, observed []model.Warning, filtered bool) error {
	outcome, err := s.tracker.Reconcile(ctx, scope, mode, asOf, observed, filtered)
	if err != nil {
		return err
	}
	if !filtered {
		metrics.ActiveWarnings.WithLabelValues(scope, mode).Set(float64(len(outcome.Active)))
	}
	return nil
}
