package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	transactions []model.Transaction
	instruments  map[string]model.Instrument
	prices       map[string][]model.Price          // by instrument, ascending date
	constituents map[string][]model.ConstituentSet // by ETF, ascending as-of
	warnings     map[warningKey]*model.WarningRecord
	jobs         map[string]*model.RefreshJob
	daily        map[dailyKey]model.DailyValuation
}

type warningKey struct {
	scope       string
	fingerprint string
}

type dailyKey struct {
	scope string
	date  time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments:  make(map[string]model.Instrument),
		prices:       make(map[string][]model.Price),
		constituents: make(map[string][]model.ConstituentSet),
		warnings:     make(map[warningKey]*model.WarningRecord),
		jobs:         make(map[string]*model.RefreshJob),
		daily:        make(map[dailyKey]model.DailyValuation),
	}
}

// --- Transactions ---

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.transactions {
		if existing.ID == tx.ID {
			return fmt.Errorf("transaction %s: %w", tx.ID, ErrDuplicate)
		}
	}
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *MemoryStore) Transactions(_ context.Context, accountID string, through time.Time) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := model.Day(through)
	result := make([]model.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if accountID != "" && tx.AccountID != accountID {
			continue
		}
		if model.Day(tx.TradeDate).After(cutoff) {
			continue
		}
		result = append(result, tx)
	}
	return result, nil
}

// --- Instruments ---

func (s *MemoryStore) UpsertInstrument(_ context.Context, inst model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst.Symbol = strings.ToUpper(inst.Symbol)
	s.instruments[inst.ID] = inst
	return nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InstrumentsByID(_ context.Context, ids []string) (map[string]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.Instrument, len(ids))
	for _, id := range ids {
		if inst, ok := s.instruments[id]; ok {
			out[id] = inst
		}
	}
	return out, nil
}

func (s *MemoryStore) InstrumentsBySymbol(_ context.Context, symbols []string) (map[string]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[strings.ToUpper(sym)] = true
	}
	out := make(map[string]model.Instrument, len(symbols))
	for _, inst := range s.instruments {
		if want[inst.Symbol] {
			out[inst.Symbol] = inst
		}
	}
	return out, nil
}

// --- Prices ---

func (s *MemoryStore) UpsertPrices(_ context.Context, prices []model.Price) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range prices {
		p.Date = model.Day(p.Date)
		series := s.prices[p.InstrumentID]
		i := sort.Search(len(series), func(i int) bool { return !series[i].Date.Before(p.Date) })
		if i < len(series) && series[i].Date.Equal(p.Date) {
			series[i] = p
			continue
		}
		series = append(series, model.Price{})
		copy(series[i+1:], series[i:])
		series[i] = p
		s.prices[p.InstrumentID] = series
	}
	return len(prices), nil
}

func (s *MemoryStore) LatestClose(_ context.Context, instrumentID string, asOf time.Time) (model.Price, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.prices[instrumentID]
	asOf = model.Day(asOf)
	// First index strictly after asOf; the one before it is the answer.
	i := sort.Search(len(series), func(i int) bool { return series[i].Date.After(asOf) })
	if i == 0 {
		return model.Price{}, false, nil
	}
	return series[i-1], true, nil
}

// --- ETF constituents ---

func (s *MemoryStore) UpsertConstituents(_ context.Context, set model.ConstituentSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set.AsOf = model.Day(set.AsOf)
	weights := make(map[string]decimal.Decimal, len(set.Weights))
	for sym, w := range set.Weights {
		weights[strings.ToUpper(sym)] = w
	}
	set.Weights = weights

	sets := s.constituents[set.ETFInstrumentID]
	for i := range sets {
		if sets[i].AsOf.Equal(set.AsOf) {
			sets[i] = set
			return nil
		}
	}
	sets = append(sets, set)
	sort.Slice(sets, func(i, j int) bool { return sets[i].AsOf.Before(sets[j].AsOf) })
	s.constituents[set.ETFInstrumentID] = sets
	return nil
}

func (s *MemoryStore) LatestConstituents(_ context.Context, etfInstrumentID string, asOf time.Time) (model.ConstituentSet, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sets := s.constituents[etfInstrumentID]
	asOf = model.Day(asOf)
	for i := len(sets) - 1; i >= 0; i-- {
		if !sets[i].AsOf.After(asOf) {
			return sets[i], true, nil
		}
	}
	return model.ConstituentSet{}, false, nil
}

// --- Warning ledger ---

func (s *MemoryStore) ListActiveWarnings(_ context.Context, scope, mode string) ([]model.WarningRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WarningRecord
	for key, rec := range s.warnings {
		if key.scope == scope && rec.Mode == mode && rec.Active() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

func (s *MemoryStore) UpsertWarning(_ context.Context, rec model.WarningRecord) (model.WarningRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := warningKey{rec.Scope, rec.Fingerprint}
	existing, ok := s.warnings[key]
	if !ok {
		copy := rec
		copy.ResolvedOn = nil
		s.warnings[key] = &copy
		return copy, nil
	}
	existing.LastSeen = rec.LastSeen
	existing.Severity = rec.Severity
	existing.Message = rec.Message
	existing.Code = rec.Code
	existing.Symbol = rec.Symbol
	existing.ResolvedOn = nil
	return *existing, nil
}

func (s *MemoryStore) ResolveWarnings(_ context.Context, ids []string, resolvedOn time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, rec := range s.warnings {
		if want[rec.ID] && rec.Active() {
			on := resolvedOn
			rec.ResolvedOn = &on
		}
	}
	return nil
}

// --- Refresh jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *model.RefreshJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}
	copy := *job
	s.jobs[job.ID] = &copy
	return nil
}

func (s *MemoryStore) FinishJob(_ context.Context, job *model.RefreshJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	if existing.Status.Terminal() {
		return fmt.Errorf("job %s: %w", job.ID, ErrJobFinished)
	}
	copy := *job
	s.jobs[job.ID] = &copy
	return nil
}

// GetJob returns a single job.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.RefreshJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	copy := *job
	return &copy, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]model.RefreshJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchingJobs(filter)
	if filter.Offset >= len(matched) {
		return []model.RefreshJob{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) CountJobs(_ context.Context, filter JobFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.matchingJobs(filter)), nil
}

// matchingJobs must be called with the read lock held.
func (s *MemoryStore) matchingJobs(filter JobFilter) []model.RefreshJob {
	var out []model.RefreshJob
	for _, job := range s.jobs {
		if filter.Matches(*job) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// --- Daily valuations ---

func (s *MemoryStore) SaveDailyValuation(_ context.Context, v model.DailyValuation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v.Date = model.Day(v.Date)
	s.daily[dailyKey{v.Scope, v.Date}] = v
	return nil
}

func (s *MemoryStore) DailyValuations(_ context.Context, scope string, from, to time.Time) ([]model.DailyValuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to = model.Day(from), model.Day(to)
	var out []model.DailyValuation
	for key, v := range s.daily {
		if key.scope != scope || key.date.Before(from) || key.date.After(to) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// MemoryLocker is an in-process Locker for tests and single-process
// development. It does not serialize across processes.
type MemoryLocker struct {
	mu   sync.Mutex
	held bool
}

// NewMemoryLocker creates an unlocked MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{}
}

func (l *MemoryLocker) TryAcquire(_ context.Context) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil, false, nil
	}
	l.held = true
	return &memoryLease{locker: l}, true, nil
}

type memoryLease struct {
	locker *MemoryLocker
	once   sync.Once
}

func (m *memoryLease) Release(_ context.Context) error {
	m.once.Do(func() {
		m.locker.mu.Lock()
		m.locker.held = false
		m.locker.mu.Unlock()
	})
	return nil
}
