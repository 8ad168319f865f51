// Package store defines the persistence interfaces of the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// price cache and refresh lock), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrJobFinished is returned when a refresh job is finished twice.
	ErrJobFinished = errors.New("store: job already finished")

	// ErrDuplicate is returned when a record with the same id already exists.
	ErrDuplicate = errors.New("store: duplicate id")
)

// TransactionSource returns transactions with trade date on or before through.
// An empty accountID selects every account.
type TransactionSource interface {
	Transactions(ctx context.Context, accountID string, through time.Time) ([]model.Transaction, error)
}

// PriceSource returns the latest close on or before asOf.
type PriceSource interface {
	LatestClose(ctx context.Context, instrumentID string, asOf time.Time) (model.Price, bool, error)
}

// ConstituentSource returns the latest ETF weight set on or before asOf.
type ConstituentSource interface {
	LatestConstituents(ctx context.Context, etfInstrumentID string, asOf time.Time) (model.ConstituentSet, bool, error)
}

// InstrumentSource resolves instrument metadata. Unknown keys are absent
// from the result rather than an error.
type InstrumentSource interface {
	InstrumentsByID(ctx context.Context, ids []string) (map[string]model.Instrument, error)
	InstrumentsBySymbol(ctx context.Context, symbols []string) (map[string]model.Instrument, error)
}

// WarningLedger persists warning lifecycle records.
type WarningLedger interface {
	// ListActiveWarnings returns unresolved records for a scope and mode.
	ListActiveWarnings(ctx context.Context, scope, mode string) ([]model.WarningRecord, error)

	// UpsertWarning creates a record or, when (scope, fingerprint) exists,
	// refreshes last-seen, severity and message and clears any resolution.
	// First-seen and id of an existing record are preserved.
	UpsertWarning(ctx context.Context, rec model.WarningRecord) (model.WarningRecord, error)

	// ResolveWarnings marks records resolved on resolvedOn.
	ResolveWarnings(ctx context.Context, ids []string, resolvedOn time.Time) error
}

// JobFilter narrows refresh job listings. Zero values match everything.
type JobFilter struct {
	Status  *model.JobStatus
	Trigger *model.JobTrigger
	Limit   int
	Offset  int
}

// Matches reports whether job satisfies the status and trigger filters.
func (f JobFilter) Matches(job model.RefreshJob) bool {
	if f.Status != nil && job.Status != *f.Status {
		return false
	}
	if f.Trigger != nil && job.Trigger != *f.Trigger {
		return false
	}
	return true
}

// JobStore records refresh attempts.
type JobStore interface {
	// CreateJob inserts a RUNNING job.
	CreateJob(ctx context.Context, job *model.RefreshJob) error

	// FinishJob writes the terminal state. A job can be finished once.
	FinishJob(ctx context.Context, job *model.RefreshJob) error

	// GetJob returns one job or ErrNotFound.
	GetJob(ctx context.Context, id string) (*model.RefreshJob, error)

	// ListJobs returns matching jobs, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]model.RefreshJob, error)

	// CountJobs ignores Limit and Offset.
	CountJobs(ctx context.Context, filter JobFilter) (int, error)
}

// DailyValuationStore persists materialized daily totals.
type DailyValuationStore interface {
	SaveDailyValuation(ctx context.Context, v model.DailyValuation) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	TransactionSource
	PriceSource
	ConstituentSource
	InstrumentSource
	WarningLedger
	JobStore
	DailyValuationStore

	// InsertTransaction appends a transaction to the log.
	InsertTransaction(ctx context.Context, tx *model.Transaction) error

	// UpsertInstrument creates or replaces instrument metadata.
	UpsertInstrument(ctx context.Context, inst model.Instrument) error

	// ListInstruments returns every known instrument.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpsertPrices writes closes, replacing any existing close for the same
	// (instrument, date). It returns the number of rows written.
	UpsertPrices(ctx context.Context, prices []model.Price) (int, error)

	// UpsertConstituents replaces the weight set of one ETF on one date.
	UpsertConstituents(ctx context.Context, set model.ConstituentSet) error

	// DailyValuations returns materialized rows for scope within [from, to].
	DailyValuations(ctx context.Context, scope string, from, to time.Time) ([]model.DailyValuation, error)
}

// Locker hands out the process-external refresh lock.
type Locker interface {
	// TryAcquire never blocks waiting for the lock. ok is false when another
	// holder has it.
	TryAcquire(ctx context.Context) (lease Lease, ok bool, err error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Two-part advisory lock key of the refresh subsystem.
const (
	LockNamespace int32 = 0x50454E47
	LockRefresh   int32 = 1
)
