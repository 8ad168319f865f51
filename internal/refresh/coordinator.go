// Package refresh serializes price ingestion plus daily-valuation
// materialization behind a process-external lock and records each attempt as
// a refresh job.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

var (
	// ErrConcurrencyConflict is returned when another refresh holds the lock.
	ErrConcurrencyConflict = errors.New("refresh: another refresh is running")

	// ErrInvalidInput is returned for an inverted refresh window.
	ErrInvalidInput = errors.New("refresh: invalid input")
)

// PriceRefresher ingests closes for [from, to] and returns the rows written.
type PriceRefresher interface {
	RefreshPrices(ctx context.Context, from, to time.Time) (int, error)
}

// Materializer recomputes and persists daily valuations for [from, to].
type Materializer interface {
	MaterializeDaily(ctx context.Context, from, to time.Time) (*model.Materialization, error)
}

// Coordinator runs one refresh unit under the lock.
type Coordinator struct {
	locker       store.Locker
	prices       PriceRefresher
	materializer Materializer
	log          zerolog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(locker store.Locker, prices PriceRefresher, materializer Materializer, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		locker:       locker,
		prices:       prices,
		materializer: materializer,
		log:          log.With().Str("component", "refresh").Logger(),
	}
}

// Run acquires the lock without waiting, refreshes prices, materializes
// daily valuations and releases the lock on every exit path. A held lock
// yields ErrConcurrencyConflict before any work starts.
func (c *Coordinator) Run(ctx context.Context, in model.RefreshInput) (result *model.RefreshResult, err error) {
	lease, ok, err := c.locker.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !ok {
		c.log.Warn().Msg("Refresh lock held elsewhere")
		return nil, ErrConcurrencyConflict
	}
	defer func() {
		// The caller's context may already be done; unlock regardless.
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			c.log.Warn().Err(rerr).Msg("Refresh lock released with error")
		}
	}()

	from, to := model.Day(in.From), model.Day(in.To)
	c.log.Info().
		Str("from", from.Format(model.DateLayout)).
		Str("to", to.Format(model.DateLayout)).
		Msg("Refresh started")

	updated, err := c.prices.RefreshPrices(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("refresh prices: %w", err)
	}
	m, err := c.materializer.MaterializeDaily(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("materialize: %w", err)
	}

	return &model.RefreshResult{
		PricesUpdated:    updated,
		DaysMaterialized: m.Days,
		WarningsObserved: m.WarningsObserved,
		WarningsResolved: m.WarningsResolved,
	}, nil
}
