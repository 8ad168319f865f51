package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Provider fetches daily closes from a market-data vendor.
type Provider interface {
	FetchCloses(ctx context.Context, instruments []model.Instrument, from, to time.Time) ([]model.Price, error)
}

// NoopProvider returns no closes. Refreshes still rematerialize valuations
// from prices already stored.
type NoopProvider struct{}

func (NoopProvider) FetchCloses(context.Context, []model.Instrument, time.Time, time.Time) ([]model.Price, error) {
	return nil, nil
}

// PriceWriter is the store surface the ingestor writes through.
type PriceWriter interface {
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	UpsertPrices(ctx context.Context, prices []model.Price) (int, error)
}

// CacheInvalidator drops cached price lookups after ingestion.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) (int, error)
}

// Ingestor implements PriceRefresher over a Provider.
type Ingestor struct {
	provider Provider
	writer   PriceWriter
	cache    CacheInvalidator
	log      zerolog.Logger
}

// NewIngestor creates an ingestor. cache may be nil.
func NewIngestor(provider Provider, writer PriceWriter, cache CacheInvalidator, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		provider: provider,
		writer:   writer,
		cache:    cache,
		log:      log.With().Str("component", "prices").Logger(),
	}
}

// RefreshPrices fetches closes for every priced instrument and stores them.
func (i *Ingestor) RefreshPrices(ctx context.Context, from, to time.Time) (int, error) {
	all, err := i.writer.ListInstruments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list instruments: %w", err)
	}
	priced := make([]model.Instrument, 0, len(all))
	for _, inst := range all {
		switch inst.Kind {
		case model.KindCash, model.KindUnmapped:
		case model.KindStock, model.KindETF, model.KindBond, model.KindFund, model.KindOther:
			priced = append(priced, inst)
		}
	}
	if len(priced) == 0 {
		return 0, nil
	}

	closes, err := i.provider.FetchCloses(ctx, priced, from, to)
	if err != nil {
		return 0, fmt.Errorf("fetch closes: %w", err)
	}
	n, err := i.writer.UpsertPrices(ctx, closes)
	if err != nil {
		return 0, fmt.Errorf("store closes: %w", err)
	}

	if i.cache != nil && n > 0 {
		if removed, err := i.cache.Invalidate(ctx); err != nil {
			i.log.Warn().Err(err).Msg("Price cache invalidation failed")
		} else {
			i.log.Debug().Int("keys", removed).Msg("Price cache invalidated")
		}
	}

	i.log.Info().Int("instruments", len(priced)).Int("closes", n).Msg("Prices refreshed")
	return n, nil
}
