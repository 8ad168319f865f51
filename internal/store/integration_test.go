package store_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/store"
)

// These tests run against real services when TEST_DATABASE_URL or
// TEST_REDIS_URL is set and are skipped otherwise.

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	return rdb
}

func pgPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// countingPrices counts primary lookups.
type countingPrices struct {
	*store.MemoryStore
	mu    sync.Mutex
	calls int
}

func (c *countingPrices) LatestClose(ctx context.Context, id string, asOf time.Time) (model.Price, bool, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.MemoryStore.LatestClose(ctx, id, asOf)
}

func TestCachedPriceSource_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	rdb := redisClient(t)
	primary := &countingPrices{MemoryStore: store.NewMemoryStore()}
	_, err := primary.UpsertPrices(ctx, []model.Price{{InstrumentID: "aapl", Date: model.Date(2024, 1, 2), Close: d(185.64)}})
	require.NoError(t, err)

	cache := store.NewCachedPriceSource(primary, rdb, time.Minute)
	for i := 0; i < 3; i++ {
		p, ok, err := cache.LatestClose(ctx, "aapl", model.Date(2024, 1, 3))
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, p.Close.Equal(d(185.64)))
		assert.Equal(t, model.Date(2024, 1, 2), p.Date)
	}
	_, ok, err := cache.LatestClose(ctx, "aapl", model.Date(2023, 1, 1))
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, _ = cache.LatestClose(ctx, "aapl", model.Date(2023, 1, 1))
	assert.Equal(t, 2, primary.calls, "hits and misses are both cached")

	n, err := cache.Invalidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, _, _ = cache.LatestClose(ctx, "aapl", model.Date(2024, 1, 3))
	assert.Equal(t, 3, primary.calls)
}

func TestRedisLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	rdb := redisClient(t)
	a := store.NewRedisLocker(rdb, time.Minute)
	b := store.NewRedisLocker(rdb, time.Minute)

	lease, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lease.Release(ctx))
	other, ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale lease must not delete the new holder's key.
	require.NoError(t, lease.Release(ctx))
	_, ok, _ = a.TryAcquire(ctx)
	assert.False(t, ok)
	require.NoError(t, other.Release(ctx))
}

func TestPGAdvisoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	pool := pgPool(t)
	a := store.NewPGAdvisoryLocker(pool)
	b := store.NewPGAdvisoryLocker(pool)

	lease, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held by another session")

	require.NoError(t, lease.Release(ctx))
	again, ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, again.Release(ctx))
}

func TestPostgresStore_PricesAndWarnings(t *testing.T) {
	ctx := context.Background()
	s := store.NewPostgresStore(pgPool(t))
	require.NoError(t, s.EnsureSchema(ctx))

	require.NoError(t, s.UpsertInstrument(ctx, model.Instrument{ID: "it-aapl", Symbol: "it-aapl", Kind: model.KindStock}))
	_, err := s.UpsertPrices(ctx, []model.Price{
		{InstrumentID: "it-aapl", Date: model.Date(2024, 1, 2), Close: d(185.64)},
		{InstrumentID: "it-aapl", Date: model.Date(2024, 1, 4), Close: d(181.91)},
	})
	require.NoError(t, err)

	p, ok, err := s.LatestClose(ctx, "it-aapl", model.Date(2024, 1, 3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.Close.Equal(d(185.64)))

	bySym, err := s.InstrumentsBySymbol(ctx, []string{"IT-AAPL"})
	require.NoError(t, err)
	assert.Contains(t, bySym, "IT-AAPL")

	rec := model.WarningRecord{
		ID: "it-w1", Fingerprint: "it-fp", Scope: "it-scope", Mode: "snapshot",
		Code: model.WarnMissingPrice, Severity: model.SeverityError, Symbol: "X",
		FirstSeen: model.Date(2024, 1, 1), LastSeen: model.Date(2024, 1, 1),
	}
	_, err = s.UpsertWarning(ctx, rec)
	require.NoError(t, err)
	rec.ID = "it-w2"
	rec.LastSeen = model.Date(2024, 1, 9)
	got, err := s.UpsertWarning(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "it-w1", got.ID)
	assert.Equal(t, model.Date(2024, 1, 9), model.Day(got.LastSeen))
}
