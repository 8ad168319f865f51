package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atmx/portfolio-engine/internal/model"
)

// CachedPriceSource wraps a primary PriceSource with a Redis read-through
// cache keyed by (instrument, as-of date). Misses are cached too, so a walk
// over days without prices does not hit the primary repeatedly. Invalidate
// after ingesting prices.
type CachedPriceSource struct {
	primary PriceSource
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedPriceSource creates a cached wrapper around a primary price source.
func NewCachedPriceSource(primary PriceSource, rdb *redis.Client, ttl time.Duration) *CachedPriceSource {
	return &CachedPriceSource{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// cachedPrice is the msgpack value. Close is kept as text to stay exact.
type cachedPrice struct {
	Found bool   `msgpack:"f"`
	Date  string `msgpack:"d,omitempty"`
	Close string `msgpack:"c,omitempty"`
}

// LatestClose checks the cache first and falls back to the primary.
func (s *CachedPriceSource) LatestClose(ctx context.Context, instrumentID string, asOf time.Time) (model.Price, bool, error) {
	key := priceKey(instrumentID, asOf)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var c cachedPrice
		if msgpack.Unmarshal(data, &c) == nil {
			return c.price(instrumentID)
		}
	}

	// Cache miss: read from primary.
	p, ok, err := s.primary.LatestClose(ctx, instrumentID, asOf)
	if err != nil {
		return model.Price{}, false, err
	}

	c := cachedPrice{Found: ok}
	if ok {
		c.Date = model.Day(p.Date).Format(model.DateLayout)
		c.Close = p.Close.String()
	}
	if data, err := msgpack.Marshal(c); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return p, ok, nil
}

func (c cachedPrice) price(instrumentID string) (model.Price, bool, error) {
	if !c.Found {
		return model.Price{}, false, nil
	}
	date, err := model.ParseDate(c.Date)
	if err != nil {
		return model.Price{}, false, fmt.Errorf("cached price date: %w", err)
	}
	closeV, err := decimal.NewFromString(c.Close)
	if err != nil {
		return model.Price{}, false, fmt.Errorf("cached price close: %w", err)
	}
	return model.Price{InstrumentID: instrumentID, Date: date, Close: closeV}, true, nil
}

// Invalidate drops every cached price. It returns the number of keys removed.
func (s *CachedPriceSource) Invalidate(ctx context.Context) (int, error) {
	removed := 0
	iter := s.rdb.Scan(ctx, 0, priceKeyPattern, 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.rdb.Del(ctx, batch...).Result()
		removed += int(n)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("invalidate prices: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan price keys: %w", err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("invalidate prices: %w", err)
	}
	return removed, nil
}

const priceKeyPattern = "price:*"

func priceKey(instrumentID string, asOf time.Time) string {
	return fmt.Sprintf("price:%s:%s", instrumentID, model.Day(asOf).Format(model.DateLayout))
}

// RedisLocker is the Redis alternative to PGAdvisoryLocker: SET NX PX with a
// random token, released by a compare-and-delete script so an expired lease
// never deletes a newer holder's key.
type RedisLocker struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisLocker creates a Redis-backed refresh lock. ttl bounds how long a
// crashed holder can block others.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		rdb: rdb,
		key: fmt.Sprintf("lock:%x:%d", LockNamespace, LockRefresh),
		ttl: ttl,
	}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) TryAcquire(ctx context.Context) (Lease, bool, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, false, err
	}
	token := hex.EncodeToString(buf)

	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{locker: l, token: token}, true, nil
}

type redisLease struct {
	locker   *RedisLocker
	token    string
	released bool
}

func (r *redisLease) Release(ctx context.Context) error {
	if r.released {
		return nil
	}
	r.released = true
	if err := releaseScript.Run(context.WithoutCancel(ctx), r.locker.rdb, []string{r.locker.key}, r.token).Err(); err != nil {
		return fmt.Errorf("redis unlock: %w", err)
	}
	return nil
}
