package valuation

import (
	"context"
	"sync"
	"time"

	"github.com/atmx/portfolio-engine/internal/model"
)

type memoKey struct {
	instrument string
	day        time.Time
}

type memoEntry struct {
	price model.Price
	found bool
}

// Memo caches price lookups for the lifetime of one computation, so walking
// a period day by day does not repeat identical queries. Errors are not cached.
type Memo struct {
	src     PriceSource
	mu      sync.Mutex
	entries map[memoKey]memoEntry
}

// NewMemo wraps src with a per-computation cache.
func NewMemo(src PriceSource) *Memo {
	return &Memo{src: src, entries: make(map[memoKey]memoEntry)}
}

// LatestClose implements PriceSource.
func (m *Memo) LatestClose(ctx context.Context, instrumentID string, asOf time.Time) (model.Price, bool, error) {
	key := memoKey{instrument: instrumentID, day: model.Day(asOf)}

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if ok {
		return e.price, e.found, nil
	}

	price, found, err := m.src.LatestClose(ctx, instrumentID, key.day)
	if err != nil {
		return model.Price{}, false, err
	}

	m.mu.Lock()
	m.entries[key] = memoEntry{price: price, found: found}
	m.mu.Unlock()
	return price, found, nil
}
