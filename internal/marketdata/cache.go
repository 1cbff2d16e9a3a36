// Package marketdata caches quotes from the terminal and fans them out
// to stream subscribers. The cache keeps one latest tick per symbol and
// a bounded ring of recent bars; history misses pull from the terminal
// on demand.
package marketdata

import (
	"sync"

	"github.com/tradewire/terminal-api/internal/types"
)

// Cache holds the latest tick per symbol plus a bounded ring of recent
// bars per (symbol, timeframe). Tick updates are monotonic per symbol:
// a tick older than or equal to the stored one is discarded, so
// out-of-order polls never regress the published quote.
type Cache struct {
	depth int

	mu     sync.RWMutex
	latest map[string]types.MarketDataPoint
	bars   map[string][]types.Bar
}

func NewCache(depth int) *Cache {
	return &Cache{
		depth:  depth,
		latest: make(map[string]types.MarketDataPoint),
		bars:   make(map[string][]types.Bar),
	}
}

// Update stores the tick if it is newer than the cached one. Returns
// false for stale ticks.
func (c *Cache) Update(tick types.MarketDataPoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.latest[tick.Symbol]
	if ok && !tick.Timestamp.After(prev.Timestamp) {
		return false
	}
	c.latest[tick.Symbol] = tick
	return true
}

// Latest returns the cached tick for symbol, if any.
func (c *Cache) Latest(symbol string) (types.MarketDataPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tick, ok := c.latest[symbol]
	return tick, ok
}

// StoreBars merges fetched bars into the ring for (symbol, timeframe),
// keeping the most recent depth bars in chronological order.
func (c *Cache) StoreBars(symbol, timeframe string, bars []types.Bar) {
	if len(bars) == 0 {
		return
	}
	key := symbol + "|" + timeframe

	c.mu.Lock()
	defer c.mu.Unlock()

	merged := bars
	if len(merged) > c.depth {
		merged = merged[len(merged)-c.depth:]
	}
	c.bars[key] = append([]types.Bar(nil), merged...)
}

// Bars returns up to count cached bars for (symbol, timeframe), oldest
// first. ok is false when the ring holds fewer bars than requested.
func (c *Cache) Bars(symbol, timeframe string, count int) ([]types.Bar, bool) {
	key := symbol + "|" + timeframe

	c.mu.RLock()
	defer c.mu.RUnlock()

	ring := c.bars[key]
	if len(ring) < count {
		return nil, false
	}
	out := make([]types.Bar, count)
	copy(out, ring[len(ring)-count:])
	return out, true
}

// Snapshot copies the whole cache, for the quotes endpoint.
func (c *Cache) Snapshot() map[string]types.MarketDataPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.MarketDataPoint, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}
