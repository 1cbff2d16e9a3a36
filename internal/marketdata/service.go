package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/terminal"
	"github.com/tradewire/terminal-api/internal/types"
)

// Service polls ticks from the terminal into the cache, fans them out
// through the distributor and serves historical bars on demand.
type Service struct {
	cfg     config.MarketData
	timeout time.Duration
	symbols []string
	pool    *terminal.Pool

	cache *Cache
	dist  *Distributor
}

func NewService(cfg *config.Config, pool *terminal.Pool) *Service {
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, s.Name)
	}
	return &Service{
		cfg:     cfg.MarketData,
		timeout: cfg.Terminal.CallTimeout(),
		symbols: symbols,
		pool:    pool,
		cache:   NewCache(cfg.MarketData.HistoryDepth),
		dist:    NewDistributor(cfg.MarketData),
	}
}

// Latest returns the cached quote for symbol.
func (s *Service) Latest(symbol string) (types.MarketDataPoint, bool) {
	return s.cache.Latest(symbol)
}

// Quotes returns the whole quote cache.
func (s *Service) Quotes() map[string]types.MarketDataPoint {
	return s.cache.Snapshot()
}

// Subscribe registers a stream consumer.
func (s *Service) Subscribe(userID string) *Subscriber {
	return s.dist.Subscribe(userID)
}

// Unsubscribe removes a stream consumer.
func (s *Service) Unsubscribe(id string) {
	s.dist.Unsubscribe(id)
}

// PublishOrderEvent forwards an order event to the user's subscribers.
func (s *Service) PublishOrderEvent(ev types.OrderEvent) {
	s.dist.PublishOrderEvent(ev)
}

// Subscribers reports the current stream subscriber count.
func (s *Service) Subscribers() int {
	return s.dist.Subscribers()
}

// Run drives the tick ingestion loop until ctx is cancelled. While the
// terminal is down the loop idles and retries on the next interval;
// stale cached quotes stay readable throughout.
func (s *Service) Run(ctx context.Context) {
	logger := log.With().Str("component", "market_data").Logger()
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping market data ingestion")
			s.dist.Close()
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Service) poll(ctx context.Context) {
	logger := log.With().Str("component", "market_data").Logger()

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("tick poll skipped, terminal unavailable")
		return
	}
	defer s.pool.Release(lease)

	for _, symbol := range s.symbols {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		tick, err := lease.Client().SymbolTick(callCtx, symbol)
		cancel()
		if err != nil {
			if !errors.Is(err, terminal.ErrNoData) {
				logger.Warn().Err(err).Str("symbol", symbol).Msg("tick poll failed")
			}
			continue
		}
		if s.cache.Update(tick) {
			s.dist.BroadcastTick(tick)
		}
	}
}

// History returns up to count bars for the symbol and timeframe, most
// recent first. Fresh results are served from the bar ring; a miss
// pulls from the terminal on demand. An unknown symbol yields an empty
// result rather than an error; an unknown timeframe is a validation
// failure.
func (s *Service) History(ctx context.Context, symbol, timeframe string, count int) ([]types.Bar, error) {
	step, ok := types.TimeframeDuration(timeframe)
	if !ok {
		return nil, &types.ValidationError{Field: "timeframe", Reason: fmt.Sprintf("unknown timeframe %s", timeframe)}
	}
	if count <= 0 || count > s.cfg.HistoryDepth {
		count = s.cfg.HistoryDepth
	}

	known := false
	for _, sym := range s.symbols {
		if sym == symbol {
			known = true
			break
		}
	}
	if !known {
		return []types.Bar{}, nil
	}

	if bars, ok := s.cache.Bars(symbol, timeframe, count); ok {
		if newest := bars[len(bars)-1]; time.Since(newest.Time) < 2*step {
			return newestFirst(bars), nil
		}
	}

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(lease)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	bars, err := lease.Client().Rates(callCtx, symbol, timeframe, count)
	if err != nil {
		if errors.Is(err, terminal.ErrNoData) {
			return []types.Bar{}, nil
		}
		return nil, err
	}
	s.cache.StoreBars(symbol, timeframe, bars)
	return newestFirst(bars), nil
}

// newestFirst reverses a chronological bar slice without mutating it.
func newestFirst(bars []types.Bar) []types.Bar {
	out := make([]types.Bar, len(bars))
	for i, b := range bars {
		out[len(bars)-1-i] = b
	}
	return out
}
