package marketdata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/terminal"
	"github.com/tradewire/terminal-api/internal/types"
)

func tick(symbol string, bid float64, at time.Time) types.MarketDataPoint {
	return types.MarketDataPoint{Symbol: symbol, Bid: bid, Ask: bid + 0.0002, Timestamp: at}
}

func TestCacheIsMonotonicPerSymbol(t *testing.T) {
	cache := NewCache(100)
	now := time.Now()

	require.True(t, cache.Update(tick("EURUSD", 1.10, now)))
	require.True(t, cache.Update(tick("EURUSD", 1.11, now.Add(time.Second))))

	// Late and duplicate ticks never regress the cache.
	require.False(t, cache.Update(tick("EURUSD", 1.05, now)))
	require.False(t, cache.Update(tick("EURUSD", 1.05, now.Add(time.Second))))

	got, ok := cache.Latest("EURUSD")
	require.True(t, ok)
	require.Equal(t, 1.11, got.Bid)

	_, ok = cache.Latest("GBPUSD")
	require.False(t, ok)
}

func TestCacheSymbolsAreIndependent(t *testing.T) {
	cache := NewCache(100)
	now := time.Now()

	require.True(t, cache.Update(tick("EURUSD", 1.10, now.Add(time.Hour))))
	require.True(t, cache.Update(tick("GBPUSD", 1.25, now)))

	snap := cache.Snapshot()
	require.Len(t, snap, 2)
}

func TestDistributorDeliversToWatchers(t *testing.T) {
	dist := NewDistributor(config.MarketData{SubscriberBuffer: 8})
	defer dist.Close()

	sub := dist.Subscribe("user-a")
	sub.Watch("EURUSD")
	other := dist.Subscribe("user-b")
	other.Watch("GBPUSD")

	dist.BroadcastTick(tick("EURUSD", 1.10, time.Now()))

	select {
	case got := <-sub.Ticks():
		require.Equal(t, "EURUSD", got.Symbol)
	case <-time.After(time.Second):
		t.Fatal("watcher never received tick")
	}

	select {
	case got := <-other.Ticks():
		t.Fatalf("non-watcher received tick for %s", got.Symbol)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDistributorUnwatchStopsDelivery(t *testing.T) {
	dist := NewDistributor(config.MarketData{SubscriberBuffer: 8})
	defer dist.Close()

	sub := dist.Subscribe("user-a")
	sub.Watch("EURUSD")
	sub.Unwatch("EURUSD")

	dist.BroadcastTick(tick("EURUSD", 1.10, time.Now()))

	select {
	case <-sub.Ticks():
		t.Fatal("received tick after unwatch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldestTicks(t *testing.T) {
	dist := NewDistributor(config.MarketData{SubscriberBuffer: 2})
	defer dist.Close()

	sub := dist.Subscribe("user-a")
	sub.Watch("EURUSD")

	now := time.Now()
	for i := 0; i < 5; i++ {
		dist.BroadcastTick(tick("EURUSD", 1.10+float64(i)*0.01, now.Add(time.Duration(i)*time.Millisecond)))
	}

	require.Equal(t, int64(3), sub.Dropped())

	// The two newest ticks survive in order.
	first := <-sub.Ticks()
	second := <-sub.Ticks()
	require.InDelta(t, 1.13, first.Bid, 1e-9)
	require.InDelta(t, 1.14, second.Bid, 1e-9)
}

func TestOrderEventsAreNeverDropped(t *testing.T) {
	dist := NewDistributor(config.MarketData{SubscriberBuffer: 2})
	defer dist.Close()

	sub := dist.Subscribe("user-a")

	const total = 100
	for i := 0; i < total; i++ {
		dist.PublishOrderEvent(types.OrderEvent{
			UserID:        "user-a",
			ClientOrderID: fmt.Sprintf("ord-%03d", i),
			State:         types.OrderFilled,
		})
	}

	for i := 0; i < total; i++ {
		select {
		case ev := <-sub.Events():
			require.Equal(t, fmt.Sprintf("ord-%03d", i), ev.ClientOrderID, "events must arrive in publish order")
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestOrderEventsScopedToUser(t *testing.T) {
	dist := NewDistributor(config.MarketData{SubscriberBuffer: 8})
	defer dist.Close()

	mine := dist.Subscribe("user-a")
	theirs := dist.Subscribe("user-b")

	dist.PublishOrderEvent(types.OrderEvent{UserID: "user-a", ClientOrderID: "x1"})

	select {
	case ev := <-mine.Events():
		require.Equal(t, "x1", ev.ClientOrderID)
	case <-time.After(time.Second):
		t.Fatal("owner never received order event")
	}

	select {
	case <-theirs.Events():
		t.Fatal("order event leaked to another user")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	dist := NewDistributor(config.MarketData{SubscriberBuffer: 8})
	defer dist.Close()

	sub := dist.Subscribe("user-a")
	require.Equal(t, 1, dist.Subscribers())

	dist.Unsubscribe(sub.ID)
	require.Equal(t, 0, dist.Subscribers())
}

func TestBarRingKeepsMostRecent(t *testing.T) {
	cache := NewCache(3)
	now := time.Now()

	bars := make([]types.Bar, 5)
	for i := range bars {
		bars[i] = types.Bar{Symbol: "EURUSD", Timeframe: "M1", Time: now.Add(time.Duration(i) * time.Minute), Close: float64(i)}
	}
	cache.StoreBars("EURUSD", "M1", bars)

	got, ok := cache.Bars("EURUSD", "M1", 3)
	require.True(t, ok)
	require.Equal(t, 2.0, got[0].Close, "oldest bars fall off the ring")
	require.Equal(t, 4.0, got[2].Close)

	_, ok = cache.Bars("EURUSD", "M1", 4)
	require.False(t, ok, "requests beyond ring depth miss")

	_, ok = cache.Bars("EURUSD", "M5", 1)
	require.False(t, ok, "timeframes are cached independently")
}

type ratesClient struct {
	bars      []types.Bar
	err       error
	rateCalls int
}

func (c *ratesClient) Initialize(ctx context.Context) error { return nil }
func (c *ratesClient) Login(ctx context.Context, cred types.BrokerCredential) (types.AccountInfo, error) {
	return types.AccountInfo{}, nil
}
func (c *ratesClient) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	return types.AccountInfo{}, nil
}
func (c *ratesClient) OrderSend(ctx context.Context, p terminal.OrderParams) (terminal.OrderResult, error) {
	return terminal.OrderResult{}, nil
}
func (c *ratesClient) OrderCancel(ctx context.Context, id string) (terminal.OrderResult, error) {
	return terminal.OrderResult{}, nil
}
func (c *ratesClient) Positions(ctx context.Context) ([]types.Position, error) { return nil, nil }
func (c *ratesClient) ClosePosition(ctx context.Context, ticket string, volume float64) (terminal.OrderResult, error) {
	return terminal.OrderResult{}, nil
}
func (c *ratesClient) SymbolTick(ctx context.Context, symbol string) (types.MarketDataPoint, error) {
	return tick(symbol, 1.10, time.Now()), nil
}
func (c *ratesClient) Rates(ctx context.Context, symbol, timeframe string, count int) ([]types.Bar, error) {
	c.rateCalls++
	if c.err != nil {
		return nil, c.err
	}
	return c.bars, nil
}
func (c *ratesClient) Ping(ctx context.Context) error     { return nil }
func (c *ratesClient) Shutdown(ctx context.Context) error { return nil }

func newHistoryService(t *testing.T, client terminal.Client) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.Symbols = []config.Symbol{
		{Name: "EURUSD", Tradable: true, VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01},
	}
	cfg.MarketData.HistoryDepth = 10

	pool := terminal.NewPool(config.Terminal{
		PoolSize:          1,
		ConnectTimeoutSec: 1,
		CallTimeoutSec:    1,
		ReconnectAttempts: 1,
		ReconnectDelayMs:  5,
		KeepAliveSec:      1,
	}, terminal.Capabilities{}, func() terminal.Client { return client })
	require.NoError(t, pool.Open(context.Background()))

	return NewService(cfg, pool)
}

func TestHistoryReturnsBarsNewestFirst(t *testing.T) {
	now := time.Now()
	client := &ratesClient{bars: []types.Bar{
		{Symbol: "EURUSD", Timeframe: "M1", Time: now.Add(-time.Minute), Close: 1.10},
		{Symbol: "EURUSD", Timeframe: "M1", Time: now, Close: 1.11},
	}}
	svc := newHistoryService(t, client)

	bars, err := svc.History(context.Background(), "EURUSD", "M1", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	require.Equal(t, 1.11, bars[0].Close)
	require.Equal(t, 1.10, bars[1].Close)
}

func TestHistoryServedFromCacheWhenFresh(t *testing.T) {
	now := time.Now()
	client := &ratesClient{bars: []types.Bar{
		{Symbol: "EURUSD", Timeframe: "M1", Time: now.Add(-time.Minute), Close: 1.10},
		{Symbol: "EURUSD", Timeframe: "M1", Time: now, Close: 1.11},
	}}
	svc := newHistoryService(t, client)

	_, err := svc.History(context.Background(), "EURUSD", "M1", 2)
	require.NoError(t, err)
	require.Equal(t, 1, client.rateCalls)

	bars, err := svc.History(context.Background(), "EURUSD", "M1", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	require.Equal(t, 1, client.rateCalls, "fresh repeat queries never reach the terminal")
}

func TestHistoryUnknownSymbolIsEmpty(t *testing.T) {
	svc := newHistoryService(t, &ratesClient{})

	bars, err := svc.History(context.Background(), "XAGUSD", "M1", 10)
	require.NoError(t, err)
	require.Empty(t, bars)
}

func TestHistoryRejectsUnknownTimeframe(t *testing.T) {
	svc := newHistoryService(t, &ratesClient{})

	_, err := svc.History(context.Background(), "EURUSD", "M7", 10)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "timeframe", verr.Field)
}

func TestHistoryNoDataIsEmpty(t *testing.T) {
	svc := newHistoryService(t, &ratesClient{err: terminal.ErrNoData})

	bars, err := svc.History(context.Background(), "EURUSD", "M1", 10)
	require.NoError(t, err)
	require.Empty(t, bars)
}
