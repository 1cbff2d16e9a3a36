package terminal

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/types"
)

// SimClient is a simulated broker terminal used by the server in paper
// mode and by the simulation driver. It models latency, execution
// success rate and liquidity the way a real terminal misbehaves.
type SimClient struct {
	MinLatency      int // milliseconds
	MaxLatency      int
	SuccessRate     float64 // probability an order call succeeds
	LiquidityFactor float64 // 0-1, probability of a full fill

	mu        sync.Mutex
	rng       *rand.Rand
	prices    map[string]float64
	account   types.AccountInfo
	positions map[string]types.Position
	healthy   bool
	loggedIn  bool
}

// NewSimClient seeds a simulator with prices for the configured symbols.
func NewSimClient(symbols []config.Symbol) *SimClient {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		base := 1.0 + rng.Float64()
		if strings.Contains(s.Name, "JPY") {
			base = 140 + rng.Float64()*10
		}
		prices[s.Name] = base
	}

	return &SimClient{
		MinLatency:      5,
		MaxLatency:      30,
		SuccessRate:     0.97,
		LiquidityFactor: 0.9,
		rng:             rng,
		prices:          prices,
		positions:       make(map[string]types.Position),
		healthy:         true,
	}
}

// SetHealthy toggles simulated terminal outages.
func (c *SimClient) SetHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

func (c *SimClient) latency(ctx context.Context) error {
	c.mu.Lock()
	d := time.Duration(c.rng.Intn(c.MaxLatency-c.MinLatency+1)+c.MinLatency) * time.Millisecond
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ErrTimeout
	case <-time.After(d):
		return nil
	}
}

func (c *SimClient) Initialize(ctx context.Context) error {
	return c.latency(ctx)
}

func (c *SimClient) Login(ctx context.Context, cred types.BrokerCredential) (types.AccountInfo, error) {
	if err := c.latency(ctx); err != nil {
		return types.AccountInfo{}, err
	}
	if cred.Login <= 0 || cred.Password == "" {
		return types.AccountInfo{}, types.ErrInvalidCredential
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return types.AccountInfo{}, ErrTimeout
	}

	c.account = types.AccountInfo{
		Login:      cred.Login,
		Server:     cred.Server,
		Currency:   "USD",
		Balance:    10000 + c.rng.Float64()*90000,
		Leverage:   100,
	}
	c.account.Equity = c.account.Balance
	c.account.MarginFree = c.account.Balance
	c.loggedIn = true

	log.Debug().
		Str("component", "sim_terminal").
		Int64("login", cred.Login).
		Str("server", cred.Server).
		Msg("simulated login accepted")

	return c.account, nil
}

func (c *SimClient) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	if err := c.latency(ctx); err != nil {
		return types.AccountInfo{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return types.AccountInfo{}, ErrTimeout
	}
	if !c.loggedIn {
		return types.AccountInfo{}, types.ErrNotConnected
	}

	// Drift profit a little so risk monitoring has something to chew on.
	c.account.Profit += (c.rng.Float64() - 0.5) * 50
	c.account.Equity = c.account.Balance + c.account.Profit
	return c.account, nil
}

func (c *SimClient) OrderSend(ctx context.Context, p OrderParams) (OrderResult, error) {
	if err := c.latency(ctx); err != nil {
		return OrderResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return OrderResult{}, ErrTimeout
	}

	base, ok := c.prices[p.Symbol]
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: unknown symbol %s", types.ErrBrokerRejected, p.Symbol)
	}
	if c.rng.Float64() > c.SuccessRate {
		return OrderResult{}, ErrTimeout
	}

	// Executed price with a small variance around the walk.
	price := base * (1 + (c.rng.Float64()*0.001 - 0.0005))
	if p.OrderType == types.OrderTypeLimit && p.Price > 0 {
		price = p.Price
	}

	filled := p.Volume
	if c.rng.Float64() > c.LiquidityFactor {
		filled = p.Volume * c.LiquidityFactor
	}

	ticket := "SIM-" + uuid.New().String()[:8]
	c.positions[ticket] = types.Position{
		Ticket:       ticket,
		Symbol:       p.Symbol,
		Side:         p.Side,
		Volume:       filled,
		PriceOpen:    price,
		PriceCurrent: price,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
		OpenedAt:     time.Now(),
	}

	return OrderResult{
		BrokerOrderID: ticket,
		Price:         price,
		FilledVolume:  filled,
		Comment:       "done",
	}, nil
}

func (c *SimClient) OrderCancel(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	if err := c.latency(ctx); err != nil {
		return OrderResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return OrderResult{}, ErrTimeout
	}

	delete(c.positions, brokerOrderID)
	return OrderResult{BrokerOrderID: brokerOrderID, Comment: "cancelled"}, nil
}

func (c *SimClient) Positions(ctx context.Context) ([]types.Position, error) {
	if err := c.latency(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Position, 0, len(c.positions))
	for _, pos := range c.positions {
		if cur, ok := c.prices[pos.Symbol]; ok {
			pos.PriceCurrent = cur
			diff := cur - pos.PriceOpen
			if pos.Side == types.SideSell {
				diff = -diff
			}
			pos.Profit = diff * pos.Volume * 100000
		}
		out = append(out, pos)
	}
	return out, nil
}

func (c *SimClient) ClosePosition(ctx context.Context, ticket string, volume float64) (OrderResult, error) {
	if err := c.latency(ctx); err != nil {
		return OrderResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[ticket]
	if !ok {
		return OrderResult{}, types.ErrPositionNotFound
	}

	if volume <= 0 || volume >= pos.Volume {
		delete(c.positions, ticket)
		volume = pos.Volume
	} else {
		pos.Volume -= volume
		c.positions[ticket] = pos
	}

	return OrderResult{
		BrokerOrderID: ticket,
		Price:         c.prices[pos.Symbol],
		FilledVolume:  volume,
		Comment:       "closed",
	}, nil
}

func (c *SimClient) SymbolTick(ctx context.Context, symbol string) (types.MarketDataPoint, error) {
	if err := c.latency(ctx); err != nil {
		return types.MarketDataPoint{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return types.MarketDataPoint{}, ErrTimeout
	}

	base, ok := c.prices[symbol]
	if !ok {
		return types.MarketDataPoint{}, ErrNoData
	}

	// Random walk.
	base *= 1 + (c.rng.Float64()*0.0004 - 0.0002)
	c.prices[symbol] = base

	spread := base * 0.0001
	return types.MarketDataPoint{
		Symbol:    symbol,
		Bid:       base - spread/2,
		Ask:       base + spread/2,
		Last:      base,
		Volume:    int64(c.rng.Intn(100) + 1),
		Timestamp: time.Now(),
	}, nil
}

func (c *SimClient) Rates(ctx context.Context, symbol, timeframe string, count int) ([]types.Bar, error) {
	if err := c.latency(ctx); err != nil {
		return nil, err
	}

	step, ok := types.TimeframeDuration(timeframe)
	if !ok {
		step = time.Hour
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	base, found := c.prices[symbol]
	if !found {
		return nil, ErrNoData
	}

	bars := make([]types.Bar, 0, count)
	start := time.Now().Truncate(step).Add(-time.Duration(count) * step)
	price := base
	for i := 0; i < count; i++ {
		open := price
		high := open * (1 + c.rng.Float64()*0.001)
		low := open * (1 - c.rng.Float64()*0.001)
		price = low + c.rng.Float64()*(high-low)
		bars = append(bars, types.Bar{
			Symbol:    symbol,
			Timeframe: timeframe,
			Time:      start.Add(time.Duration(i) * step),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    int64(c.rng.Intn(1000) + 10),
		})
	}
	return bars, nil
}

func (c *SimClient) Ping(ctx context.Context) error {
	if err := c.latency(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy {
		return ErrTimeout
	}
	return nil
}

func (c *SimClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedIn = false
	return nil
}
