// Package terminal owns the connection to the broker trading terminal:
// the client API surface, the session pool and its reconnect policy. No
// other package talks to the broker directly.
package terminal

import (
	"context"
	"errors"

	"github.com/tradewire/terminal-api/internal/types"
)

var (
	// ErrTimeout marks a transient broker call failure. Callers apply their
	// own bounded retry policy; the pool treats it as a degradation signal.
	ErrTimeout = errors.New("terminal call timed out")

	// ErrNoData means the terminal has no quotes or bars for the symbol.
	// Most callers translate this into an empty result, not a failure.
	ErrNoData = errors.New("no data for symbol")
)

// Capabilities describes optional behaviour of the underlying terminal
// library, resolved once at startup and never probed per call.
type Capabilities struct {
	// RequiresInitialize is set for terminal builds that need an explicit
	// initialize call before login; auto-initialized builds skip it.
	RequiresInitialize bool
}

// OrderParams is the broker-level order request.
type OrderParams struct {
	Symbol     string
	Side       types.Side
	OrderType  types.OrderType
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	// Deviation is the accepted price slippage in points.
	Deviation int
	Comment   string
}

// OrderResult is the synchronous outcome of a broker order call.
type OrderResult struct {
	BrokerOrderID string
	Price         float64
	FilledVolume  float64
	Comment       string
}

// Client is the broker terminal API. Every call takes a context and blocks
// at most for its deadline; these are the only blocking operations in the
// gateway core.
type Client interface {
	// Initialize prepares the terminal library. Only called when the
	// capability descriptor demands it.
	Initialize(ctx context.Context) error

	// Login authorizes against a specific broker account. A credential
	// rejection surfaces as types.ErrInvalidCredential.
	Login(ctx context.Context, cred types.BrokerCredential) (types.AccountInfo, error)

	// AccountInfo returns a fresh snapshot of the logged-in account.
	AccountInfo(ctx context.Context) (types.AccountInfo, error)

	// OrderSend submits an order. Broker-confirmed rejections surface as
	// types.ErrBrokerRejected; timeouts as ErrTimeout.
	OrderSend(ctx context.Context, p OrderParams) (OrderResult, error)

	// OrderCancel removes a pending order by its broker id.
	OrderCancel(ctx context.Context, brokerOrderID string) (OrderResult, error)

	// Positions lists the open positions for the logged-in account.
	Positions(ctx context.Context) ([]types.Position, error)

	// ClosePosition closes (part of) an open position.
	ClosePosition(ctx context.Context, ticket string, volume float64) (OrderResult, error)

	// SymbolTick returns the latest quote for a symbol.
	SymbolTick(ctx context.Context, symbol string) (types.MarketDataPoint, error)

	// Rates returns up to count bars for symbol/timeframe, most recent last.
	Rates(ctx context.Context, symbol, timeframe string, count int) ([]types.Bar, error)

	// Ping verifies the terminal link is alive.
	Ping(ctx context.Context) error

	// Shutdown releases the terminal connection.
	Shutdown(ctx context.Context) error
}
