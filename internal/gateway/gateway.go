// Package gateway is the facade tying the core components together
// behind one API surface. Every broker-facing entry point runs the same
// gauntlet: admission first, then the component that does the work.
package gateway

import (
	"context"

	"github.com/tradewire/terminal-api/internal/account"
	"github.com/tradewire/terminal-api/internal/admission"
	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/health"
	"github.com/tradewire/terminal-api/internal/marketdata"
	"github.com/tradewire/terminal-api/internal/orders"
	"github.com/tradewire/terminal-api/internal/terminal"
	"github.com/tradewire/terminal-api/internal/types"
	"github.com/tradewire/terminal-api/internal/vault"
)

// Gateway coordinates the components behind the HTTP and websocket
// surfaces.
type Gateway struct {
	cfg       *config.Config
	vault     *vault.Vault
	creds     *vault.Store
	accounts  *account.Manager
	orders    *orders.Service
	market    *marketdata.Service
	admission *admission.Controller
	monitor   *health.Monitor
}

func New(
	cfg *config.Config,
	v *vault.Vault,
	creds *vault.Store,
	accounts *account.Manager,
	orderSvc *orders.Service,
	market *marketdata.Service,
	adm *admission.Controller,
	monitor *health.Monitor,
) *Gateway {
	return &Gateway{
		cfg:       cfg,
		vault:     v,
		creds:     creds,
		accounts:  accounts,
		orders:    orderSvc,
		market:    market,
		admission: adm,
		monitor:   monitor,
	}
}

// ConnectAccount encrypts and stores the credential, then establishes
// the user's session. A nil credential reconnects with the stored one.
func (g *Gateway) ConnectAccount(ctx context.Context, userID string, cred *types.BrokerCredential) (*types.SessionInfo, error) {
	if err := g.admission.Admit(userID, types.OpConnect); err != nil {
		return nil, err
	}
	if err := g.admission.AcquireSlot(); err != nil {
		return nil, err
	}
	defer g.admission.ReleaseSlot()

	var blob string
	if cred != nil {
		b, err := g.vault.Encrypt(*cred)
		if err != nil {
			return nil, err
		}
		if err := g.creds.Save(userID, b); err != nil {
			return nil, err
		}
		blob = b
	} else {
		b, err := g.creds.Get(userID)
		if err != nil {
			return nil, &types.ValidationError{Field: "credential", Reason: "no stored credential, supply login details"}
		}
		blob = b
	}

	return g.accounts.Connect(ctx, userID, blob)
}

// DisconnectAccount tears down the user's session. Always admitted.
func (g *Gateway) DisconnectAccount(ctx context.Context, userID string) error {
	return g.accounts.Disconnect(ctx, userID)
}

// AccountStatus reports the user's connection state.
func (g *Gateway) AccountStatus(userID string) types.ConnectionState {
	return g.accounts.Status(userID)
}

// AccountInfo fetches a fresh account snapshot.
func (g *Gateway) AccountInfo(ctx context.Context, userID string) (types.AccountInfo, error) {
	if err := g.admission.Admit(userID, types.OpMarketData); err != nil {
		return types.AccountInfo{}, err
	}
	if err := g.admission.AcquireSlot(); err != nil {
		return types.AccountInfo{}, err
	}
	defer g.admission.ReleaseSlot()

	return g.accounts.AccountInfo(ctx, userID)
}

// SubmitOrder runs an order through admission and the pipeline.
func (g *Gateway) SubmitOrder(ctx context.Context, req types.OrderRequest) (*orders.OrderRecord, error) {
	if err := g.admission.Admit(req.UserID, types.OpOrder); err != nil {
		return nil, err
	}
	if err := g.admission.AcquireSlot(); err != nil {
		return nil, err
	}
	defer g.admission.ReleaseSlot()

	return g.orders.Submit(ctx, req)
}

// CancelOrder cancels a working order.
func (g *Gateway) CancelOrder(ctx context.Context, userID, clientOrderID string) (*orders.OrderRecord, error) {
	if err := g.admission.Admit(userID, types.OpOrder); err != nil {
		return nil, err
	}
	if err := g.admission.AcquireSlot(); err != nil {
		return nil, err
	}
	defer g.admission.ReleaseSlot()

	return g.orders.Cancel(ctx, userID, clientOrderID)
}

// GetOrder returns one order record. Reads are not broker calls and
// skip the in-flight cap.
func (g *Gateway) GetOrder(userID, clientOrderID string) (*orders.OrderRecord, error) {
	return g.orders.Get(userID, clientOrderID)
}

// OrderHistory returns the user's order records, newest first.
func (g *Gateway) OrderHistory(userID string, limit int) ([]orders.OrderRecord, error) {
	return g.orders.History(userID, limit)
}

// Positions lists the user's open positions.
func (g *Gateway) Positions(ctx context.Context, userID string) ([]types.Position, error) {
	if err := g.admission.Admit(userID, types.OpMarketData); err != nil {
		return nil, err
	}
	if err := g.admission.AcquireSlot(); err != nil {
		return nil, err
	}
	defer g.admission.ReleaseSlot()

	return g.orders.Positions(ctx, userID)
}

// ClosePosition closes (part of) an open position.
func (g *Gateway) ClosePosition(ctx context.Context, userID, ticket string, volume float64) (terminal.OrderResult, error) {
	if err := g.admission.Admit(userID, types.OpOrder); err != nil {
		return terminal.OrderResult{}, err
	}
	if err := g.admission.AcquireSlot(); err != nil {
		return terminal.OrderResult{}, err
	}
	defer g.admission.ReleaseSlot()

	return g.orders.ClosePosition(ctx, userID, ticket, volume)
}

// HistoricalData returns bars for a symbol and timeframe.
func (g *Gateway) HistoricalData(ctx context.Context, userID, symbol, timeframe string, count int) ([]types.Bar, error) {
	if err := g.admission.Admit(userID, types.OpMarketData); err != nil {
		return nil, err
	}
	if err := g.admission.AcquireSlot(); err != nil {
		return nil, err
	}
	defer g.admission.ReleaseSlot()

	return g.market.History(ctx, symbol, timeframe, count)
}

// Quote returns the cached latest tick for a symbol.
func (g *Gateway) Quote(userID, symbol string) (types.MarketDataPoint, error) {
	if err := g.admission.Admit(userID, types.OpMarketData); err != nil {
		return types.MarketDataPoint{}, err
	}
	tick, ok := g.market.Latest(symbol)
	if !ok {
		return types.MarketDataPoint{}, &types.ValidationError{Field: "symbol", Reason: "no quote for symbol"}
	}
	return tick, nil
}

// Quotes returns the whole quote cache.
func (g *Gateway) Quotes() map[string]types.MarketDataPoint {
	return g.market.Quotes()
}

// Symbols lists the configured instruments.
func (g *Gateway) Symbols() []config.Symbol {
	return g.cfg.Symbols
}

// SubscribeStream registers a stream consumer for the user.
func (g *Gateway) SubscribeStream(userID string) *marketdata.Subscriber {
	return g.market.Subscribe(userID)
}

// UnsubscribeStream removes a stream consumer.
func (g *Gateway) UnsubscribeStream(id string) {
	g.market.Unsubscribe(id)
}

// HealthReport returns the current health report.
func (g *Gateway) HealthReport() types.HealthReport {
	return g.monitor.Report()
}
