// Package orders is the order execution pipeline: validation,
// idempotent submission, lifecycle tracking and cancellation. Orders are
// persisted through gorm so duplicate-submission checks hold across
// restarts.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/terminal"
	"github.com/tradewire/terminal-api/internal/types"
)

// SessionSource resolves a user to their live terminal lease and cached
// account snapshot. Implemented by the account manager.
type SessionSource interface {
	Lease(userID string) (*terminal.Lease, error)
	Snapshot(userID string) (types.AccountInfo, bool)
}

// QuoteSource supplies the latest cached quote for notional checks.
// Implemented by the market data cache.
type QuoteSource interface {
	Latest(symbol string) (types.MarketDataPoint, bool)
}

// EventSink receives order lifecycle events for stream fan-out. Order
// events ride the non-droppable path, unlike ticks.
type EventSink interface {
	PublishOrderEvent(ev types.OrderEvent)
}

// Circuit exposes the health monitor's breaker state.
type Circuit interface {
	Open() bool
}

// Service drives the order state machine:
// Pending -> Submitted -> {Filled | PartiallyFilled | Rejected | Cancelled | Failed}.
type Service struct {
	db          *Database
	accounts    SessionSource
	quotes      QuoteSource
	sink        EventSink
	circuit     Circuit
	symbols     map[string]config.Symbol
	risk        config.Risk
	callTimeout time.Duration

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewService creates the pipeline. quotes, sink and circuit may be nil.
func NewService(gormDB *gorm.DB, cfg *config.Config, accounts SessionSource) *Service {
	symbols := make(map[string]config.Symbol, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s.Name] = s
	}
	return &Service{
		db:          NewDatabase(gormDB),
		accounts:    accounts,
		symbols:     symbols,
		risk:        cfg.Risk,
		callTimeout: cfg.Terminal.CallTimeout(),
		userLocks:   make(map[string]*sync.Mutex),
	}
}

// AttachQuotes wires the market data cache for notional checks.
func (s *Service) AttachQuotes(q QuoteSource) { s.quotes = q }

// AttachSink wires the stream distributor for order events.
func (s *Service) AttachSink(sink EventSink) { s.sink = sink }

// AttachCircuit wires the health monitor's breaker.
func (s *Service) AttachCircuit(c Circuit) { s.circuit = c }

// userLock serializes submissions per user so a single user's orders are
// processed in submission order. Cross-user ordering is unspecified.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.userLocks[userID] = mu
	}
	return mu
}

func (s *Service) circuitOpen() bool {
	return s.circuit != nil && s.circuit.Open()
}

func (s *Service) publish(rec *OrderRecord) {
	if s.sink != nil {
		s.sink.PublishOrderEvent(rec.Event())
	}
}

type brokerOutcome struct {
	res terminal.OrderResult
	err error
}

// Submit validates and executes an order. A client_order_id already known
// for the user replays the stored record untouched: duplicate requests
// never reach the broker twice.
func (s *Service) Submit(ctx context.Context, req types.OrderRequest) (*OrderRecord, error) {
	logger := log.With().
		Str("component", "order_pipeline").
		Str("user_id", req.UserID).
		Str("client_order_id", req.ClientOrderID).
		Str("symbol", req.Symbol).
		Logger()

	if s.circuitOpen() {
		logger.Warn().Msg("submit denied: circuit breaker open")
		return nil, types.ErrTerminalUnavailable
	}

	mu := s.userLock(req.UserID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.db.Get(req.UserID, req.ClientOrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Debug().Str("state", string(existing.State)).Msg("duplicate submit, replaying stored record")
		return existing, nil
	}

	rec := newRecord(req)

	if verr := s.validate(req); verr != nil {
		rec.State = types.OrderRejected
		rec.Reason = verr.Error()
		if err := s.db.Create(rec); err != nil {
			return nil, err
		}
		logger.Info().Str("reason", rec.Reason).Msg("order rejected by validation")
		s.publish(rec)
		return rec, nil
	}

	lease, err := s.accounts.Lease(req.UserID)
	if err != nil {
		return nil, err
	}

	rec.State = types.OrderPending
	if err := s.db.Create(rec); err != nil {
		// Lost a race on the unique index: someone persisted this id first.
		if prior, getErr := s.db.Get(req.UserID, req.ClientOrderID); getErr == nil && prior != nil {
			return prior, nil
		}
		return nil, err
	}

	rec.State = types.OrderSubmitted
	rec.SubmittedAt = time.Now()
	if err := s.db.Update(rec); err != nil {
		return nil, err
	}
	s.publish(rec)

	params := terminal.OrderParams{
		Symbol:     req.Symbol,
		Side:       req.Side,
		OrderType:  req.OrderType,
		Volume:     req.Volume,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Deviation:  10,
		Comment:    "gateway",
	}

	// The broker call runs on a detached context: a caller that goes away
	// cannot un-send an order, so the pipeline always consumes the broker's
	// eventual answer to keep the record consistent.
	outCh := make(chan brokerOutcome, 1)
	go func() {
		res, err := s.send(lease, params)
		if errors.Is(err, terminal.ErrTimeout) {
			// Exactly one retry with the same client_order_id. More would
			// risk duplicate execution against an unconfirmed broker state.
			logger.Warn().Msg("broker call timed out, retrying once")
			res, err = s.send(lease, params)
		}
		outCh <- brokerOutcome{res: res, err: err}
	}()

	// Snapshot before waiting: once the background finalize owns rec,
	// the cancelled caller must not read it.
	snapshot := *rec

	select {
	case out := <-outCh:
		s.finalize(rec, out)
		return rec, nil
	case <-ctx.Done():
		logger.Info().Msg("caller gone, finalizing order in background")
		go func() {
			out := <-outCh
			s.finalize(rec, out)
		}()
		return &snapshot, ctx.Err()
	}
}

func (s *Service) send(lease *terminal.Lease, params terminal.OrderParams) (terminal.OrderResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	defer cancel()
	return lease.Client().OrderSend(ctx, params)
}

// finalize maps the broker's synchronous result onto the state machine
// and persists the terminal (or still-working) state.
func (s *Service) finalize(rec *OrderRecord, out brokerOutcome) {
	logger := log.With().
		Str("component", "order_pipeline").
		Str("user_id", rec.UserID).
		Str("client_order_id", rec.ClientOrderID).
		Logger()

	switch {
	case out.err == nil:
		rec.BrokerOrderID = out.res.BrokerOrderID
		rec.AvgFillPrice = out.res.Price
		rec.FilledVolume = out.res.FilledVolume
		switch {
		case out.res.FilledVolume >= rec.Volume:
			rec.State = types.OrderFilled
		case rec.OrderType == types.OrderTypeLimit:
			// Unfilled remainder of a limit order stays working at the broker.
			rec.State = types.OrderSubmitted
		default:
			rec.State = types.OrderPartiallyFilled
		}
		logger.Info().
			Str("broker_order_id", rec.BrokerOrderID).
			Float64("filled_volume", rec.FilledVolume).
			Float64("avg_fill_price", rec.AvgFillPrice).
			Str("state", string(rec.State)).
			Msg("order executed")

	case errors.Is(out.err, types.ErrBrokerRejected):
		rec.State = types.OrderRejected
		rec.Reason = out.err.Error()
		logger.Warn().Str("reason", rec.Reason).Msg("order rejected by broker")

	default:
		rec.State = types.OrderFailed
		rec.Reason = out.err.Error()
		logger.Error().Err(out.err).Msg("order failed after bounded retries")
	}

	if err := s.db.Update(rec); err != nil {
		logger.Error().Err(err).Msg("failed to persist order outcome")
	}
	s.publish(rec)
}

// Cancel cancels a working order. Records already in a terminal state are
// immutable; cancelling them returns ErrOrderTerminal alongside the record.
func (s *Service) Cancel(ctx context.Context, userID, clientOrderID string) (*OrderRecord, error) {
	logger := log.With().
		Str("component", "order_pipeline").
		Str("user_id", userID).
		Str("client_order_id", clientOrderID).
		Logger()

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.db.Get(userID, clientOrderID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, types.ErrOrderNotFound
	}
	if rec.State.Terminal() {
		return rec, types.ErrOrderTerminal
	}

	if rec.BrokerOrderID != "" {
		lease, err := s.accounts.Lease(userID)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		_, err = lease.Client().OrderCancel(callCtx, rec.BrokerOrderID)
		cancel()
		if err != nil {
			if errors.Is(err, types.ErrBrokerRejected) {
				return rec, err
			}
			return nil, fmt.Errorf("%w: %v", types.ErrTerminalUnavailable, err)
		}
	}

	rec.State = types.OrderCancelled
	if err := s.db.Update(rec); err != nil {
		return nil, err
	}
	logger.Info().Msg("order cancelled")
	s.publish(rec)
	return rec, nil
}

// Get returns the record for the client order id.
func (s *Service) Get(userID, clientOrderID string) (*OrderRecord, error) {
	rec, err := s.db.Get(userID, clientOrderID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, types.ErrOrderNotFound
	}
	return rec, nil
}

// History returns the user's order records, newest first.
func (s *Service) History(userID string, limit int) ([]OrderRecord, error) {
	return s.db.ListByUser(userID, limit)
}

// Positions lists the user's open positions at the terminal.
func (s *Service) Positions(ctx context.Context, userID string) ([]types.Position, error) {
	lease, err := s.accounts.Lease(userID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return lease.Client().Positions(callCtx)
}

// ClosePosition closes (part of) an open position by ticket.
func (s *Service) ClosePosition(ctx context.Context, userID, ticket string, volume float64) (terminal.OrderResult, error) {
	lease, err := s.accounts.Lease(userID)
	if err != nil {
		return terminal.OrderResult{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	res, err := lease.Client().ClosePosition(callCtx, ticket, volume)
	if err != nil {
		return terminal.OrderResult{}, err
	}

	log.Info().
		Str("component", "order_pipeline").
		Str("user_id", userID).
		Str("ticket", ticket).
		Float64("closed_volume", res.FilledVolume).
		Msg("position closed")
	return res, nil
}

func newRecord(req types.OrderRequest) *OrderRecord {
	return &OrderRecord{
		UserID:        req.UserID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Volume:        req.Volume,
		Price:         req.Price,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		State:         types.OrderPending,
		SubmittedAt:   time.Now(),
	}
}
