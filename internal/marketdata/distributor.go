package marketdata

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/types"
)

// Subscriber is one stream consumer. Ticks arrive on a bounded channel
// where the oldest tick is dropped when the consumer lags; order events
// are queued without bound and delivered in order, never dropped.
type Subscriber struct {
	ID     string
	UserID string

	ticks   chan types.MarketDataPoint
	events  chan types.OrderEvent
	dropped atomic.Int64

	mu      sync.Mutex
	symbols map[string]struct{}
	pending []types.OrderEvent

	notify chan struct{}
	done   chan struct{}
	closed sync.Once
}

// Ticks is the quote stream. A lagging consumer loses the oldest ticks
// first; the latest quote always gets through.
func (s *Subscriber) Ticks() <-chan types.MarketDataPoint { return s.ticks }

// Events is the order event stream. Delivery is lossless and ordered.
func (s *Subscriber) Events() <-chan types.OrderEvent { return s.events }

// Dropped counts ticks discarded because the consumer lagged.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Watch adds symbols to the subscription set.
func (s *Subscriber) Watch(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.symbols[sym] = struct{}{}
	}
}

// Unwatch removes symbols from the subscription set.
func (s *Subscriber) Unwatch(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.symbols, sym)
	}
}

func (s *Subscriber) watching(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.symbols[symbol]
	return ok
}

func (s *Subscriber) close() {
	s.closed.Do(func() { close(s.done) })
}

// pump drains the pending order-event queue into the events channel so
// that PublishOrderEvent never blocks on a slow consumer.
func (s *Subscriber) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Distributor fans ticks and order events out to subscribers.
type Distributor struct {
	buffer int

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func NewDistributor(cfg config.MarketData) *Distributor {
	return &Distributor{
		buffer: cfg.SubscriberBuffer,
		subs:   make(map[string]*Subscriber),
	}
}

// Subscribe registers a stream consumer for the user. The subscriber
// starts with an empty symbol set; call Watch to receive ticks.
func (d *Distributor) Subscribe(userID string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.New().String(),
		UserID:  userID,
		ticks:   make(chan types.MarketDataPoint, d.buffer),
		events:  make(chan types.OrderEvent, d.buffer),
		symbols: make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go sub.pump()

	d.mu.Lock()
	d.subs[sub.ID] = sub
	d.mu.Unlock()

	log.Debug().
		Str("component", "market_data").
		Str("subscriber_id", sub.ID).
		Str("user_id", userID).
		Msg("stream subscriber added")
	return sub
}

// Unsubscribe removes a subscriber and stops its delivery goroutine.
func (d *Distributor) Unsubscribe(id string) {
	d.mu.Lock()
	sub, ok := d.subs[id]
	delete(d.subs, id)
	d.mu.Unlock()
	if ok {
		sub.close()
	}
}

// BroadcastTick delivers a tick to every subscriber watching its symbol.
// When a subscriber's buffer is full the oldest buffered tick is dropped
// to make room.
func (d *Distributor) BroadcastTick(tick types.MarketDataPoint) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, sub := range d.subs {
		if !sub.watching(tick.Symbol) {
			continue
		}
		select {
		case sub.ticks <- tick:
		default:
			select {
			case <-sub.ticks:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ticks <- tick:
			default:
			}
		}
	}
}

// PublishOrderEvent queues the event for every subscriber belonging to
// the event's user. Queuing never blocks and never drops.
func (d *Distributor) PublishOrderEvent(ev types.OrderEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, sub := range d.subs {
		if sub.UserID != ev.UserID {
			continue
		}
		sub.mu.Lock()
		sub.pending = append(sub.pending, ev)
		sub.mu.Unlock()
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (d *Distributor) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close stops every subscriber.
func (d *Distributor) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, sub := range d.subs {
		sub.close()
		delete(d.subs, id)
	}
}
