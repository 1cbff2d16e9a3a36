// Package admission gates broker-facing work: per-user token buckets
// by operation class plus a global in-flight cap, checked before any
// request reaches the terminal.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/types"
)

// Circuit exposes the health monitor's breaker state.
type Circuit interface {
	Open() bool
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Controller admits or rejects broker-facing operations. Each (user,
// operation class) pair gets its own token bucket; a weighted semaphore
// caps total in-flight broker calls across all users.
type Controller struct {
	cfg     config.Admission
	circuit Circuit
	sem     *semaphore.Weighted

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewController(cfg config.Admission) *Controller {
	return &Controller{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		buckets: make(map[string]*bucket),
	}
}

// AttachCircuit wires the health monitor's breaker.
func (c *Controller) AttachCircuit(circuit Circuit) { c.circuit = circuit }

func (c *Controller) perMinute(op types.OperationKind) int {
	switch op {
	case types.OpConnect:
		return c.cfg.ConnectPerMinute
	case types.OpOrder:
		return c.cfg.OrdersPerMinute
	default:
		return c.cfg.MarketDataPerMinute
	}
}

func (c *Controller) bucketFor(userID string, op types.OperationKind) *rate.Limiter {
	key := userID + "|" + string(op)

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok {
		perMin := c.perMinute(op)
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(perMin)/60, c.cfg.Burst)}
		c.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Admit consumes one token from the user's bucket for the operation
// class. A denial carries a positive RetryAfter so clients can back off
// precisely instead of hammering. An open circuit breaker denies
// connects and orders; read paths stay admitted so cached data remains
// reachable during an outage.
func (c *Controller) Admit(userID string, op types.OperationKind) error {
	if c.circuit != nil && c.circuit.Open() && op != types.OpMarketData {
		return types.ErrTerminalUnavailable
	}

	res := c.bucketFor(userID, op).Reserve()
	if !res.OK() {
		return &types.RateLimitedError{RetryAfter: time.Minute}
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		log.Debug().
			Str("component", "admission").
			Str("user_id", userID).
			Str("operation", string(op)).
			Dur("retry_after", delay).
			Msg("request rate limited")
		return &types.RateLimitedError{RetryAfter: delay}
	}
	return nil
}

// AcquireSlot claims one global in-flight slot without blocking. When
// the gateway is saturated the caller gets a retryable denial.
func (c *Controller) AcquireSlot() error {
	if !c.sem.TryAcquire(1) {
		return &types.RateLimitedError{RetryAfter: time.Second}
	}
	return nil
}

// AcquireSlotWait blocks for a slot until ctx expires. Used by
// background work that can afford to queue.
func (c *Controller) AcquireSlotWait(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

// ReleaseSlot returns an in-flight slot.
func (c *Controller) ReleaseSlot() {
	c.sem.Release(1)
}

// Run prunes idle buckets until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.prune(3 * time.Minute)
		}
	}
}

func (c *Controller) prune(idle time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, b := range c.buckets {
		if time.Since(b.lastSeen) > idle {
			delete(c.buckets, key)
		}
	}
}
