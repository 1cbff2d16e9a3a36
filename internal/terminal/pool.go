package terminal

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/types"
)

// SessionState is the lifecycle state of one pooled terminal session.
type SessionState string

const (
	SessionConnecting SessionState = "CONNECTING"
	SessionReady      SessionState = "READY"
	SessionDegraded   SessionState = "DEGRADED"
	SessionClosed     SessionState = "CLOSED"
)

// Status is the aggregate health of the pool.
type Status string

const (
	StatusReady    Status = "READY"
	StatusDegraded Status = "DEGRADED"
	StatusDown     Status = "DOWN"
)

// TransitionFunc observes session state transitions. The health monitor
// registers one before the pool opens.
type TransitionFunc func(sessionID string, from, to SessionState)

// Session is one live connection to the broker terminal. Sessions are
// owned exclusively by the pool; callers hold leases, never the session.
type Session struct {
	ID            string
	state         SessionState
	lastHeartbeat time.Time
	leases        int
	client        Client
}

// Lease grants temporary non-owning access to a pooled session.
type Lease struct {
	session  *Session
	released bool
}

// Client returns the broker client behind the leased session.
func (l *Lease) Client() Client { return l.session.client }

// SessionID identifies the leased session.
func (l *Lease) SessionID() string { return l.session.ID }

// Pool owns the lifecycle of the underlying broker terminal connections.
// All state transitions are serialized through the pool's mutex so that
// concurrent reconnects cannot race.
type Pool struct {
	cfg     config.Terminal
	caps    Capabilities
	factory func() Client

	mu           sync.Mutex
	sessions     []*Session
	onTransition TransitionFunc
}

// NewPool creates a pool of cfg.PoolSize sessions backed by clients from
// the factory. Call Open before first use.
func NewPool(cfg config.Terminal, caps Capabilities, factory func() Client) *Pool {
	return &Pool{cfg: cfg, caps: caps, factory: factory}
}

// OnTransition registers the transition observer. Must be called before
// Open.
func (p *Pool) OnTransition(fn TransitionFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransition = fn
}

// Open establishes every pooled session. A session that fails to connect
// starts Closed; the pool is usable as long as one session came up.
func (p *Pool) Open(ctx context.Context) error {
	logger := log.With().Str("component", "terminal_pool").Logger()

	for i := 0; i < p.cfg.PoolSize; i++ {
		s := &Session{
			ID:     uuid.New().String(),
			state:  SessionConnecting,
			client: p.factory(),
		}
		p.mu.Lock()
		p.sessions = append(p.sessions, s)
		p.mu.Unlock()

		if err := p.establish(ctx, s); err != nil {
			logger.Error().Err(err).Str("session_id", s.ID).Msg("initial terminal connect failed")
			p.transition(s, SessionClosed)
			continue
		}
		p.transition(s, SessionReady)
		logger.Info().Str("session_id", s.ID).Msg("terminal session established")
	}

	if p.Health() == StatusDown {
		return types.ErrTerminalUnavailable
	}
	return nil
}

// establish brings the underlying client up: explicit initialize when the
// capability descriptor demands it, then a liveness ping.
func (p *Pool) establish(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout())
	defer cancel()

	if p.caps.RequiresInitialize {
		if err := s.client.Initialize(ctx); err != nil {
			return err
		}
	}
	if err := s.client.Ping(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	s.lastHeartbeat = time.Now()
	p.mu.Unlock()
	return nil
}

// Acquire leases a live session. While the pool is Down it fails fast
// with ErrTerminalUnavailable instead of blocking the caller.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Prefer a ready session with the fewest leases; fall back to a
	// degraded one so read paths keep working during degradation.
	var best *Session
	for _, s := range p.sessions {
		if s.state != SessionReady {
			continue
		}
		if best == nil || s.leases < best.leases {
			best = s
		}
	}
	if best == nil {
		for _, s := range p.sessions {
			if s.state != SessionDegraded {
				continue
			}
			if best == nil || s.leases < best.leases {
				best = s
			}
		}
	}
	if best == nil {
		return nil, types.ErrTerminalUnavailable
	}

	best.leases++
	return &Lease{session: best}, nil
}

// Release returns a lease to the pool. Releasing twice is a no-op.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	if l.session.leases > 0 {
		l.session.leases--
	}
}

// ReportFailure marks a leased session degraded after a failed broker
// call and schedules a reconnect.
func (p *Pool) ReportFailure(l *Lease) {
	p.mu.Lock()
	s := l.session
	if s.state == SessionReady {
		p.transitionLocked(s, SessionDegraded)
	}
	p.mu.Unlock()

	go p.Reconnect(context.Background(), s.ID)
}

// Reconnect re-establishes one session with capped exponential backoff.
// Exhausting the retry budget closes the session; with no session left
// the pool reports Down and Acquire fails fast. Concurrent reconnects of
// the same session collapse into one.
func (p *Pool) Reconnect(ctx context.Context, sessionID string) error {
	logger := log.With().Str("component", "terminal_pool").Str("session_id", sessionID).Logger()

	p.mu.Lock()
	var s *Session
	for _, cand := range p.sessions {
		if cand.ID == sessionID {
			s = cand
			break
		}
	}
	if s == nil || s.state == SessionConnecting {
		p.mu.Unlock()
		return nil
	}
	p.transitionLocked(s, SessionConnecting)
	p.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.ReconnectDelay()
	bo.MaxInterval = p.cfg.ReconnectDelay() * 8

	attempt := 0
	op := func() error {
		attempt++
		logger.Info().Int("attempt", attempt).Msg("reconnecting terminal session")
		return p.establish(ctx, s)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.cfg.ReconnectAttempts)), ctx))
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempt).Msg("terminal reconnect exhausted, closing session")
		p.mu.Lock()
		p.transitionLocked(s, SessionClosed)
		p.mu.Unlock()
		return types.ErrTerminalUnavailable
	}

	p.mu.Lock()
	p.transitionLocked(s, SessionReady)
	p.mu.Unlock()
	logger.Info().Msg("terminal session reconnected")
	return nil
}

// Run drives the keep-alive loop until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	logger := log.With().Str("component", "terminal_pool").Logger()
	ticker := time.NewTicker(p.cfg.KeepAlive())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping terminal keep-alive")
			return
		case <-ticker.C:
			p.heartbeat(ctx)
		}
	}
}

func (p *Pool) heartbeat(ctx context.Context) {
	logger := log.With().Str("component", "terminal_pool").Logger()

	p.mu.Lock()
	candidates := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.state == SessionReady || s.state == SessionDegraded {
			candidates = append(candidates, s)
		}
	}
	p.mu.Unlock()

	for _, s := range candidates {
		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout())
		err := s.client.Ping(pingCtx)
		cancel()

		p.mu.Lock()
		if err == nil {
			s.lastHeartbeat = time.Now()
			if s.state == SessionDegraded {
				p.transitionLocked(s, SessionReady)
			}
			p.mu.Unlock()
			continue
		}

		wasDegraded := s.state == SessionDegraded
		if s.state == SessionReady {
			p.transitionLocked(s, SessionDegraded)
		}
		p.mu.Unlock()

		logger.Warn().Err(err).Str("session_id", s.ID).Msg("terminal heartbeat failed")
		if wasDegraded {
			go p.Reconnect(ctx, s.ID)
		}
	}
}

// Health reports the aggregate pool status.
func (p *Pool) Health() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	ready, degraded := 0, 0
	for _, s := range p.sessions {
		switch s.state {
		case SessionReady:
			ready++
		case SessionDegraded, SessionConnecting:
			degraded++
		}
	}
	switch {
	case ready == len(p.sessions) && ready > 0:
		return StatusReady
	case ready > 0 || degraded > 0:
		return StatusDegraded
	default:
		return StatusDown
	}
}

// Leases reports the outstanding lease count across all sessions.
func (p *Pool) Leases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		n += s.leases
	}
	return n
}

// LastHeartbeat returns the most recent heartbeat across live sessions.
func (p *Pool) LastHeartbeat() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	var latest time.Time
	for _, s := range p.sessions {
		if s.lastHeartbeat.After(latest) {
			latest = s.lastHeartbeat
		}
	}
	return latest
}

// Shutdown closes every session.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	sessions := append([]*Session(nil), p.sessions...)
	p.mu.Unlock()

	for _, s := range sessions {
		_ = s.client.Shutdown(ctx)
		p.mu.Lock()
		if s.state != SessionClosed {
			p.transitionLocked(s, SessionClosed)
		}
		p.mu.Unlock()
	}
}

func (p *Pool) transition(s *Session, to SessionState) {
	p.mu.Lock()
	p.transitionLocked(s, to)
	p.mu.Unlock()
}

// transitionLocked flips a session state and notifies the observer.
// Callers hold p.mu.
func (p *Pool) transitionLocked(s *Session, to SessionState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	log.Debug().
		Str("component", "terminal_pool").
		Str("session_id", s.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("terminal session state transition")

	if p.onTransition != nil {
		fn := p.onTransition
		go fn(s.ID, from, to)
	}
}
