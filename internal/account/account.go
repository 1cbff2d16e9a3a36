// Package account maps authenticated user identities to logical sessions
// backed by the terminal session pool. It enforces the one-active-session
// per user invariant and owns the per-user monitoring loops.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/terminal"
	"github.com/tradewire/terminal-api/internal/types"
	"github.com/tradewire/terminal-api/internal/vault"
)

// Circuit exposes the health monitor's breaker state. While open, new
// connects are denied before any broker work happens.
type Circuit interface {
	Open() bool
}

// UserSession is one user's live logical session over a leased terminal
// connection.
type UserSession struct {
	SessionID      string
	UserID         string
	Login          int64
	Server         string
	ConnectedSince time.Time

	lease         *terminal.Lease
	state         types.ConnectionState
	account       types.AccountInfo
	lastActivity  time.Time
	cancelMonitor context.CancelFunc
}

// Manager is the account connection manager.
type Manager struct {
	cfg         config.Account
	risk        config.Risk
	callTimeout time.Duration
	vault       *vault.Vault
	pool        *terminal.Pool
	circuit     Circuit

	mu        sync.Mutex
	sessions  map[string]*UserSession
	connLocks map[string]*sync.Mutex
}

// NewManager wires the manager to its collaborators. circuit may be nil
// until the health monitor is attached.
func NewManager(cfg config.Account, risk config.Risk, term config.Terminal, v *vault.Vault, pool *terminal.Pool) *Manager {
	return &Manager{
		cfg:         cfg,
		risk:        risk,
		callTimeout: term.CallTimeout(),
		vault:       v,
		pool:        pool,
		sessions:    make(map[string]*UserSession),
		connLocks:   make(map[string]*sync.Mutex),
	}
}

// AttachCircuit registers the health monitor's breaker.
func (m *Manager) AttachCircuit(c Circuit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuit = c
}

func (m *Manager) circuitOpen() bool {
	m.mu.Lock()
	c := m.circuit
	m.mu.Unlock()
	return c != nil && c.Open()
}

// connLock serializes connect and disconnect per user. The supersede
// check and the final session store must not interleave between two
// connects for the same user, or the loser's lease and monitor leak.
func (m *Manager) connLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.connLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		m.connLocks[userID] = mu
	}
	return mu
}

// Connect decrypts the stored credential, tears down any existing session
// for the user, leases a terminal session and performs the broker login.
// Credential failures are terminal; transient terminal errors are retried
// a bounded number of times before surfacing ErrTerminalUnavailable.
func (m *Manager) Connect(ctx context.Context, userID, encryptedCred string) (*types.SessionInfo, error) {
	logger := log.With().Str("component", "account_manager").Str("user_id", userID).Logger()

	if m.circuitOpen() {
		logger.Warn().Msg("connect denied: circuit breaker open")
		return nil, types.ErrTerminalUnavailable
	}

	cred, err := m.vault.Decrypt(encryptedCred)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidCredential, "credential blob undecryptable")
	}

	mu := m.connLock(userID)
	mu.Lock()
	defer mu.Unlock()

	// At-most-one-active-session: an existing session is torn down first so
	// its terminal lease cannot leak.
	if old := m.take(userID); old != nil {
		logger.Info().Str("session_id", old.SessionID).Msg("superseding existing session")
		m.teardown(ctx, old)
	}
	m.setSession(userID, &UserSession{UserID: userID, state: types.ConnConnecting})

	var (
		lease *terminal.Lease
		info  types.AccountInfo
	)
	attempt := 0
	op := func() error {
		attempt++
		l, err := m.pool.Acquire(ctx)
		if err != nil {
			return err
		}

		loginCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		info, err = l.Client().Login(loginCtx, cred)
		cancel()
		if err != nil {
			m.pool.Release(l)
			if errors.Is(err, types.ErrInvalidCredential) {
				// Terminal failure: never retried.
				return backoff.Permanent(err)
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("transient login failure")
			return err
		}
		lease = l
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.RetryDelay()), uint64(m.cfg.ConnectRetries))
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		m.setSession(userID, &UserSession{UserID: userID, state: types.ConnErrored})
		if errors.Is(err, types.ErrInvalidCredential) {
			logger.Warn().Int64("login", cred.Login).Str("server", cred.Server).Msg("broker rejected credential")
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrTerminalUnavailable, err)
	}

	now := time.Now()
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	us := &UserSession{
		SessionID:      uuid.New().String(),
		UserID:         userID,
		Login:          cred.Login,
		Server:         cred.Server,
		ConnectedSince: now,
		lease:          lease,
		state:          types.ConnConnected,
		account:        info,
		lastActivity:   now,
		cancelMonitor:  cancelMonitor,
	}

	m.setSession(userID, us)

	go m.monitor(monitorCtx, userID)

	logger.Info().
		Str("session_id", us.SessionID).
		Int64("login", cred.Login).
		Str("server", cred.Server).
		Msg("user session connected")

	return &types.SessionInfo{
		SessionID:      us.SessionID,
		UserID:         userID,
		Login:          cred.Login,
		Server:         cred.Server,
		ConnectedSince: now,
		Account:        info,
	}, nil
}

// Disconnect tears down the user's session and releases its lease.
// Disconnects are always allowed, breaker open or not.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	mu := m.connLock(userID)
	mu.Lock()
	defer mu.Unlock()

	us := m.take(userID)
	if us == nil {
		return types.ErrNotConnected
	}
	m.teardown(ctx, us)

	log.Info().
		Str("component", "account_manager").
		Str("user_id", userID).
		Str("session_id", us.SessionID).
		Msg("user session disconnected")
	return nil
}

// Status reports the user's connection state.
func (m *Manager) Status(userID string) types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.sessions[userID]
	if !ok {
		return types.ConnDisconnected
	}
	return us.state
}

// Lease returns the terminal lease backing the user's session, marking
// activity. Callers must not release it; the session owns it.
func (m *Manager) Lease(userID string) (*terminal.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.sessions[userID]
	if !ok || us.state != types.ConnConnected {
		return nil, types.ErrNotConnected
	}
	us.lastActivity = time.Now()
	return us.lease, nil
}

// Snapshot returns the cached account info for a connected user.
func (m *Manager) Snapshot(userID string) (types.AccountInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.sessions[userID]
	if !ok || us.state != types.ConnConnected {
		return types.AccountInfo{}, false
	}
	return us.account, true
}

// AccountInfo fetches a fresh account snapshot through the user's lease.
func (m *Manager) AccountInfo(ctx context.Context, userID string) (types.AccountInfo, error) {
	lease, err := m.Lease(userID)
	if err != nil {
		return types.AccountInfo{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	info, err := lease.Client().AccountInfo(callCtx)
	if err != nil {
		return types.AccountInfo{}, err
	}

	m.mu.Lock()
	if us, ok := m.sessions[userID]; ok {
		us.account = info
	}
	m.mu.Unlock()
	return info, nil
}

// ActiveSessions reports how many user sessions are connected.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, us := range m.sessions {
		if us.state == types.ConnConnected {
			n++
		}
	}
	return n
}

// Shutdown disconnects every user.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	users := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		users = append(users, id)
	}
	m.mu.Unlock()

	for _, id := range users {
		_ = m.Disconnect(ctx, id)
	}
}

func (m *Manager) setSession(userID string, us *UserSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID] = us
}

// take removes and returns the user's session, or nil.
func (m *Manager) take(userID string) *UserSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.sessions[userID]
	if !ok {
		return nil
	}
	delete(m.sessions, userID)
	return us
}

// teardown also handles connecting or errored placeholders, which carry
// neither a lease nor a monitor.
func (m *Manager) teardown(ctx context.Context, us *UserSession) {
	if us.cancelMonitor != nil {
		us.cancelMonitor()
	}
	us.state = types.ConnDisconnected
	m.pool.Release(us.lease)
}

// monitor refreshes the account snapshot for a connected user and logs
// risk-limit violations. It exits when the session is torn down.
func (m *Manager) monitor(ctx context.Context, userID string) {
	logger := log.With().Str("component", "account_monitor").Str("user_id", userID).Logger()
	ticker := time.NewTicker(m.cfg.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := m.AccountInfo(ctx, userID)
			if err != nil {
				if errors.Is(err, types.ErrNotConnected) {
					return
				}
				logger.Warn().Err(err).Msg("account refresh failed")
				continue
			}
			m.checkRiskLimits(logger, info)
		}
	}
}

// checkRiskLimits warns when an account breaches its configured limits.
// Enforcement happens in the order pipeline; the monitor only observes.
func (m *Manager) checkRiskLimits(logger zerolog.Logger, info types.AccountInfo) {
	if info.Balance > 0 && info.Profit < -(info.Balance*m.risk.MaxDailyLossPct) {
		logger.Warn().
			Float64("profit", info.Profit).
			Float64("balance", info.Balance).
			Float64("max_daily_loss_pct", m.risk.MaxDailyLossPct).
			Msg("daily loss limit breached")
	}

	if info.Equity > 0 {
		usage := info.Margin / info.Equity
		if usage > 0.8 {
			logger.Warn().
				Float64("margin_usage", usage).
				Msg("high margin usage")
		}
	}
}
