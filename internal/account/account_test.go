package account

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/terminal"
	"github.com/tradewire/terminal-api/internal/types"
	"github.com/tradewire/terminal-api/internal/vault"
)

// stubClient implements terminal.Client with scriptable login behaviour.
type stubClient struct {
	loginCalls   atomic.Int64
	accountCalls atomic.Int64
	rejectLogin  atomic.Bool
	failLogin    atomic.Int64  // fail this many logins with a transient error
	loginGate    chan struct{} // when set, Login blocks until it closes
}

func (s *stubClient) Initialize(ctx context.Context) error { return nil }

func (s *stubClient) Login(ctx context.Context, cred types.BrokerCredential) (types.AccountInfo, error) {
	s.loginCalls.Add(1)
	if s.loginGate != nil {
		<-s.loginGate
	}
	if s.rejectLogin.Load() {
		return types.AccountInfo{}, types.ErrInvalidCredential
	}
	if s.failLogin.Load() > 0 {
		s.failLogin.Add(-1)
		return types.AccountInfo{}, terminal.ErrTimeout
	}
	return types.AccountInfo{Login: cred.Login, Balance: 10000, Equity: 10000, Currency: "USD"}, nil
}

func (s *stubClient) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	s.accountCalls.Add(1)
	return types.AccountInfo{Balance: 10000, Equity: 10000}, nil
}

func (s *stubClient) OrderSend(ctx context.Context, p terminal.OrderParams) (terminal.OrderResult, error) {
	return terminal.OrderResult{}, nil
}

func (s *stubClient) OrderCancel(ctx context.Context, id string) (terminal.OrderResult, error) {
	return terminal.OrderResult{}, nil
}

func (s *stubClient) Positions(ctx context.Context) ([]types.Position, error) { return nil, nil }

func (s *stubClient) ClosePosition(ctx context.Context, ticket string, volume float64) (terminal.OrderResult, error) {
	return terminal.OrderResult{}, nil
}

func (s *stubClient) SymbolTick(ctx context.Context, symbol string) (types.MarketDataPoint, error) {
	return types.MarketDataPoint{}, nil
}

func (s *stubClient) Rates(ctx context.Context, symbol, timeframe string, count int) ([]types.Bar, error) {
	return nil, nil
}

func (s *stubClient) Ping(ctx context.Context) error     { return nil }
func (s *stubClient) Shutdown(ctx context.Context) error { return nil }

type stubCircuit struct{ open atomic.Bool }

func (c *stubCircuit) Open() bool { return c.open.Load() }

func newTestManager(t *testing.T, client *stubClient) (*Manager, *vault.Vault) {
	t.Helper()

	termCfg := config.Terminal{
		PoolSize:          1,
		ConnectTimeoutSec: 1,
		CallTimeoutSec:    1,
		ReconnectAttempts: 1,
		ReconnectDelayMs:  5,
		KeepAliveSec:      1,
	}
	pool := terminal.NewPool(termCfg, terminal.Capabilities{}, func() terminal.Client { return client })
	require.NoError(t, pool.Open(context.Background()))

	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	acctCfg := config.Account{ConnectRetries: 2, RetryDelayMs: 5, MonitorIntervalSec: 60}
	risk := config.Risk{MaxPositionSizePct: 0.1, MaxDailyLossPct: 0.05}
	return NewManager(acctCfg, risk, termCfg, v, pool), v
}

func encrypt(t *testing.T, v *vault.Vault, cred types.BrokerCredential) string {
	t.Helper()
	blob, err := v.Encrypt(cred)
	require.NoError(t, err)
	return blob
}

func TestConnectAndDisconnect(t *testing.T) {
	client := &stubClient{}
	m, v := newTestManager(t, client)
	blob := encrypt(t, v, types.BrokerCredential{Login: 111, Password: "pw", Server: "Demo"})

	info, err := m.Connect(context.Background(), "user-a", blob)
	require.NoError(t, err)
	require.Equal(t, int64(111), info.Login)
	require.Equal(t, types.ConnConnected, m.Status("user-a"))
	require.Equal(t, 1, m.ActiveSessions())

	require.NoError(t, m.Disconnect(context.Background(), "user-a"))
	require.Equal(t, types.ConnDisconnected, m.Status("user-a"))
	require.Equal(t, 0, m.ActiveSessions())

	require.ErrorIs(t, m.Disconnect(context.Background(), "user-a"), types.ErrNotConnected)
}

func TestConnectSupersedesExistingSession(t *testing.T) {
	client := &stubClient{}
	m, v := newTestManager(t, client)
	blob := encrypt(t, v, types.BrokerCredential{Login: 111, Password: "pw", Server: "Demo"})

	first, err := m.Connect(context.Background(), "user-a", blob)
	require.NoError(t, err)
	second, err := m.Connect(context.Background(), "user-a", blob)
	require.NoError(t, err)

	require.NotEqual(t, first.SessionID, second.SessionID)
	require.Equal(t, 1, m.ActiveSessions(), "at most one session per user")
}

func TestConcurrentConnectsLeaveOneSession(t *testing.T) {
	client := &stubClient{}
	m, v := newTestManager(t, client)
	blob := encrypt(t, v, types.BrokerCredential{Login: 111, Password: "pw", Server: "Demo"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Connect(context.Background(), "user-a", blob)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, m.ActiveSessions())
}

func TestInvalidCredentialIsNotRetried(t *testing.T) {
	client := &stubClient{}
	client.rejectLogin.Store(true)
	m, v := newTestManager(t, client)
	blob := encrypt(t, v, types.BrokerCredential{Login: 111, Password: "bad", Server: "Demo"})

	_, err := m.Connect(context.Background(), "user-a", blob)
	require.ErrorIs(t, err, types.ErrInvalidCredential)
	require.Equal(t, int64(1), client.loginCalls.Load(), "credential failures must not be retried")
	require.Equal(t, 0, m.ActiveSessions())
}

func TestTransientLoginFailureIsRetried(t *testing.T) {
	client := &stubClient{}
	client.failLogin.Store(1)
	m, v := newTestManager(t, client)
	blob := encrypt(t, v, types.BrokerCredential{Login: 111, Password: "pw", Server: "Demo"})

	_, err := m.Connect(context.Background(), "user-a", blob)
	require.NoError(t, err)
	require.Equal(t, int64(2), client.loginCalls.Load())
}

func TestConnectDeniedWhileCircuitOpen(t *testing.T) {
	client := &stubClient{}
	m, v := newTestManager(t, client)
	blob := encrypt(t, v, types.BrokerCredential{Login: 111, Password: "pw", Server: "Demo"})

	circuit := &stubCircuit{}
	circuit.open.Store(true)
	m.AttachCircuit(circuit)

	start := time.Now()
	_, err := m.Connect(context.Background(), "user-a", blob)
	require.ErrorIs(t, err, types.ErrTerminalUnavailable)
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Zero(t, client.loginCalls.Load(), "no broker call while breaker open")

	// Disconnect stays allowed while the breaker is open.
	circuit.open.Store(false)
	_, err = m.Connect(context.Background(), "user-a", blob)
	require.NoError(t, err)
	circuit.open.Store(true)
	require.NoError(t, m.Disconnect(context.Background(), "user-a"))
}

func TestConnectRejectsUndecryptableBlob(t *testing.T) {
	client := &stubClient{}
	m, _ := newTestManager(t, client)

	_, err := m.Connect(context.Background(), "user-a", "not-a-real-blob")
	require.ErrorIs(t, err, types.ErrInvalidCredential)
	require.Zero(t, client.loginCalls.Load())
}

func TestConcurrentConnectsDoNotLeak(t *testing.T) {
	client := &stubClient{}
	termCfg := config.Terminal{
		PoolSize:          1,
		ConnectTimeoutSec: 1,
		CallTimeoutSec:    1,
		ReconnectAttempts: 1,
		ReconnectDelayMs:  5,
		KeepAliveSec:      1,
	}
	pool := terminal.NewPool(termCfg, terminal.Capabilities{}, func() terminal.Client { return client })
	require.NoError(t, pool.Open(context.Background()))

	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	acctCfg := config.Account{ConnectRetries: 2, RetryDelayMs: 5, MonitorIntervalSec: 1}
	risk := config.Risk{MaxPositionSizePct: 0.1, MaxDailyLossPct: 0.05}
	m := NewManager(acctCfg, risk, termCfg, v, pool)
	blob := encrypt(t, v, types.BrokerCredential{Login: 111, Password: "pw", Server: "Demo"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Connect(context.Background(), "user-a", blob)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, m.ActiveSessions())
	require.Equal(t, 1, pool.Leases(), "superseded sessions must release their leases")

	// One surviving monitor refreshes about once per interval; leaked
	// monitors from superseded sessions would multiply the call count.
	client.accountCalls.Store(0)
	time.Sleep(2200 * time.Millisecond)
	require.LessOrEqual(t, client.accountCalls.Load(), int64(3))

	require.NoError(t, m.Disconnect(context.Background(), "user-a"))
	require.Zero(t, pool.Leases())
}

func TestStatusReportsConnectingDuringLogin(t *testing.T) {
	client := &stubClient{loginGate: make(chan struct{})}
	m, v := newTestManager(t, client)
	blob := encrypt(t, v, types.BrokerCredential{Login: 111, Password: "pw", Server: "Demo"})

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), "user-a", blob)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return m.Status("user-a") == types.ConnConnecting
	}, time.Second, 5*time.Millisecond)

	close(client.loginGate)
	require.NoError(t, <-done)
	require.Equal(t, types.ConnConnected, m.Status("user-a"))
}

func TestFailedConnectReportsErrored(t *testing.T) {
	client := &stubClient{}
	client.failLogin.Store(10)
	m, v := newTestManager(t, client)
	blob := encrypt(t, v, types.BrokerCredential{Login: 111, Password: "pw", Server: "Demo"})

	_, err := m.Connect(context.Background(), "user-a", blob)
	require.ErrorIs(t, err, types.ErrTerminalUnavailable)
	require.Equal(t, types.ConnErrored, m.Status("user-a"))
	require.Equal(t, 0, m.ActiveSessions())
}
