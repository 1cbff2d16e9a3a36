package terminal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/types"
)

// fakeClient is a scriptable terminal client for pool tests.
type fakeClient struct {
	pingErr     atomic.Value // error
	pingCount   atomic.Int64
	initialized atomic.Bool
}

func (f *fakeClient) setPingErr(err error) {
	if err == nil {
		f.pingErr.Store(errNone)
		return
	}
	f.pingErr.Store(err)
}

var errNone = errors.New("none")

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.initialized.Store(true)
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.pingCount.Add(1)
	if v := f.pingErr.Load(); v != nil && v != error(errNone) {
		return v.(error)
	}
	return nil
}

func (f *fakeClient) Login(ctx context.Context, cred types.BrokerCredential) (types.AccountInfo, error) {
	return types.AccountInfo{Login: cred.Login}, nil
}

func (f *fakeClient) AccountInfo(ctx context.Context) (types.AccountInfo, error) {
	return types.AccountInfo{}, nil
}

func (f *fakeClient) OrderSend(ctx context.Context, p OrderParams) (OrderResult, error) {
	return OrderResult{}, nil
}

func (f *fakeClient) OrderCancel(ctx context.Context, id string) (OrderResult, error) {
	return OrderResult{}, nil
}

func (f *fakeClient) Positions(ctx context.Context) ([]types.Position, error) { return nil, nil }

func (f *fakeClient) ClosePosition(ctx context.Context, ticket string, volume float64) (OrderResult, error) {
	return OrderResult{}, nil
}

func (f *fakeClient) SymbolTick(ctx context.Context, symbol string) (types.MarketDataPoint, error) {
	return types.MarketDataPoint{}, nil
}

func (f *fakeClient) Rates(ctx context.Context, symbol, timeframe string, count int) ([]types.Bar, error) {
	return nil, nil
}

func (f *fakeClient) Shutdown(ctx context.Context) error { return nil }

func testTerminalConfig() config.Terminal {
	return config.Terminal{
		PoolSize:           1,
		RequiresInitialize: true,
		ConnectTimeoutSec:  1,
		CallTimeoutSec:     1,
		ReconnectAttempts:  2,
		ReconnectDelayMs:   5,
		KeepAliveSec:       1,
	}
}

func TestPoolOpenAndAcquire(t *testing.T) {
	client := &fakeClient{}
	pool := NewPool(testTerminalConfig(), Capabilities{RequiresInitialize: true}, func() Client { return client })

	require.NoError(t, pool.Open(context.Background()))
	require.Equal(t, StatusReady, pool.Health())
	require.True(t, client.initialized.Load(), "capability descriptor demands initialize")

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lease.Client())
	pool.Release(lease)

	// Double release must not underflow the lease count.
	pool.Release(lease)
	lease2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(lease2)
}

func TestPoolAcquireFailsFastWhenDown(t *testing.T) {
	client := &fakeClient{}
	client.setPingErr(ErrTimeout)
	pool := NewPool(testTerminalConfig(), Capabilities{}, func() Client { return client })

	err := pool.Open(context.Background())
	require.ErrorIs(t, err, types.ErrTerminalUnavailable)
	require.Equal(t, StatusDown, pool.Health())

	start := time.Now()
	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, types.ErrTerminalUnavailable)
	require.Less(t, time.Since(start), 100*time.Millisecond, "acquire must fail fast, not block")
}

func TestPoolReconnectRecovers(t *testing.T) {
	client := &fakeClient{}
	pool := NewPool(testTerminalConfig(), Capabilities{}, func() Client { return client })
	require.NoError(t, pool.Open(context.Background()))

	sessionID := pool.sessions[0].ID

	client.setPingErr(ErrTimeout)
	pool.transition(pool.sessions[0], SessionDegraded)
	require.Equal(t, StatusDegraded, pool.Health())

	client.setPingErr(nil)
	require.NoError(t, pool.Reconnect(context.Background(), sessionID))
	require.Equal(t, StatusReady, pool.Health())
}

func TestPoolReconnectExhaustsAndClosesSession(t *testing.T) {
	client := &fakeClient{}
	pool := NewPool(testTerminalConfig(), Capabilities{}, func() Client { return client })
	require.NoError(t, pool.Open(context.Background()))

	before := client.pingCount.Load()
	client.setPingErr(ErrTimeout)

	err := pool.Reconnect(context.Background(), pool.sessions[0].ID)
	require.ErrorIs(t, err, types.ErrTerminalUnavailable)
	require.Equal(t, StatusDown, pool.Health())

	// Initial attempt plus the capped retries, no more.
	attempts := client.pingCount.Load() - before
	require.Equal(t, int64(3), attempts)

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, types.ErrTerminalUnavailable)
}

func TestPoolTransitionsObserved(t *testing.T) {
	var mu sync.Mutex
	var seen []SessionState

	client := &fakeClient{}
	pool := NewPool(testTerminalConfig(), Capabilities{}, func() Client { return client })
	pool.OnTransition(func(id string, from, to SessionState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	require.NoError(t, pool.Open(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[0] == SessionReady
	}, time.Second, 10*time.Millisecond)
}

func TestPoolHeartbeatDegradesOnPingFailure(t *testing.T) {
	client := &fakeClient{}
	pool := NewPool(testTerminalConfig(), Capabilities{}, func() Client { return client })
	require.NoError(t, pool.Open(context.Background()))

	client.setPingErr(ErrTimeout)
	pool.heartbeat(context.Background())
	require.Equal(t, StatusDegraded, pool.Health())

	client.setPingErr(nil)
	pool.heartbeat(context.Background())
	require.Equal(t, StatusReady, pool.Health())
}
