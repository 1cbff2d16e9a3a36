package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/terminal"
)

type stubPool struct {
	status    terminal.Status
	heartbeat time.Time
}

func (p *stubPool) Health() terminal.Status  { return p.status }
func (p *stubPool) LastHeartbeat() time.Time { return p.heartbeat }

type stubSessions struct{ n int }

func (s *stubSessions) ActiveSessions() int { return s.n }

func newMonitor(status terminal.Status) (*Monitor, *stubPool) {
	pool := &stubPool{status: status, heartbeat: time.Now()}
	m := NewMonitor(config.Health{ProbeIntervalSec: 1, FailureThreshold: 3}, pool)
	return m, pool
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	m, _ := newMonitor(terminal.StatusDown)

	m.Probe()
	m.Probe()
	require.False(t, m.Open(), "two failures stay below the threshold")

	m.Probe()
	require.True(t, m.Open(), "third consecutive failure opens the breaker")
}

func TestReadyProbeResetsFailureRun(t *testing.T) {
	m, pool := newMonitor(terminal.StatusDown)

	m.Probe()
	m.Probe()

	pool.status = terminal.StatusReady
	m.Probe()

	pool.status = terminal.StatusDown
	m.Probe()
	m.Probe()
	require.False(t, m.Open(), "failure run restarts after a good probe")
}

func TestReadyProbeClosesOpenBreaker(t *testing.T) {
	m, pool := newMonitor(terminal.StatusDown)

	for i := 0; i < 3; i++ {
		m.Probe()
	}
	require.True(t, m.Open())

	pool.status = terminal.StatusReady
	m.Probe()
	require.False(t, m.Open())
}

func TestDegradedProbesCountTowardThreshold(t *testing.T) {
	m, pool := newMonitor(terminal.StatusDegraded)

	m.Probe()
	m.Probe()
	pool.status = terminal.StatusDown
	m.Probe()
	require.True(t, m.Open(), "degraded and down probes both count as bad")
}

func TestDegradedDoesNotCloseOpenBreaker(t *testing.T) {
	m, pool := newMonitor(terminal.StatusDown)

	for i := 0; i < 3; i++ {
		m.Probe()
	}
	require.True(t, m.Open())

	pool.status = terminal.StatusDegraded
	m.Probe()
	require.True(t, m.Open(), "only a Ready probe closes the breaker")
}

func TestReportReflectsBreakerAndPool(t *testing.T) {
	m, pool := newMonitor(terminal.StatusReady)
	m.AttachSessions(&stubSessions{n: 4})
	m.Probe()

	report := m.Report()
	require.Equal(t, "healthy", report.Status)
	require.Equal(t, "READY", report.Terminal.Status)
	require.False(t, report.BreakerOpen)
	require.Equal(t, 4, report.ActiveSessions)
	require.Greater(t, report.UptimeSeconds, 0.0)
	require.Empty(t, report.Errors)

	pool.status = terminal.StatusDown
	for i := 0; i < 3; i++ {
		m.Probe()
	}
	report = m.Report()
	require.Equal(t, "unhealthy", report.Status)
	require.True(t, report.BreakerOpen)
	require.Contains(t, report.Errors, "terminal pool DOWN")
	require.Contains(t, report.Errors, "circuit breaker open")

	pool.status = terminal.StatusReady
	m.Probe()
	require.Empty(t, m.Report().Errors, "recovery clears the error list")
}

func TestTripWireProbesOnPoolCollapse(t *testing.T) {
	m, pool := newMonitor(terminal.StatusDown)
	fn := m.TripWire()

	for i := 0; i < 3; i++ {
		fn("session-1", terminal.SessionConnecting, terminal.SessionClosed)
	}
	require.True(t, m.Open(), "trip wire probes count toward the threshold")

	_ = pool
}
