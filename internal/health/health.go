// Package health probes the terminal pool and host resources on a fixed
// cadence and drives the gateway's circuit breaker. The breaker is
// probe-driven: it opens after a run of consecutive bad probes and
// closes only when a probe sees the terminal Ready again.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tradewire/terminal-api/internal/config"
	"github.com/tradewire/terminal-api/internal/terminal"
	"github.com/tradewire/terminal-api/internal/types"
)

// PoolProbe is the slice of the terminal pool the monitor reads.
type PoolProbe interface {
	Health() terminal.Status
	LastHeartbeat() time.Time
}

// SessionCounter reports active user sessions for the health report.
type SessionCounter interface {
	ActiveSessions() int
}

// Monitor owns the circuit breaker and periodic probing.
type Monitor struct {
	cfg      config.Health
	pool     PoolProbe
	sessions SessionCounter
	started  time.Time

	mu         sync.Mutex
	failures   int
	open       bool
	lastStatus terminal.Status
	lastErrors []string
}

func NewMonitor(cfg config.Health, pool PoolProbe) *Monitor {
	return &Monitor{
		cfg:     cfg,
		pool:    pool,
		started: time.Now(),
	}
}

// AttachSessions wires the account manager for session counts.
func (m *Monitor) AttachSessions(s SessionCounter) { m.sessions = s }

// Open reports whether the circuit breaker is open. While open, every
// admission check fails fast with ErrTerminalUnavailable.
func (m *Monitor) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// TripWire returns a pool transition observer. A session closing while
// the pool has nothing left forces an immediate probe instead of
// waiting out the interval.
func (m *Monitor) TripWire() terminal.TransitionFunc {
	return func(sessionID string, from, to terminal.SessionState) {
		if to != terminal.SessionClosed {
			return
		}
		if m.pool.Health() == terminal.StatusDown {
			log.Warn().
				Str("component", "health_monitor").
				Str("session_id", sessionID).
				Msg("terminal session closed with pool down, probing now")
			m.Probe()
		}
	}
}

// Run probes on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	logger := log.With().Str("component", "health_monitor").Logger()
	ticker := time.NewTicker(m.cfg.ProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping health probes")
			return
		case <-ticker.C:
			m.Probe()
		}
	}
}

// Probe evaluates the pool once and updates the breaker. Degraded and
// Down both count as bad probes; reaching the failure threshold opens
// the breaker. Only a Ready pool closes it and resets the failure run.
func (m *Monitor) Probe() {
	status := m.pool.Health()
	logger := log.With().Str("component", "health_monitor").Logger()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastStatus = status
	if status == terminal.StatusReady {
		m.failures = 0
		m.lastErrors = nil
		if m.open {
			m.open = false
			logger.Info().Msg("circuit breaker closed, terminal ready")
		}
		return
	}

	m.failures++
	m.lastErrors = []string{"terminal pool " + string(status)}
	if !m.open && m.failures >= m.cfg.FailureThreshold {
		m.open = true
		logger.Error().
			Int("consecutive_failures", m.failures).
			Str("pool_status", string(status)).
			Msg("circuit breaker opened")
	}
}

// Report assembles the full health report served on /health.
func (m *Monitor) Report() types.HealthReport {
	m.mu.Lock()
	status := m.lastStatus
	open := m.open
	errs := append([]string(nil), m.lastErrors...)
	m.mu.Unlock()

	if status == "" {
		status = m.pool.Health()
	}
	if open {
		errs = append(errs, "circuit breaker open")
	}

	report := types.HealthReport{
		Timestamp:     time.Now(),
		UptimeSeconds: time.Since(m.started).Seconds(),
		BreakerOpen:   open,
		Errors:        errs,
		Terminal: types.TerminalHealth{
			Status:        string(status),
			LastHeartbeat: m.pool.LastHeartbeat(),
		},
		System: m.systemHealth(),
	}
	if m.sessions != nil {
		report.ActiveSessions = m.sessions.ActiveSessions()
	}

	switch {
	case open || status == terminal.StatusDown:
		report.Status = "unhealthy"
	case status == terminal.StatusDegraded || report.System.MemoryPercent > 90 || report.System.CPUPercent > 95:
		report.Status = "degraded"
	default:
		report.Status = "healthy"
	}
	return report
}

func (m *Monitor) systemHealth() types.SystemHealth {
	var sys types.SystemHealth

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sys.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sys.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		sys.DiskPercent = du.UsedPercent
	}
	return sys
}
