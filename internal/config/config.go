package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single immutable configuration object for the gateway.
// It is populated once at startup from a YAML file plus environment
// overrides for secrets, and passed by value to every component. All
// tunables the design leaves open (retry counts, cache sizes, rate
// limits) live here rather than as hard-coded constants.
type Config struct {
	Server     Server     `yaml:"server"`
	Terminal   Terminal   `yaml:"terminal"`
	Account    Account    `yaml:"account"`
	Risk       Risk       `yaml:"risk"`
	MarketData MarketData `yaml:"market_data"`
	Admission  Admission  `yaml:"admission"`
	Health     Health     `yaml:"health"`
	Database   Database   `yaml:"database"`
	Vault      Vault      `yaml:"vault"`
	Symbols    []Symbol   `yaml:"symbols"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Terminal configures the broker terminal session pool.
type Terminal struct {
	PoolSize           int  `yaml:"pool_size"`
	RequiresInitialize bool `yaml:"requires_initialize"`
	ConnectTimeoutSec  int  `yaml:"connect_timeout_sec"`
	CallTimeoutSec     int  `yaml:"call_timeout_sec"`
	ReconnectAttempts  int  `yaml:"reconnect_attempts"`
	ReconnectDelayMs   int  `yaml:"reconnect_delay_ms"`
	KeepAliveSec       int  `yaml:"keep_alive_sec"`
}

// ConnectTimeout returns the bounded timeout for terminal connect calls.
func (t Terminal) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutSec) * time.Second
}

// CallTimeout returns the bounded timeout for every other terminal call.
func (t Terminal) CallTimeout() time.Duration {
	return time.Duration(t.CallTimeoutSec) * time.Second
}

// ReconnectDelay is the initial backoff delay between reconnect attempts.
func (t Terminal) ReconnectDelay() time.Duration {
	return time.Duration(t.ReconnectDelayMs) * time.Millisecond
}

// KeepAlive is the heartbeat cadence for pooled sessions.
func (t Terminal) KeepAlive() time.Duration {
	return time.Duration(t.KeepAliveSec) * time.Second
}

// Account configures the account connection manager.
type Account struct {
	ConnectRetries     int `yaml:"connect_retries"`
	RetryDelayMs       int `yaml:"retry_delay_ms"`
	MonitorIntervalSec int `yaml:"monitor_interval_sec"`
}

// RetryDelay is the backoff base for transient connect retries.
func (a Account) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMs) * time.Millisecond
}

// MonitorInterval is the account refresh cadence for connected users.
func (a Account) MonitorInterval() time.Duration {
	return time.Duration(a.MonitorIntervalSec) * time.Second
}

// Risk holds the per-user risk limits enforced before orders reach the broker.
type Risk struct {
	MaxPositionSizePct  float64 `yaml:"max_position_size_pct"`
	MaxDailyLossPct     float64 `yaml:"max_daily_loss_pct"`
	MaxConcurrentTrades int     `yaml:"max_concurrent_trades"`
}

// MarketData configures the cache and distributor.
type MarketData struct {
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	HistoryDepth     int `yaml:"history_depth"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// PollInterval is the tick ingestion cadence.
func (m MarketData) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// Admission configures per-user rate limits and the global broker-call cap.
type Admission struct {
	ConnectPerMinute    int `yaml:"connect_per_minute"`
	OrdersPerMinute     int `yaml:"orders_per_minute"`
	MarketDataPerMinute int `yaml:"market_data_per_minute"`
	Burst               int `yaml:"burst"`
	MaxInFlight         int `yaml:"max_in_flight"`
}

// Health configures the probe loop and circuit breaker.
type Health struct {
	ProbeIntervalSec int `yaml:"probe_interval_sec"`
	FailureThreshold int `yaml:"failure_threshold"`
}

// ProbeInterval is the cadence of terminal and resource probes.
func (h Health) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalSec) * time.Second
}

// Database holds the sqlite path for order persistence.
type Database struct {
	Path string `yaml:"path"`
}

// Vault holds the credential encryption key. Overridable via
// TERMINAL_ENCRYPTION_KEY; must be exactly 32 bytes.
type Vault struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// Symbol describes one tradable instrument and its volume constraints.
type Symbol struct {
	Name         string  `yaml:"name"`
	Tradable     bool    `yaml:"tradable"`
	VolumeMin    float64 `yaml:"volume_min"`
	VolumeMax    float64 `yaml:"volume_max"`
	VolumeStep   float64 `yaml:"volume_step"`
	ContractSize float64 `yaml:"contract_size"`
	Digits       int     `yaml:"digits"`
}

// Load reads the YAML configuration at path, applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TERMINAL_ENCRYPTION_KEY"); v != "" {
		cfg.Vault.EncryptionKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

// Default returns a configuration with every tunable at its documented
// default. Used by tests and as the base for partial YAML files.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Terminal.PoolSize == 0 {
		cfg.Terminal.PoolSize = 1
	}
	if cfg.Terminal.ConnectTimeoutSec == 0 {
		cfg.Terminal.ConnectTimeoutSec = 30
	}
	if cfg.Terminal.CallTimeoutSec == 0 {
		cfg.Terminal.CallTimeoutSec = 10
	}
	if cfg.Terminal.ReconnectAttempts == 0 {
		cfg.Terminal.ReconnectAttempts = 5
	}
	if cfg.Terminal.ReconnectDelayMs == 0 {
		cfg.Terminal.ReconnectDelayMs = 10000
	}
	if cfg.Terminal.KeepAliveSec == 0 {
		cfg.Terminal.KeepAliveSec = 15
	}
	if cfg.Account.ConnectRetries == 0 {
		cfg.Account.ConnectRetries = 3
	}
	if cfg.Account.RetryDelayMs == 0 {
		cfg.Account.RetryDelayMs = 500
	}
	if cfg.Account.MonitorIntervalSec == 0 {
		cfg.Account.MonitorIntervalSec = 30
	}
	if cfg.Risk.MaxPositionSizePct == 0 {
		cfg.Risk.MaxPositionSizePct = 0.1
	}
	if cfg.Risk.MaxDailyLossPct == 0 {
		cfg.Risk.MaxDailyLossPct = 0.05
	}
	if cfg.Risk.MaxConcurrentTrades == 0 {
		cfg.Risk.MaxConcurrentTrades = 10
	}
	if cfg.MarketData.PollIntervalMs == 0 {
		cfg.MarketData.PollIntervalMs = 200
	}
	if cfg.MarketData.HistoryDepth == 0 {
		cfg.MarketData.HistoryDepth = 1000
	}
	if cfg.MarketData.SubscriberBuffer == 0 {
		cfg.MarketData.SubscriberBuffer = 64
	}
	if cfg.Admission.ConnectPerMinute == 0 {
		cfg.Admission.ConnectPerMinute = 10
	}
	if cfg.Admission.OrdersPerMinute == 0 {
		cfg.Admission.OrdersPerMinute = 60
	}
	if cfg.Admission.MarketDataPerMinute == 0 {
		cfg.Admission.MarketDataPerMinute = 600
	}
	if cfg.Admission.Burst == 0 {
		cfg.Admission.Burst = 10
	}
	if cfg.Admission.MaxInFlight == 0 {
		cfg.Admission.MaxInFlight = 16
	}
	if cfg.Health.ProbeIntervalSec == 0 {
		cfg.Health.ProbeIntervalSec = 30
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "gateway.db"
	}
}

func (c *Config) validate() error {
	if len(c.Vault.EncryptionKey) != 32 {
		return fmt.Errorf("vault encryption key must be 32 bytes, got %d", len(c.Vault.EncryptionKey))
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server jwt_secret is required")
	}
	for _, s := range c.Symbols {
		if s.VolumeStep <= 0 || s.VolumeMin <= 0 || s.VolumeMax < s.VolumeMin {
			return fmt.Errorf("symbol %s: invalid volume constraints", s.Name)
		}
	}
	return nil
}

// SymbolSpec returns the configuration for a symbol, if known.
func (c *Config) SymbolSpec(name string) (Symbol, bool) {
	for _, s := range c.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}
