package types

import "time"

// Side of an order relative to the base instrument.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType determines how an order is priced at the terminal.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderState is the lifecycle state of an order record.
// Filled, PartiallyFilled with no remainder, Rejected, Cancelled and Failed
// are terminal; a record in a terminal state is never mutated again.
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderFilled          OrderState = "FILLED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderRejected        OrderState = "REJECTED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderFailed          OrderState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// ConnectionState describes a user's logical session with the terminal.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "DISCONNECTED"
	ConnConnecting   ConnectionState = "CONNECTING"
	ConnConnected    ConnectionState = "CONNECTED"
	ConnErrored      ConnectionState = "ERRORED"
)

// OperationKind classifies broker-facing work for admission control.
type OperationKind string

const (
	OpConnect    OperationKind = "connect"
	OpOrder      OperationKind = "order"
	OpMarketData OperationKind = "market_data"
)

// BrokerCredential holds the broker login details for one user account.
// The plaintext password exists only transiently during connect and must
// never be logged or persisted.
type BrokerCredential struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

// OrderRequest is a validated order submission from the request layer.
// ClientOrderID is the caller-supplied idempotency key, unique per user.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	UserID        string    `json:"-"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	OrderType     OrderType `json:"order_type"`
	Volume        float64   `json:"volume"`
	Price         float64   `json:"price,omitempty"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
}

// MarketDataPoint is the latest quote for a symbol.
type MarketDataPoint struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one aggregated candle for a symbol and timeframe.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Time      time.Time `json:"time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Position is an open position at the terminal.
type Position struct {
	Ticket       string    `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	PriceOpen    float64   `json:"price_open"`
	PriceCurrent float64   `json:"price_current"`
	Profit       float64   `json:"profit"`
	StopLoss     float64   `json:"stop_loss,omitempty"`
	TakeProfit   float64   `json:"take_profit,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
}

// AccountInfo is a snapshot of the broker account backing a user session.
type AccountInfo struct {
	Login      int64   `json:"login"`
	Server     string  `json:"server"`
	Currency   string  `json:"currency"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	MarginFree float64 `json:"margin_free"`
	Profit     float64 `json:"profit"`
	Leverage   int     `json:"leverage"`
}

// OrderEvent is pushed to stream subscribers on every order state change.
// Unlike ticks, order events are never dropped on a slow subscriber.
type OrderEvent struct {
	UserID        string     `json:"user_id"`
	ClientOrderID string     `json:"client_order_id"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	Symbol        string     `json:"symbol"`
	State         OrderState `json:"state"`
	FilledVolume  float64    `json:"filled_volume"`
	Timestamp     time.Time  `json:"timestamp"`
}

// SessionInfo is returned to the request layer after a successful connect.
type SessionInfo struct {
	SessionID      string      `json:"session_id"`
	UserID         string      `json:"user_id"`
	Login          int64       `json:"login"`
	Server         string      `json:"server"`
	ConnectedSince time.Time   `json:"connected_since"`
	Account        AccountInfo `json:"account_info"`
}

// HealthReport combines terminal, resource and component health.
type HealthReport struct {
	Status         string          `json:"status"` // healthy, degraded, unhealthy
	Timestamp      time.Time       `json:"timestamp"`
	UptimeSeconds  float64         `json:"uptime_seconds"`
	Terminal       TerminalHealth  `json:"terminal"`
	System         SystemHealth    `json:"system"`
	BreakerOpen    bool            `json:"circuit_breaker_open"`
	ActiveSessions int             `json:"active_sessions"`
	Errors         []string        `json:"errors,omitempty"`
}

// TerminalHealth is the terminal slice of a health report.
type TerminalHealth struct {
	Status        string    `json:"status"` // READY, DEGRADED, DOWN
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// SystemHealth is the host resource slice of a health report.
type SystemHealth struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}
