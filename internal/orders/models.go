package orders

import (
	"time"

	"gorm.io/gorm"

	"github.com/tradewire/terminal-api/internal/types"
)

// OrderRecord is the persisted lifecycle of one order. The composite
// unique index on (user_id, client_order_id) is the idempotency guard;
// it survives process restarts so client retries after a crash still
// replay instead of re-submitting.
type OrderRecord struct {
	gorm.Model    `json:"-"`
	UserID        string           `gorm:"uniqueIndex:idx_user_client_order" json:"user_id"`
	ClientOrderID string           `gorm:"uniqueIndex:idx_user_client_order" json:"client_order_id"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          types.Side       `json:"side"`
	OrderType     types.OrderType  `json:"order_type"`
	Volume        float64          `json:"volume"`
	Price         float64          `json:"price,omitempty"`
	StopLoss      float64          `json:"stop_loss,omitempty"`
	TakeProfit    float64          `json:"take_profit,omitempty"`
	FilledVolume  float64          `json:"filled_volume"`
	AvgFillPrice  float64          `json:"avg_fill_price,omitempty"`
	State         types.OrderState `json:"state"`
	Reason        string           `json:"reason,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
}

// Event converts the record into its stream representation.
func (r *OrderRecord) Event() types.OrderEvent {
	return types.OrderEvent{
		UserID:        r.UserID,
		ClientOrderID: r.ClientOrderID,
		BrokerOrderID: r.BrokerOrderID,
		Symbol:        r.Symbol,
		State:         r.State,
		FilledVolume:  r.FilledVolume,
		Timestamp:     time.Now(),
	}
}
