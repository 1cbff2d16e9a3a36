package orders

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradewire/terminal-api/internal/types"
)

// validate applies every pre-broker check: symbol tradability, volume
// constraints and the per-user position-size limit. A non-nil result
// means the order is Rejected without any broker call.
func (s *Service) validate(req types.OrderRequest) *types.ValidationError {
	if req.ClientOrderID == "" {
		return &types.ValidationError{Field: "client_order_id", Reason: "required"}
	}

	spec, ok := s.symbols[req.Symbol]
	if !ok {
		return &types.ValidationError{Field: "symbol", Reason: fmt.Sprintf("unknown symbol %s", req.Symbol)}
	}
	if !spec.Tradable {
		return &types.ValidationError{Field: "symbol", Reason: fmt.Sprintf("%s is not tradable", req.Symbol)}
	}

	switch req.Side {
	case types.SideBuy, types.SideSell:
	default:
		return &types.ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}

	switch req.OrderType {
	case types.OrderTypeMarket:
	case types.OrderTypeLimit, types.OrderTypeStop, types.OrderTypeStopLimit:
		if req.Price <= 0 {
			return &types.ValidationError{Field: "price", Reason: "required for non-market orders"}
		}
	default:
		return &types.ValidationError{Field: "order_type", Reason: "unsupported order type"}
	}

	// Volume arithmetic in decimals: float modulo would misflag steps
	// like 0.01.
	vol := decimal.NewFromFloat(req.Volume)
	min := decimal.NewFromFloat(spec.VolumeMin)
	max := decimal.NewFromFloat(spec.VolumeMax)
	step := decimal.NewFromFloat(spec.VolumeStep)

	if vol.LessThan(min) {
		return &types.ValidationError{Field: "volume", Reason: fmt.Sprintf("below minimum %s", min)}
	}
	if vol.GreaterThan(max) {
		return &types.ValidationError{Field: "volume", Reason: fmt.Sprintf("above maximum %s", max)}
	}
	if !vol.Mod(step).IsZero() {
		return &types.ValidationError{Field: "volume", Reason: fmt.Sprintf("not a multiple of step %s", step)}
	}

	// Position-size cap: notional value must stay within the configured
	// percentage of account equity.
	if acct, ok := s.accounts.Snapshot(req.UserID); ok && acct.Equity > 0 {
		refPrice := req.Price
		if refPrice <= 0 && s.quotes != nil {
			if tick, ok := s.quotes.Latest(req.Symbol); ok {
				refPrice = (tick.Bid + tick.Ask) / 2
			}
		}
		if refPrice > 0 {
			contract := spec.ContractSize
			if contract <= 0 {
				contract = 1
			}
			notional := req.Volume * contract * refPrice
			limit := acct.Equity * s.risk.MaxPositionSizePct
			if notional > limit {
				return &types.ValidationError{
					Field:  "volume",
					Reason: fmt.Sprintf("position size %.2f exceeds limit %.2f", notional, limit),
				}
			}
		}
	}

	return nil
}
