package perp

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies a ledger event.
type EventType string

const (
	EventAddLiquidity      EventType = "add_liquidity"
	EventRemoveLiquidity   EventType = "remove_liquidity"
	EventUpdatePosition    EventType = "update_position"
	EventClosePosition     EventType = "close_position"
	EventLiquidatePosition EventType = "liquidate_position"
	EventPositionWiped     EventType = "position_wiped"
)

// Event is a single ledger mutation, emitted after the mutation commits.
// Amounts in payloads are rendered at token precision for indexers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// AddLiquidityEvent reports an LP deposit.
type AddLiquidityEvent struct {
	User   string          `json:"user"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	Shares decimal.Decimal `json:"shares"`
}

// RemoveLiquidityEvent reports an LP withdrawal.
type RemoveLiquidityEvent struct {
	User   string          `json:"user"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	Shares decimal.Decimal `json:"shares"`
}

// UpdatePositionEvent reports a position mutation with signed deltas.
type UpdatePositionEvent struct {
	User            string          `json:"user"`
	IsLong          bool            `json:"is_long"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
}

// ClosePositionEvent reports a voluntary close and its payout.
type ClosePositionEvent struct {
	User        string          `json:"user"`
	IsLong      bool            `json:"is_long"`
	PayoutToken string          `json:"payout_token"`
	Payout      decimal.Decimal `json:"payout"`
}

// LiquidatePositionEvent reports a forced close and the liquidator's fee.
type LiquidatePositionEvent struct {
	Liquidator    string          `json:"liquidator"`
	User          string          `json:"user"`
	IsLong        bool            `json:"is_long"`
	LiquidatorFee decimal.Decimal `json:"liquidator_fee"`
}

// PositionWipedEvent reports a position reset to zero because accrued fees
// or losses consumed its collateral.
type PositionWipedEvent struct {
	User   string `json:"user"`
	IsLong bool   `json:"is_long"`
	Reason string `json:"reason"`
}

// Events exposes the event feed. The channel is buffered; a slow consumer
// drops events rather than blocking the ledger.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(typ EventType, data any) {
	ev := Event{Type: typ, Timestamp: e.now(), Data: data}
	select {
	case e.events <- ev:
	default:
		// Feed full, drop. The ledger itself is the source of truth.
	}
}

// amountDecimal renders a raw token amount at the given decimal scale.
func amountDecimal(v *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).Set(v), -int32(decimals))
}

// collateralDecimals returns the decimal scale of a position's collateral
// denomination.
func (e *Engine) collateralDecimals(inIndex bool) uint8 {
	if inIndex {
		return e.cfg.IndexDecimals
	}
	return e.cfg.AssetDecimals
}
