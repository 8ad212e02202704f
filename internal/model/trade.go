package model

import "time"

// Side is the direction of a position or fill.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ActiveTrade is a reconciled view of an open position plus the conditional
// orders protecting it. The exchange is the source of truth; instances read
// these snapshots but never mutate them directly.
type ActiveTrade struct {
	OrderID       int64     `json:"order_id"`
	Symbol        string    `json:"symbol"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	PositionAmt   float64   `json:"position_amt"` // signed: positive long, negative short
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Side          Side      `json:"side"`
	OpenedAt      time.Time `json:"opened_at"`

	// Conditional order ids; 0 means the leg does not exist.
	StopOrderID int64 `json:"stop_order_id"`
	TakeOrderID int64 `json:"take_order_id"`
}

// Long reports whether the position is long.
func (t *ActiveTrade) Long() bool { return t.Side == SideLong }

// Terminal reports whether the trade carries neither a stop-loss nor a
// take-profit order. Such a trade is economically closed: the state machine
// allows no further modification or explicit close even if the exchange still
// reports a residual amount due to settlement lag.
func (t *ActiveTrade) Terminal() bool {
	return t.StopOrderID == 0 && t.TakeOrderID == 0
}

// ClosedTrade is an immutable historical fill sourced from the exchange's
// trade history. Append-only; never mutated after creation.
type ClosedTrade struct {
	OrderID         int64     `json:"order_id"`
	Symbol          string    `json:"symbol"`
	Price           float64   `json:"price"`
	Qty             float64   `json:"qty"`
	RealizedPnL     float64   `json:"realized_pnl"`
	Commission      float64   `json:"commission"`
	CommissionAsset string    `json:"commission_asset"`
	Side            Side      `json:"side"`
	Time            time.Time `json:"time"`
}

// ConnectionHealth is the last-known state of the execution environment.
type ConnectionHealth struct {
	PublicIP      string    `json:"public_ip"`
	Reachable     bool      `json:"reachable"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}
