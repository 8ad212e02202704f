// Package exchange defines the narrow client surface the trading core
// consumes from the exchange, plus a Binance USD-M futures implementation.
//
// The core never talks to the futures API directly: the broker, connectivity
// monitor and strategy context all depend on the Client interface so tests
// can substitute fakes.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/adshao/go-binance/v2/common"

	"autotrader/internal/model"
)

// Order sides, types and statuses as the futures API spells them.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket     = "MARKET"
	OrderTypeStopMarket = "STOP_MARKET"
	OrderTypeTakeProfit = "TAKE_PROFIT_MARKET"

	StatusNew = "NEW"
)

// CodeMarginTypeUnchanged is the API rejection returned when the requested
// margin type already applies. It signals a configuration no-op, not a
// connectivity failure.
const CodeMarginTypeUnchanged = -4046

// Precision holds the exchange-reported decimal places for a symbol.
type Precision struct {
	Price    int32
	Quantity int32
}

// OrderAck is the acknowledgement returned for a newly placed order.
type OrderAck struct {
	OrderID int64  `json:"order_id"`
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
	Side    string `json:"side"`
	Type    string `json:"type"`
}

// OrderRow is one row of the order-history query.
type OrderRow struct {
	OrderID     int64     `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Status      string    `json:"status"`
	Type        string    `json:"type"`
	Side        string    `json:"side"`
	AvgPrice    float64   `json:"avg_price"`
	ExecutedQty float64   `json:"executed_qty"`
	StopPrice   float64   `json:"stop_price"`
	Time        time.Time `json:"time"`
}

// PositionRow is one row of the position-risk query.
type PositionRow struct {
	Symbol        string  `json:"symbol"`
	MarkPrice     float64 `json:"mark_price"`
	EntryPrice    float64 `json:"entry_price"`
	PositionAmt   float64 `json:"position_amt"` // signed
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// FillRow is one row of the account trade-history query.
type FillRow struct {
	OrderID         int64     `json:"order_id"`
	Symbol          string    `json:"symbol"`
	Price           float64   `json:"price"`
	Qty             float64   `json:"qty"`
	RealizedPnL     float64   `json:"realized_pnl"`
	Commission      float64   `json:"commission"`
	CommissionAsset string    `json:"commission_asset"`
	Side            string    `json:"side"`
	Time            time.Time `json:"time"`
}

// Client is the remote order/position API consumed by the core. Every call
// carries the configured recvWindow budget and can fail with either an API
// client error (see IsClientError) or a transport error.
type Client interface {
	ServerTime(ctx context.Context) (time.Time, error)
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	ChangeMarginType(ctx context.Context, symbol, marginType string) error
	Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)
	AvailableBalance(ctx context.Context, asset string) (float64, error)
	TakerCommissionRate(ctx context.Context, symbol string) (float64, error)
	SymbolPrecision(ctx context.Context, symbol string) (Precision, error)
	MarketOrder(ctx context.Context, symbol, side, quantity string) (OrderAck, error)
	ConditionalOrder(ctx context.Context, symbol, side, orderType, stopPrice, quantity string) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	OrdersFrom(ctx context.Context, symbol string, fromOrderID int64) ([]OrderRow, error)
	PositionRisk(ctx context.Context, symbol string) ([]PositionRow, error)
	AccountTrades(ctx context.Context, symbol string, start, end time.Time) ([]FillRow, error)
}

// IsClientError reports whether err is an API-level rejection (a well-formed
// error response from the exchange) rather than a transport failure.
func IsClientError(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr)
}

// ErrorCode returns the API error code carried by err, or 0 if err is not an
// API client error.
func ErrorCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
