package exchange

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"autotrader/internal/model"
)

// defaultRecvWindow is the request-timeout budget sent with every signed call.
const defaultRecvWindow = 6000

// BinanceConfig configures the futures client.
type BinanceConfig struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	DryRun     bool // log and acknowledge orders locally instead of sending them
	RecvWindow int64
}

// Binance implements Client against Binance USD-M futures.
type Binance struct {
	client     *futures.Client
	recvWindow int64
	dryRun     bool
	dryRunSeq  atomic.Int64
}

// NewBinance creates a futures client. With DryRun set, order placement and
// cancellation are acknowledged locally without touching the exchange; all
// read-only calls still go out.
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.UseTestnet {
		futures.UseTestnet = true
		log.Println("[exchange] using Binance futures testnet")
	}
	rw := cfg.RecvWindow
	if rw <= 0 {
		rw = defaultRecvWindow
	}
	b := &Binance{
		client:     binance.NewFuturesClient(cfg.APIKey, cfg.SecretKey),
		recvWindow: rw,
		dryRun:     cfg.DryRun,
	}
	b.dryRunSeq.Store(time.Now().UnixMilli())
	return b
}

func (b *Binance) opts() futures.RequestOption {
	return futures.WithRecvWindow(b.recvWindow)
}

func (b *Binance) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (b *Binance) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).Leverage(leverage).Do(ctx, b.opts())
	if err != nil {
		return fmt.Errorf("change leverage %s x%d: %w", symbol, leverage, err)
	}
	return nil
}

func (b *Binance) ChangeMarginType(ctx context.Context, symbol, marginType string) error {
	err := b.client.NewChangeMarginTypeService().
		Symbol(symbol).MarginType(futures.MarginType(marginType)).Do(ctx, b.opts())
	if err != nil {
		return fmt.Errorf("change margin type %s %s: %w", symbol, marginType, err)
	}
	return nil
}

func (b *Binance) Klines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	rows, err := b.client.NewKlinesService().
		Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}
	candles := make([]model.Candle, 0, len(rows))
	for _, k := range rows {
		candles = append(candles, model.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		})
	}
	return candles, nil
}

func (b *Binance) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx, b.opts())
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	for _, bal := range balances {
		if bal.Asset == asset {
			return parseFloat(bal.AvailableBalance), nil
		}
	}
	return 0, fmt.Errorf("balance: asset %s not found", asset)
}

func (b *Binance) TakerCommissionRate(ctx context.Context, symbol string) (float64, error) {
	rate, err := b.client.NewCommissionRateService().Symbol(symbol).Do(ctx, b.opts())
	if err != nil {
		return 0, fmt.Errorf("commission rate %s: %w", symbol, err)
	}
	return parseFloat(rate.TakerCommissionRate), nil
}

func (b *Binance) SymbolPrecision(ctx context.Context, symbol string) (Precision, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return Precision{}, fmt.Errorf("exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			return Precision{
				Price:    int32(s.PricePrecision),
				Quantity: int32(s.QuantityPrecision),
			}, nil
		}
	}
	return Precision{}, fmt.Errorf("exchange info: symbol %s not found", symbol)
}

func (b *Binance) MarketOrder(ctx context.Context, symbol, side, quantity string) (OrderAck, error) {
	if b.dryRun {
		return b.dryAck(symbol, side, OrderTypeMarket, quantity, ""), nil
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		Do(ctx, b.opts())
	if err != nil {
		return OrderAck{}, fmt.Errorf("market order %s %s %s: %w", symbol, side, quantity, err)
	}
	return OrderAck{
		OrderID: res.OrderID,
		Symbol:  res.Symbol,
		Status:  string(res.Status),
		Side:    string(res.Side),
		Type:    string(res.Type),
	}, nil
}

// ConditionalOrder places a close-position stop-market or take-profit-market
// order at stopPrice. The side passed in is the side that would close the
// position, not the entry side.
func (b *Binance) ConditionalOrder(ctx context.Context, symbol, side, orderType, stopPrice, quantity string) (OrderAck, error) {
	if b.dryRun {
		return b.dryAck(symbol, side, orderType, quantity, stopPrice), nil
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderType(orderType)).
		StopPrice(stopPrice).
		ClosePosition(true).
		Do(ctx, b.opts())
	if err != nil {
		return OrderAck{}, fmt.Errorf("%s order %s @%s: %w", orderType, symbol, stopPrice, err)
	}
	return OrderAck{
		OrderID: res.OrderID,
		Symbol:  res.Symbol,
		Status:  string(res.Status),
		Side:    string(res.Side),
		Type:    string(res.Type),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if b.dryRun {
		log.Printf("[exchange] dry-run cancel %s #%d", symbol, orderID)
		return nil
	}
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).OrderID(orderID).Do(ctx, b.opts())
	if err != nil {
		return fmt.Errorf("cancel order %s #%d: %w", symbol, orderID, err)
	}
	return nil
}

func (b *Binance) OrdersFrom(ctx context.Context, symbol string, fromOrderID int64) ([]OrderRow, error) {
	svc := b.client.NewListOrdersService().Symbol(symbol)
	if fromOrderID > 0 {
		svc = svc.OrderID(fromOrderID)
	}
	orders, err := svc.Do(ctx, b.opts())
	if err != nil {
		return nil, fmt.Errorf("orders %s from #%d: %w", symbol, fromOrderID, err)
	}
	rows := make([]OrderRow, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, OrderRow{
			OrderID:     o.OrderID,
			Symbol:      o.Symbol,
			Status:      string(o.Status),
			Type:        string(o.Type),
			Side:        string(o.Side),
			AvgPrice:    parseFloat(o.AvgPrice),
			ExecutedQty: parseFloat(o.ExecutedQuantity),
			StopPrice:   parseFloat(o.StopPrice),
			Time:        time.UnixMilli(o.Time),
		})
	}
	return rows, nil
}

func (b *Binance) PositionRisk(ctx context.Context, symbol string) ([]PositionRow, error) {
	positions, err := b.client.NewGetPositionRiskService().
		Symbol(symbol).Do(ctx, b.opts())
	if err != nil {
		return nil, fmt.Errorf("position risk %s: %w", symbol, err)
	}
	rows := make([]PositionRow, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, PositionRow{
			Symbol:        p.Symbol,
			MarkPrice:     parseFloat(p.MarkPrice),
			EntryPrice:    parseFloat(p.EntryPrice),
			PositionAmt:   parseFloat(p.PositionAmt),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
		})
	}
	return rows, nil
}

func (b *Binance) AccountTrades(ctx context.Context, symbol string, start, end time.Time) ([]FillRow, error) {
	svc := b.client.NewListAccountTradeService().Symbol(symbol)
	if !start.IsZero() {
		svc = svc.StartTime(start.UnixMilli())
	}
	if !end.IsZero() {
		svc = svc.EndTime(end.UnixMilli())
	}
	fills, err := svc.Do(ctx, b.opts())
	if err != nil {
		return nil, fmt.Errorf("account trades %s: %w", symbol, err)
	}
	rows := make([]FillRow, 0, len(fills))
	for _, f := range fills {
		rows = append(rows, FillRow{
			OrderID:         f.OrderID,
			Symbol:          f.Symbol,
			Price:           parseFloat(f.Price),
			Qty:             parseFloat(f.Quantity),
			RealizedPnL:     parseFloat(f.RealizedPnl),
			Commission:      parseFloat(f.Commission),
			CommissionAsset: f.CommissionAsset,
			Side:            string(f.Side),
			Time:            time.UnixMilli(f.Time),
		})
	}
	return rows, nil
}

func (b *Binance) dryAck(symbol, side, orderType, quantity, stopPrice string) OrderAck {
	id := b.dryRunSeq.Add(1)
	log.Printf("[exchange] dry-run %s %s %s qty=%s stop=%s -> #%d",
		orderType, symbol, side, quantity, stopPrice, id)
	return OrderAck{
		OrderID: id,
		Symbol:  symbol,
		Status:  StatusNew,
		Side:    side,
		Type:    orderType,
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
