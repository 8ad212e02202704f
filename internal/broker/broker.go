// Package broker wraps the exchange order API in a small state machine for
// bracket orders: a market entry plus optional stop-loss and take-profit
// conditional orders tied to the same position.
//
// Local trade state is a cache, never the truth: after every mutating
// operation the broker reconciles against the exchange's position and
// trade-history endpoints and rebuilds its snapshots from there.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/alertlog"
	"autotrader/internal/exchange"
	"autotrader/internal/model"
)

// Business-rule rejections surfaced synchronously to strategy code.
var (
	ErrNoActiveTrades    = errors.New("there are no active trades")
	ErrIndexNotFound     = errors.New("trade index does not exist")
	ErrNothingChanged    = errors.New("nothing was changed")
	ErrPositionNotActive = errors.New("position not active")
	ErrTradeTerminal     = errors.New("trade has no protective orders and counts as closed")
)

// ConfigError is a pre-flight rejection raised before any remote call.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

// Journal receives an audit record for each order the broker places. Optional.
type Journal interface {
	RecordOrder(ack exchange.OrderAck, kind string)
}

// Config configures the broker.
type Config struct {
	Symbol string

	// StrictModify rejects invalid stop/take replacement values with a
	// ConfigError instead of silently ignoring them.
	StrictModify bool

	// Closed-trade history window fetched during reconciliation. The history
	// endpoint caps each request, so the lookback is walked in chunks.
	HistoryLookback time.Duration
	HistoryChunk    time.Duration
}

// Broker owns the active/closed trade snapshots for one symbol. Strategy
// instances read the snapshots through Active/Closed; all mutation goes
// through Open/Close/Modify. Operations are not re-entrant: the scheduler
// guarantees a single strategy cycle at a time.
type Broker struct {
	cfg     Config
	client  exchange.Client
	alerts  *alertlog.Logger
	journal Journal

	mu       sync.Mutex
	prec     *exchange.Precision
	refClose float64
	active   []model.ActiveTrade
	closed   []model.ClosedTrade
}

// New creates a Broker. journal may be nil.
func New(cfg Config, client exchange.Client, alerts *alertlog.Logger, journal Journal) *Broker {
	if cfg.HistoryLookback <= 0 {
		cfg.HistoryLookback = 30 * 24 * time.Hour
	}
	if cfg.HistoryChunk <= 0 {
		cfg.HistoryChunk = 5 * 24 * time.Hour
	}
	return &Broker{cfg: cfg, client: client, alerts: alerts, journal: journal}
}

// SetReferencePrice records the current close price used to validate
// stop-loss and take-profit placement. Updated on every data refresh.
func (b *Broker) SetReferencePrice(close float64) {
	b.mu.Lock()
	b.refClose = close
	b.mu.Unlock()
}

// Active returns a copy of the reconciled active-trade snapshot.
func (b *Broker) Active() []model.ActiveTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ActiveTrade, len(b.active))
	copy(out, b.active)
	return out
}

// Closed returns a copy of the reconciled closed-trade history.
func (b *Broker) Closed() []model.ClosedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ClosedTrade, len(b.closed))
	copy(out, b.closed)
	return out
}

// AvailableUSDT returns the free USDT balance.
func (b *Broker) AvailableUSDT(ctx context.Context) (float64, error) {
	return b.client.AvailableBalance(ctx, "USDT")
}

// Commission returns the taker commission rate for the configured symbol.
func (b *Broker) Commission(ctx context.Context) (float64, error) {
	return b.client.TakerCommissionRate(ctx, b.cfg.Symbol)
}

// OpenPosition places a market entry and up to two conditional protective
// orders. Validation happens before any remote call: amount must be
// positive and each supplied bracket price must sit on the correct side of
// the current close for the requested direction. Unrequested legs come back
// as zero-valued placeholders.
//
// A rejected entry order surfaces as ErrPositionNotActive. A failed bracket
// leg after a successful entry is NOT retried (a retry risks duplicate
// positions); it is alerted and returned alongside the partial result.
func (b *Broker) OpenPosition(ctx context.Context, side model.Side, stopLoss, takeProfit *float64, amount float64) (entry, stop, take exchange.OrderAck, err error) {
	if side != model.SideLong && side != model.SideShort {
		return entry, stop, take, &ConfigError{Reason: fmt.Sprintf("unknown direction %q", side)}
	}
	if amount <= 0 {
		return entry, stop, take, &ConfigError{Reason: "amount can only be a positive number"}
	}

	ref := b.referencePrice()
	if ref <= 0 {
		return entry, stop, take, &ConfigError{Reason: "no reference close price available"}
	}
	long := side == model.SideLong
	if stopLoss != nil && !stopValid(long, ref, *stopLoss) {
		return entry, stop, take, &ConfigError{Reason: "stop loss incorrectly configured for the position type"}
	}
	if takeProfit != nil && !takeValid(long, ref, *takeProfit) {
		return entry, stop, take, &ConfigError{Reason: "take profit incorrectly configured for the position type"}
	}

	prec, err := b.precision(ctx)
	if err != nil {
		return entry, stop, take, err
	}
	qty := truncate(amount, prec.Quantity)
	if qty == "0" {
		return entry, stop, take, fmt.Errorf("quantity truncates to zero: %w", ErrPositionNotActive)
	}

	entrySide := exchange.SideBuy
	closeSide := exchange.SideSell
	if !long {
		entrySide, closeSide = closeSide, entrySide
	}

	entry, err = b.client.MarketOrder(ctx, b.cfg.Symbol, entrySide, qty)
	if err != nil || entry.OrderID == 0 {
		return exchange.OrderAck{}, stop, take, fmt.Errorf("%w: %v", ErrPositionNotActive, err)
	}
	b.record(entry, "entry")

	var legErr error
	if stopLoss != nil {
		stop, legErr = b.client.ConditionalOrder(ctx, b.cfg.Symbol, closeSide,
			exchange.OrderTypeStopMarket, truncate(*stopLoss, prec.Price), qty)
		if legErr != nil {
			b.alerts.Alert(fmt.Sprintf("position %d opened without stop-loss protection: %v", entry.OrderID, legErr))
		} else {
			b.record(stop, "stop_loss")
		}
	}
	if takeProfit != nil {
		if legErr != nil {
			// After a failed stop leg no further legs are placed; the
			// position is unprotected either way.
			b.alerts.Alert(fmt.Sprintf("position %d: take-profit not attempted after stop-loss failure", entry.OrderID))
		} else {
			take, legErr = b.client.ConditionalOrder(ctx, b.cfg.Symbol, closeSide,
				exchange.OrderTypeTakeProfit, truncate(*takeProfit, prec.Price), qty)
			if legErr != nil {
				b.alerts.Alert(fmt.Sprintf("position %d opened without take-profit order: %v", entry.OrderID, legErr))
			} else {
				b.record(take, "take_profit")
			}
		}
	}

	if rerr := b.Reconcile(ctx); rerr != nil {
		log.Printf("[broker] reconcile after open failed: %v", rerr)
	}
	if legErr != nil {
		return entry, stop, take, fmt.Errorf("bracket leg failed: %w", legErr)
	}
	return entry, stop, take, nil
}

// ClosePosition submits an opposing market order sized to the indexed
// trade's position amount, then cancels any still-open conditional orders
// tied to that trade. Business-rule checks fail before any exchange call.
func (b *Broker) ClosePosition(ctx context.Context, index int) (entry, stop, take exchange.OrderAck, err error) {
	trade, err := b.tradeAt(index)
	if err != nil {
		return entry, stop, take, err
	}
	if trade.Terminal() {
		return entry, stop, take, ErrTradeTerminal
	}

	prec, err := b.precision(ctx)
	if err != nil {
		return entry, stop, take, err
	}

	closeSide := exchange.SideSell
	if !trade.Long() {
		closeSide = exchange.SideBuy
	}
	qty := truncate(math.Abs(trade.PositionAmt), prec.Quantity)

	entry, err = b.client.MarketOrder(ctx, b.cfg.Symbol, closeSide, qty)
	if err != nil || entry.OrderID == 0 {
		return exchange.OrderAck{}, stop, take, fmt.Errorf("%w: %v", ErrPositionNotActive, err)
	}
	b.record(entry, "close")

	b.cancelConditionals(ctx, trade.OrderID, exchange.OrderTypeStopMarket, exchange.OrderTypeTakeProfit)

	if rerr := b.Reconcile(ctx); rerr != nil {
		log.Printf("[broker] reconcile after close failed: %v", rerr)
	}
	return entry, stop, take, nil
}

// ModifyPosition replaces the stop-loss and/or take-profit order of the
// indexed trade. A replacement value invalid for the position's direction is
// silently ignored unless StrictModify is set, in which case it raises a
// ConfigError. Applying a replacement cancels the prior conditional order of
// that kind before creating the new one.
func (b *Broker) ModifyPosition(ctx context.Context, index int, newStop, newTake *float64) (stop, take exchange.OrderAck, err error) {
	if newStop == nil && newTake == nil {
		return stop, take, ErrNothingChanged
	}
	trade, err := b.tradeAt(index)
	if err != nil {
		return stop, take, err
	}
	if trade.Terminal() {
		return stop, take, ErrTradeTerminal
	}

	ref := b.referencePrice()
	long := trade.Long()

	if newStop != nil {
		if stopValid(long, ref, *newStop) {
			stop, err = b.replaceConditional(ctx, trade, exchange.OrderTypeStopMarket, *newStop)
			if err != nil {
				return stop, take, err
			}
		} else if b.cfg.StrictModify {
			return stop, take, &ConfigError{Reason: "new stop loss incorrectly configured for the position type"}
		}
	}
	if newTake != nil {
		if takeValid(long, ref, *newTake) {
			take, err = b.replaceConditional(ctx, trade, exchange.OrderTypeTakeProfit, *newTake)
			if err != nil {
				return stop, take, err
			}
		} else if b.cfg.StrictModify {
			return stop, take, &ConfigError{Reason: "new take profit incorrectly configured for the position type"}
		}
	}

	if rerr := b.Reconcile(ctx); rerr != nil {
		log.Printf("[broker] reconcile after modify failed: %v", rerr)
	}
	return stop, take, nil
}

// Reconcile rebuilds the active and closed snapshots from the exchange's
// authoritative position, order and fill history. This is the only source of
// truth for trade state.
func (b *Broker) Reconcile(ctx context.Context) error {
	positions, err := b.client.PositionRisk(ctx, b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	closed, err := b.fetchClosedTrades(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	// Each position is identified by the most recent unclaimed entry-side
	// fill; the fill's order id tags the position's conditional orders.
	claimed := make(map[int64]bool)
	active := make([]model.ActiveTrade, 0, len(positions))
	for _, p := range positions {
		if p.PositionAmt == 0 {
			continue
		}
		side := model.SideLong
		if p.PositionAmt < 0 {
			side = model.SideShort
		}
		trade := model.ActiveTrade{
			Symbol:        p.Symbol,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			PositionAmt:   p.PositionAmt,
			UnrealizedPnL: p.UnrealizedPnL,
			Side:          side,
		}
		for j := len(closed) - 1; j >= 0; j-- {
			f := closed[j]
			if f.Symbol == p.Symbol && f.Side == side && !claimed[f.OrderID] {
				trade.OrderID = f.OrderID
				trade.OpenedAt = f.Time
				claimed[f.OrderID] = true
				break
			}
		}
		if trade.OrderID != 0 {
			stopID, takeID := b.bracketIDs(ctx, trade.OrderID)
			trade.StopOrderID = stopID
			trade.TakeOrderID = takeID
		}
		active = append(active, trade)
	}

	b.mu.Lock()
	b.active = active
	b.closed = closed
	b.mu.Unlock()
	return nil
}

// fetchClosedTrades walks the trade-history endpoint backwards in chunks
// until the configured lookback is covered, oldest first.
func (b *Broker) fetchClosedTrades(ctx context.Context) ([]model.ClosedTrade, error) {
	var fills []exchange.FillRow
	end := time.Now()
	oldest := end.Add(-b.cfg.HistoryLookback)

	for end.After(oldest) {
		start := end.Add(-b.cfg.HistoryChunk)
		if start.Before(oldest) {
			start = oldest
		}
		chunk, err := b.client.AccountTrades(ctx, b.cfg.Symbol, start, end)
		if err != nil {
			return nil, err
		}
		fills = append(chunk, fills...)
		end = start
	}

	closed := make([]model.ClosedTrade, 0, len(fills))
	for _, f := range fills {
		side := model.SideLong
		if f.Side == exchange.SideSell {
			side = model.SideShort
		}
		closed = append(closed, model.ClosedTrade{
			OrderID:         f.OrderID,
			Symbol:          f.Symbol,
			Price:           f.Price,
			Qty:             f.Qty,
			RealizedPnL:     f.RealizedPnL,
			Commission:      f.Commission,
			CommissionAsset: f.CommissionAsset,
			Side:            side,
			Time:            f.Time,
		})
	}
	return closed, nil
}

// bracketIDs finds the still-open conditional orders tied to an entry order.
func (b *Broker) bracketIDs(ctx context.Context, fromOrderID int64) (stopID, takeID int64) {
	rows, err := b.client.OrdersFrom(ctx, b.cfg.Symbol, fromOrderID)
	if err != nil {
		log.Printf("[broker] bracket lookup from #%d failed: %v", fromOrderID, err)
		return 0, 0
	}
	for _, row := range rows {
		if row.Status != exchange.StatusNew {
			continue
		}
		switch row.Type {
		case exchange.OrderTypeStopMarket:
			stopID = row.OrderID
		case exchange.OrderTypeTakeProfit:
			takeID = row.OrderID
		}
	}
	return stopID, takeID
}

func (b *Broker) replaceConditional(ctx context.Context, trade model.ActiveTrade, orderType string, price float64) (exchange.OrderAck, error) {
	prec, err := b.precision(ctx)
	if err != nil {
		return exchange.OrderAck{}, err
	}

	rows, err := b.client.OrdersFrom(ctx, b.cfg.Symbol, trade.OrderID)
	if err != nil {
		return exchange.OrderAck{}, fmt.Errorf("modify: %w", err)
	}
	for _, row := range rows {
		if row.Status == exchange.StatusNew && row.Type == orderType {
			if cerr := b.client.CancelOrder(ctx, b.cfg.Symbol, row.OrderID); cerr != nil {
				log.Printf("[broker] cancel %s #%d failed: %v", orderType, row.OrderID, cerr)
			}
		}
	}

	closeSide := exchange.SideSell
	if !trade.Long() {
		closeSide = exchange.SideBuy
	}
	ack, err := b.client.ConditionalOrder(ctx, b.cfg.Symbol, closeSide, orderType,
		truncate(price, prec.Price), truncate(math.Abs(trade.PositionAmt), prec.Quantity))
	if err != nil {
		return exchange.OrderAck{}, fmt.Errorf("modify: %w", err)
	}
	b.record(ack, "replace_"+orderType)
	return ack, nil
}

func (b *Broker) cancelConditionals(ctx context.Context, fromOrderID int64, types ...string) {
	rows, err := b.client.OrdersFrom(ctx, b.cfg.Symbol, fromOrderID)
	if err != nil {
		log.Printf("[broker] open-order lookup from #%d failed: %v", fromOrderID, err)
		return
	}
	for _, row := range rows {
		if row.Status != exchange.StatusNew || row.Symbol != b.cfg.Symbol {
			continue
		}
		for _, t := range types {
			if row.Type == t {
				if cerr := b.client.CancelOrder(ctx, b.cfg.Symbol, row.OrderID); cerr != nil {
					log.Printf("[broker] cancel %s #%d failed: %v", t, row.OrderID, cerr)
				}
				break
			}
		}
	}
}

func (b *Broker) tradeAt(index int) (model.ActiveTrade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.active) == 0 {
		return model.ActiveTrade{}, ErrNoActiveTrades
	}
	if index < 0 || index >= len(b.active) {
		return model.ActiveTrade{}, ErrIndexNotFound
	}
	return b.active[index], nil
}

// precision fetches the symbol's exchange-reported precision once and caches
// it for the broker's lifetime.
func (b *Broker) precision(ctx context.Context) (exchange.Precision, error) {
	b.mu.Lock()
	cached := b.prec
	b.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	prec, err := b.client.SymbolPrecision(ctx, b.cfg.Symbol)
	if err != nil {
		return exchange.Precision{}, fmt.Errorf("symbol precision: %w", err)
	}
	b.mu.Lock()
	b.prec = &prec
	b.mu.Unlock()
	return prec, nil
}

func (b *Broker) referencePrice() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refClose
}

func (b *Broker) record(ack exchange.OrderAck, kind string) {
	if b.journal != nil {
		b.journal.RecordOrder(ack, kind)
	}
}

// stopValid reports whether a stop-loss price sits on the protective side of
// the reference close for the given direction.
func stopValid(long bool, ref, stop float64) bool {
	if long {
		return stop < ref
	}
	return stop > ref
}

// takeValid reports whether a take-profit price sits on the profit side of
// the reference close for the given direction.
func takeValid(long bool, ref, take float64) bool {
	if long {
		return take > ref
	}
	return take < ref
}

// truncate cuts v to the given number of decimal places without rounding,
// matching how the exchange expects submitted quantities and prices.
func truncate(v float64, places int32) string {
	return decimal.NewFromFloat(v).Truncate(places).String()
}
