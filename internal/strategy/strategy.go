// Package strategy defines the decision-step contract and the live context
// a strategy sees each scheduling window: the latest candle history, account
// state and the broker actions it may take.
package strategy

import (
	"context"
	"fmt"

	"autotrader/internal/broker"
	"autotrader/internal/exchange"
	"autotrader/internal/model"
	"autotrader/internal/router"
)

// Strategy is one tradeable decision unit. Next is invoked at most once per
// window by the scheduler, through the instance router.
type Strategy interface {
	Name() string
	Next(ctx context.Context, c *Context) error
}

// Func adapts a plain function to Strategy.
type Func struct {
	name string
	fn   func(ctx context.Context, c *Context) error
}

// NewFunc wraps fn as a named Strategy.
func NewFunc(name string, fn func(ctx context.Context, c *Context) error) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string                               { return f.name }
func (f *Func) Next(ctx context.Context, c *Context) error { return f.fn(ctx, c) }

// Context is the per-window view handed to a strategy. It is rebuilt by the
// executor before each cycle; strategies must not retain it across windows.
type Context struct {
	broker     *broker.Broker
	symbol     string
	candles    []model.Candle // oldest first, last entry is the current close
	balance    float64
	commission float64
}

func (c *Context) last() model.Candle { return c.candles[len(c.candles)-1] }

// Symbol returns the traded instrument.
func (c *Context) Symbol() string { return c.symbol }

// Close returns the latest closing price.
func (c *Context) Close() float64 { return c.last().Close }

// Open returns the latest candle's opening price.
func (c *Context) Open() float64 { return c.last().Open }

// High returns the latest candle's high.
func (c *Context) High() float64 { return c.last().High }

// Low returns the latest candle's low.
func (c *Context) Low() float64 { return c.last().Low }

// Volume returns the latest candle's traded volume.
func (c *Context) Volume() float64 { return c.last().Volume }

// History returns the candle window, oldest first.
func (c *Context) History() []model.Candle {
	out := make([]model.Candle, len(c.candles))
	copy(out, c.candles)
	return out
}

// Prev returns the candle n steps before the current one; Prev(0) is the
// current candle. ok is false when the history is too short.
func (c *Context) Prev(n int) (model.Candle, bool) {
	i := len(c.candles) - 1 - n
	if i < 0 {
		return model.Candle{}, false
	}
	return c.candles[i], true
}

// Balance returns the available quote balance at window start.
func (c *Context) Balance() float64 { return c.balance }

// Commission returns the taker commission rate at window start.
func (c *Context) Commission() float64 { return c.commission }

// ActiveTrades returns the reconciled open trades.
func (c *Context) ActiveTrades() []model.ActiveTrade { return c.broker.Active() }

// ClosedTrades returns the reconciled fill history, oldest first.
func (c *Context) ClosedTrades() []model.ClosedTrade { return c.broker.Closed() }

// OpenPosition submits a market entry with optional protective brackets.
// amount is the base-asset position size.
func (c *Context) OpenPosition(ctx context.Context, side model.Side, stopLoss, takeProfit *float64, amount float64) error {
	_, _, _, err := c.broker.OpenPosition(ctx, side, stopLoss, takeProfit, amount)
	return err
}

// ClosePosition flattens the trade at index with an opposing market order.
func (c *Context) ClosePosition(ctx context.Context, index int) error {
	_, _, _, err := c.broker.ClosePosition(ctx, index)
	return err
}

// ModifyPosition replaces the protective orders of the trade at index.
func (c *Context) ModifyPosition(ctx context.Context, index int, newStop, newTake *float64) error {
	_, _, err := c.broker.ModifyPosition(ctx, index, newStop, newTake)
	return err
}

// ExecutorConfig configures the live executor's market-data refresh.
type ExecutorConfig struct {
	Symbol       string
	Interval     string // exchange kline interval, e.g. "1d"
	KlineHistory int    // candles fetched per refresh
}

// LiveExecutor implements router.Executor against the real exchange: it
// refreshes candles and account state once per tick and runs strategy
// decision steps against the shared broker.
type LiveExecutor struct {
	cfg    ExecutorConfig
	client exchange.Client
	broker *broker.Broker
	live   *Context
}

// NewLiveExecutor creates a LiveExecutor.
func NewLiveExecutor(cfg ExecutorConfig, client exchange.Client, b *broker.Broker) *LiveExecutor {
	if cfg.KlineHistory <= 0 {
		cfg.KlineHistory = 50
	}
	return &LiveExecutor{cfg: cfg, client: client, broker: b}
}

// Prepare fetches the candle window, pins the broker's reference price to
// the latest close, reconciles trades and snapshots account state.
func (e *LiveExecutor) Prepare(ctx context.Context) error {
	candles, err := e.client.Klines(ctx, e.cfg.Symbol, e.cfg.Interval, e.cfg.KlineHistory)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	if len(candles) == 0 {
		return fmt.Errorf("fetch klines: empty history for %s", e.cfg.Symbol)
	}
	e.broker.SetReferencePrice(candles[len(candles)-1].Close)

	if err := e.broker.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile trades: %w", err)
	}
	balance, err := e.broker.AvailableUSDT(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	commission, err := e.broker.Commission(ctx)
	if err != nil {
		return fmt.Errorf("fetch commission: %w", err)
	}

	e.live = &Context{
		broker:     e.broker,
		symbol:     e.cfg.Symbol,
		candles:    candles,
		balance:    balance,
		commission: commission,
	}
	return nil
}

// Execute runs one instance's decision step against the prepared context.
func (e *LiveExecutor) Execute(ctx context.Context, inst router.Instance) error {
	s, ok := inst.(Strategy)
	if !ok {
		return fmt.Errorf("instance %q is not a strategy", inst.Name())
	}
	if e.live == nil {
		return fmt.Errorf("execute before prepare")
	}
	return s.Next(ctx, e.live)
}

// HasOpenPosition reports whether the reconciled account holds a position.
func (e *LiveExecutor) HasOpenPosition(ctx context.Context) (bool, error) {
	return len(e.broker.Active()) > 0, nil
}
