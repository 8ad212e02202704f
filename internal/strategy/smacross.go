package strategy

import (
	"context"
	"fmt"

	"autotrader/internal/model"
)

// SMACrossover trades simple moving average crossovers on the candle
// history: a golden cross (fast above slow) opens a long with a protective
// bracket, a death cross closes it. The history window must cover at least
// slowPeriod+1 candles before it emits anything.
type SMACrossover struct {
	name       string
	fastPeriod int
	slowPeriod int

	// Position sizing and bracket placement, as fractions.
	BalanceFraction float64 // default 0.5
	StopPct         float64 // default 0.02
	TakePct         float64 // default 0.04
}

// NewSMACrossover creates the strategy; fastPeriod < slowPeriod (e.g. 9, 21).
func NewSMACrossover(fastPeriod, slowPeriod int) *SMACrossover {
	return &SMACrossover{
		name:            fmt.Sprintf("sma-cross-%d-%d", fastPeriod, slowPeriod),
		fastPeriod:      fastPeriod,
		slowPeriod:      slowPeriod,
		BalanceFraction: 0.5,
		StopPct:         0.02,
		TakePct:         0.04,
	}
}

func (s *SMACrossover) Name() string { return s.name }

func (s *SMACrossover) Next(ctx context.Context, c *Context) error {
	fastNow, ok1 := sma(c, s.fastPeriod, 0)
	slowNow, ok2 := sma(c, s.slowPeriod, 0)
	fastPrev, ok3 := sma(c, s.fastPeriod, 1)
	slowPrev, ok4 := sma(c, s.slowPeriod, 1)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil
	}

	goldenCross := fastPrev <= slowPrev && fastNow > slowNow
	deathCross := fastPrev >= slowPrev && fastNow < slowNow

	if trades := c.ActiveTrades(); len(trades) > 0 {
		if deathCross {
			return c.ClosePosition(ctx, 0)
		}
		return nil
	}
	if !goldenCross {
		return nil
	}

	stop := c.Close() * (1 - s.StopPct)
	take := c.Close() * (1 + s.TakePct)
	amount := c.Balance() * s.BalanceFraction / c.Close() // base-asset size
	if amount <= 0 {
		return nil
	}
	return c.OpenPosition(ctx, model.SideLong, &stop, &take, amount)
}

// sma averages the closes of the period candles ending offset steps before
// the current one. ok is false when the history is too short.
func sma(c *Context, period, offset int) (float64, bool) {
	if period <= 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < period; i++ {
		candle, ok := c.Prev(offset + i)
		if !ok {
			return 0, false
		}
		sum += candle.Close
	}
	return sum / float64(period), true
}
