package strategy

import (
	"context"
	"testing"
	"time"

	"autotrader/internal/model"
)

func testContext() *Context {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := []model.Candle{
		{OpenTime: base, Open: 100, High: 110, Low: 95, Close: 105, Volume: 10},
		{OpenTime: base.AddDate(0, 0, 1), Open: 105, High: 120, Low: 104, Close: 118, Volume: 12},
		{OpenTime: base.AddDate(0, 0, 2), Open: 118, High: 121, Low: 111, Close: 113, Volume: 8},
	}
	return &Context{symbol: "BTCUSDT", candles: candles, balance: 2500, commission: 0.0004}
}

func TestContextLatestCandle(t *testing.T) {
	c := testContext()
	if c.Close() != 113 || c.Open() != 118 || c.High() != 121 || c.Low() != 111 {
		t.Errorf("latest candle accessors wrong: O=%v H=%v L=%v C=%v", c.Open(), c.High(), c.Low(), c.Close())
	}
	if c.Balance() != 2500 {
		t.Errorf("balance = %v, want 2500", c.Balance())
	}
}

func TestContextPrev(t *testing.T) {
	c := testContext()
	if cur, ok := c.Prev(0); !ok || cur.Close != 113 {
		t.Errorf("Prev(0) = %v, %v", cur.Close, ok)
	}
	if prev, ok := c.Prev(2); !ok || prev.Close != 105 {
		t.Errorf("Prev(2) = %v, %v", prev.Close, ok)
	}
	if _, ok := c.Prev(3); ok {
		t.Errorf("Prev past history start should report !ok")
	}
}

func TestContextHistoryIsACopy(t *testing.T) {
	c := testContext()
	h := c.History()
	h[0].Close = -1
	if c.candles[0].Close == -1 {
		t.Errorf("History leaked the internal slice")
	}
}

func TestSMAHelper(t *testing.T) {
	c := testContext() // closes: 105, 118, 113
	if got, ok := sma(c, 3, 0); !ok || got != (105.0+118+113)/3 {
		t.Errorf("sma(3,0) = %v, %v", got, ok)
	}
	if got, ok := sma(c, 2, 1); !ok || got != (105.0+118)/2 {
		t.Errorf("sma(2,1) = %v, %v", got, ok)
	}
	if _, ok := sma(c, 4, 0); ok {
		t.Errorf("sma over short history should report !ok")
	}
}

func TestSMACrossoverNeedsHistory(t *testing.T) {
	s := NewSMACrossover(2, 3)
	// Three candles cannot cover slowPeriod+1, so no decision is made and
	// the broker is never touched.
	if err := s.Next(context.Background(), testContext()); err != nil {
		t.Errorf("Next = %v, want nil", err)
	}
}

type notAStrategy struct{}

func (notAStrategy) Name() string { return "plain" }

func TestExecuteRejectsNonStrategyInstance(t *testing.T) {
	e := &LiveExecutor{}
	if err := e.Execute(context.Background(), notAStrategy{}); err == nil {
		t.Errorf("expected an error for a non-strategy instance")
	}
}

func TestExecuteBeforePrepare(t *testing.T) {
	e := &LiveExecutor{}
	s := NewFunc("noop", func(ctx context.Context, c *Context) error { return nil })
	if err := e.Execute(context.Background(), s); err == nil {
		t.Errorf("expected an error when executing before prepare")
	}
}
