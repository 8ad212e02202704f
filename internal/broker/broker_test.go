package broker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"autotrader/internal/alertlog"
	"autotrader/internal/exchange"
	"autotrader/internal/model"
)

type placed struct {
	Side  string
	Type  string
	Price string
	Qty   string
}

// fakeExchange implements the calls the broker makes; unused methods panic
// through the embedded nil interface.
type fakeExchange struct {
	exchange.Client

	prec         exchange.Precision
	positions    []exchange.PositionRow
	fills        []exchange.FillRow
	ordersByFrom map[int64][]exchange.OrderRow

	nextID    int64
	placed    []placed
	canceled  []int64
	marketErr error
	condErr   error
}

func (f *fakeExchange) SymbolPrecision(ctx context.Context, symbol string) (exchange.Precision, error) {
	return f.prec, nil
}

func (f *fakeExchange) MarketOrder(ctx context.Context, symbol, side, quantity string) (exchange.OrderAck, error) {
	if f.marketErr != nil {
		return exchange.OrderAck{}, f.marketErr
	}
	f.nextID++
	f.placed = append(f.placed, placed{Side: side, Type: exchange.OrderTypeMarket, Qty: quantity})
	return exchange.OrderAck{OrderID: f.nextID, Symbol: symbol, Status: exchange.StatusNew, Side: side, Type: exchange.OrderTypeMarket}, nil
}

func (f *fakeExchange) ConditionalOrder(ctx context.Context, symbol, side, orderType, stopPrice, quantity string) (exchange.OrderAck, error) {
	if f.condErr != nil {
		return exchange.OrderAck{}, f.condErr
	}
	f.nextID++
	f.placed = append(f.placed, placed{Side: side, Type: orderType, Price: stopPrice, Qty: quantity})
	return exchange.OrderAck{OrderID: f.nextID, Symbol: symbol, Status: exchange.StatusNew, Side: side, Type: orderType}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExchange) OrdersFrom(ctx context.Context, symbol string, fromOrderID int64) ([]exchange.OrderRow, error) {
	return f.ordersByFrom[fromOrderID], nil
}

func (f *fakeExchange) PositionRisk(ctx context.Context, symbol string) ([]exchange.PositionRow, error) {
	return f.positions, nil
}

func (f *fakeExchange) AccountTrades(ctx context.Context, symbol string, start, end time.Time) ([]exchange.FillRow, error) {
	var out []exchange.FillRow
	for _, fill := range f.fills {
		if !fill.Time.Before(start) && !fill.Time.After(end) {
			out = append(out, fill)
		}
	}
	return out, nil
}

func newBroker(fe *fakeExchange, strict bool) *Broker {
	return New(Config{
		Symbol:          "BTCUSDT",
		StrictModify:    strict,
		HistoryLookback: 10 * 24 * time.Hour,
		HistoryChunk:    5 * 24 * time.Hour,
	}, fe, alertlog.New(20), nil)
}

func ptr(v float64) *float64 { return &v }

func TestOpenPosition_RejectsInvertedBracketForLong(t *testing.T) {
	fe := &fakeExchange{prec: exchange.Precision{Price: 1, Quantity: 3}}
	b := newBroker(fe, false)
	b.SetReferencePrice(100)

	_, _, _, err := b.OpenPosition(context.Background(), model.SideLong, ptr(110), ptr(90), 1)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if len(fe.placed) != 0 {
		t.Error("no order may be sent after a pre-flight rejection")
	}
}

func TestOpenPosition_RejectsNonPositiveAmount(t *testing.T) {
	fe := &fakeExchange{prec: exchange.Precision{Price: 1, Quantity: 3}}
	b := newBroker(fe, false)
	b.SetReferencePrice(100)

	_, _, _, err := b.OpenPosition(context.Background(), model.SideShort, nil, nil, -2)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError for negative amount, got %v", err)
	}
}

func TestOpenPosition_PlacesBracketWithTruncation(t *testing.T) {
	fe := &fakeExchange{prec: exchange.Precision{Price: 1, Quantity: 3}}
	b := newBroker(fe, false)
	b.SetReferencePrice(100)

	entry, stop, take, err := b.OpenPosition(context.Background(), model.SideLong, ptr(90.1299), ptr(120.678), 0.12349)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if entry.OrderID == 0 || stop.OrderID == 0 || take.OrderID == 0 {
		t.Fatalf("all three legs expected, got %d/%d/%d", entry.OrderID, stop.OrderID, take.OrderID)
	}
	if len(fe.placed) != 3 {
		t.Fatalf("expected 3 orders sent, got %d", len(fe.placed))
	}

	if fe.placed[0].Side != exchange.SideBuy || fe.placed[0].Qty != "0.123" {
		t.Errorf("entry leg wrong: %+v", fe.placed[0])
	}
	if fe.placed[1].Type != exchange.OrderTypeStopMarket || fe.placed[1].Side != exchange.SideSell || fe.placed[1].Price != "90.1" {
		t.Errorf("stop leg wrong: %+v", fe.placed[1])
	}
	if fe.placed[2].Type != exchange.OrderTypeTakeProfit || fe.placed[2].Price != "120.6" {
		t.Errorf("take leg wrong (truncated, not rounded): %+v", fe.placed[2])
	}
}

func TestOpenPosition_PlaceholdersForUnrequestedLegs(t *testing.T) {
	fe := &fakeExchange{prec: exchange.Precision{Price: 1, Quantity: 3}}
	b := newBroker(fe, false)
	b.SetReferencePrice(100)

	_, stop, take, err := b.OpenPosition(context.Background(), model.SideShort, nil, nil, 1)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if stop.OrderID != 0 || take.OrderID != 0 {
		t.Errorf("unrequested legs must be zero-valued, got %d/%d", stop.OrderID, take.OrderID)
	}
	if len(fe.placed) != 1 || fe.placed[0].Side != exchange.SideSell {
		t.Errorf("expected a single SELL market entry, got %+v", fe.placed)
	}
}

func TestOpenPosition_EntryRejection(t *testing.T) {
	fe := &fakeExchange{
		prec:      exchange.Precision{Price: 1, Quantity: 3},
		marketErr: errors.New("rejected"),
	}
	b := newBroker(fe, false)
	b.SetReferencePrice(100)

	_, _, _, err := b.OpenPosition(context.Background(), model.SideLong, nil, nil, 1)
	if !errors.Is(err, ErrPositionNotActive) {
		t.Errorf("expected ErrPositionNotActive, got %v", err)
	}
}

func TestOpenPosition_BracketLegFailureSurfaced(t *testing.T) {
	fe := &fakeExchange{
		prec:    exchange.Precision{Price: 1, Quantity: 3},
		condErr: errors.New("leg failed"),
	}
	alerts := alertlog.New(20)
	b := New(Config{Symbol: "BTCUSDT", HistoryLookback: 24 * time.Hour, HistoryChunk: 24 * time.Hour}, fe, alerts, nil)
	b.SetReferencePrice(100)

	entry, _, _, err := b.OpenPosition(context.Background(), model.SideLong, ptr(90), nil, 1)
	if err == nil {
		t.Fatal("failed bracket leg must surface as an error")
	}
	if entry.OrderID == 0 {
		t.Error("the partial result must carry the successful entry")
	}
	found := false
	for _, rec := range alerts.History() {
		if rec.Alert && strings.Contains(rec.Message, "without stop-loss") {
			found = true
		}
	}
	if !found {
		t.Error("expected an unprotected-position alert")
	}
}

func TestOpenPosition_TakeLegSkippedAfterStopFailure(t *testing.T) {
	fe := &fakeExchange{
		prec:    exchange.Precision{Price: 1, Quantity: 3},
		condErr: errors.New("leg failed"),
	}
	alerts := alertlog.New(20)
	b := New(Config{Symbol: "BTCUSDT", HistoryLookback: 24 * time.Hour, HistoryChunk: 24 * time.Hour}, fe, alerts, nil)
	b.SetReferencePrice(100)

	_, _, take, err := b.OpenPosition(context.Background(), model.SideLong, ptr(90), ptr(110), 1)
	if err == nil {
		t.Fatal("failed bracket leg must surface as an error")
	}
	if take.OrderID != 0 {
		t.Error("take-profit must stay a placeholder when its leg is skipped")
	}
	for _, p := range fe.placed {
		if p.Type == exchange.OrderTypeTakeProfit {
			t.Error("take-profit order must not be sent after the stop leg fails")
		}
	}
	found := false
	for _, rec := range alerts.History() {
		if rec.Alert && strings.Contains(rec.Message, "take-profit not attempted") {
			found = true
		}
	}
	if !found {
		t.Error("expected an alert naming the skipped take-profit leg")
	}
}

// reconciledBroker builds a broker with two reconciled long trades whose
// entry orders are 3 (older) and 7 (newer). Trade 7 carries open stop #71
// and take #72; trade 3 carries open stop #31.
func reconciledBroker(t *testing.T) (*Broker, *fakeExchange) {
	t.Helper()
	now := time.Now()
	fe := &fakeExchange{
		prec: exchange.Precision{Price: 1, Quantity: 3},
		positions: []exchange.PositionRow{
			{Symbol: "BTCUSDT", EntryPrice: 100, MarkPrice: 101, PositionAmt: 0.5},
			{Symbol: "BTCUSDT", EntryPrice: 95, MarkPrice: 101, PositionAmt: 0.25},
		},
		fills: []exchange.FillRow{
			{OrderID: 3, Symbol: "BTCUSDT", Side: exchange.SideBuy, Price: 95, Qty: 0.25, Time: now.Add(-2 * time.Hour)},
			{OrderID: 7, Symbol: "BTCUSDT", Side: exchange.SideBuy, Price: 100, Qty: 0.5, Time: now.Add(-1 * time.Hour)},
		},
		ordersByFrom: map[int64][]exchange.OrderRow{
			7: {
				{OrderID: 71, Symbol: "BTCUSDT", Status: exchange.StatusNew, Type: exchange.OrderTypeStopMarket},
				{OrderID: 72, Symbol: "BTCUSDT", Status: exchange.StatusNew, Type: exchange.OrderTypeTakeProfit},
				{OrderID: 73, Symbol: "BTCUSDT", Status: "FILLED", Type: exchange.OrderTypeStopMarket},
			},
			3: {
				{OrderID: 31, Symbol: "BTCUSDT", Status: exchange.StatusNew, Type: exchange.OrderTypeStopMarket},
			},
		},
		nextID: 100,
	}
	b := newBroker(fe, false)
	b.SetReferencePrice(101)
	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return b, fe
}

func TestReconcile_AssignsDistinctIdentities(t *testing.T) {
	b, _ := reconciledBroker(t)

	active := b.Active()
	if len(active) != 2 {
		t.Fatalf("expected 2 active trades, got %d", len(active))
	}
	ids := map[int64]bool{active[0].OrderID: true, active[1].OrderID: true}
	if !ids[3] || !ids[7] {
		t.Errorf("expected entry ids {3,7}, got %v", ids)
	}

	for _, tr := range active {
		if tr.OrderID == 7 {
			if tr.StopOrderID != 71 || tr.TakeOrderID != 72 {
				t.Errorf("trade 7 bracket ids wrong: stop=%d take=%d", tr.StopOrderID, tr.TakeOrderID)
			}
		}
	}
}

func TestClosePosition_CancelsOwnConditionals(t *testing.T) {
	b, fe := reconciledBroker(t)

	idx := -1
	for i, tr := range b.Active() {
		if tr.OrderID == 7 {
			idx = i
		}
	}
	if idx < 0 {
		t.Fatal("trade 7 not found")
	}

	entry, _, _, err := b.ClosePosition(context.Background(), idx)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if entry.OrderID == 0 {
		t.Error("expected an opposing market order ack")
	}

	sent := fe.placed[len(fe.placed)-1]
	if sent.Side != exchange.SideSell || sent.Qty != "0.5" {
		t.Errorf("opposing market order wrong: %+v", sent)
	}

	for _, id := range fe.canceled {
		if id == 31 {
			t.Error("must not cancel conditionals of trade 3")
		}
	}
	has71, has72 := false, false
	for _, id := range fe.canceled {
		if id == 71 {
			has71 = true
		}
		if id == 72 {
			has72 = true
		}
	}
	if !has71 || !has72 {
		t.Errorf("expected stop #71 and take #72 cancelled, got %v", fe.canceled)
	}
}

func TestClosePosition_BusinessRuleRejections(t *testing.T) {
	fe := &fakeExchange{prec: exchange.Precision{Price: 1, Quantity: 3}}
	b := newBroker(fe, false)

	if _, _, _, err := b.ClosePosition(context.Background(), 0); !errors.Is(err, ErrNoActiveTrades) {
		t.Errorf("expected ErrNoActiveTrades, got %v", err)
	}

	b2, _ := reconciledBroker(t)
	if _, _, _, err := b2.ClosePosition(context.Background(), 9); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("expected ErrIndexNotFound, got %v", err)
	}
}

func TestModifyPosition_NothingChanged(t *testing.T) {
	b, _ := reconciledBroker(t)
	if _, _, err := b.ModifyPosition(context.Background(), 0, nil, nil); !errors.Is(err, ErrNothingChanged) {
		t.Errorf("expected ErrNothingChanged, got %v", err)
	}
}

func TestModifyPosition_InvalidStopSilentlyIgnored(t *testing.T) {
	b, fe := reconciledBroker(t)
	before := len(fe.placed)

	// Stop above the current close is invalid for a long; default policy
	// ignores it without error.
	_, _, err := b.ModifyPosition(context.Background(), 0, ptr(150), nil)
	if err != nil {
		t.Errorf("invalid replacement must not error by default: %v", err)
	}
	if len(fe.placed) != before {
		t.Error("invalid replacement must not send any order")
	}
}

func TestModifyPosition_StrictModeRejects(t *testing.T) {
	_, fe := reconciledBroker(t)
	b := New(Config{
		Symbol:          "BTCUSDT",
		StrictModify:    true,
		HistoryLookback: 10 * 24 * time.Hour,
		HistoryChunk:    5 * 24 * time.Hour,
	}, fe, alertlog.New(20), nil)
	b.SetReferencePrice(101)
	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	_, _, err := b.ModifyPosition(context.Background(), 0, ptr(150), nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("strict mode must reject invalid replacements, got %v", err)
	}
}

func TestModifyPosition_ReplacesStop(t *testing.T) {
	b, fe := reconciledBroker(t)

	idx := -1
	for i, tr := range b.Active() {
		if tr.OrderID == 7 {
			idx = i
		}
	}

	stop, _, err := b.ModifyPosition(context.Background(), idx, ptr(92.3456), nil)
	if err != nil {
		t.Fatalf("modify failed: %v", err)
	}
	if stop.OrderID == 0 {
		t.Error("expected a replacement stop ack")
	}

	cancelled := false
	for _, id := range fe.canceled {
		if id == 71 {
			cancelled = true
		}
	}
	if !cancelled {
		t.Error("prior stop order must be cancelled before the replacement")
	}

	sent := fe.placed[len(fe.placed)-1]
	if sent.Type != exchange.OrderTypeStopMarket || sent.Price != "92.3" {
		t.Errorf("replacement stop wrong: %+v", sent)
	}
}

func TestTerminalTrade_RejectsModifyAndClose(t *testing.T) {
	now := time.Now()
	fe := &fakeExchange{
		prec: exchange.Precision{Price: 1, Quantity: 3},
		positions: []exchange.PositionRow{
			{Symbol: "BTCUSDT", EntryPrice: 100, MarkPrice: 101, PositionAmt: 0.5},
		},
		fills: []exchange.FillRow{
			{OrderID: 7, Symbol: "BTCUSDT", Side: exchange.SideBuy, Price: 100, Qty: 0.5, Time: now.Add(-time.Hour)},
		},
		ordersByFrom: map[int64][]exchange.OrderRow{}, // no open conditionals
	}
	b := newBroker(fe, false)
	b.SetReferencePrice(101)
	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, _, err := b.ModifyPosition(context.Background(), 0, ptr(90), nil); !errors.Is(err, ErrTradeTerminal) {
		t.Errorf("expected ErrTradeTerminal on modify, got %v", err)
	}
	if _, _, _, err := b.ClosePosition(context.Background(), 0); !errors.Is(err, ErrTradeTerminal) {
		t.Errorf("expected ErrTradeTerminal on close, got %v", err)
	}
}
