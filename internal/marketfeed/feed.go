// Package marketfeed streams futures mark prices over WebSocket for status
// reporting between scheduling windows. The decision path never depends on
// it: strategies price off the kline refresh, not this stream.
package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultBaseURL = "wss://fstream.binance.com/ws"

// Config configures the mark-price feed.
type Config struct {
	Symbol  string
	BaseURL string // stream endpoint, default Binance futures

	// Reconnect backoff.
	InitialDelay time.Duration // default 1s
	MaxDelay     time.Duration // default 1m
}

// Feed maintains a resilient subscription to <symbol>@markPrice@1s.
type Feed struct {
	cfg Config

	// Optional hooks, called from the feed goroutine.
	OnPrice     func(price float64, at time.Time)
	OnReconnect func()

	mu        sync.RWMutex
	connected bool
	lastPrice float64
	lastAt    time.Time
}

// markPriceEvent is the Binance markPriceUpdate payload.
type markPriceEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// New creates a Feed for the configured symbol.
func New(cfg Config) *Feed {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	return &Feed{cfg: cfg}
}

// Run connects and re-connects until ctx is cancelled. Backoff doubles per
// failed attempt up to MaxDelay and resets after a healthy session.
func (f *Feed) Run(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s@markPrice@1s", f.cfg.BaseURL, strings.ToLower(f.cfg.Symbol))
	delay := f.cfg.InitialDelay

	for {
		start := time.Now()
		err := f.stream(ctx, url)
		f.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("[marketfeed] stream %s: %v", f.cfg.Symbol, err)
		}
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		if time.Since(start) > time.Minute {
			delay = f.cfg.InitialDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > f.cfg.MaxDelay {
			delay = f.cfg.MaxDelay
		}
	}
}

func (f *Feed) stream(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	log.Printf("[marketfeed] connected to %s", url)
	f.setConnected(true)

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var ev markPriceEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != "markPriceUpdate" {
			continue
		}
		price, err := strconv.ParseFloat(ev.MarkPrice, 64)
		if err != nil {
			continue
		}
		at := time.Unix(0, ev.EventTime*int64(time.Millisecond)).UTC()

		f.mu.Lock()
		f.lastPrice = price
		f.lastAt = at
		f.mu.Unlock()

		if f.OnPrice != nil {
			f.OnPrice(price, at)
		}
	}
}

// LastPrice returns the most recent mark price. ok is false before the
// first message arrives.
func (f *Feed) LastPrice() (price float64, at time.Time, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice, f.lastAt, !f.lastAt.IsZero()
}

// Connected reports whether a session is currently established.
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *Feed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}
