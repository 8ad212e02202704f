package model

import (
	"encoding/json"
	"time"
)

// Candle represents one kline row fetched from the exchange.
// Prices are kept as float64 the way the futures API reports them; order
// submission precision is handled by the broker, not here.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// JSON returns the JSON-encoded candle (ignoring errors for logging usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
