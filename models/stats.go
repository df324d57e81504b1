package models

import "time"

// InstrumentStats summarises the live state of one subscribed instrument.
type InstrumentStats struct {
	InstrumentKey string        `json:"instrumentKey"`
	Timeframe     Timeframe     `json:"timeframe"`
	LastUpdate    time.Time     `json:"lastUpdate"`
	TickCount     int64         `json:"tickCount"`
	LateTicks     int64         `json:"lateTicks"`
	Candles       int           `json:"candles"`
	LastPrice     *float64      `json:"lastPrice,omitempty"`
	BidAsk        []BidAskLevel `json:"bidAsk,omitempty"`
	OI            *float64      `json:"oi,omitempty"`
	Greeks        *Greeks       `json:"greeks,omitempty"`
}
