package models

// Candle is the OHLCV aggregate of one timeframe bucket. BucketStart is
// epoch milliseconds aligned to the timeframe width.
type Candle struct {
	BucketStart int64   `json:"ts"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// Valid reports whether every price field is finite.
func (c *Candle) Valid() bool {
	return IsFinite(c.Open) && IsFinite(c.High) && IsFinite(c.Low) && IsFinite(c.Close)
}

// CandleUpdate is a republished candle window for one instrument.
type CandleUpdate struct {
	InstrumentKey string    `json:"instrumentKey"`
	Timeframe     Timeframe `json:"timeframe"`
	Candles       []Candle  `json:"candles"`
}
