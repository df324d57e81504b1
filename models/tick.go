package models

import "math"

// MaxBidAskLevels is the depth kept on a tick.
const MaxBidAskLevels = 5

type BidAskLevel struct {
	BidP float64 `json:"bidP"`
	BidQ float64 `json:"bidQ"`
	AskP float64 `json:"askP"`
	AskQ float64 `json:"askQ"`
}

type Greeks struct {
	Delta float64 `json:"delta"`
	Theta float64 `json:"theta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// Tick is a single price update for one instrument. TS is the exchange
// event time in epoch milliseconds and is the only time used for bucketing.
type Tick struct {
	InstrumentKey string        `json:"instrumentKey"`
	LTP           *float64      `json:"ltp,omitempty"`
	LTQ           *float64      `json:"ltq,omitempty"`
	TS            int64         `json:"ts"`
	BidAsk        []BidAskLevel `json:"bidAsk,omitempty"`
	OI            *float64      `json:"oi,omitempty"`
	Greeks        *Greeks       `json:"greeks,omitempty"`
}

// Price returns the last traded price when it is present and finite.
func (t *Tick) Price() (float64, bool) {
	if t.LTP == nil || !IsFinite(*t.LTP) {
		return 0, false
	}
	return *t.LTP, true
}

// Quantity returns the last traded quantity when it is present and finite.
func (t *Tick) Quantity() (float64, bool) {
	if t.LTQ == nil || !IsFinite(*t.LTQ) {
		return 0, false
	}
	return *t.LTQ, true
}

func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Float returns a pointer to v, for optional fields.
func Float(v float64) *float64 {
	return &v
}
