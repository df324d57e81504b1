package models

import (
	"fmt"
	"time"
)

// Timeframe is a candle bucket width.
type Timeframe string

const (
	TF1s  Timeframe = "1s"
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
)

var timeframeWidths = map[Timeframe]time.Duration{
	TF1s:  time.Second,
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
}

// historyIntervals maps timeframes to the interval names the history API uses.
var historyIntervals = map[Timeframe]string{
	TF1s:  "1second",
	TF1m:  "1minute",
	TF5m:  "5minute",
	TF15m: "15minute",
	TF1h:  "60minute",
}

func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeWidths[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Millis returns the bucket width in milliseconds, 0 for unknown timeframes.
func (tf Timeframe) Millis() int64 {
	return timeframeWidths[tf].Milliseconds()
}

func (tf Timeframe) Duration() time.Duration {
	return timeframeWidths[tf]
}

func (tf Timeframe) HistoryInterval() string {
	return historyIntervals[tf]
}

// Bucket aligns an epoch-ms timestamp to the start of its bucket,
// flooring toward negative infinity.
func (tf Timeframe) Bucket(ts int64) int64 {
	w := tf.Millis()
	if w <= 0 {
		return ts
	}
	b := (ts / w) * w
	if ts < 0 && b != ts {
		b -= w
	}
	return b
}
