package candles

import (
	"errors"

	"tickstream/models"
)

var ErrInstrumentMismatch = errors.New("tick belongs to another instrument")

// DefaultMaxCandles bounds a window when no size is configured.
const DefaultMaxCandles = 400

// Aggregator builds a bounded candle window for one instrument and timeframe.
// It is not safe for concurrent use; the owner serializes calls.
type Aggregator struct {
	key    string
	tf     models.Timeframe
	max    int
	window []models.Candle

	// OnLateTick is called for ticks whose bucket is older than the tail.
	OnLateTick func(t *models.Tick)
	// OnClose is called with the tail candle when a newer bucket replaces it.
	OnClose func(c models.Candle)
}

func New(instrumentKey string, tf models.Timeframe, maxCandles int) *Aggregator {
	if maxCandles <= 0 {
		maxCandles = DefaultMaxCandles
	}
	return &Aggregator{
		key:    instrumentKey,
		tf:     tf,
		max:    maxCandles,
		window: make([]models.Candle, 0, maxCandles+1),
	}
}

func (a *Aggregator) InstrumentKey() string { return a.key }

func (a *Aggregator) Timeframe() models.Timeframe { return a.tf }

func (a *Aggregator) Len() int { return len(a.window) }

// Window returns a copy of the candles, oldest first.
func (a *Aggregator) Window() []models.Candle {
	out := make([]models.Candle, len(a.window))
	copy(out, a.window)
	return out
}

// Last returns the tail candle.
func (a *Aggregator) Last() (models.Candle, bool) {
	if len(a.window) == 0 {
		return models.Candle{}, false
	}
	return a.window[len(a.window)-1], true
}

// OnTick applies one tick and reports whether the window changed. Ticks
// without a finite price and late ticks are dropped without error.
func (a *Aggregator) OnTick(t *models.Tick) (bool, error) {
	if t == nil {
		return false, nil
	}
	if t.InstrumentKey != a.key {
		return false, ErrInstrumentMismatch
	}
	price, ok := t.Price()
	if !ok {
		return false, nil
	}
	qty, hasQty := t.Quantity()
	bucket := a.tf.Bucket(t.TS)

	n := len(a.window)
	if n > 0 {
		tail := &a.window[n-1]
		switch {
		case bucket < tail.BucketStart:
			if a.OnLateTick != nil {
				a.OnLateTick(t)
			}
			return false, nil
		case bucket == tail.BucketStart:
			tail.Close = price
			if price > tail.High {
				tail.High = price
			}
			if price < tail.Low {
				tail.Low = price
			}
			if hasQty {
				tail.Volume += qty
			}
			return true, nil
		}
		if a.OnClose != nil {
			a.OnClose(*tail)
		}
	}

	a.window = append(a.window, models.Candle{
		BucketStart: bucket,
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      qty,
	})
	a.evict()
	return true, nil
}

// ChangeTimeframe discards the window and starts bucketing with tf. The
// caller reseeds it with Backfill.
func (a *Aggregator) ChangeTimeframe(tf models.Timeframe) {
	a.tf = tf
	a.window = a.window[:0]
}

// Reset discards the window keeping the timeframe.
func (a *Aggregator) Reset() {
	a.window = a.window[:0]
}

// Backfill merges historical candles under the live window. History is
// resampled to the active timeframe; buckets before the live head are
// prepended and a bucket equal to the head is combined with it. Live
// candles always keep their close.
func (a *Aggregator) Backfill(history []models.Candle) int {
	hist := Resample(history, a.tf)
	if len(hist) == 0 {
		return 0
	}
	if len(a.window) == 0 {
		a.window = append(a.window, hist...)
		a.evict()
		return len(hist)
	}

	head := &a.window[0]
	merged := make([]models.Candle, 0, len(hist)+len(a.window))
	used := 0
	for _, c := range hist {
		if c.BucketStart < head.BucketStart {
			merged = append(merged, c)
			used++
			continue
		}
		if c.BucketStart == head.BucketStart {
			head.Open = c.Open
			if c.High > head.High {
				head.High = c.High
			}
			if c.Low < head.Low {
				head.Low = c.Low
			}
			if c.Volume > head.Volume {
				head.Volume = c.Volume
			}
			used++
		}
		break
	}
	if len(merged) == 0 {
		return used
	}
	a.window = append(merged, a.window...)
	a.evict()
	return used
}

func (a *Aggregator) evict() {
	if over := len(a.window) - a.max; over > 0 {
		n := copy(a.window, a.window[over:])
		a.window = a.window[:n]
	}
}
