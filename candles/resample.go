package candles

import (
	"sort"

	"tickstream/models"
)

// Resample groups candles into tf buckets, dropping candles with non-finite
// prices. The result is sorted by bucket with no duplicates. Candles coarser
// than tf are kept at their own aligned bucket.
func Resample(in []models.Candle, tf models.Timeframe) []models.Candle {
	valid := make([]models.Candle, 0, len(in))
	for i := range in {
		if in[i].Valid() {
			valid = append(valid, in[i])
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].BucketStart < valid[j].BucketStart
	})

	out := make([]models.Candle, 0, len(valid))
	for _, c := range valid {
		bucket := tf.Bucket(c.BucketStart)
		volume := c.Volume
		if !models.IsFinite(volume) {
			volume = 0
		}
		if n := len(out); n > 0 && out[n-1].BucketStart == bucket {
			last := &out[n-1]
			if c.High > last.High {
				last.High = c.High
			}
			if c.Low < last.Low {
				last.Low = c.Low
			}
			last.Close = c.Close
			last.Volume += volume
			continue
		}
		out = append(out, models.Candle{
			BucketStart: bucket,
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      volume,
		})
	}
	return out
}
