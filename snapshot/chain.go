package snapshot

import (
	"context"
	"errors"

	"tickstream/models"
)

// HistoryLoader loads candles for one instrument and timeframe.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, key string, tf models.Timeframe, limit int) ([]models.Candle, error)
}

// Chain tries each loader in order and returns the first non-empty result.
type Chain []HistoryLoader

func (c Chain) LoadHistory(ctx context.Context, key string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	var errs []error
	for _, l := range c {
		if l == nil {
			continue
		}
		candles, err := l.LoadHistory(ctx, key, tf, limit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(candles) > 0 {
			return candles, nil
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, nil
}
