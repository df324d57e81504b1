package snapshot

import (
	"context"
	"errors"
	"testing"

	"tickstream/models"
)

func TestDecodeHistory_DropsInvalid(t *testing.T) {
	candles, err := DecodeHistory([]byte(`[
		{"ts":60000,"open":1,"high":1,"low":1,"close":1},
		{"open":1,"high":1,"low":1,"close":1},
		{"ts":0,"open":"abc","high":1,"low":1,"close":1},
		{"ts":120000,"open":1,"high":1,"low":1},
		{"ts":0,"open":2,"high":2,"low":2,"close":2,"volume":null}
	]`))
	if err != nil {
		t.Fatalf("DecodeHistory: %v", err)
	}
	if len(candles) != 2 || candles[0].BucketStart != 0 || candles[1].BucketStart != 60_000 {
		t.Errorf("unexpected candles %+v", candles)
	}
}

func TestDecodeHistory_Malformed(t *testing.T) {
	if _, err := DecodeHistory([]byte(`{"candles":`)); err == nil {
		t.Error("expected error for malformed body")
	}
}

type stubHistory struct {
	candles []models.Candle
	err     error
}

func (s stubHistory) LoadHistory(context.Context, string, models.Timeframe, int) ([]models.Candle, error) {
	return s.candles, s.err
}

func TestChain_FallsThrough(t *testing.T) {
	want := []models.Candle{{BucketStart: 1, Open: 1, High: 1, Low: 1, Close: 1}}
	chain := Chain{stubHistory{err: errors.New("timeout")}, stubHistory{}, stubHistory{candles: want}}

	got, err := chain.LoadHistory(context.Background(), "k", models.TF1m, 10)
	if err != nil || len(got) != 1 {
		t.Errorf("expected fallback result, got %v %v", got, err)
	}

	_, err = Chain{stubHistory{err: errors.New("timeout")}}.LoadHistory(context.Background(), "k", models.TF1m, 10)
	if err == nil {
		t.Error("expected error when every loader fails")
	}
}
