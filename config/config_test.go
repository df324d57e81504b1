package config

import (
	"testing"
	"time"

	"tickstream/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.Timeframe != models.TF1m {
		t.Errorf("expected 1m timeframe, got %s", cfg.Stream.Timeframe)
	}
	if cfg.Stream.BackoffFloor != time.Second || cfg.Stream.BackoffMax != 30*time.Second {
		t.Errorf("unexpected backoff bounds %v..%v", cfg.Stream.BackoffFloor, cfg.Stream.BackoffMax)
	}
	if len(cfg.Stream.BackoffLadder) != 4 || cfg.Stream.BackoffLadder[3] != 10*time.Second {
		t.Errorf("unexpected ladder %v", cfg.Stream.BackoffLadder)
	}
	if cfg.Window.MaxCandles != 400 || cfg.Window.MaxTrades != 100 {
		t.Errorf("unexpected window sizes %d/%d", cfg.Window.MaxCandles, cfg.Window.MaxTrades)
	}
	if cfg.Trades.Side != models.SideBoth {
		t.Errorf("expected side both, got %s", cfg.Trades.Side)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STREAM_INSTRUMENTS", "NSE_FO|1, NSE_FO|2,,")
	t.Setenv("STREAM_TIMEFRAME", "5m")
	t.Setenv("STREAM_BACKOFF_POLICY", "ladder")
	t.Setenv("STREAM_BACKOFF_LADDER", "500ms,3s")
	t.Setenv("TRADES_SIDE", "ce")
	t.Setenv("WINDOW_MAX_CANDLES", "240")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Stream.Instruments) != 2 || cfg.Stream.Instruments[1] != "NSE_FO|2" {
		t.Errorf("unexpected instruments %v", cfg.Stream.Instruments)
	}
	if cfg.Stream.Timeframe != models.TF5m {
		t.Errorf("expected 5m, got %s", cfg.Stream.Timeframe)
	}
	if cfg.Stream.BackoffPolicy != PolicyLadder || len(cfg.Stream.BackoffLadder) != 2 {
		t.Errorf("unexpected ladder config %s %v", cfg.Stream.BackoffPolicy, cfg.Stream.BackoffLadder)
	}
	if cfg.Trades.Side != models.SideCE {
		t.Errorf("expected side CE, got %s", cfg.Trades.Side)
	}
	if cfg.Window.MaxCandles != 240 {
		t.Errorf("expected 240 candles, got %d", cfg.Window.MaxCandles)
	}
}

func TestLoad_Invalid(t *testing.T) {

	t.Setenv("STREAM_TIMEFRAME", "7m")
	if _, err := Load(); err == nil {
		t.Error("expected error for unknown timeframe")
	}

	t.Setenv("STREAM_TIMEFRAME", "1m")
	t.Setenv("STREAM_BACKOFF_POLICY", "random")
	if _, err := Load(); err == nil {
		t.Error("expected error for unknown policy")
	}

	t.Setenv("STREAM_BACKOFF_POLICY", "exponential")
	t.Setenv("STREAM_BACKOFF_LADDER", "1s,bogus")
	if _, err := Load(); err == nil {
		t.Error("expected error for bad ladder")
	}
}
