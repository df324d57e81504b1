package pubsub

import (
	"context"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tickstream/models"
)

func TestKeyFormats(t *testing.T) {
	p := NewWithClient(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), "", nil)
	defer p.Close()

	if got := p.CandleChannel("NSE_FO|1", models.TF5m); got != "tickstream:candles:5m:NSE_FO|1" {
		t.Errorf("unexpected candle channel %q", got)
	}
	if got := p.CandleKey("NSE_FO|1", models.TF1m); got != "tickstream:latest:candles:1m:NSE_FO|1" {
		t.Errorf("unexpected candle key %q", got)
	}
	if got := p.TradeChannel(models.SideCE); got != "tickstream:trades:CE" {
		t.Errorf("unexpected trade channel %q", got)
	}
	if got := p.TradeKey(models.SideBoth); got != "tickstream:latest:trades:both" {
		t.Errorf("unexpected trade key %q", got)
	}
}

func TestRunStopsWhenInputsClose(t *testing.T) {
	p := NewWithClient(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), "test", nil)
	defer p.Close()

	candles := make(chan models.CandleUpdate)
	trades := make(chan models.TradeUpdate)
	close(candles)
	close(trades)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), candles, trades)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after inputs closed")
	}
}
