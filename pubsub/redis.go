package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"tickstream/metrics"
	"tickstream/models"
	"tickstream/utils"
)

const (
	defaultPrefix    = "tickstream"
	defaultLatestTTL = 30 * time.Minute
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Publisher mirrors candle and trade windows into Redis: every update is
// PUBLISHed on a channel and the latest one is kept under a key for late
// joiners.
type Publisher struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// New creates a Publisher and pings the server.
func New(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(client, cfg.Prefix, logger), nil
}

func NewWithClient(client *goredis.Client, prefix string, logger *zap.SugaredLogger) *Publisher {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = utils.Logger
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		ttl:    defaultLatestTTL,
		logger: logger.With("component", "redis_publisher"),
	}
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

func (p *Publisher) Close() error { return p.client.Close() }

func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// CandleChannel is the pub/sub channel for one instrument and timeframe.
func (p *Publisher) CandleChannel(key string, tf models.Timeframe) string {
	return p.prefix + ":candles:" + string(tf) + ":" + key
}

func (p *Publisher) CandleKey(key string, tf models.Timeframe) string {
	return p.prefix + ":latest:candles:" + string(tf) + ":" + key
}

func (p *Publisher) TradeChannel(side models.Side) string {
	return p.prefix + ":trades:" + string(side)
}

func (p *Publisher) TradeKey(side models.Side) string {
	return p.prefix + ":latest:trades:" + string(side)
}

func (p *Publisher) PublishCandles(ctx context.Context, u models.CandleUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return p.write(ctx, p.CandleChannel(u.InstrumentKey, u.Timeframe), p.CandleKey(u.InstrumentKey, u.Timeframe), data)
}

func (p *Publisher) PublishTrades(ctx context.Context, u models.TradeUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return p.write(ctx, p.TradeChannel(u.Side), p.TradeKey(u.Side), data)
}

func (p *Publisher) write(ctx context.Context, channel, key string, data []byte) error {
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, channel, data)
	pipe.Set(ctx, key, data, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Run publishes updates until ctx is cancelled or both inputs are closed.
// Either input may be nil.
func (p *Publisher) Run(ctx context.Context, candles <-chan models.CandleUpdate, trades <-chan models.TradeUpdate) {
	for candles != nil || trades != nil {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-candles:
			if !ok {
				candles = nil
				continue
			}
			if err := p.PublishCandles(ctx, u); err != nil {
				p.fail(err)
			}
		case u, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			if err := p.PublishTrades(ctx, u); err != nil {
				p.fail(err)
			}
		}
	}
}

func (p *Publisher) fail(err error) {
	metrics.IncrementErrors("redis_publish")
	p.logger.Warnw("Redis publish failed", "error", err)
}
