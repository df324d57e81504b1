package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickstream/api"
	"tickstream/config"
	"tickstream/db"
	"tickstream/market"
	"tickstream/middleware"
	"tickstream/models"
	"tickstream/monitoring"
	"tickstream/pubsub"
	"tickstream/snapshot"
	"tickstream/trades"
	"tickstream/utils"
	"tickstream/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := utils.InitLogger(cfg.App.LogDir, cfg.App.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer utils.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			middleware.Recover(name, fn)
		}()
	}

	headers := map[string]string{}
	if cfg.Stream.AuthToken != "" {
		headers["Authorization"] = "Bearer " + cfg.Stream.AuthToken
	}

	// Stream
	wsClient := ws.NewWebSocketClient(cfg.Stream.URL, headers)
	wsClient.HandshakeTimeout = cfg.Stream.HandshakeTimeout
	wsClient.HeartbeatInterval = cfg.Stream.HeartbeatInterval
	wsClient.IdleTimeout = cfg.Stream.IdleTimeout
	channel := ws.NewChannel(wsClient, reconnectPolicy(cfg), cfg.Stream.EventBuffer, utils.Logger)

	// Snapshots
	breaker := middleware.NewBreaker(middleware.BreakerSettings{
		Name:        "snapshot",
		MaxRequests: cfg.Snapshot.BreakerMaxRequests,
		Interval:    cfg.Snapshot.BreakerInterval,
		Timeout:     cfg.Snapshot.BreakerTimeout,
	}, utils.Logger)
	snapClient := snapshot.NewClient(cfg.Snapshot.BaseURL, cfg.Snapshot.Timeout, breaker, utils.Logger)
	for k, v := range headers {
		snapClient.Headers[k] = v
	}
	history := snapshot.Chain{snapClient}

	// Archive
	var archiver *db.Archiver
	if cfg.ClickHouse.Enabled {
		chdb, err := db.NewClickHouseDB(ctx, db.Options{
			Host:     cfg.ClickHouse.Host,
			Port:     cfg.ClickHouse.Port,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
			Debug:    cfg.ClickHouse.Debug,
		})
		if err != nil {
			utils.Logger.Fatalw("Failed to initialize ClickHouse", "error", err)
		}
		defer chdb.Close()

		history = append(history, chdb)
		archiver = db.NewArchiver(chdb, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval, utils.Logger)
		monitoring.RegisterHealthCheck("clickhouse", func() bool {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return chdb.Ping(pctx) == nil
		})
	}

	// Trades
	var tradeSrc market.TradeSource
	if cfg.Trades.Enabled {
		poller := trades.NewPoller(snapClient, trades.PollerConfig{
			Side:       cfg.Trades.Side,
			Limit:      cfg.Window.MaxTrades,
			Interval:   cfg.Trades.PollInterval,
			RetryDelay: cfg.Trades.RetryDelay,
			NoticeTTL:  cfg.Trades.NoticeTTL,
		}, utils.Logger)
		tradeSrc = poller
		spawn("trades-poller", func() { poller.Run(ctx) })
	}

	facade := market.NewFacade(channel, history, tradeSrc, market.Config{
		Timeframe:    cfg.Stream.Timeframe,
		MaxCandles:   cfg.Window.MaxCandles,
		HistoryLimit: cfg.Window.HistoryLimit,
		Trades:       cfg.Trades.Enabled,
		TradeSide:    cfg.Trades.Side,
		MaxTrades:    cfg.Window.MaxTrades,
		RetryDelay:   cfg.Trades.RetryDelay,
		NoticeTTL:    cfg.Trades.NoticeTTL,
	}, utils.Logger)
	if archiver != nil {
		facade.OnCandleClosed = archiver.AddCandle
		facade.OnTradeRecorded = archiver.AddTrade
		spawn("archiver", func() { archiver.Run(ctx) })
	}

	// Redis fan-out
	if cfg.Redis.Enabled {
		pub, err := pubsub.New(ctx, pubsub.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, utils.Logger)
		if err != nil {
			utils.Logger.Fatalw("Failed to connect to Redis", "error", err)
		}
		defer pub.Close()

		candleUpdates := facade.SubscribeCandles()
		var tradeUpdates <-chan models.TradeUpdate
		if cfg.Trades.Enabled {
			tradeUpdates = facade.SubscribeTrades()
		}
		spawn("redis-publisher", func() { pub.Run(ctx, candleUpdates, tradeUpdates) })
		monitoring.RegisterHealthCheck("redis", func() bool {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return pub.Ping(pctx) == nil
		})
	}

	monitoring.RegisterHealthCheck("stream", func() bool {
		return len(facade.Instruments()) == 0 || facade.State() != models.Disconnected
	})

	spawn("channel", func() { channel.Run(ctx) })
	spawn("facade", func() { facade.Run(ctx) })
	monitoring.StartMetricsCollection(ctx, 15*time.Second)

	if err := facade.SetInstruments(cfg.Stream.Instruments); err != nil {
		utils.Logger.Fatalw("Failed to subscribe", "error", err)
	}
	utils.Logger.Infow("Market data pipeline started",
		"instruments", cfg.Stream.Instruments,
		"timeframe", cfg.Stream.Timeframe,
		"trades", cfg.Trades.Enabled,
		"clickhouse", cfg.ClickHouse.Enabled,
		"redis", cfg.Redis.Enabled,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", monitoring.HealthCheckHandler)
	mux.Handle("/metrics", promhttp.Handler())
	api.RegisterRoutes(mux, facade)

	server := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           utils.RequestLogger(middleware.RecoverHandler(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Error(err, "HTTP server error")
			stop()
		}
	}()

	<-ctx.Done()
	utils.Logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		utils.Error(err, "HTTP server shutdown")
	}
	wg.Wait()
}

func reconnectPolicy(cfg *config.Config) backoff.BackOff {
	if cfg.Stream.BackoffPolicy == config.PolicyLadder {
		return utils.NewLadderBackOff(cfg.Stream.BackoffLadder...)
	}
	return utils.NewExponentialBackoff(cfg.Stream.BackoffFloor, cfg.Stream.BackoffMax)
}
