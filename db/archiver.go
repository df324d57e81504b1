package db

import (
    "context"
    "time"

    "go.uber.org/zap"

    "tickstream/metrics"
    "tickstream/models"
    "tickstream/monitoring"
    "tickstream/utils"
)

const (
    DefaultBatchSize     = 500
    DefaultFlushInterval = 5 * time.Second
)

// Store is the write side of the archive.
type Store interface {
    InsertCandles(ctx context.Context, candles []ArchivedCandle) error
    InsertTrades(ctx context.Context, rows []models.TradeRow) error
}

// Archiver batches closed candles and recorded trades into a Store. Rows are
// flushed when a batch is full, on the flush interval and on shutdown.
type Archiver struct {
    store         Store
    batchSize     int
    flushInterval time.Duration
    logger        *zap.SugaredLogger

    candles chan ArchivedCandle
    trades  chan models.TradeRow
}

func NewArchiver(store Store, batchSize int, flushInterval time.Duration, logger *zap.SugaredLogger) *Archiver {
    if batchSize <= 0 {
        batchSize = DefaultBatchSize
    }
    if flushInterval <= 0 {
        flushInterval = DefaultFlushInterval
    }
    if logger == nil {
        logger = utils.Logger
    }
    return &Archiver{
        store:         store,
        batchSize:     batchSize,
        flushInterval: flushInterval,
        logger:        logger.With("component", "archiver"),
        candles:       make(chan ArchivedCandle, batchSize*2),
        trades:        make(chan models.TradeRow, batchSize*2),
    }
}

// AddCandle queues a closed candle. It never blocks; rows are dropped when
// the queue is full.
func (a *Archiver) AddCandle(key string, tf models.Timeframe, c models.Candle) {
    select {
    case a.candles <- ArchivedCandle{InstrumentKey: key, Timeframe: tf, Candle: c}:
    default:
        monitoring.ErrorCounter.WithLabelValues("archive_candle_dropped").Inc()
    }
}

// AddTrade queues a recorded trade row without blocking.
func (a *Archiver) AddTrade(r models.TradeRow) {
    select {
    case a.trades <- r:
    default:
        monitoring.ErrorCounter.WithLabelValues("archive_trade_dropped").Inc()
    }
}

func (a *Archiver) Run(ctx context.Context) {
    ticker := time.NewTicker(a.flushInterval)
    defer ticker.Stop()

    candleBuf := make([]ArchivedCandle, 0, a.batchSize)
    tradeBuf := make([]models.TradeRow, 0, a.batchSize)

    flush := func(fctx context.Context) {
        if len(candleBuf) > 0 {
            if err := a.store.InsertCandles(fctx, candleBuf); err != nil {
                a.fail("candles", len(candleBuf), err)
            }
            candleBuf = candleBuf[:0]
        }
        if len(tradeBuf) > 0 {
            if err := a.store.InsertTrades(fctx, tradeBuf); err != nil {
                a.fail("trades", len(tradeBuf), err)
            }
            tradeBuf = tradeBuf[:0]
        }
        monitoring.BatchSize.WithLabelValues("candles").Set(0)
        monitoring.BatchSize.WithLabelValues("trades").Set(0)
    }

    for {
        select {
        case <-ctx.Done():
            a.drain(&candleBuf, &tradeBuf)
            shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
            flush(shutdownCtx)
            cancel()
            return

        case c := <-a.candles:
            candleBuf = append(candleBuf, c)
            monitoring.BatchSize.WithLabelValues("candles").Set(float64(len(candleBuf)))
            if len(candleBuf) >= a.batchSize {
                flush(ctx)
            }

        case r := <-a.trades:
            tradeBuf = append(tradeBuf, r)
            monitoring.BatchSize.WithLabelValues("trades").Set(float64(len(tradeBuf)))
            if len(tradeBuf) >= a.batchSize {
                flush(ctx)
            }

        case <-ticker.C:
            flush(ctx)
        }
    }
}

func (a *Archiver) drain(candles *[]ArchivedCandle, trades *[]models.TradeRow) {
    for {
        select {
        case c := <-a.candles:
            *candles = append(*candles, c)
        case r := <-a.trades:
            *trades = append(*trades, r)
        default:
            return
        }
    }
}

func (a *Archiver) fail(table string, n int, err error) {
    metrics.IncrementErrors("archive_" + table)
    monitoring.RecordError(err)
    a.logger.Errorw("Failed to archive batch", "table", table, "rows", n, "error", err)
}
