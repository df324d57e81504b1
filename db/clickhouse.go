package db

import (
    "context"
    "fmt"
    "time"

    "github.com/ClickHouse/clickhouse-go/v2"
    "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

    "tickstream/models"
    "tickstream/monitoring"
)

const createCandlesSQL = `
CREATE TABLE IF NOT EXISTS candles (
    instrument_key String,
    timeframe LowCardinality(String),
    bucket_start DateTime64(3),
    open Float64,
    high Float64,
    low Float64,
    close Float64,
    volume Float64,
    inserted_at DateTime64(3) DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (instrument_key, timeframe, bucket_start)
`

const createTradesSQL = `
CREATE TABLE IF NOT EXISTS trades (
    tx_id String,
    ts DateTime64(3),
    instrument_key String,
    option_type LowCardinality(String),
    strike Float64,
    ltp Float64,
    change_pct Nullable(Float64),
    qty Nullable(Float64),
    oi Nullable(Float64)
) ENGINE = ReplacingMergeTree
ORDER BY (tx_id)
`

const selectHistorySQL = `
SELECT bucket_start, open, high, low, close, volume
FROM candles FINAL
WHERE instrument_key = ? AND timeframe = ?
ORDER BY bucket_start DESC
LIMIT ?
`

type Options struct {
    Host     string
    Port     int
    Database string
    Username string
    Password string
    Debug    bool
}

// ArchivedCandle is a closed candle with the series it belongs to.
type ArchivedCandle struct {
    InstrumentKey string
    Timeframe     models.Timeframe
    Candle        models.Candle
}

type ClickHouseDB struct {
    conn driver.Conn
}

func NewClickHouseDB(ctx context.Context, opts Options) (*ClickHouseDB, error) {
    conn, err := clickhouse.Open(&clickhouse.Options{
        Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
        Auth: clickhouse.Auth{
            Database: opts.Database,
            Username: opts.Username,
            Password: opts.Password,
        },
        Protocol: clickhouse.Native,
        Debug:    opts.Debug,
        Settings: clickhouse.Settings{
            "max_execution_time": 60,
        },
    })
    if err != nil {
        return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
    }
    if err := conn.Ping(ctx); err != nil {
        conn.Close()
        return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
    }

    db := &ClickHouseDB{conn: conn}
    if err := db.createTables(ctx); err != nil {
        conn.Close()
        return nil, err
    }
    return db, nil
}

func (db *ClickHouseDB) createTables(ctx context.Context) error {
    for _, stmt := range []string{createCandlesSQL, createTradesSQL} {
        if err := db.conn.Exec(ctx, stmt); err != nil {
            return fmt.Errorf("failed to create table: %w", err)
        }
    }
    return nil
}

func (db *ClickHouseDB) Ping(ctx context.Context) error {
    return db.conn.Ping(ctx)
}

func (db *ClickHouseDB) Close() error {
    return db.conn.Close()
}

func (db *ClickHouseDB) InsertCandles(ctx context.Context, candles []ArchivedCandle) error {
    if len(candles) == 0 {
        return nil
    }
    defer observe("insert_candles", time.Now())

    batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO candles (instrument_key, timeframe, bucket_start, open, high, low, close, volume)")
    if err != nil {
        return err
    }
    for _, c := range candles {
        err := batch.Append(
            c.InstrumentKey,
            string(c.Timeframe),
            time.UnixMilli(c.Candle.BucketStart).UTC(),
            c.Candle.Open,
            c.Candle.High,
            c.Candle.Low,
            c.Candle.Close,
            c.Candle.Volume,
        )
        if err != nil {
            return err
        }
    }
    return batch.Send()
}

func (db *ClickHouseDB) InsertTrades(ctx context.Context, rows []models.TradeRow) error {
    if len(rows) == 0 {
        return nil
    }
    defer observe("insert_trades", time.Now())

    batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO trades (tx_id, ts, instrument_key, option_type, strike, ltp, change_pct, qty, oi)")
    if err != nil {
        return err
    }
    for _, r := range rows {
        err := batch.Append(
            r.TxID,
            time.UnixMilli(r.TS).UTC(),
            r.InstrumentKey,
            string(r.OptionType),
            r.Strike,
            r.LTP,
            r.ChangePct,
            r.Qty,
            r.OI,
        )
        if err != nil {
            return err
        }
    }
    return batch.Send()
}

// LoadHistory returns up to limit archived candles, oldest first.
func (db *ClickHouseDB) LoadHistory(ctx context.Context, key string, tf models.Timeframe, limit int) ([]models.Candle, error) {
    defer observe("load_history", time.Now())

    rows, err := db.conn.Query(ctx, selectHistorySQL, key, string(tf), uint64(limit))
    if err != nil {
        return nil, fmt.Errorf("query history %s %s: %w", key, tf, err)
    }
    defer rows.Close()

    var out []models.Candle
    for rows.Next() {
        var (
            ts time.Time
            c  models.Candle
        )
        if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
            return nil, fmt.Errorf("scan history row: %w", err)
        }
        c.BucketStart = ts.UnixMilli()
        out = append(out, c)
    }
    if err := rows.Err(); err != nil {
        return nil, err
    }
    reverse(out)
    return out, nil
}

func reverse(c []models.Candle) {
    for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
        c[i], c[j] = c[j], c[i]
    }
}

func observe(query string, start time.Time) {
    monitoring.QueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}
