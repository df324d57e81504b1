package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tickstream/models"
)

type Config struct {
	App struct {
		Environment string
		LogLevel    string
		LogDir      string
		HTTPAddr    string
	}

	Stream struct {
		URL               string
		AuthToken         string
		Instruments       []string
		Timeframe         models.Timeframe
		BackoffPolicy     string // "exponential" or "ladder"
		BackoffFloor      time.Duration
		BackoffMax        time.Duration
		BackoffLadder     []time.Duration
		HandshakeTimeout  time.Duration
		HeartbeatInterval time.Duration
		IdleTimeout       time.Duration
		EventBuffer       int
	}

	Window struct {
		MaxCandles   int
		MaxTrades    int
		HistoryLimit int
	}

	Trades struct {
		Enabled      bool
		Side         models.Side
		PollInterval time.Duration
		RetryDelay   time.Duration
		NoticeTTL    time.Duration
	}

	Snapshot struct {
		BaseURL            string
		Timeout            time.Duration
		BreakerMaxRequests uint32
		BreakerInterval    time.Duration
		BreakerTimeout     time.Duration
	}

	ClickHouse struct {
		Enabled       bool
		Host          string
		Port          int
		User          string
		Password      string
		Database      string
		BatchSize     int
		FlushInterval time.Duration
		Debug         bool
	}

	Redis struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
		Prefix   string
	}
}

const (
	PolicyExponential = "exponential"
	PolicyLadder      = "ladder"
)

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	cfg.App.Environment = getEnvOrDefault("APP_ENV", "production")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.App.LogDir = getEnvOrDefault("LOG_DIR", "logs")
	cfg.App.HTTPAddr = getEnvOrDefault("HTTP_ADDR", ":8080")

	cfg.Stream.URL = getEnvOrDefault("STREAM_URL", "ws://localhost:8081/ws/market")
	cfg.Stream.AuthToken = os.Getenv("STREAM_AUTH_TOKEN")
	cfg.Stream.Instruments = getEnvAsListOrDefault("STREAM_INSTRUMENTS", nil)
	cfg.Stream.Timeframe = models.Timeframe(getEnvOrDefault("STREAM_TIMEFRAME", string(models.TF1m)))
	cfg.Stream.BackoffPolicy = getEnvOrDefault("STREAM_BACKOFF_POLICY", PolicyExponential)
	cfg.Stream.BackoffFloor = getEnvAsDurationOrDefault("STREAM_BACKOFF_FLOOR", time.Second)
	cfg.Stream.BackoffMax = getEnvAsDurationOrDefault("STREAM_BACKOFF_MAX", 30*time.Second)
	ladder, err := parseDurations(getEnvOrDefault("STREAM_BACKOFF_LADDER", "1s,2s,5s,10s"))
	if err != nil {
		return nil, fmt.Errorf("STREAM_BACKOFF_LADDER: %w", err)
	}
	cfg.Stream.BackoffLadder = ladder
	cfg.Stream.HandshakeTimeout = getEnvAsDurationOrDefault("STREAM_HANDSHAKE_TIMEOUT", 5*time.Second)
	cfg.Stream.HeartbeatInterval = getEnvAsDurationOrDefault("STREAM_HEARTBEAT_INTERVAL", 10*time.Second)
	cfg.Stream.IdleTimeout = getEnvAsDurationOrDefault("STREAM_IDLE_TIMEOUT", 60*time.Second)
	cfg.Stream.EventBuffer = getEnvAsIntOrDefault("STREAM_EVENT_BUFFER", 4096)

	cfg.Window.MaxCandles = getEnvAsIntOrDefault("WINDOW_MAX_CANDLES", 400)
	cfg.Window.MaxTrades = getEnvAsIntOrDefault("WINDOW_MAX_TRADES", 100)
	cfg.Window.HistoryLimit = getEnvAsIntOrDefault("WINDOW_HISTORY_LIMIT", 300)

	cfg.Trades.Enabled = getEnvAsBoolOrDefault("TRADES_ENABLED", true)
	cfg.Trades.Side = models.Side(getEnvOrDefault("TRADES_SIDE", string(models.SideBoth)))
	cfg.Trades.PollInterval = getEnvAsDurationOrDefault("TRADES_POLL_INTERVAL", 10*time.Second)
	cfg.Trades.RetryDelay = getEnvAsDurationOrDefault("TRADES_RETRY_DELAY", 10*time.Second)
	cfg.Trades.NoticeTTL = getEnvAsDurationOrDefault("TRADES_NOTICE_TTL", 5*time.Second)

	cfg.Snapshot.BaseURL = getEnvOrDefault("SNAPSHOT_BASE_URL", "http://localhost:8081")
	cfg.Snapshot.Timeout = getEnvAsDurationOrDefault("SNAPSHOT_TIMEOUT", 10*time.Second)
	cfg.Snapshot.BreakerMaxRequests = uint32(getEnvAsIntOrDefault("SNAPSHOT_BREAKER_MAX_REQUESTS", 3))
	cfg.Snapshot.BreakerInterval = getEnvAsDurationOrDefault("SNAPSHOT_BREAKER_INTERVAL", 10*time.Second)
	cfg.Snapshot.BreakerTimeout = getEnvAsDurationOrDefault("SNAPSHOT_BREAKER_TIMEOUT", 60*time.Second)

	cfg.ClickHouse.Enabled = getEnvAsBoolOrDefault("CLICKHOUSE_ENABLED", false)
	cfg.ClickHouse.Host = getEnvOrDefault("CLICKHOUSE_HOST", "localhost")
	cfg.ClickHouse.Port = getEnvAsIntOrDefault("CLICKHOUSE_PORT", 9000)
	cfg.ClickHouse.User = getEnvOrDefault("CLICKHOUSE_USER", "default")
	cfg.ClickHouse.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	cfg.ClickHouse.Database = getEnvOrDefault("CLICKHOUSE_DB", "default")
	cfg.ClickHouse.BatchSize = getEnvAsIntOrDefault("CLICKHOUSE_BATCH_SIZE", 1000)
	cfg.ClickHouse.FlushInterval = getEnvAsDurationOrDefault("CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second)
	cfg.ClickHouse.Debug = cfg.App.Environment != "production"

	cfg.Redis.Enabled = getEnvAsBoolOrDefault("REDIS_ENABLED", false)
	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = getEnvAsIntOrDefault("REDIS_DB", 0)
	cfg.Redis.Prefix = getEnvOrDefault("REDIS_PREFIX", "tickstream")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if _, err := models.ParseTimeframe(string(c.Stream.Timeframe)); err != nil {
		return err
	}
	side, err := models.ParseSide(string(c.Trades.Side))
	if err != nil {
		return err
	}
	c.Trades.Side = side

	switch c.Stream.BackoffPolicy {
	case PolicyExponential:
		if c.Stream.BackoffFloor <= 0 || c.Stream.BackoffMax < c.Stream.BackoffFloor {
			return fmt.Errorf("invalid backoff bounds %v..%v", c.Stream.BackoffFloor, c.Stream.BackoffMax)
		}
	case PolicyLadder:
		if len(c.Stream.BackoffLadder) == 0 {
			return errors.New("backoff ladder is empty")
		}
	default:
		return fmt.Errorf("unknown backoff policy %q", c.Stream.BackoffPolicy)
	}

	if c.Window.MaxCandles <= 0 || c.Window.MaxTrades <= 0 {
		return fmt.Errorf("window sizes must be positive (candles=%d trades=%d)", c.Window.MaxCandles, c.Window.MaxTrades)
	}
	if c.Stream.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive, got %d", c.Stream.EventBuffer)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDurations(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("non-positive delay %q", p)
		}
		out = append(out, d)
	}
	return out, nil
}
