package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tickstream/models"
	"tickstream/monitoring"
	"tickstream/parser"
	"tickstream/utils"
)

var ErrBadStatus = errors.New("unexpected status")

const (
	historyPath = "/api/market/history"
	tradesPath  = "/api/market/trades"

	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
)

// Breaker runs a call through a circuit breaker.
type Breaker interface {
	Execute(req func() (interface{}, error)) (interface{}, error)
}

// Client loads history candles and trade snapshots over REST.
type Client struct {
	BaseURL string
	Headers map[string]string

	http    *http.Client
	breaker Breaker
	logger  *zap.SugaredLogger
}

func NewClient(baseURL string, timeout time.Duration, breaker Breaker, logger *zap.SugaredLogger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = utils.Logger
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Headers: map[string]string{"Accept": "application/json"},
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger.With("component", "snapshot"),
	}
}

// LoadHistory fetches up to limit candles for key at the interval matching tf.
func (c *Client) LoadHistory(ctx context.Context, key string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	q := url.Values{}
	q.Set("instrumentKey", key)
	q.Set("interval", tf.HistoryInterval())
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "history", historyPath, q)
	if err != nil {
		return nil, fmt.Errorf("load history %s %s: %w", key, tf, err)
	}
	candles, err := DecodeHistory(body)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// LoadTradeSnapshot fetches the latest trade rows. Rows for the other side
// are dropped even when the server ignores the side parameter.
func (c *Client) LoadTradeSnapshot(ctx context.Context, side models.Side, limit int) ([]models.TradeRow, error) {
	q := url.Values{}
	q.Set("side", string(side))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "trades", tradesPath, q)
	if err != nil {
		return nil, fmt.Errorf("load trades %s: %w", side, err)
	}
	rows, err := parser.DecodeTrades(body)
	if err != nil {
		return nil, err
	}
	kept := rows[:0]
	for _, r := range rows {
		if side.Accepts(r.OptionType) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (c *Client) get(ctx context.Context, kind, path string, q url.Values) ([]byte, error) {
	start := time.Now()
	call := func() (interface{}, error) {
		return c.do(ctx, path, q)
	}

	var (
		res interface{}
		err error
	)
	if c.breaker != nil {
		res, err = c.breaker.Execute(call)
	} else {
		res, err = call()
	}
	monitoring.ObserveSnapshot(kind, time.Since(start), err)
	if err != nil {
		c.logger.Debugw("Snapshot request failed", "kind", kind, "error", err)
		return nil, err
	}
	return res.([]byte), nil
}

func (c *Client) do(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}
	return body, nil
}
