package trades

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tickstream/metrics"
	"tickstream/models"
	"tickstream/utils"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultRetryDelay   = 10 * time.Second
)

// SnapshotLoader fetches the latest trade rows for a side.
type SnapshotLoader interface {
	LoadTradeSnapshot(ctx context.Context, side models.Side, limit int) ([]models.TradeRow, error)
}

// Snapshot is one successful poll.
type Snapshot struct {
	Side      models.Side
	Rows      []models.TradeRow
	FetchedAt time.Time
}

type PollerConfig struct {
	Side     models.Side
	Limit    int
	Interval time.Duration
	// RetryDelay is the wait before the single retry after a failed poll.
	RetryDelay time.Duration
	NoticeTTL  time.Duration
}

// Poller pulls trade snapshots on an interval. A failed poll keeps the
// previous rows, raises a notice and schedules one retry.
type Poller struct {
	loader SnapshotLoader
	cfg    PollerConfig
	logger *zap.SugaredLogger
	now    func() time.Time

	sides     chan models.Side
	refreshes chan struct{}
	snapshots chan Snapshot
	notices   chan Notice
}

func NewPoller(loader SnapshotLoader, cfg PollerConfig, logger *zap.SugaredLogger) *Poller {
	if logger == nil {
		logger = utils.Logger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultMaxRows
	}
	if cfg.Side == "" {
		cfg.Side = models.SideBoth
	}
	return &Poller{
		loader:    loader,
		cfg:       cfg,
		logger:    logger.With("component", "trade_poller"),
		now:       time.Now,
		sides:     make(chan models.Side, 1),
		refreshes: make(chan struct{}, 1),
		snapshots: make(chan Snapshot, 1),
		notices:   make(chan Notice, 4),
	}
}

func (p *Poller) Snapshots() <-chan Snapshot { return p.snapshots }

func (p *Poller) Notices() <-chan Notice { return p.notices }

// SetSide switches the polled side and fetches immediately. Only the latest
// pending side is kept. Callers must not call SetSide concurrently.
func (p *Poller) SetSide(side models.Side) {
	for {
		select {
		case p.sides <- side:
			return
		default:
		}
		select {
		case <-p.sides:
		default:
		}
	}
}

// Refresh requests an immediate poll.
func (p *Poller) Refresh() {
	select {
	case p.refreshes <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) {
	side := p.cfg.Side
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var retry *time.Timer
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry = nil
		}
	}
	defer stopRetry()

	poll := func(isRetry bool) {
		if p.fetch(ctx, side) {
			stopRetry()
			return
		}
		if isRetry || retry != nil {
			return
		}
		retry = time.NewTimer(p.cfg.RetryDelay)
		p.logger.Infow("Trade snapshot retry scheduled", "side", side, "delay", p.cfg.RetryDelay)
	}

	poll(false)
	for {
		var retryC <-chan time.Time
		if retry != nil {
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			return
		case s := <-p.sides:
			side = s
			stopRetry()
			ticker.Reset(p.cfg.Interval)
			poll(false)
		case <-p.refreshes:
			poll(false)
		case <-ticker.C:
			poll(false)
		case <-retryC:
			retry = nil
			poll(true)
		}
	}
}

// fetch runs one poll and reports whether it succeeded.
func (p *Poller) fetch(ctx context.Context, side models.Side) bool {
	rows, err := p.loader.LoadTradeSnapshot(ctx, side, p.cfg.Limit)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		metrics.IncrementSnapshotErrors("trades")
		p.logger.Warnw("Trade snapshot failed", "side", side, "error", err)
		p.raise(ctx, NewNotice("trades", fmt.Sprintf("Trade feed refresh failed, retrying in %s", p.cfg.RetryDelay), p.now(), p.cfg.NoticeTTL))
		return false
	}

	snap := Snapshot{Side: side, Rows: rows, FetchedAt: p.now()}
	select {
	case p.snapshots <- snap:
	case <-ctx.Done():
	}
	return true
}

func (p *Poller) raise(ctx context.Context, n Notice) {
	select {
	case p.notices <- n:
	case <-ctx.Done():
	}
}
