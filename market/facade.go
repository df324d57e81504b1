package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tickstream/candles"
	"tickstream/metrics"
	"tickstream/models"
	"tickstream/monitoring"
	"tickstream/trades"
	"tickstream/utils"
)

var ErrFacadeClosed = errors.New("facade is not running")

// Stream is the connection channel the facade drives.
type Stream interface {
	Open(keys []string) error
	Close() error
	State() models.ConnectionState
	Epoch() uint64
	Events() <-chan models.Event
	States() <-chan models.ConnectionState
}

type HistoryLoader interface {
	LoadHistory(ctx context.Context, key string, tf models.Timeframe, limit int) ([]models.Candle, error)
}

// TradeSource delivers polled trade snapshots and failure notices.
type TradeSource interface {
	Snapshots() <-chan trades.Snapshot
	Notices() <-chan trades.Notice
	SetSide(side models.Side)
	Refresh()
}

type Config struct {
	Timeframe    models.Timeframe
	MaxCandles   int
	HistoryLimit int
	// Trades enables the trade window. Without it trade events are ignored.
	Trades    bool
	TradeSide models.Side
	MaxTrades int

	HistoryTimeout   time.Duration
	RetryDelay       time.Duration
	NoticeTTL        time.Duration
	SubscriberBuffer int
}

func (c *Config) setDefaults() {
	if c.Timeframe == "" {
		c.Timeframe = models.TF1m
	}
	if c.MaxCandles <= 0 {
		c.MaxCandles = candles.DefaultMaxCandles
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 300
	}
	if c.TradeSide == "" {
		c.TradeSide = models.SideBoth
	}
	if c.MaxTrades <= 0 {
		c.MaxTrades = trades.DefaultMaxRows
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = 15 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = trades.DefaultNoticeTTL
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
}

// Facade routes channel events to one candle aggregator per subscribed
// instrument and to the trade merger, and republishes their windows.
//
// All aggregator and merger state is owned by the Run goroutine. Readers
// get copies through the accessor methods or the Subscribe streams.
type Facade struct {
	stream   Stream
	history  HistoryLoader
	tradeSrc TradeSource
	cfg      Config
	logger   *zap.SugaredLogger
	now      func() time.Time

	// OnCandleClosed and OnTradeRecorded run on the facade goroutine. They
	// must be set before Run and must not call back into the facade.
	OnCandleClosed  func(key string, tf models.Timeframe, c models.Candle)
	OnTradeRecorded func(row models.TradeRow)

	cmds    chan command
	results chan historyResult
	done    chan struct{}
	started atomic.Bool

	// owned by the Run goroutine
	keys    []string
	tf      models.Timeframe
	aggs    map[string]*candles.Aggregator
	live    map[string]*liveState
	merger  *trades.Merger
	gens    map[string]uint64
	nextGen uint64
	retries map[string]*time.Timer
	linked  bool

	mu       sync.RWMutex
	views    map[string]models.CandleUpdate
	stats    map[string]models.InstrumentStats
	tradeWin models.TradeUpdate
	notice   trades.Notice
	viewKeys []string
	viewTF   models.Timeframe

	stateHub  *Hub[models.ConnectionState]
	candleHub *Hub[models.CandleUpdate]
	tradeHub  *Hub[models.TradeUpdate]
	noticeHub *Hub[trades.Notice]
}

type command struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

type historyResult struct {
	key     string
	tf      models.Timeframe
	gen     uint64
	attempt int
	candles []models.Candle
	err     error
}

type liveState struct {
	tickCount  int64
	lateTicks  int64
	lastUpdate time.Time
	lastPrice  *float64
	bidAsk     []models.BidAskLevel
	oi         *float64
	greeks     *models.Greeks
}

// NewFacade wires a stream to the aggregation pipeline. history and
// tradeSrc may be nil.
func NewFacade(stream Stream, history HistoryLoader, tradeSrc TradeSource, cfg Config, logger *zap.SugaredLogger) *Facade {
	cfg.setDefaults()
	if logger == nil {
		logger = utils.Logger
	}
	f := &Facade{
		stream:   stream,
		history:  history,
		tradeSrc: tradeSrc,
		cfg:      cfg,
		logger:   logger.With("component", "facade"),
		now:      time.Now,
		cmds:     make(chan command, 16),
		results:  make(chan historyResult, 8),
		done:     make(chan struct{}),
		tf:       cfg.Timeframe,
		aggs:     make(map[string]*candles.Aggregator),
		live:     make(map[string]*liveState),
		gens:     make(map[string]uint64),
		retries:  make(map[string]*time.Timer),
		views:    make(map[string]models.CandleUpdate),
		stats:    make(map[string]models.InstrumentStats),
		viewTF:   cfg.Timeframe,

		stateHub:  NewHub[models.ConnectionState]("states", cfg.SubscriberBuffer),
		candleHub: NewHub[models.CandleUpdate]("candles", cfg.SubscriberBuffer),
		tradeHub:  NewHub[models.TradeUpdate]("trades", cfg.SubscriberBuffer),
		noticeHub: NewHub[trades.Notice]("notices", cfg.SubscriberBuffer),
	}
	if cfg.Trades {
		f.merger = trades.NewMerger(cfg.TradeSide, cfg.MaxTrades)
		f.tradeWin = models.TradeUpdate{Side: cfg.TradeSide, Rows: []models.TradeRow{}}
	}
	return f
}

// Run processes events and commands until ctx is cancelled. On exit the
// stream is closed and all Subscribe channels are closed.
func (f *Facade) Run(ctx context.Context) {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	defer close(f.done)
	defer f.shutdown()

	events := f.stream.Events()
	states := f.stream.States()
	var snapshots <-chan trades.Snapshot
	var notices <-chan trades.Notice
	if f.tradeSrc != nil {
		snapshots = f.tradeSrc.Snapshots()
		notices = f.tradeSrc.Notices()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-f.cmds:
			cmd.fn(ctx)
			if cmd.done != nil {
				close(cmd.done)
			}

		case ev := <-events:
			f.handleEvent(ev)

		case s := <-states:
			f.onState(s)

		case r := <-f.results:
			f.applyHistory(ctx, r)

		case s := <-snapshots:
			f.applyTradeSnapshot(s)

		case n := <-notices:
			f.raise(n)
		}
	}
}

func (f *Facade) shutdown() {
	for k := range f.retries {
		f.stopRetry(k)
	}
	if err := f.stream.Close(); err != nil {
		f.logger.Debugw("Stream already stopped", "error", err)
	}
	f.stateHub.Close()
	f.candleHub.Close()
	f.tradeHub.Close()
	f.noticeHub.Close()
}

// do runs fn on the facade goroutine and waits for it to finish.
func (f *Facade) do(fn func(ctx context.Context)) error {
	select {
	case <-f.done:
		return ErrFacadeClosed
	default:
	}
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case f.cmds <- cmd:
	case <-f.done:
		return ErrFacadeClosed
	}
	select {
	case <-cmd.done:
		return nil
	case <-f.done:
		return ErrFacadeClosed
	}
}

// enqueue schedules fn without waiting. It is used from timer goroutines.
func (f *Facade) enqueue(fn func(ctx context.Context)) {
	select {
	case f.cmds <- command{fn: fn}:
	case <-f.done:
	}
}

// SetInstruments replaces the subscribed instrument set. Windows of kept
// instruments survive; removed instruments lose theirs and new instruments
// are seeded from history. An empty set tears the connection down.
func (f *Facade) SetInstruments(keys []string) error {
	keys = models.NormalizeKeys(keys)
	return f.do(func(ctx context.Context) { f.setInstruments(ctx, keys) })
}

// SetTimeframe discards every candle window and rebuilds it for tf.
func (f *Facade) SetTimeframe(tf models.Timeframe) error {
	if _, err := models.ParseTimeframe(string(tf)); err != nil {
		return err
	}
	return f.do(func(ctx context.Context) { f.setTimeframe(ctx, tf) })
}

// SetTradeSide changes the trade side filter. The trade window is cleared
// and refilled from a fresh snapshot.
func (f *Facade) SetTradeSide(side models.Side) error {
	if _, err := models.ParseSide(string(side)); err != nil {
		return err
	}
	return f.do(func(ctx context.Context) { f.setTradeSide(side) })
}

// Close disconnects the stream and discards every window. Nothing
// reconnects until SetInstruments is called again.
func (f *Facade) Close() error {
	return f.do(func(ctx context.Context) { f.close() })
}

func (f *Facade) State() models.ConnectionState { return f.stream.State() }

func (f *Facade) Instruments() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.viewKeys...)
}

func (f *Facade) Timeframe() models.Timeframe {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.viewTF
}

// Candles returns the latest window for key. The slice must not be modified.
func (f *Facade) Candles(key string) (models.CandleUpdate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u, ok := f.views[key]
	return u, ok
}

// Trades returns the latest trade window. The slice must not be modified.
func (f *Facade) Trades() (models.TradeUpdate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tradeWin, f.cfg.Trades
}

// Notice returns the current notice unless it has expired.
func (f *Facade) Notice() (trades.Notice, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.notice.Expired(f.now()) {
		return trades.Notice{}, false
	}
	return f.notice, true
}

func (f *Facade) Stats(key string) (models.InstrumentStats, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.stats[key]
	return s, ok
}

// AllStats returns stats for every subscribed instrument in subscription order.
func (f *Facade) AllStats() []models.InstrumentStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.InstrumentStats, 0, len(f.viewKeys))
	for _, k := range f.viewKeys {
		if s, ok := f.stats[k]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *Facade) SubscribeStates() <-chan models.ConnectionState { return f.stateHub.Subscribe() }

func (f *Facade) SubscribeCandles() <-chan models.CandleUpdate { return f.candleHub.Subscribe() }

func (f *Facade) SubscribeTrades() <-chan models.TradeUpdate { return f.tradeHub.Subscribe() }

func (f *Facade) SubscribeNotices() <-chan trades.Notice { return f.noticeHub.Subscribe() }

func (f *Facade) UnsubscribeStates(ch <-chan models.ConnectionState) { f.stateHub.Unsubscribe(ch) }

func (f *Facade) UnsubscribeCandles(ch <-chan models.CandleUpdate) { f.candleHub.Unsubscribe(ch) }

func (f *Facade) UnsubscribeTrades(ch <-chan models.TradeUpdate) { f.tradeHub.Unsubscribe(ch) }

func (f *Facade) UnsubscribeNotices(ch <-chan trades.Notice) { f.noticeHub.Unsubscribe(ch) }

func (f *Facade) setInstruments(ctx context.Context, keys []string) {
	if models.SameKeys(keys, f.keys) {
		return
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	for _, k := range f.keys {
		if !want[k] {
			f.drop(k)
		}
	}

	// Open advances the stream epoch before any new instrument is seeded.
	if err := f.stream.Open(keys); err != nil {
		f.logger.Errorw("Failed to open stream", "error", err)
	}
	f.keys = keys
	for _, k := range keys {
		if _, ok := f.aggs[k]; !ok {
			f.add(ctx, k)
		}
	}

	f.mu.Lock()
	f.viewKeys = append([]string(nil), keys...)
	f.mu.Unlock()
	f.logger.Infow("Subscription updated", "keys", keys, "timeframe", f.tf)
}

func (f *Facade) add(ctx context.Context, key string) {
	agg := candles.New(key, f.tf, f.cfg.MaxCandles)
	ls := &liveState{}
	agg.OnLateTick = func(*models.Tick) {
		ls.lateTicks++
		metrics.IncrementLateTicks()
	}
	agg.OnClose = func(c models.Candle) {
		if f.OnCandleClosed != nil {
			f.OnCandleClosed(key, agg.Timeframe(), c)
		}
	}
	f.aggs[key] = agg
	f.live[key] = ls
	f.publishCandles(key)
	f.startHistory(ctx, key)
}

func (f *Facade) drop(key string) {
	f.stopRetry(key)
	delete(f.aggs, key)
	delete(f.live, key)
	delete(f.gens, key)

	f.mu.Lock()
	delete(f.views, key)
	delete(f.stats, key)
	f.mu.Unlock()
}

func (f *Facade) setTimeframe(ctx context.Context, tf models.Timeframe) {
	if tf == f.tf {
		return
	}
	f.tf = tf
	f.mu.Lock()
	f.viewTF = tf
	f.mu.Unlock()

	for _, k := range f.keys {
		agg := f.aggs[k]
		agg.ChangeTimeframe(tf)
		f.stopRetry(k)
		f.publishCandles(k)
		f.startHistory(ctx, k)
	}
	f.logger.Infow("Timeframe changed", "timeframe", tf)
}

func (f *Facade) setTradeSide(side models.Side) {
	if f.merger == nil || !f.merger.SetSide(side) {
		return
	}
	f.publishTrades()
	if f.tradeSrc != nil {
		f.tradeSrc.SetSide(side)
	}
	f.logger.Infow("Trade side changed", "side", side)
}

func (f *Facade) close() {
	if err := f.stream.Close(); err != nil {
		f.logger.Warnw("Failed to close stream", "error", err)
	}
	for _, k := range f.keys {
		f.drop(k)
	}
	f.keys = nil
	f.mu.Lock()
	f.viewKeys = nil
	f.mu.Unlock()

	if f.merger != nil {
		f.merger.Reset()
		f.publishTrades()
	}
	f.logger.Infow("Market data closed")
}

func (f *Facade) handleEvent(ev models.Event) {
	if ev.Epoch != f.stream.Epoch() {
		return
	}
	switch ev.Kind {
	case models.KindTick:
		if ev.Tick != nil {
			f.onTick(ev.Tick)
		}
	case models.KindTrade:
		if ev.Trade != nil {
			f.onTrade(*ev.Trade)
		}
	case models.KindStatus:
		f.logger.Infow("Stream status", "status", ev.Status)
	}
}

// onState forwards connection states. Trade prints pushed while the stream
// was down are recovered by pulling a fresh snapshot after a reconnect.
func (f *Facade) onState(s models.ConnectionState) {
	if s == models.Connected {
		if f.linked && f.merger != nil && f.tradeSrc != nil {
			f.tradeSrc.Refresh()
		}
		f.linked = true
	}
	f.stateHub.Publish(s)
}

func (f *Facade) onTick(t *models.Tick) {
	start := time.Now()
	agg, ok := f.aggs[t.InstrumentKey]
	if !ok {
		return
	}

	ls := f.live[t.InstrumentKey]
	ls.tickCount++
	ls.lastUpdate = f.now()
	if p, ok := t.Price(); ok {
		ls.lastPrice = models.Float(p)
	}
	if len(t.BidAsk) > 0 {
		ls.bidAsk = append(ls.bidAsk[:0], t.BidAsk...)
	}
	if t.OI != nil {
		ls.oi = t.OI
	}
	if t.Greeks != nil {
		ls.greeks = t.Greeks
	}

	changed, err := agg.OnTick(t)
	if err != nil {
		f.logger.Errorw("Tick routed to wrong aggregator", "key", t.InstrumentKey, "error", err)
		return
	}
	if changed {
		metrics.IncrementProcessed()
		f.publishCandles(t.InstrumentKey)
	} else {
		f.publishStats(t.InstrumentKey)
	}
	metrics.RecordProcessingDuration(time.Since(start))
}

func (f *Facade) onTrade(row models.TradeRow) {
	if f.merger == nil {
		return
	}
	switch f.merger.ApplyPush(row) {
	case trades.Recorded:
		metrics.IncrementTradesRecorded()
		if f.OnTradeRecorded != nil {
			f.OnTradeRecorded(row)
		}
		f.publishTrades()
	case trades.Duplicate:
		metrics.IncrementDuplicateTrades()
	}
}

func (f *Facade) applyTradeSnapshot(s trades.Snapshot) {
	if f.merger == nil || s.Side != f.merger.Side() {
		return
	}
	known := make(map[string]struct{}, f.merger.Len())
	for _, r := range f.merger.Rows() {
		known[r.TxID] = struct{}{}
	}
	f.merger.ApplySnapshot(s.Rows)
	if f.OnTradeRecorded != nil {
		for _, r := range f.merger.Rows() {
			if _, ok := known[r.TxID]; !ok {
				f.OnTradeRecorded(r)
			}
		}
	}
	f.publishTrades()
}

func (f *Facade) startHistory(ctx context.Context, key string) {
	if f.history == nil {
		return
	}
	f.nextGen++
	f.gens[key] = f.nextGen
	f.loadHistory(ctx, key, f.tf, f.nextGen, 0)
}

func (f *Facade) loadHistory(ctx context.Context, key string, tf models.Timeframe, gen uint64, attempt int) {
	limit := f.cfg.HistoryLimit
	timeout := f.cfg.HistoryTimeout
	go func() {
		lctx, cancel := context.WithTimeout(ctx, timeout)
		hist, err := f.history.LoadHistory(lctx, key, tf, limit)
		cancel()
		select {
		case f.results <- historyResult{key: key, tf: tf, gen: gen, attempt: attempt, candles: hist, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (f *Facade) applyHistory(ctx context.Context, r historyResult) {
	agg, ok := f.aggs[r.key]
	if !ok || f.gens[r.key] != r.gen || agg.Timeframe() != r.tf {
		return
	}
	if r.err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.IncrementSnapshotErrors("history")
		monitoring.RecordError(r.err)
		f.logger.Warnw("History load failed", "key", r.key, "timeframe", r.tf, "attempt", r.attempt, "error", r.err)

		text := fmt.Sprintf("History for %s unavailable", r.key)
		if r.attempt == 0 {
			f.scheduleHistoryRetry(r)
			text = fmt.Sprintf("History for %s unavailable, retrying in %s", r.key, f.cfg.RetryDelay)
		}
		f.raise(trades.NewNotice("history", text, f.now(), f.cfg.NoticeTTL))
		return
	}

	n := agg.Backfill(r.candles)
	f.logger.Debugw("History applied", "key", r.key, "timeframe", r.tf, "candles", n)
	f.publishCandles(r.key)
}

func (f *Facade) scheduleHistoryRetry(r historyResult) {
	f.stopRetry(r.key)
	var t *time.Timer
	t = time.AfterFunc(f.cfg.RetryDelay, func() {
		f.enqueue(func(ctx context.Context) {
			if f.retries[r.key] == t {
				delete(f.retries, r.key)
			}
			if _, ok := f.aggs[r.key]; !ok || f.gens[r.key] != r.gen {
				return
			}
			f.loadHistory(ctx, r.key, r.tf, r.gen, r.attempt+1)
		})
	})
	f.retries[r.key] = t
}

func (f *Facade) stopRetry(key string) {
	if t, ok := f.retries[key]; ok {
		t.Stop()
		delete(f.retries, key)
	}
}

func (f *Facade) raise(n trades.Notice) {
	f.mu.Lock()
	f.notice = n
	f.mu.Unlock()
	f.noticeHub.Publish(n)
}

func (f *Facade) publishCandles(key string) {
	agg, ok := f.aggs[key]
	if !ok {
		return
	}
	update := models.CandleUpdate{
		InstrumentKey: key,
		Timeframe:     agg.Timeframe(),
		Candles:       agg.Window(),
	}
	f.mu.Lock()
	f.views[key] = update
	f.stats[key] = f.instrumentStats(key)
	f.mu.Unlock()
	f.candleHub.Publish(update)
}

func (f *Facade) publishStats(key string) {
	f.mu.Lock()
	f.stats[key] = f.instrumentStats(key)
	f.mu.Unlock()
}

func (f *Facade) instrumentStats(key string) models.InstrumentStats {
	agg := f.aggs[key]
	ls := f.live[key]
	s := models.InstrumentStats{
		InstrumentKey: key,
		Timeframe:     agg.Timeframe(),
		LastUpdate:    ls.lastUpdate,
		TickCount:     ls.tickCount,
		LateTicks:     ls.lateTicks,
		Candles:       agg.Len(),
		LastPrice:     ls.lastPrice,
		OI:            ls.oi,
		Greeks:        ls.greeks,
	}
	if len(ls.bidAsk) > 0 {
		s.BidAsk = append([]models.BidAskLevel(nil), ls.bidAsk...)
	}
	return s
}

func (f *Facade) publishTrades() {
	update := models.TradeUpdate{Side: f.merger.Side(), Rows: f.merger.Rows()}
	f.mu.Lock()
	f.tradeWin = update
	f.mu.Unlock()
	f.tradeHub.Publish(update)
}
