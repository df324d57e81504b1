package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Prometheus metrics
	processedTicksMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickstream_processed_ticks_total",
		Help: "The total number of ticks applied to a candle window",
	})

	lateTicksMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickstream_late_ticks_total",
		Help: "Ticks dropped because their bucket was older than the window tail",
	})

	tradesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickstream_trades_total",
		Help: "Trade rows by outcome",
	}, []string{"outcome"})

	errorCountMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickstream_errors_total",
		Help: "Total number of errors encountered",
	}, []string{"type"})

	connectAttemptsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickstream_connect_attempts_total",
		Help: "Stream connection attempts",
	})

	reconnectsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickstream_reconnects_scheduled_total",
		Help: "Reconnects scheduled after a transport failure",
	})

	connectionStateMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tickstream_connection_state",
		Help: "0 disconnected, 1 connecting, 2 connected",
	})

	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tickstream_event_processing_seconds",
		Help:    "Time spent applying each stream event",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})

	// Internal counters
	processedTicks  uint64
	lateTicks       uint64
	tradesRecorded  uint64
	duplicateTrades uint64
	decodeFailures  uint64
	snapshotErrors  uint64
	reconnects      uint64

	mu            sync.RWMutex
	lastProcessed time.Time
	startTime     = time.Now()
)

// Stats is a point-in-time copy of the internal counters.
type Stats struct {
	ProcessedTicks  uint64        `json:"processed_ticks"`
	LateTicks       uint64        `json:"late_ticks"`
	TradesRecorded  uint64        `json:"trades_recorded"`
	DuplicateTrades uint64        `json:"duplicate_trades"`
	DecodeFailures  uint64        `json:"decode_failures"`
	SnapshotErrors  uint64        `json:"snapshot_errors"`
	Reconnects      uint64        `json:"reconnects"`
	LastProcessed   time.Time     `json:"last_processed"`
	Uptime          time.Duration `json:"uptime"`
}

func IncrementProcessed() {
	atomic.AddUint64(&processedTicks, 1)
	processedTicksMetric.Inc()
	mu.Lock()
	lastProcessed = time.Now()
	mu.Unlock()
}

func IncrementLateTicks() {
	atomic.AddUint64(&lateTicks, 1)
	lateTicksMetric.Inc()
}

func IncrementTradesRecorded() {
	atomic.AddUint64(&tradesRecorded, 1)
	tradesMetric.WithLabelValues("recorded").Inc()
}

func IncrementDuplicateTrades() {
	atomic.AddUint64(&duplicateTrades, 1)
	tradesMetric.WithLabelValues("duplicate").Inc()
}

func IncrementDecodeFailures() {
	atomic.AddUint64(&decodeFailures, 1)
	errorCountMetric.WithLabelValues("decode").Inc()
}

func IncrementSnapshotErrors(kind string) {
	atomic.AddUint64(&snapshotErrors, 1)
	errorCountMetric.WithLabelValues("snapshot_" + kind).Inc()
}

// IncrementErrors counts failures outside the stream path, labelled by source.
func IncrementErrors(kind string) {
	errorCountMetric.WithLabelValues(kind).Inc()
}

func IncrementConnectAttempts() {
	connectAttemptsMetric.Inc()
}

func IncrementReconnects() {
	atomic.AddUint64(&reconnects, 1)
	reconnectsMetric.Inc()
}

func SetConnectionState(state int) {
	connectionStateMetric.Set(float64(state))
}

func RecordProcessingDuration(duration time.Duration) {
	processingDuration.Observe(duration.Seconds())
}

func GetStats() Stats {
	mu.RLock()
	last := lastProcessed
	mu.RUnlock()
	return Stats{
		ProcessedTicks:  atomic.LoadUint64(&processedTicks),
		LateTicks:       atomic.LoadUint64(&lateTicks),
		TradesRecorded:  atomic.LoadUint64(&tradesRecorded),
		DuplicateTrades: atomic.LoadUint64(&duplicateTrades),
		DecodeFailures:  atomic.LoadUint64(&decodeFailures),
		SnapshotErrors:  atomic.LoadUint64(&snapshotErrors),
		Reconnects:      atomic.LoadUint64(&reconnects),
		LastProcessed:   last,
		Uptime:          time.Since(startTime),
	}
}
