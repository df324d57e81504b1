package monitoring

import (
    "context"
    "runtime"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var (
    // Snapshot REST latency
    SnapshotDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
        Name:    "tickstream_snapshot_duration_seconds",
        Help:    "Time taken by history and trade snapshot requests",
        Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
    }, []string{"kind", "outcome"})

    // Error rates
    ErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "tickstream_component_errors_total",
        Help: "Total number of errors by component",
    }, []string{"type"})

    // System resources
    MemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
        Name: "tickstream_memory_bytes",
        Help: "Current memory usage in bytes",
    })

    GoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
        Name: "tickstream_goroutines",
        Help: "Current number of goroutines",
    })

    // ClickHouse metrics
    QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
        Name:    "clickhouse_query_duration_seconds",
        Help:    "Time taken for ClickHouse queries",
        Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
    }, []string{"query_type"})

    BatchSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
        Name: "tickstream_archive_batch_size",
        Help: "Rows waiting in the archive batch buffer",
    }, []string{"table"})

    // Fan-out drops to slow subscribers
    SubscriberDrops = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "tickstream_subscriber_drops_total",
        Help: "Updates dropped because a subscriber was full",
    }, []string{"stream"})
)

// ObserveSnapshot records one snapshot request.
func ObserveSnapshot(kind string, d time.Duration, err error) {
    outcome := "ok"
    if err != nil {
        outcome = "error"
        ErrorCounter.WithLabelValues("snapshot_" + kind).Inc()
    }
    SnapshotDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// StartMetricsCollection samples runtime gauges until ctx is cancelled.
func StartMetricsCollection(ctx context.Context, interval time.Duration) {
    if interval <= 0 {
        interval = 5 * time.Second
    }
    go func() {
        ticker := time.NewTicker(interval)
        defer ticker.Stop()

        collectSystemMetrics()
        for {
            select {
            case <-ctx.Done():
                return
            case <-ticker.C:
                collectSystemMetrics()
            }
        }
    }()
}

func collectSystemMetrics() {
    var m runtime.MemStats
    runtime.ReadMemStats(&m)

    MemoryUsage.Set(float64(m.Alloc))
    GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
