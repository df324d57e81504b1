package monitoring

import (
    "encoding/json"
    "net/http"
    "runtime"
    "sort"
    "sync"
    "time"
)

type HealthStatus struct {
    Status          string            `json:"status"`
    Uptime          string            `json:"uptime"`
    StartTime       time.Time         `json:"start_time"`
    MemoryUsage     uint64            `json:"memory_usage"`
    GoroutineCount  int               `json:"goroutine_count"`
    LastError       string            `json:"last_error,omitempty"`
    LastErrorAt     *time.Time        `json:"last_error_at,omitempty"`
    ComponentStatus map[string]string `json:"component_status"`
}

var (
    startTime = time.Now()

    mu           sync.RWMutex
    lastError    string
    lastErrorAt  time.Time
    healthChecks = make(map[string]func() bool)
)

// RegisterHealthCheck adds a named component probe. Registering a name twice
// replaces the earlier probe.
func RegisterHealthCheck(name string, check func() bool) {
    mu.Lock()
    defer mu.Unlock()
    healthChecks[name] = check
}

// RecordError keeps the most recent error for the health report.
func RecordError(err error) {
    if err == nil {
        return
    }
    mu.Lock()
    defer mu.Unlock()
    lastError = err.Error()
    lastErrorAt = time.Now()
}

// Check evaluates all probes. The status is "degraded" when any probe fails.
func Check() HealthStatus {
    var m runtime.MemStats
    runtime.ReadMemStats(&m)

    status := HealthStatus{
        Status:          "ok",
        Uptime:          time.Since(startTime).Round(time.Second).String(),
        StartTime:       startTime,
        MemoryUsage:     m.Alloc,
        GoroutineCount:  runtime.NumGoroutine(),
        ComponentStatus: make(map[string]string),
    }

    mu.RLock()
    names := make([]string, 0, len(healthChecks))
    for name := range healthChecks {
        names = append(names, name)
    }
    checks := make(map[string]func() bool, len(healthChecks))
    for k, v := range healthChecks {
        checks[k] = v
    }
    if lastError != "" {
        status.LastError = lastError
        at := lastErrorAt
        status.LastErrorAt = &at
    }
    mu.RUnlock()

    sort.Strings(names)
    for _, name := range names {
        if checks[name]() {
            status.ComponentStatus[name] = "healthy"
        } else {
            status.ComponentStatus[name] = "unhealthy"
            status.Status = "degraded"
        }
    }
    return status
}

func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
    status := Check()
    w.Header().Set("Content-Type", "application/json")
    if status.Status != "ok" {
        w.WriteHeader(http.StatusServiceUnavailable)
    }
    json.NewEncoder(w).Encode(status)
}
