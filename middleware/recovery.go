package middleware

import (
    "fmt"
    "net/http"
    "runtime/debug"
    "time"

    "github.com/sony/gobreaker"
    "go.uber.org/zap"

    "tickstream/metrics"
    "tickstream/utils"
)

type BreakerSettings struct {
    Name        string
    MaxRequests uint32
    Interval    time.Duration
    Timeout     time.Duration
}

// NewBreaker builds the circuit breaker used around snapshot requests. It
// trips after at least three requests with a failure ratio of 60% or more.
func NewBreaker(s BreakerSettings, logger *zap.SugaredLogger) *gobreaker.CircuitBreaker {
    if logger == nil {
        logger = utils.Logger
    }
    if s.MaxRequests == 0 {
        s.MaxRequests = 3
    }
    return gobreaker.NewCircuitBreaker(gobreaker.Settings{
        Name:        s.Name,
        MaxRequests: s.MaxRequests,
        Interval:    s.Interval,
        Timeout:     s.Timeout,
        ReadyToTrip: func(counts gobreaker.Counts) bool {
            failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
            return counts.Requests >= 3 && failureRatio >= 0.6
        },
        OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
            logger.Infow("Circuit breaker state changed",
                "breaker", name,
                "from", from.String(),
                "to", to.String())
        },
    })
}

// Recover runs fn and turns a panic into a logged error. It reports whether
// fn returned normally.
func Recover(name string, fn func()) (ok bool) {
    defer func() {
        if r := recover(); r != nil {
            stack := debug.Stack()
            metrics.IncrementErrors("panic")
            utils.Logger.Errorw("Panic recovered",
                "goroutine", name,
                "error", r,
                "stack", string(stack))
            ok = false
        }
    }()
    fn()
    return true
}

// RecoverHandler wraps an HTTP handler so a panicking request gets a 500
// instead of killing the server.
func RecoverHandler(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        ok := Recover(fmt.Sprintf("%s %s", r.Method, r.URL.Path), func() {
            next.ServeHTTP(w, r)
        })
        if !ok {
            http.Error(w, "internal error", http.StatusInternalServerError)
        }
    })
}
