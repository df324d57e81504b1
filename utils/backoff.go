package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponentialBackoff doubles the delay from floor up to max and never gives up.
func NewExponentialBackoff(floor, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = floor
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// LadderBackOff walks a fixed list of delays and holds at the last step.
type LadderBackOff struct {
	steps []time.Duration
	next  int
}

func NewLadderBackOff(steps ...time.Duration) *LadderBackOff {
	if len(steps) == 0 {
		steps = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	}
	return &LadderBackOff{steps: append([]time.Duration(nil), steps...)}
}

func (l *LadderBackOff) NextBackOff() time.Duration {
	d := l.steps[l.next]
	if l.next < len(l.steps)-1 {
		l.next++
	}
	return d
}

func (l *LadderBackOff) Reset() {
	l.next = 0
}

var _ backoff.BackOff = (*LadderBackOff)(nil)
