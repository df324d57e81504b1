package utils

import (
	"testing"
	"time"
)

func TestExponentialBackoff_DoublesAndCaps(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 30*time.Second)

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("step %d: got %v, want %v", i, got, w)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Errorf("after reset: got %v, want 1s", got)
	}
}

func TestLadderBackOff_HoldsAtLastStep(t *testing.T) {
	l := NewLadderBackOff()
	want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := l.NextBackOff(); got != w {
			t.Errorf("step %d: got %v, want %v", i, got, w)
		}
	}

	l.Reset()
	if got := l.NextBackOff(); got != time.Second {
		t.Errorf("after reset: got %v, want 1s", got)
	}
}
