package market

import (
	"sync"

	"tickstream/monitoring"
)

// Hub broadcasts values from one publisher to any number of subscribers.
// A full subscriber loses its oldest pending value so the newest one is
// always delivered; a publisher never blocks on a slow consumer.
type Hub[T any] struct {
	name    string
	bufSize int

	mu     sync.RWMutex
	subs   []chan T
	closed bool
}

func NewHub[T any](name string, bufSize int) *Hub[T] {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &Hub[T]{name: name, bufSize: bufSize}
}

// Subscribe returns a new output channel. It is closed by Close.
func (h *Hub[T]) Subscribe() <-chan T {
	ch := make(chan T, h.bufSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs = append(h.subs, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (h *Hub[T]) Unsubscribe(sub <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ch := range h.subs {
		if ch == sub {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish must only be called from one goroutine.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
			monitoring.SubscriberDrops.WithLabelValues(h.name).Inc()
		default:
		}
		select {
		case ch <- v:
		default:
			monitoring.SubscriberDrops.WithLabelValues(h.name).Inc()
		}
	}
}

func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

// ChannelStat reports the saturation of one subscriber.
type ChannelStat struct {
	Len int `json:"len"`
	Cap int `json:"cap"`
}

func (h *Hub[T]) ChannelStats() []ChannelStat {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := make([]ChannelStat, len(h.subs))
	for i, ch := range h.subs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
