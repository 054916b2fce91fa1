// Package notify fans change notifications out to subscribers over buffered
// channels. Publishing never blocks: a subscriber whose buffer is full misses
// that notification, the drop is counted, and (when the broker has a gap
// marker) the subscriber's next delivery is preceded by the marker so it
// knows to resynchronize.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/go-chat-mirror/internal/observability"
)

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 64

// Broker delivers values of type T to every current subscriber.
type Broker[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber[T]
	next    uint64
	dropped atomic.Uint64

	gap      func() T
	dropsCtr prometheus.Counter
}

type subscriber[T any] struct {
	ch     chan T
	missed atomic.Bool
}

// Option customizes a Broker.
type Option[T any] func(*Broker[T])

// WithGap makes the broker deliver mark() to a subscriber ahead of the first
// value it receives after missing one or more.
func WithGap[T any](mark func() T) Option[T] {
	return func(b *Broker[T]) { b.gap = mark }
}

// NewBroker returns an empty broker. stream labels its drops in
// mirror_notifications_dropped_total.
func NewBroker[T any](stream string, opts ...Option[T]) *Broker[T] {
	b := &Broker[T]{
		subs:     make(map[uint64]*subscriber[T]),
		dropsCtr: observability.NotificationsDropped.WithLabelValues(stream),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a subscriber with the given buffer size and returns
// its receive channel plus a cancel func. Cancel closes the channel and is
// safe to call more than once.
func (b *Broker[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber[T]{ch: make(chan T, buffer)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Publish hands v to every subscriber that has room for it.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if b.gap != nil && s.missed.Load() {
			select {
			case s.ch <- b.gap():
				s.missed.Store(false)
			default:
				b.drop(s)
				continue
			}
		}
		select {
		case s.ch <- v:
		default:
			b.drop(s)
		}
	}
}

func (b *Broker[T]) drop(s *subscriber[T]) {
	s.missed.Store(true)
	b.dropped.Add(1)
	b.dropsCtr.Inc()
}

// Len returns the number of live subscribers.
func (b *Broker[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broker[T]) Dropped() uint64 { return b.dropped.Load() }
