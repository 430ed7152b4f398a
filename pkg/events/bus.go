package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/menagerie-sh/menagerie/pkg/models"
)

// subscriberQueueSize bounds the per-subscriber delivery queue. A subscriber
// that falls further behind loses its oldest queued events; the publisher is
// never blocked by a slow consumer.
const subscriberQueueSize = 256

// Handler receives every event published on the bus. Handlers run on the
// subscriber's own delivery goroutine and may block without affecting
// publishers or other subscribers.
type Handler func(models.Event)

// Bus fans out events to live subscribers. Delivery is at-least-once per
// subscriber in publish order, except when a subscriber overflows its queue
// and drops its oldest entries.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

type subscriber struct {
	id      string
	queue   chan models.Event
	done    chan struct{}
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a handler for all subsequent events. The returned
// function removes the subscription and stops its delivery goroutine.
func (b *Bus) Subscribe(h Handler) func() {
	s := &subscriber{
		id:    uuid.New().String(),
		queue: make(chan models.Event, subscriberQueueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case evt := <-s.queue:
				h(evt)
			}
		}
	}()

	return func() {
		b.mu.Lock()
		if _, ok := b.subs[s.id]; ok {
			delete(b.subs, s.id)
			close(s.done)
		}
		b.mu.Unlock()
	}
}

// Publish enqueues the event for every subscriber. Callers serialize
// per-creature publishes (the store's append path), which preserves
// per-creature ordering for each subscriber.
func (b *Bus) Publish(evt models.Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.offer(evt)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// offer enqueues without blocking; on a full queue the oldest entry is
// evicted to make room. Two publishers overflowing the same subscriber can
// interleave between the drain and the re-offer; either way an oldest entry
// goes and a newest one may follow it, which is all drop-oldest promises.
func (s *subscriber) offer(evt models.Event) {
	select {
	case s.queue <- evt:
		return
	default:
	}
	select {
	case old := <-s.queue:
		slog.Warn("Event subscriber overflow, dropping oldest",
			"subscriber", s.id, "dropped_type", old.Type, "total_dropped", s.dropped.Add(1))
	default:
	}
	select {
	case s.queue <- evt:
	default:
		// Queue refilled by a concurrent publisher; count this one as dropped.
		s.dropped.Add(1)
	}
}
