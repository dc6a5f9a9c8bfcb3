package events

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/metrics"
)

// dropLogEvery throttles the per-subscriber overflow warning.
const dropLogEvery = 100

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Bus fans binding and link events out to subscribers. Publishing never
// blocks the request path: a full bus queue or a full subscriber channel
// drops the event and counts it.
type Bus struct {
	queue  chan Event
	logger *slog.Logger

	mu   sync.RWMutex
	subs []*subscriber

	drops    atomic.Uint64
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewBus creates a bus queueing up to bufferSize events.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Bus{
		queue:  make(chan Event, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start delivers queued events until Stop. It blocks.
func (b *Bus) Start() {
	for {
		select {
		case <-b.done:
			return
		case evt := <-b.queue:
			b.deliver(evt)
		}
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, s := range b.subs {
		select {
		case s.ch <- evt:
			continue
		default:
		}
		b.drops.Add(1)
		metrics.EventBufferDrops.Inc()
		if n := s.dropped.Add(1); n%dropLogEvery == 1 {
			b.logger.Warn("subscriber falling behind, dropping events",
				"subscriber", i,
				"event_type", string(evt.Type),
				"subscriber_drops", n)
		}
	}
}

// Stop ends delivery. Publishing after Stop is safe; the events are queued
// until the buffer fills and then dropped.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Publish queues evt, stamping it with the current time when it carries
// none. A nil bus discards the event.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}
	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()

	select {
	case b.queue <- evt:
		return
	default:
	}
	n := b.drops.Add(1)
	metrics.EventBufferDrops.Inc()
	b.logger.Warn("event bus queue full, dropping event",
		"event_type", string(evt.Type),
		"total_drops", n)
}

// Subscribe registers a new subscriber channel holding up to bufferSize
// undelivered events.
func (b *Bus) Subscribe(bufferSize int) chan Event {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	s := &subscriber{ch: make(chan Event, bufferSize)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.subs, func(s *subscriber) bool { return s.ch == ch })
	if i < 0 {
		return
	}
	b.subs = slices.Delete(b.subs, i, i+1)
	close(ch)
}

// Drops returns the number of events lost at the bus queue or at a
// subscriber channel.
func (b *Bus) Drops() uint64 {
	return b.drops.Load()
}
