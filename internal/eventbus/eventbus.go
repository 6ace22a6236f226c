// Package eventbus distributes types.Event values to subscribers with a
// drop-on-full, never-block policy. Grounded on the teacher's framebus
// package: "drop frames, never queue" becomes "drop events, never
// queue" here — a slow UI subscriber must never stall channel playback.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/xtrcode/strobe-hub/internal/types"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a
	// duplicate id.
	ErrSubscriberExists = errors.New("eventbus: subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with
	// an unknown id.
	ErrSubscriberNotFound = errors.New("eventbus: subscriber id not found")

	// ErrBusClosed is returned by Subscribe/Unsubscribe on a closed bus.
	ErrBusClosed = errors.New("eventbus: bus is closed")
)

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus interface {
	// Subscribe registers ch to receive every Publish call. Returns
	// ErrSubscriberExists for a duplicate id, ErrBusClosed if closed.
	Subscribe(id string, ch chan<- types.Event) error

	// Unsubscribe removes a subscriber by id.
	Unsubscribe(id string) error

	// Publish fans event out to every subscriber without blocking.
	// Subscribers whose channel is full drop the event.
	Publish(event types.Event)

	// Stats returns a snapshot of delivery counters.
	Stats() Stats

	// Close marks the bus closed; Subscribe/Unsubscribe return
	// ErrBusClosed afterward. Publish on a closed bus is a silent no-op,
	// not a panic — channel teardown races with in-flight events and
	// must not crash the process.
	Close()
}

// Stats is a point-in-time snapshot of bus delivery counters.
type Stats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// SubscriberStats counts deliveries to one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriberStats struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- types.Event
	stats       map[string]*subscriberStats
	closed      bool

	totalPublished atomic.Uint64
}

// New creates an empty Bus.
func New() Bus {
	return &bus{
		subscribers: make(map[string]chan<- types.Event),
		stats:       make(map[string]*subscriberStats),
	}
}

func (b *bus) Subscribe(id string, ch chan<- types.Event) error {
	if ch == nil {
		return errors.New("eventbus: subscriber channel cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = ch
	b.stats[id] = &subscriberStats{}
	return nil
}

func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	delete(b.stats, id)
	return nil
}

func (b *bus) Publish(event types.Event) {
	b.totalPublished.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
			b.stats[id].sent.Add(1)
		default:
			b.stats[id].dropped.Add(1)
		}
	}
}

func (b *bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := Stats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.stats)),
	}

	var sent, dropped uint64
	for id, s := range b.stats {
		ss := SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
		sent += ss.Sent
		dropped += ss.Dropped
		result.Subscribers[id] = ss
	}
	result.TotalSent = sent
	result.TotalDropped = dropped
	return result
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
