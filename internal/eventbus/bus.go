package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Relay event types.
const (
	TypeScheduleChanged = "relay.schedule_changed"
	TypeFeedFetched     = "relay.feed_fetched"
	TypeFeedFailed      = "relay.feed_failed"
	TypeEntryAnnounced  = "relay.entry_announced"
	TypeKnownPersisted  = "relay.known_persisted"
)

// Dispatch event types.
const (
	TypeMessageSent   = "notifier.sent"
	TypeMessageFailed = "notifier.failed"
)

// Event is a lightweight, in-memory signal used to decouple the relay engine
// from observers (debug logging, status counters).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data map[string]any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.Mutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the lock so Unsubscribe can close channels safely;
	// every send is non-blocking.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
