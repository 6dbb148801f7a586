// Package events is the in-process event bus the UI layer subscribes to.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

const (
	TypeVerificationResult Type = "verification-result"
	TypeItemCompleted      Type = "item-completed"
	TypeSystemInitialized  Type = "system-initialized"
	TypeSystemPartialInit  Type = "system-partial-init"
	TypeSystemReset        Type = "system-reset"
)

const (
	defaultRetention          = time.Hour
	defaultSubscriberCapacity = 64
	pruneInterval             = time.Minute
)

// Event is a single notification published on the bus.
type Event struct {
	ID        string    `json:"event_id"`
	Type      Type      `json:"type"`
	ItemID    string    `json:"item_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewID returns a fresh unique event id.
func NewID() string {
	return uuid.New().String()
}

// Option customizes Bus construction.
type Option func(*Bus)

// WithRetention controls how long processed event ids are remembered.
func WithRetention(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.retention = d
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus fans events out to subscribers. Publishing an event whose id has
// already been processed is a no-op.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	processed   map[string]time.Time
	lastPrune   time.Time
	retention   time.Duration
	capacity    int
	now         func() time.Time
	logger      *slog.Logger
}

type subscriber struct {
	ch    chan Event
	types map[Type]bool
}

// Subscription is an active subscription to the bus.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes its channel.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewBus creates a Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[*subscriber]struct{}),
		processed:   make(map[string]time.Time),
		retention:   defaultRetention,
		capacity:    defaultSubscriberCapacity,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.lastPrune = b.now()
	return b
}

// Subscribe registers for the given event types. No types means all events.
func (b *Bus) Subscribe(types ...Type) Subscription {
	sub := &subscriber{ch: make(chan Event, b.capacity)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return Subscription{
		Events: sub.ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				delete(b.subscribers, sub)
				close(sub.ch)
				b.mu.Unlock()
			})
		},
	}
}

// Publish delivers e to matching subscribers. It assigns an id and timestamp
// when missing and returns false if the id was already processed.
func (b *Bus) Publish(e Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if _, seen := b.processed[e.ID]; seen {
		b.logger.Debug("duplicate event suppressed", "event_id", e.ID, "type", e.Type)
		return false
	}
	b.processed[e.ID] = now
	b.pruneLocked(now)

	for sub := range b.subscribers {
		if sub.types != nil && !sub.types[e.Type] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("subscriber full, dropping event", "event_id", e.ID, "type", e.Type)
		}
	}
	return true
}

// Processed reports whether an event with id has been published within the
// retention window.
func (b *Bus) Processed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.processed[id]
	return ok
}

// pruneLocked drops processed ids older than the retention window, at most
// once per pruneInterval.
func (b *Bus) pruneLocked(now time.Time) {
	if now.Sub(b.lastPrune) < pruneInterval {
		return
	}
	b.lastPrune = now
	for id, at := range b.processed {
		if now.Sub(at) > b.retention {
			delete(b.processed, id)
		}
	}
}
