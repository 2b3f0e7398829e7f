// Package events propagates lock and index changes to restricted contexts.
//
// Delivery is at-most-once: Publish never blocks, a subscriber whose buffer is
// full misses the event, and nothing is retried. Subscribers must resync
// lazily (reload on activate or on reconnect) instead of relying on delivery.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/piiguard/internal/metrics"
	"github.com/org/piiguard/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultBuffer = 16

// Publisher is what the vault and profile managers need from the bus.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event)
}

// Bus is an in-process fan-out of events.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	log  zerolog.Logger
}

// Subscription receives events on C until Close.
type Subscription struct {
	ID string
	C  <-chan models.Event

	ch   chan models.Event
	bus  *Bus
	once sync.Once
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]*Subscription),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan models.Event, buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.ID)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Publish delivers ev to every subscriber that has buffer space.
func (b *Bus) Publish(_ context.Context, ev models.Event) {
	if ev.AtMs == 0 {
		ev.AtMs = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			b.log.Debug().Str("subscriber", id).Str("kind", ev.Kind.String()).Msg("event dropped")
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// LockChanged builds a lockStateChanged event.
func LockChanged(locked bool) models.Event {
	return models.Event{Kind: models.EventLockStateChanged, Locked: locked, AtMs: time.Now().UnixMilli()}
}

// IndexChanged builds a detectionIndexChanged event.
func IndexChanged() models.Event {
	return models.Event{Kind: models.EventDetectionIndexChanged, AtMs: time.Now().UnixMilli()}
}
