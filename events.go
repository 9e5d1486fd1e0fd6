package tuyalan

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quendro/tuyalan/internal/logging"
)

const subscriptionChanSize = 16

// EventConnected is emitted when the session reaches the Connected state,
// after the handshake on v3.4/v3.5.
type EventConnected struct{}

// EventDisconnected is emitted once per teardown, deliberate or not.
type EventDisconnected struct{}

// EventHeartbeat is emitted when the device answers a heartbeat.
type EventHeartbeat struct{}

// EventData is emitted for device-originated status reports.
type EventData struct {
	Payload any
	Command uint32
	Seq     uint32
}

// EventDPRefresh is emitted for status reports produced by a DP_REFRESH
// cycle, recognizable by a dps map without index 1.
type EventDPRefresh struct {
	Payload any
	Command uint32
	Seq     uint32
}

// EventError is emitted for recoverable errors: dropped frames, socket
// resets, timed-out sets.
type EventError struct {
	Err error
}

// Subscription exposes an event channel for one consumer. Events that the
// consumer does not drain in time are dropped, never blocking the session.
type Subscription struct {
	id     uuid.UUID
	events chan any

	closeOnce sync.Once
	bus       *eventBus
}

// ID returns the unique ID for this subscription.
func (s *Subscription) ID() string { return s.id.String() }

// Events returns the channel events are delivered on. The channel is closed
// when the subscription is closed.
func (s *Subscription) Events() <-chan any { return s.events }

// Close detaches the subscription from the device and closes its channel.
// Close subscriptions you are done with; an undrained subscription silently
// discards events but still costs delivery attempts.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s.id)
		close(s.events)
	})
}

// eventBus fans events out to every open subscription.
type eventBus struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
	log  *zap.Logger
}

func newEventBus() *eventBus {
	return &eventBus{
		subs: make(map[uuid.UUID]*Subscription),
		log:  logging.GetLogger(),
	}
}

func (b *eventBus) subscribe() *Subscription {
	s := &Subscription{
		id:     uuid.New(),
		events: make(chan any, subscriptionChanSize),
		bus:    b,
	}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

func (b *eventBus) remove(id uuid.UUID) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// emit delivers ev to every subscriber without blocking; a full subscriber
// channel drops the event.
func (b *eventBus) emit(ev any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.events <- ev:
		default:
			b.log.Debug("subscriber not draining, event dropped",
				zap.String("subscription", s.id.String()))
		}
	}
}

// close detaches every subscription, closing their channels.
func (b *eventBus) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uuid.UUID]*Subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.events) })
	}
}
