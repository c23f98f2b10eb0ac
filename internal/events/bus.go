// Package events provides the typed in-process event bus connecting the
// broker feed, cloud session, registry and UI-facing layers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a kind of event on the bus
type EventType string

const (
	AccountsLoaded          EventType = "accounts_loaded"
	AccountUpdated          EventType = "account_updated"
	FillReceived            EventType = "fill_received"
	PositionsUpdated        EventType = "positions_updated"
	OrderUpdated            EventType = "order_updated"
	PnlUpdated              EventType = "pnl_updated"
	BrokerConnectionChanged EventType = "broker_connection_changed"
	CloudConnectionChanged  EventType = "cloud_connection_changed"
	UnifiedStateChanged     EventType = "unified_state_changed"
	DirectiveReceived       EventType = "directive_received"
	DirectiveRejected       EventType = "directive_rejected"
	OrderSubmitted          EventType = "order_submitted"
	OrderFailed             EventType = "order_failed"
	CommandReceived         EventType = "command_received"
	KillSwitchChanged       EventType = "kill_switch_changed"
)

// Event is a single emission on the bus
type Event struct {
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// Handler receives events. Handlers must not block; long work belongs in the
// handler's own goroutine.
type Handler func(Event)

// Bus is a typed publish/subscribe event bus. Subscriptions are per event
// type; SubscribeAll receives every event (used by the SSE stream).
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []allSubscription
	nextID   int
	log      zerolog.Logger
}

// allSubscription pairs a catch-all handler with the id its unsubscribe
// closure removes it by
type allSubscription struct {
	id      int
	handler Handler
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for a single event type. Per-type
// subscriptions are wired once at startup and live for the process.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type. The returned
// function removes the subscription; per-connection consumers like the SSE
// stream must call it when the connection ends.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, allSubscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.all {
			if sub.id == id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// AllSubscriberCount reports how many catch-all subscriptions are live
func (b *Bus) AllSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.all)
}

// Emit delivers an event to all matching handlers synchronously, in
// registration order. The handler slice is copied under the read lock so
// handlers may subscribe without deadlocking.
func (b *Bus) Emit(eventType EventType, source string, data EventData) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[eventType])+len(b.all))
	matched = append(matched, b.handlers[eventType]...)
	for _, sub := range b.all {
		matched = append(matched, sub.handler)
	}
	b.mu.RUnlock()

	evt := Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.log.Debug().
		Str("event", string(eventType)).
		Str("source", source).
		Int("handlers", len(matched)).
		Msg("Emitting event")

	for _, h := range matched {
		b.dispatch(evt, h)
	}
}

// dispatch runs one handler, containing any panic. Emissions happen on the
// channel and feed read goroutines; a broken handler must not take the
// connection down with it.
func (b *Bus) dispatch(evt Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event", string(evt.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(evt)
}
