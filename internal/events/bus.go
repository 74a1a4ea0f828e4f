package events

import (
	"sync"
	"time"
)

// EventType identifies what happened in the engine.
type EventType string

const (
	EventSignalDetected  EventType = "SIGNAL_DETECTED"
	EventSignalRejected  EventType = "SIGNAL_REJECTED"
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventTradeRolledBack EventType = "TRADE_ROLLED_BACK"
	EventPhaseChanged    EventType = "PHASE_CHANGED"
	EventLiquidation     EventType = "LIQUIDATION"
	EventBreakerTripped  EventType = "BREAKER_TRIPPED"
	EventParamsPromoted  EventType = "PARAMS_PROMOTED"
	EventOptimizerRun    EventType = "OPTIMIZER_RUN"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
	EventError           EventType = "ERROR"
)

// Event is one engine occurrence with its payload.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles published events. Subscribers must not block; slow work
// belongs in the subscriber's own goroutine.
type Subscriber func(Event)

// Bus fans events out to subscribers by type, plus to catch-all subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers the event synchronously to matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[event.Type]
	all := b.allSubs
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
	for _, sub := range all {
		sub(event)
	}
}

// Emit is shorthand for Publish with a data map.
func (b *Bus) Emit(eventType EventType, data map[string]interface{}) {
	b.Publish(Event{Type: eventType, Data: data})
}
