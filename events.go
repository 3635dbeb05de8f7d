package rpcresilience

import "sync"

// EventConnecting through EventCircuitBreakerTrip name every event the
// Facade publishes, per spec §6 "Event names".
const (
	EventConnecting         = "connecting"
	EventConnected          = "connected"
	EventDisconnected       = "disconnected"
	EventError              = "error"
	EventCircuitBreakerTrip = "circuitBreakerTrip"
)

// Event is the payload delivered to a subscriber. Err is populated only for
// EventError; ServiceName is populated only for EventCircuitBreakerTrip.
type Event struct {
	Name        string
	Err         error
	ServiceName string
}

// Handler receives published events. Handlers must not block; a slow
// handler only delays its own delivery goroutine, never the caller that
// triggered the event.
type Handler func(Event)

// Subscription is returned by Subscribe; call Unsubscribe to detach.
type Subscription struct {
	bus  *eventBus
	name string
	id   uint64
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.name, s.id)
}

// eventBus is the Facade's publish/subscribe core (component H "event bus"),
// grounded on internal/server/websocket/broadcaster.go's non-blocking
// per-subscriber fan-out, generalized from a per-client []byte channel to a
// typed Event delivered via callback rather than channel, since the spec
// models subscription as "event name, handler" rather than a stream.
type eventBus struct {
	mu       sync.Mutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
	closed   bool
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[string]map[uint64]Handler)}
}

// subscribe registers handler for name and returns a Subscription. If the
// bus is already closed, the handler is not registered and the returned
// Subscription's Unsubscribe is a no-op.
func (b *eventBus) subscribe(name string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{bus: b, name: name}
	}
	b.nextID++
	id := b.nextID
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[uint64]Handler)
	}
	b.handlers[name][id] = handler
	return Subscription{bus: b, name: name, id: id}
}

func (b *eventBus) unsubscribe(name string, id uint64) {
	if id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[name], id)
}

// publish invokes every handler registered for name in its own goroutine, so
// a slow or misbehaving handler never blocks the connection/orchestrator
// goroutine that triggered the event.
func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers[ev.Name]))
	for _, h := range b.handlers[ev.Name] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		go h(ev)
	}
}

// close detaches all listeners, per spec §4.F "close(): detach all
// listeners". Subsequent subscribe calls return inert subscriptions.
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[uint64]Handler)
}
