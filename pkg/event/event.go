// Package event is a small in-process notification bus.
//
// Events carry identifiers only. Clients that care about the data call the
// HTTP API after receiving a notification.
package event

import (
	"sync"

	"github.com/choraleia/tutorchat/pkg/utils"
)

// Event is the interface all event types must implement.
type Event interface {
	// EventName returns the unique name for this event type (e.g., "message.appended")
	EventName() string
}

// Listener is a callback function for handling events.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu           sync.RWMutex
	nextID       uint64
	listeners    map[string][]subscription // eventName -> listeners
	allListeners []subscription
}

// NewEmitter creates a new event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[string][]subscription),
	}
}

// On subscribes to a specific event type.
// Returns an unsubscribe function.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[eventName] = append(e.listeners[eventName], subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners[eventName] = without(e.listeners[eventName], id)
	}
}

// OnAny subscribes to all events.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.allListeners = append(e.allListeners, subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.allListeners = without(e.allListeners, id)
	}
}

// Emit dispatches an event to all matching listeners.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	// Copy listeners to avoid holding lock during callbacks
	specific := append([]subscription(nil), e.listeners[ev.EventName()]...)
	all := append([]subscription(nil), e.allListeners...)
	e.mu.RUnlock()

	utils.GetLogger().Debug("Emitting event", "event", ev.EventName(), "specific", len(specific), "wildcard", len(all))

	for _, s := range specific {
		s.fn(ev)
	}
	for _, s := range all {
		s.fn(ev)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// ---- Global Emitter ----

var globalEmitter *Emitter
var globalOnce sync.Once

// Global returns the global event emitter.
func Global() *Emitter {
	globalOnce.Do(func() {
		globalEmitter = NewEmitter()
	})
	return globalEmitter
}

// Emit is a shortcut for Global().Emit(ev).
func Emit(ev Event) {
	Global().Emit(ev)
}

// On is a shortcut for Global().On(eventName, fn).
func On(eventName string, fn Listener) func() {
	return Global().On(eventName, fn)
}
