package interceptor

import (
	"context"
	"reflect"
	"slices"
	"sync"
	"time"
)

// EventMessage is the event type carrying DRM key messages
const EventMessage = "message"

// KeyMessage is the payload of a DRM key message event
type KeyMessage struct {
	MessageType string
	Message     []byte
}

// Event is a host event delivered to listeners
type Event struct {
	Type       string
	Target     Target
	SessionID  string
	Bubbles    bool
	Cancelable bool
	Composed   bool
	IsTrusted  bool
	TimeStamp  time.Time
	// KeyMessage is set only for DRM key message events
	KeyMessage *KeyMessage
	// Synthetic marks an event re-dispatched by the interceptor. Such events
	// are delivered to the original listeners without interception.
	Synthetic bool

	stopped bool
}

// StopImmediatePropagation keeps the remaining listeners from seeing e
func (e *Event) StopImmediatePropagation() {
	e.stopped = true
}

func (e *Event) Stopped() bool {
	return e.stopped
}

// Clone copies e with propagation reset
func (e *Event) Clone() *Event {
	c := *e
	c.stopped = false
	if e.KeyMessage != nil {
		km := *e.KeyMessage
		km.Message = slices.Clone(e.KeyMessage.Message)
		c.KeyMessage = &km
	}
	return &c
}

// Listener receives events
type Listener interface {
	HandleEvent(ctx context.Context, e *Event)
}

// ListenerFunc adapts a function to Listener. Function values have no
// identity, so registering the same ListenerFunc twice adds it twice.
type ListenerFunc func(ctx context.Context, e *Event)

func (f ListenerFunc) HandleEvent(ctx context.Context, e *Event) { f(ctx, e) }

// Target is the host event target the interceptor hooks into
type Target interface {
	AddEventListener(typ string, l Listener)
	RemoveEventListener(typ string, l Listener)
	DispatchEvent(ctx context.Context, e *Event)
}

// EventTarget is a minimal host event target. Adding a listener that is
// already registered for the type is a no-op.
type EventTarget struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

var _ Target = (*EventTarget)(nil)

func NewEventTarget() *EventTarget {
	return &EventTarget{listeners: make(map[string][]Listener)}
}

func (t *EventTarget) AddEventListener(typ string, l Listener) {
	if l == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.ContainsFunc(t.listeners[typ], func(x Listener) bool { return sameListener(x, l) }) {
		return
	}
	t.listeners[typ] = append(t.listeners[typ], l)
}

func (t *EventTarget) RemoveEventListener(typ string, l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[typ] = slices.DeleteFunc(t.listeners[typ], func(x Listener) bool { return sameListener(x, l) })
}

// DispatchEvent delivers e to the listeners registered when it starts,
// in registration order, until one stops propagation.
func (t *EventTarget) DispatchEvent(ctx context.Context, e *Event) {
	if e.Target == nil {
		e.Target = t
	}
	t.mu.RLock()
	listeners := slices.Clone(t.listeners[e.Type])
	t.mu.RUnlock()

	for _, l := range listeners {
		l.HandleEvent(ctx, e)
		if e.stopped {
			return
		}
	}
}

// Len returns the number of listeners registered for typ
func (t *EventTarget) Len(typ string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners[typ])
}

// sameListener compares listener identity. Listeners whose dynamic type is
// not comparable are never equal.
func sameListener(a, b Listener) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
