// Package events is the event surface of the update core: a closed
// tagged union of event types and a small synchronous emitter, so more
// than one collaborator (a GUI, a CLI renderer, a log sink) can
// subscribe to the same coordinator.
package events

import "appimageupdate/internal/errs"

// Type is a closed tagged union of the events the core can emit.
type Type int

const (
	Started Type = iota
	Progress
	Finished
	Error
	Canceled
	Log
)

func (t Type) String() string {
	switch t {
	case Started:
		return "started"
	case Progress:
		return "progress"
	case Finished:
		return "finished"
	case Error:
		return "error"
	case Canceled:
		return "canceled"
	case Log:
		return "log"
	default:
		return "unknown"
	}
}

// Event is the payload delivered to a handler. Exactly one of the
// type-specific fields is meaningful, selected by Type.
type Event struct {
	Type   Type
	Action errs.Action

	// Progress fields.
	Percent      int
	BytesDone    int64
	BytesTotal   int64
	RateBytesSec float64

	// Finished fields (a *coordinator.CheckResult or
	// *coordinator.UpdateResult, by Action).
	Result interface{}

	// Error fields.
	Err *errs.Error

	// Log fields.
	Message string
}

// Handler receives events of the type(s) it was registered for.
type Handler func(Event)

// Emitter dispatches events synchronously, in registration order, to
// every handler subscribed to that event's Type. It has no internal
// goroutine: callers decide their own concurrency.
type Emitter struct {
	handlers map[Type][]Handler
}

// NewEmitter returns a ready-to-use Emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[Type][]Handler)}
}

// On subscribes handler to events of type t.
func (e *Emitter) On(t Type, handler Handler) {
	e.handlers[t] = append(e.handlers[t], handler)
}

// Emit dispatches ev to every handler registered for ev.Type.
func (e *Emitter) Emit(ev Event) {
	for _, h := range e.handlers[ev.Type] {
		h(ev)
	}
}
