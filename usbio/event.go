/*Package usbio implements the asynchronous USB engine for the energy probe:
a pool of in-flight bulk-in transfers with completion-driven reissue, a
single-outstanding control-transfer queue, and a session that composes their
completion events into one wait loop.

The engine is written against the Platform interface so the transfer
state machines can be driven by a fake in tests; the shipping Platform is
backed by google/gousb (see gousb.go).
*/
package usbio

import "sync"

// DeviceEvent is the stop cause attached to an endpoint or control channel.
// EventNone is not an event: it is the "not yet signaled" state, and is
// distinct from EventUndefined (an event with no payload).
type DeviceEvent int

const (
	// EventNone means no event has occurred.
	EventNone DeviceEvent = iota

	// EventUndefined is an event with no specific cause, e.g. an orderly
	// stop that captured no failure.
	EventUndefined

	// EventCommunicationError is an unrecoverable I/O failure on a bulk or
	// control pipe, such as device removal.
	EventCommunicationError

	// EventCallbackStop means a data or notify callback asked for teardown.
	EventCallbackStop

	// EventCallbackException means a callback panicked.
	EventCallbackException
)

func (e DeviceEvent) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventUndefined:
		return "undefined"
	case EventCommunicationError:
		return "communication error"
	case EventCallbackStop:
		return "callback stop"
	case EventCallbackException:
		return "callback exception"
	}
	return "unknown"
}

// Fatal reports whether the event should abort the whole session, not just
// the endpoint that captured it.
func (e DeviceEvent) Fatal() bool {
	return e == EventCommunicationError || e == EventCallbackException
}

// Event is a manual-reset completion event.  Submitting a transfer resets
// it, completing one sets it.  An Event may be bound to a session wake
// channel so DeviceSession.Process can sleep on every event at once.
type Event struct {
	mu   sync.Mutex
	set  bool
	wake chan<- struct{}
}

// NewEvent returns an unsignaled event.
func NewEvent() *Event {
	return &Event{}
}

// Bind attaches the session wake channel.  The channel must have capacity;
// Set never blocks on it.
func (e *Event) Bind(wake chan<- struct{}) {
	e.mu.Lock()
	e.wake = wake
	e.mu.Unlock()
}

// Set signals the event and pokes the wake channel if one is bound.
func (e *Event) Set() {
	e.mu.Lock()
	e.set = true
	wake := e.wake
	e.mu.Unlock()
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Reset returns the event to the unsignaled state.
func (e *Event) Reset() {
	e.mu.Lock()
	e.set = false
	e.mu.Unlock()
}

// IsSet reports whether the event is signaled.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}
