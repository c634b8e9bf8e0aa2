package adapter

import (
	"fmt"
	"sync"
)

// Emitter is the shared event-dispatch core embedded by every adapter
// and by the session manager. Dispatch is synchronous and cooperative:
// handlers run on the emitting goroutine, a panicking handler does not
// abort iteration of the others, and nested emits triggered from
// inside a handler never rebroadcast handler failures as error events
// (preventing recursive error storms).
type Emitter struct {
	mu       sync.Mutex
	next     Subscription
	handlers map[EventName]map[Subscription]Handler
	emitting bool
}

// On registers a handler for the named event and returns a
// subscription usable with Off.
func (e *Emitter) On(name EventName, fn Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[EventName]map[Subscription]Handler)
	}
	if e.handlers[name] == nil {
		e.handlers[name] = make(map[Subscription]Handler)
	}
	e.next++
	e.handlers[name][e.next] = fn
	return e.next
}

// Off removes a previously registered handler. Unknown subscriptions
// are ignored.
func (e *Emitter) Off(name EventName, sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers[name], sub)
}

// RemoveAllListeners drops every handler. Used by adapters on final
// teardown.
func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}

// ListenerCount returns the number of handlers registered for name.
func (e *Emitter) ListenerCount(name EventName) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[name])
}

// Emit dispatches evt to all handlers registered for evt.Name.
// Handlers execute with the emitter's lock released; iteration uses a
// snapshot of the handler set, so handlers may subscribe or
// unsubscribe freely during dispatch.
//
// A panicking handler is recovered. At the top level the panic is
// rebroadcast once as an error event; when the emit is nested (a
// handler emitted on the same emitter) or the failing event already is
// the error event, the panic is swallowed.
func (e *Emitter) Emit(evt Event) {
	e.mu.Lock()
	nested := e.emitting
	e.emitting = true
	snapshot := make([]Handler, 0, len(e.handlers[evt.Name]))
	for _, fn := range e.handlers[evt.Name] {
		snapshot = append(snapshot, fn)
	}
	e.mu.Unlock()

	if !nested {
		defer func() {
			e.mu.Lock()
			e.emitting = false
			e.mu.Unlock()
		}()
	}

	for _, fn := range snapshot {
		e.dispatch(fn, evt, nested)
	}
}

// dispatch runs one handler, containing panics per the re-entrancy
// policy.
func (e *Emitter) dispatch(fn Handler, evt Event, nested bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if nested || evt.Name == EventError {
			return
		}
		e.Emit(Event{
			Name:     EventError,
			Platform: evt.Platform,
			Err:      fmt.Errorf("listener panic on %s: %v", evt.Name, r),
		})
	}()
	fn(evt)
}
