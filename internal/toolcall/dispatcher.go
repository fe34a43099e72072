// Package toolcall accumulates streamed function-call fragments into
// complete calls and routes them through an injected application handler.
package toolcall

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
)

// Handler is the application-side contract. handled=false means the action
// is unsupported and no result is sent back; an error substitutes a generic
// failure payload so the remote conversation is never left waiting.
type Handler func(name string, args json.RawMessage) (handled bool, payload json.RawMessage, err error)

var failurePayload = json.RawMessage(`{"error":"tool call failed"}`)

type pendingCall struct {
	name string
	args strings.Builder
}

// Dispatcher owns the pending-call table for one session. Fragments are
// appended in arrival order per call id; a call is removed from the table
// the moment it is dispatched.
type Dispatcher struct {
	handle          Handler
	sendResult      func(callID string, payload json.RawMessage) error
	requestResponse func()
	observe         func(outcome string)

	mu      sync.Mutex
	pending map[string]*pendingCall
	gen     int
}

// New constructs a Dispatcher. sendResult routes a handler result back into
// the transport; requestResponse asks for a new generation and is expected
// to be gated by the caller's in-flight flag. observe, when non-nil, is told
// the outcome of every handler invocation ("handled", "unhandled" or
// "error").
func New(handle Handler, sendResult func(string, json.RawMessage) error, requestResponse func(), observe func(outcome string)) *Dispatcher {
	return &Dispatcher{
		handle:          handle,
		sendResult:      sendResult,
		requestResponse: requestResponse,
		observe:         observe,
		pending:         make(map[string]*pendingCall),
	}
}

// Feed appends a streamed fragment for callID. The name may arrive on any
// fragment; later non-empty names win so transports that only name the
// "done" frame still work.
func (d *Dispatcher) Feed(callID, name, argsFragment string) {
	if callID == "" {
		return
	}
	d.mu.Lock()
	pc, ok := d.pending[callID]
	if !ok {
		pc = &pendingCall{}
		d.pending[callID] = pc
	}
	if name != "" {
		pc.name = name
	}
	pc.args.WriteString(argsFragment)
	d.mu.Unlock()
}

// Done closes accumulation for callID and dispatches the call
// asynchronously. finalArgs is the remote's own accumulation from the
// closing frame; it substitutes for the fragment buffer when no fragments
// were fed, so a call announced only by its closing frame still dispatches.
func (d *Dispatcher) Done(callID, name, finalArgs string) {
	if callID == "" {
		return
	}
	d.mu.Lock()
	pc, ok := d.pending[callID]
	if !ok {
		if finalArgs == "" {
			d.mu.Unlock()
			return
		}
		pc = &pendingCall{}
	}
	delete(d.pending, callID)
	if name != "" {
		pc.name = name
	}
	gen := d.gen
	d.mu.Unlock()

	argsText := pc.args.String()
	if argsText == "" {
		argsText = finalArgs
	}
	d.dispatch(gen, callID, pc.name, argsText)
}

// Dispatch handles a call that arrived complete in a single frame, as the
// socket transport delivers them.
func (d *Dispatcher) Dispatch(callID, name string, args json.RawMessage) {
	d.mu.Lock()
	gen := d.gen
	d.mu.Unlock()
	d.dispatch(gen, callID, name, string(args))
}

// Reset discards all pending accumulation and orphans any in-flight handler
// invocations so their results cannot leak into a recreated session.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.pending = make(map[string]*pendingCall)
	d.gen++
	d.mu.Unlock()
}

// PendingCount reports the number of calls still accumulating fragments.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) note(outcome string) {
	if d.observe != nil {
		d.observe(outcome)
	}
}

func (d *Dispatcher) dispatch(gen int, callID, name, argsText string) {
	if argsText == "" {
		argsText = "{}"
	}
	go func() {
		args := json.RawMessage(argsText)
		if !json.Valid(args) {
			log.Printf("toolcall %s: malformed arguments %q", callID, argsText)
			args = json.RawMessage(`{}`)
		}

		handled, payload, err := d.handle(name, args)
		switch {
		case err != nil:
			d.note("error")
		case handled:
			d.note("handled")
		default:
			d.note("unhandled")
		}
		if err != nil {
			log.Printf("toolcall %s (%s): handler error: %v", callID, name, err)
			handled, payload = true, failurePayload
		}
		if !handled {
			// Unsupported action: stay silent and let the remote infer
			// non-support.
			return
		}
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}

		d.mu.Lock()
		stale := gen != d.gen
		d.mu.Unlock()
		if stale {
			return
		}

		if err := d.sendResult(callID, payload); err != nil {
			log.Printf("toolcall %s: send result: %v", callID, err)
			return
		}
		d.requestResponse()
	}()
}
