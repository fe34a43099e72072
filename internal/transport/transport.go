// Package transport defines the contract between the session facade and the
// two realtime transports. The transports differ in wiring (streaming socket
// vs negotiated peer media) but expose identical semantics here.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// State is the session connection state machine.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Setup/auth failures are fatal to the attempted session and never retried
// automatically.
var (
	ErrAuth              = errors.New("transport: credential rejected")
	ErrHandshakeRejected = errors.New("transport: handshake rejected")
	ErrNotConnected      = errors.New("transport: not connected")
)

// ToolDeclaration describes one callable application action advertised
// during handshake.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Events are the transport's upward-facing callbacks. All of them are
// invoked from the transport's own event pump, one at a time, so handlers
// may touch session state without extra locking.
type Events struct {
	// OnReady fires once the remote has acknowledged setup.
	OnReady func()
	// OnStateChange reports connection state transitions.
	OnStateChange func(State)
	// OnTranscript carries user-speech transcription increments.
	OnTranscript func(delta string)
	// OnResponseText carries assistant transcript increments, already
	// reduced to new suffixes (never re-sent prefixes).
	OnResponseText func(delta string)
	// OnAudio delivers decoded PCM16LE at the advertised sample rate.
	OnAudio func(pcm []byte, sampleRate int)
	// OnInterrupted signals barge-in: queued playback must be flushed now.
	OnInterrupted func()
	// OnToolCallFragment streams tool-call argument fragments.
	OnToolCallFragment func(callID, name, argsFragment string)
	// OnToolCallDone closes a streamed tool call. finalArgs carries the
	// remote's own argument accumulation, used when no fragments preceded
	// the closing frame.
	OnToolCallDone func(callID, name, finalArgs string)
	// OnToolCall delivers a call that arrived complete in one frame.
	OnToolCall func(callID, name string, args json.RawMessage)
	// OnResponseDone signals the end of a generation (nil on success).
	OnResponseDone func(err error)
	// OnFatal reports an unrecoverable transport failure; the session is
	// expected to tear down (and possibly recreate) in response.
	OnFatal func(err error)
}

// Transport manages one logical session. Implementations own their sockets,
// timers and goroutines; Stop releases everything.
type Transport interface {
	// Start performs the handshake and begins the event pumps. It blocks
	// only for the connection phase.
	Start(ctx context.Context) error
	// Stop tears down the transport. Idempotent.
	Stop()
	// SendAudio streams one mic frame (PCM16LE mono at 16kHz).
	SendAudio(pcm []byte)
	// SendText emits a user text turn; turnComplete=false marks it as
	// background context only.
	SendText(text string, turnComplete bool) error
	// SendToolResult routes a handler result back, keyed by call id.
	SendToolResult(callID string, payload json.RawMessage) error
	// CreateResponse asks the remote to generate an answer.
	CreateResponse() error
	// CommitInput closes the current input buffer (caller-driven VAD only).
	CommitInput() error
	// ClearInput discards buffered input audio.
	ClearInput() error
}
