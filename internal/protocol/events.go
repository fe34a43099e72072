package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Events-channel messages for the peer transport. Every frame is a JSON
// object with a "type" discriminator.

const (
	// client -> remote
	EventSessionUpdate  = "session.update"
	EventBufferCommit   = "input_audio_buffer.commit"
	EventBufferClear    = "input_audio_buffer.clear"
	EventItemCreate     = "conversation.item.create"
	EventResponseCreate = "response.create"
	EventResponseCancel = "response.cancel"
	EventPing           = "ping"

	// remote -> client
	EventSessionCreated  = "session.created"
	EventSessionUpdated  = "session.updated"
	EventSpeechStarted   = "input_audio_buffer.speech_started"
	EventSpeechStopped   = "input_audio_buffer.speech_stopped"
	EventTranscriptDelta = "response.output_audio_transcript.delta"
	EventInputTranscript = "conversation.item.input_audio_transcription.completed"
	EventFuncArgsDelta   = "response.function_call_arguments.delta"
	EventFuncArgsDone    = "response.function_call_arguments.done"
	EventResponseCreated = "response.created"
	EventResponseDone    = "response.done"
	EventError           = "error"
	EventPong            = "pong"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Envelope carries the discriminator of an events-channel frame.
type Envelope struct {
	Type string `json:"type"`
}

// SessionUpdateEvent configures the remote session over the events channel.
type SessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	Instructions            string              `json:"instructions,omitempty"`
	Modalities              []string            `json:"modalities,omitempty"`
	Tools                   []EventTool         `json:"tools,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection"`
	InputAudioTranscription *EventTranscription `json:"input_audio_transcription,omitempty"`
}

type EventTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type EventTranscription struct {
	Model string `json:"model,omitempty"`
}

// TurnDetection selects server-driven VAD; nil disables it, putting the
// caller's local detector in charge of commit/response sequencing.
type TurnDetection struct {
	Type              string `json:"type"`
	InterruptResponse bool   `json:"interrupt_response,omitempty"`
}

// SimpleEvent covers type-only frames (commit, clear, response.create,
// response.cancel, ping).
type SimpleEvent struct {
	Type string `json:"type"`
}

// ItemCreateEvent injects a conversation item: a user text turn, a context
// snapshot, or a function call result.
type ItemCreateEvent struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ConversationItem struct {
	Type    string        `json:"type"` // "message" | "function_call_output"
	Role    string        `json:"role,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ItemContent struct {
	Type string `json:"type"` // "input_text"
	Text string `json:"text"`
}

// TranscriptDeltaEvent carries an assistant transcript increment.
type TranscriptDeltaEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// InputTranscriptEvent carries the completed user transcript for a turn.
type InputTranscriptEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// FuncArgsDeltaEvent streams one fragment of a tool call's arguments.
type FuncArgsDeltaEvent struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Name   string `json:"name,omitempty"`
	Delta  string `json:"delta"`
}

// FuncArgsDoneEvent closes a streamed tool call.
type FuncArgsDoneEvent struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ResponseDoneEvent signals the end of a generation, successful or not.
type ResponseDoneEvent struct {
	Type     string         `json:"type"`
	Response ResponseStatus `json:"response"`
}

type ResponseStatus struct {
	Status string `json:"status,omitempty"` // "completed" | "cancelled" | "failed"
}

// ErrorEvent reports a remote protocol error.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error RemoteError `json:"error"`
}

type RemoteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEvent decodes an inbound events-channel frame into its typed form.
// Unknown types return ErrUnknownEvent with the raw envelope so callers can
// log and continue; a malformed message is a protocol failure, not fatal.
func ParseEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}
	switch env.Type {
	case EventTranscriptDelta:
		var e TranscriptDeltaEvent
		return e, json.Unmarshal(raw, &e)
	case EventInputTranscript:
		var e InputTranscriptEvent
		return e, json.Unmarshal(raw, &e)
	case EventFuncArgsDelta:
		var e FuncArgsDeltaEvent
		return e, json.Unmarshal(raw, &e)
	case EventFuncArgsDone:
		var e FuncArgsDoneEvent
		return e, json.Unmarshal(raw, &e)
	case EventResponseDone:
		var e ResponseDoneEvent
		return e, json.Unmarshal(raw, &e)
	case EventError:
		var e ErrorEvent
		return e, json.Unmarshal(raw, &e)
	case EventSessionCreated, EventSessionUpdated, EventSpeechStarted,
		EventSpeechStopped, EventResponseCreated, EventPong:
		return SimpleEvent{Type: env.Type}, nil
	default:
		return Envelope{Type: env.Type}, ErrUnknownEvent
	}
}
