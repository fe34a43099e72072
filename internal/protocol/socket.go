// Package protocol defines the wire messages exchanged with the remote
// conversational AI backend. The two transports use different framings with
// identical semantics: the streaming socket wraps everything in JSON frames,
// the peer transport splits media onto tracks and control onto a reliable
// events channel.
package protocol

import "encoding/json"

// ---- streaming-socket client messages ----

// SetupMessage is the single handshake frame sent after the socket opens.
type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type Setup struct {
	Model               string               `json:"model"`
	GenerationConfig    GenerationConfig     `json:"generationConfig"`
	SystemInstruction   *Content             `json:"systemInstruction,omitempty"`
	Tools               []Tool               `json:"tools,omitempty"`
	InputTranscription  *TranscriptionConfig `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *TranscriptionConfig `json:"outputAudioTranscription,omitempty"`
	RealtimeInputConfig *RealtimeInputConfig `json:"realtimeInputConfig,omitempty"`
}

type GenerationConfig struct {
	// ResponseModalities holds exactly one entry: the remote model family
	// does not produce simultaneous text and audio output.
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	LanguageCode string `json:"languageCode,omitempty"`
}

type TranscriptionConfig struct{}

// RealtimeInputConfig declares the barge-in policy: the start of new user
// activity interrupts any in-progress response.
type RealtimeInputConfig struct {
	ActivityHandling string `json:"activityHandling,omitempty"`
}

const ActivityStartInterrupts = "START_OF_ACTIVITY_INTERRUPTS"

// Tool declares one callable application action.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// RealtimeInputMessage carries one or more mic audio chunks upstream.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

type MediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64 PCM16LE
}

// ClientContentMessage carries a user turn. TurnComplete=false marks the
// content as background context rather than a question to answer.
type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ToolResponseMessage routes a handler result back to the remote.
type ToolResponseMessage struct {
	ToolResponse ToolResponse `json:"toolResponse"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Response json.RawMessage `json:"response"`
}

// ---- streaming-socket server messages ----

// ServerMessage is the demultiplexed inbound frame. Any valid frame at all
// marks the session ready.
type ServerMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	ToolCall      *ToolCall      `json:"toolCall,omitempty"`
}

type ServerContent struct {
	Interrupted         bool           `json:"interrupted,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
}

// Transcription carries the accumulated transcript; the remote may resend
// the full string on each frame.
type Transcription struct {
	Text string `json:"text"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type FunctionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ParseServerMessage decodes an inbound socket frame.
func ParseServerMessage(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}
