package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSetupMessage_Shape(t *testing.T) {
	msg := SetupMessage{Setup: Setup{
		Model: "models/demo",
		GenerationConfig: GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig:       &SpeechConfig{LanguageCode: "en-US"},
		},
		SystemInstruction:   &Content{Parts: []Part{{Text: "be helpful"}}},
		OutputTranscription: &TranscriptionConfig{},
		RealtimeInputConfig: &RealtimeInputConfig{ActivityHandling: ActivityStartInterrupts},
	}}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{`"setup"`, `"responseModalities":["AUDIO"]`, `"outputAudioTranscription"`, ActivityStartInterrupts} {
		if !strings.Contains(s, want) {
			t.Fatalf("setup frame missing %q: %s", want, s)
		}
	}
}

func TestParseServerMessage_ToolCall(t *testing.T) {
	raw := []byte(`{"toolCall":{"functionCalls":[{"id":"c1","name":"search_listings","args":{"city":"lisbon"}}]}}`)
	msg, err := ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ToolCall == nil || len(msg.ToolCall.FunctionCalls) != 1 {
		t.Fatalf("expected one function call, got %+v", msg)
	}
	fc := msg.ToolCall.FunctionCalls[0]
	if fc.ID != "c1" || fc.Name != "search_listings" {
		t.Fatalf("unexpected call: %+v", fc)
	}
}

func TestParseServerMessage_AudioPart(t *testing.T) {
	raw := []byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}}]}}}`)
	msg, err := ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	parts := msg.ServerContent.ModelTurn.Parts
	if len(parts) != 1 || parts[0].InlineData == nil {
		t.Fatalf("expected inline audio part, got %+v", msg.ServerContent)
	}
	if parts[0].InlineData.MimeType != "audio/pcm;rate=24000" {
		t.Fatalf("unexpected mime: %s", parts[0].InlineData.MimeType)
	}
}

func TestParseEvent_KnownTypes(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{`{"type":"response.output_audio_transcript.delta","delta":"hel"}`, TranscriptDeltaEvent{}},
		{`{"type":"response.function_call_arguments.delta","call_id":"x","delta":"{"}`, FuncArgsDeltaEvent{}},
		{`{"type":"response.function_call_arguments.done","call_id":"x"}`, FuncArgsDoneEvent{}},
		{`{"type":"response.done","response":{"status":"completed"}}`, ResponseDoneEvent{}},
		{`{"type":"error","error":{"code":"bad","message":"boom"}}`, ErrorEvent{}},
		{`{"type":"input_audio_buffer.speech_started"}`, SimpleEvent{}},
	}
	for _, tc := range cases {
		got, err := ParseEvent([]byte(tc.raw))
		if err != nil {
			t.Fatalf("ParseEvent(%s): %v", tc.raw, err)
		}
		if gotT, wantT := typeName(got), typeName(tc.want); gotT != wantT {
			t.Fatalf("ParseEvent(%s) = %s, want %s", tc.raw, gotT, wantT)
		}
	}
}

func typeName(v any) string {
	switch v.(type) {
	case TranscriptDeltaEvent:
		return "transcript"
	case InputTranscriptEvent:
		return "input_transcript"
	case FuncArgsDeltaEvent:
		return "args_delta"
	case FuncArgsDoneEvent:
		return "args_done"
	case ResponseDoneEvent:
		return "response_done"
	case ErrorEvent:
		return "error"
	case SimpleEvent:
		return "simple"
	default:
		return "other"
	}
}

func TestParseEvent_UnknownType(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"something.new"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	if _, err := ParseEvent([]byte(`{`)); err == nil {
		t.Fatalf("expected error for malformed frame")
	}
}

func TestTurnDetection_NullWhenLocal(t *testing.T) {
	raw, err := json.Marshal(SessionUpdateEvent{Type: EventSessionUpdate, Session: SessionConfig{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Local turn detection requires an explicit null, not an omitted field.
	if !strings.Contains(string(raw), `"turn_detection":null`) {
		t.Fatalf("expected explicit turn_detection null: %s", raw)
	}
}
