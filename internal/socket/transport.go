// Package socket implements the streaming-socket session transport: one
// persistent duplex websocket carrying handshake, mic audio, synthesized
// speech, transcripts and tool calls as JSON frames.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MaGioMusic/lumina-voice/internal/audio"
	"github.com/MaGioMusic/lumina-voice/internal/protocol"
	"github.com/MaGioMusic/lumina-voice/internal/transport"
)

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 15 * time.Second
	micMimeType      = "audio/pcm;rate=16000"
	defaultOutRate   = 24000
)

// Config parameterizes one socket session.
type Config struct {
	// URL is the streaming endpoint; Token authenticates the dial.
	URL   string
	Token string

	Model        string
	SystemPrompt string
	Locale       string
	// AudioOut selects the response modality. The remote model family does
	// not support simultaneous text+audio output, so this is exclusive.
	AudioOut bool
	Tools    []transport.ToolDeclaration

	// SessionID tags log lines.
	SessionID string
}

// Transport is the stream-socket implementation of transport.Transport.
type Transport struct {
	cfg Config
	ev  transport.Events

	writeMu sync.Mutex
	conn    *websocket.Conn

	state atomic.Int32
	ready atomic.Bool

	outputTracker transcriptTracker
	inputTracker  transcriptTracker

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a socket transport; Start opens the connection.
func New(cfg Config, ev transport.Events) *Transport {
	t := &Transport{cfg: cfg, ev: ev, stopCh: make(chan struct{})}
	t.state.Store(int32(transport.StateIdle))
	return t
}

// Start dials the endpoint and performs the single-frame handshake. Audio
// upstreaming stays gated until the remote's first valid message arrives.
func (t *Transport) Start(ctx context.Context) error {
	t.setState(transport.StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	headers := map[string][]string{"Authorization": {"Bearer " + t.cfg.Token}}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, headers)
	if err != nil {
		t.setState(transport.StateError)
		return fmt.Errorf("%w: %v", transport.ErrHandshakeRejected, err)
	}
	t.conn = conn

	if err := t.writeJSON(t.setupMessage()); err != nil {
		_ = conn.Close()
		t.setState(transport.StateError)
		return fmt.Errorf("%w: send setup: %v", transport.ErrHandshakeRejected, err)
	}

	t.setState(transport.StateConnected)
	go t.readLoop()
	go t.pingLoop()
	return nil
}

func (t *Transport) setupMessage() protocol.SetupMessage {
	modality := "TEXT"
	if t.cfg.AudioOut {
		modality = "AUDIO"
	}
	setup := protocol.Setup{
		Model: t.cfg.Model,
		GenerationConfig: protocol.GenerationConfig{
			ResponseModalities: []string{modality},
			SpeechConfig:       &protocol.SpeechConfig{LanguageCode: t.cfg.Locale},
		},
		InputTranscription:  &protocol.TranscriptionConfig{},
		OutputTranscription: &protocol.TranscriptionConfig{},
		RealtimeInputConfig: &protocol.RealtimeInputConfig{ActivityHandling: protocol.ActivityStartInterrupts},
	}
	if t.cfg.SystemPrompt != "" {
		setup.SystemInstruction = &protocol.Content{Parts: []protocol.Part{{Text: t.cfg.SystemPrompt}}}
	}
	if len(t.cfg.Tools) > 0 {
		decls := make([]protocol.FunctionDeclaration, 0, len(t.cfg.Tools))
		for _, d := range t.cfg.Tools {
			decls = append(decls, protocol.FunctionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
		setup.Tools = []protocol.Tool{{FunctionDeclarations: decls}}
	}
	return protocol.SetupMessage{Setup: setup}
}

// Stop closes the socket. Idempotent; safe mid-handshake.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.conn != nil {
			t.writeMu.Lock()
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			t.writeMu.Unlock()
			_ = t.conn.Close()
		}
		t.setState(transport.StateStopped)
	})
}

// SendAudio streams one mic frame. Frames are dropped until the remote has
// acknowledged setup; audio pushed into an unacknowledged socket is lost
// remotely anyway.
func (t *Transport) SendAudio(pcm []byte) {
	if !t.ready.Load() || t.state.Load() != int32(transport.StateConnected) {
		return
	}
	msg := protocol.RealtimeInputMessage{RealtimeInput: protocol.RealtimeInput{
		MediaChunks: []protocol.MediaChunk{{MimeType: micMimeType, Data: audio.WrapBase64(pcm)}},
	}}
	if err := t.writeJSON(msg); err != nil {
		log.Printf("[%s] send audio: %v", t.cfg.SessionID, err)
	}
}

// SendText emits a user turn; turnComplete=false marks context-only content.
func (t *Transport) SendText(text string, turnComplete bool) error {
	if t.state.Load() != int32(transport.StateConnected) {
		return transport.ErrNotConnected
	}
	msg := protocol.ClientContentMessage{ClientContent: protocol.ClientContent{
		Turns:        []protocol.Content{{Role: "user", Parts: []protocol.Part{{Text: text}}}},
		TurnComplete: turnComplete,
	}}
	return t.writeJSON(msg)
}

// SendToolResult routes a handler result back under the originating id.
func (t *Transport) SendToolResult(callID string, payload json.RawMessage) error {
	if t.state.Load() != int32(transport.StateConnected) {
		return transport.ErrNotConnected
	}
	msg := protocol.ToolResponseMessage{ToolResponse: protocol.ToolResponse{
		FunctionResponses: []protocol.FunctionResponse{{ID: callID, Response: payload}},
	}}
	return t.writeJSON(msg)
}

// CreateResponse is a no-op on this transport: the remote starts generating
// as soon as a completed turn or tool response arrives.
func (t *Transport) CreateResponse() error { return nil }

// CommitInput is a no-op: turn detection is server-side on this transport.
func (t *Transport) CommitInput() error { return nil }

// ClearInput is a no-op: the remote discards buffered input on interruption.
func (t *Transport) ClearInput() error { return nil }

func (t *Transport) readLoop() {
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			log.Printf("[%s] socket read: %v", t.cfg.SessionID, err)
			t.setState(transport.StateError)
			if t.ev.OnFatal != nil {
				t.ev.OnFatal(err)
			}
			return
		}
		t.handleMessage(raw)
	}
}

func (t *Transport) handleMessage(raw []byte) {
	msg, err := protocol.ParseServerMessage(raw)
	if err != nil {
		log.Printf("[%s] malformed server message: %v", t.cfg.SessionID, err)
		return
	}

	// Any valid message at all acknowledges the session.
	if !t.ready.Swap(true) && t.ev.OnReady != nil {
		t.ev.OnReady()
	}

	if msg.ToolCall != nil && t.ev.OnToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			t.ev.OnToolCall(fc.ID, fc.Name, fc.Args)
		}
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.Interrupted && t.ev.OnInterrupted != nil {
		t.ev.OnInterrupted()
	}
	if sc.InputTranscription != nil && t.ev.OnTranscript != nil {
		if delta := t.inputTracker.Delta(sc.InputTranscription.Text); delta != "" {
			t.ev.OnTranscript(delta)
		}
	}
	if sc.OutputTranscription != nil && t.ev.OnResponseText != nil {
		if delta := t.outputTracker.Delta(sc.OutputTranscription.Text); delta != "" {
			t.ev.OnResponseText(delta)
		}
	}
	if sc.ModelTurn != nil && t.cfg.AudioOut && t.ev.OnAudio != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil {
				continue
			}
			pcm, err := audio.UnwrapBase64(part.InlineData.Data)
			if err != nil {
				log.Printf("[%s] bad audio part: %v", t.cfg.SessionID, err)
				continue
			}
			rate := audio.ParseRate(part.InlineData.MimeType, defaultOutRate)
			t.ev.OnAudio(pcm, rate)
		}
	}
	if sc.TurnComplete {
		t.outputTracker.Reset()
		t.inputTracker.Reset()
		if t.ev.OnResponseDone != nil {
			t.ev.OnResponseDone(nil)
		}
	}
}

func (t *Transport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			_ = t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			t.writeMu.Unlock()
		}
	}
}

func (t *Transport) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *Transport) setState(s transport.State) {
	old := transport.State(t.state.Swap(int32(s)))
	if old != s && t.ev.OnStateChange != nil {
		t.ev.OnStateChange(s)
	}
}
