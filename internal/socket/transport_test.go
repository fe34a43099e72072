package socket

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MaGioMusic/lumina-voice/internal/transport"
)

type fakeBackend struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	inbound  []map[string]any
	conn     *websocket.Conn
	connSet  chan struct{}
	setOnce  sync.Once
	wantAuth string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	return &fakeBackend{t: t, connSet: make(chan struct{})}
}

func (b *fakeBackend) handler(w http.ResponseWriter, r *http.Request) {
	if b.wantAuth != "" && r.Header.Get("Authorization") != b.wantAuth {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.t.Errorf("upgrade: %v", err)
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.setOnce.Do(func() { close(b.connSet) })
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		b.mu.Lock()
		b.inbound = append(b.inbound, msg)
		b.mu.Unlock()
	}
}

func (b *fakeBackend) send(t *testing.T, frame string) {
	select {
	case <-b.connSet:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw a connection")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("backend write: %v", err)
	}
}

func (b *fakeBackend) messages() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.inbound))
	copy(out, b.inbound)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startTransport(t *testing.T, b *fakeBackend, cfg Config, ev transport.Events) *Transport {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	t.Cleanup(srv.Close)
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	if cfg.SessionID == "" {
		cfg.SessionID = "test"
	}
	tr := New(cfg, ev)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func TestStartSendsSetupWithBearerToken(t *testing.T) {
	b := newFakeBackend(t)
	b.wantAuth = "Bearer sekrit"
	tr := startTransport(t, b, Config{Token: "sekrit", Model: "models/flash-live", AudioOut: true}, transport.Events{})
	defer tr.Stop()

	waitFor(t, "setup frame", func() bool { return len(b.messages()) >= 1 })
	setup, ok := b.messages()[0]["setup"].(map[string]any)
	if !ok {
		t.Fatalf("first frame is not setup: %v", b.messages()[0])
	}
	if setup["model"] != "models/flash-live" {
		t.Errorf("model = %v", setup["model"])
	}
	gen := setup["generationConfig"].(map[string]any)
	mods := gen["responseModalities"].([]any)
	if len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want single AUDIO", mods)
	}
}

func TestAudioDroppedUntilSessionReady(t *testing.T) {
	b := newFakeBackend(t)
	ready := make(chan struct{})
	tr := startTransport(t, b, Config{AudioOut: true}, transport.Events{
		OnReady: func() { close(ready) },
	})

	tr.SendAudio([]byte{1, 2, 3, 4})
	waitFor(t, "setup frame", func() bool { return len(b.messages()) >= 1 })
	for _, m := range b.messages() {
		if _, isAudio := m["realtimeInput"]; isAudio {
			t.Fatal("audio frame sent before session ready")
		}
	}

	b.send(t, `{"setupComplete":{}}`)
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReady never fired")
	}

	tr.SendAudio([]byte{1, 2, 3, 4})
	waitFor(t, "audio frame", func() bool {
		for _, m := range b.messages() {
			if _, ok := m["realtimeInput"]; ok {
				return true
			}
		}
		return false
	})
}

func TestTranscriptDeltasAndAudioDelivery(t *testing.T) {
	b := newFakeBackend(t)
	var mu sync.Mutex
	var responseText strings.Builder
	var gotAudio []byte
	var gotRate int
	done := false
	tr := startTransport(t, b, Config{AudioOut: true}, transport.Events{
		OnResponseText: func(delta string) {
			mu.Lock()
			responseText.WriteString(delta)
			mu.Unlock()
		},
		OnAudio: func(pcm []byte, rate int) {
			mu.Lock()
			gotAudio = append([]byte(nil), pcm...)
			gotRate = rate
			mu.Unlock()
		},
		OnResponseDone: func(err error) {
			mu.Lock()
			done = true
			mu.Unlock()
		},
	})
	defer tr.Stop()

	// Remote resends the full accumulated transcript each frame.
	b.send(t, `{"serverContent":{"outputTranscription":{"text":"Hel"}}}`)
	b.send(t, `{"serverContent":{"outputTranscription":{"text":"Hello th"}}}`)
	b.send(t, `{"serverContent":{"outputTranscription":{"text":"Hello there"}}}`)

	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	enc := base64.StdEncoding.EncodeToString(pcm)
	b.send(t, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"`+enc+`"}}]}}}`)
	b.send(t, `{"serverContent":{"turnComplete":true}}`)

	waitFor(t, "turn complete", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	})
	mu.Lock()
	defer mu.Unlock()
	if got := responseText.String(); got != "Hello there" {
		t.Errorf("accumulated transcript = %q, want %q", got, "Hello there")
	}
	if string(gotAudio) != string(pcm) {
		t.Errorf("audio = %v, want %v", gotAudio, pcm)
	}
	if gotRate != 24000 {
		t.Errorf("rate = %d, want 24000", gotRate)
	}
}

func TestAudioSuppressedWhenAudioOutDisabled(t *testing.T) {
	b := newFakeBackend(t)
	var mu sync.Mutex
	audioCalls := 0
	done := false
	tr := startTransport(t, b, Config{AudioOut: false}, transport.Events{
		OnAudio: func([]byte, int) {
			mu.Lock()
			audioCalls++
			mu.Unlock()
		},
		OnResponseDone: func(error) {
			mu.Lock()
			done = true
			mu.Unlock()
		},
	})
	defer tr.Stop()

	enc := base64.StdEncoding.EncodeToString([]byte{1, 0})
	b.send(t, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"`+enc+`"}}]}}}`)
	b.send(t, `{"serverContent":{"turnComplete":true}}`)

	waitFor(t, "turn complete", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	})
	mu.Lock()
	defer mu.Unlock()
	if audioCalls != 0 {
		t.Errorf("OnAudio fired %d times with audio out disabled", audioCalls)
	}
}

func TestInterruptionAndToolCallDelivery(t *testing.T) {
	b := newFakeBackend(t)
	var mu sync.Mutex
	interrupted := false
	var callID, callName, callArgs string
	tr := startTransport(t, b, Config{AudioOut: true}, transport.Events{
		OnInterrupted: func() {
			mu.Lock()
			interrupted = true
			mu.Unlock()
		},
		OnToolCall: func(id, name string, args []byte) {
			mu.Lock()
			callID, callName, callArgs = id, name, string(args)
			mu.Unlock()
		},
	})
	defer tr.Stop()

	b.send(t, `{"serverContent":{"interrupted":true}}`)
	b.send(t, `{"toolCall":{"functionCalls":[{"id":"c1","name":"lookup_listing","args":{"id":42}}]}}`)

	waitFor(t, "tool call", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return callID != ""
	})
	mu.Lock()
	defer mu.Unlock()
	if !interrupted {
		t.Error("OnInterrupted never fired")
	}
	if callID != "c1" || callName != "lookup_listing" {
		t.Errorf("tool call = %s/%s", callID, callName)
	}
	if callArgs != `{"id":42}` {
		t.Errorf("args = %s", callArgs)
	}
}

func TestTranscriptResetsAcrossTurns(t *testing.T) {
	b := newFakeBackend(t)
	var mu sync.Mutex
	var deltas []string
	turns := 0
	tr := startTransport(t, b, Config{AudioOut: true}, transport.Events{
		OnResponseText: func(delta string) {
			mu.Lock()
			deltas = append(deltas, delta)
			mu.Unlock()
		},
		OnResponseDone: func(error) {
			mu.Lock()
			turns++
			mu.Unlock()
		},
	})
	defer tr.Stop()

	b.send(t, `{"serverContent":{"outputTranscription":{"text":"first"}}}`)
	b.send(t, `{"serverContent":{"turnComplete":true}}`)
	b.send(t, `{"serverContent":{"outputTranscription":{"text":"second"}}}`)
	b.send(t, `{"serverContent":{"turnComplete":true}}`)

	waitFor(t, "two turns", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return turns == 2
	})
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second"}
	if len(deltas) != len(want) {
		t.Fatalf("deltas = %v, want %v", deltas, want)
	}
	for i := range want {
		if deltas[i] != want[i] {
			t.Errorf("delta[%d] = %q, want %q", i, deltas[i], want[i])
		}
	}
}

func TestSendToolResultAndText(t *testing.T) {
	b := newFakeBackend(t)
	tr := startTransport(t, b, Config{AudioOut: true}, transport.Events{})
	defer tr.Stop()

	if err := tr.SendToolResult("c7", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}
	if err := tr.SendText("what about the garden?", true); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	waitFor(t, "tool result and text frames", func() bool { return len(b.messages()) >= 3 })
	var sawTool, sawText bool
	for _, m := range b.messages() {
		if _, ok := m["toolResponse"]; ok {
			sawTool = true
		}
		if cc, ok := m["clientContent"].(map[string]any); ok {
			sawText = true
			if cc["turnComplete"] != true {
				t.Errorf("turnComplete = %v, want true", cc["turnComplete"])
			}
		}
	}
	if !sawTool || !sawText {
		t.Errorf("sawTool=%v sawText=%v", sawTool, sawText)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := newFakeBackend(t)
	var mu sync.Mutex
	fatal := false
	tr := startTransport(t, b, Config{AudioOut: true}, transport.Events{
		OnFatal: func(error) {
			mu.Lock()
			fatal = true
			mu.Unlock()
		},
	})
	tr.Stop()
	tr.Stop()
	if err := tr.SendText("late", true); err != transport.ErrNotConnected {
		t.Errorf("SendText after stop = %v, want ErrNotConnected", err)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fatal {
		t.Error("OnFatal fired for a deliberate stop")
	}
}
