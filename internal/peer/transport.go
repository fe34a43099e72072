package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"gopkg.in/hraban/opus.v2"

	"github.com/MaGioMusic/lumina-voice/internal/audio"
	"github.com/MaGioMusic/lumina-voice/internal/protocol"
	"github.com/MaGioMusic/lumina-voice/internal/transport"
)

const (
	eventsChannelLabel = "oai-events"
	signalingTimeout   = 15 * time.Second
	pingInterval       = 15 * time.Second
	remoteDecodeRate   = 48000
	maxDecodedSamples  = 5760 // 120ms at 48kHz
)

// Config parameterizes one peer session.
type Config struct {
	SignalingURL string
	Credentials  Credentials

	SystemPrompt string
	AudioOut     bool
	Tools        []transport.ToolDeclaration

	// ICEServersJSON is the static server list; TURN adds ephemeral relay
	// credentials on top when set.
	ICEServersJSON string
	TURN           TURNProvider

	SessionID string
}

// Transport is the WebRTC implementation of transport.Transport.
type Transport struct {
	cfg Config
	ev  transport.Events

	pc  *webrtc.PeerConnection
	mic *audio.PacedOpusWriter

	dcMu   sync.Mutex
	dc     *webrtc.DataChannel
	dcOpen bool

	state atomic.Int32
	ready atomic.Bool

	health *healthMonitor
	http   *http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, ev transport.Events) *Transport {
	t := &Transport{
		cfg:    cfg,
		ev:     ev,
		http:   &http.Client{Timeout: signalingTimeout},
		stopCh: make(chan struct{}),
	}
	t.state.Store(int32(transport.StateIdle))
	return t
}

// Start builds the peer connection, negotiates with the signaling endpoint
// and begins media flow. Session readiness is signalled by the remote's
// session.created event on the data channel, not by ICE connectivity.
func (t *Transport) Start(ctx context.Context) error {
	t.setState(transport.StateConnecting)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return t.failStart(err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return t.failStart(err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	servers := gatherICEServers(t.cfg.ICEServersJSON, t.cfg.TURN, t.cfg.SessionID)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return t.failStart(err)
	}
	t.pc = pc

	micTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"mic-audio", "mic")
	if err != nil {
		return t.failStartClose(err)
	}
	if _, err := pc.AddTrack(micTrack); err != nil {
		return t.failStartClose(err)
	}
	paced, err := audio.NewPacedOpusWriter(micTrack)
	if err != nil {
		return t.failStartClose(err)
	}
	t.mic = paced

	dc, err := pc.CreateDataChannel(eventsChannelLabel, nil)
	if err != nil {
		return t.failStartClose(err)
	}
	t.dc = dc
	dc.OnOpen(func() {
		log.Printf("[%s] events channel open", t.cfg.SessionID)
		t.dcMu.Lock()
		t.dcOpen = true
		t.dcMu.Unlock()
		if err := t.sendSessionUpdate(); err != nil {
			log.Printf("[%s] session.update: %v", t.cfg.SessionID, err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { t.handleEvent(msg.Data) })

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] remote audio track: codec=%s", t.cfg.SessionID, remote.Codec().MimeType)
		go t.readRemoteAudio(remote)
	})

	t.health = newHealthMonitor(healthConfig{
		sessionID: t.cfg.SessionID,
		stats:     t.flowStats,
		restart:   t.restartICE,
		onFatal: func(err error) {
			t.setState(transport.StateError)
			if t.ev.OnFatal != nil {
				t.ev.OnFatal(err)
			}
		},
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer state: %s", t.cfg.SessionID, state.String())
		t.health.NotifyState(state)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", t.cfg.SessionID, state.String())
	})

	if err := t.negotiate(ctx, false); err != nil {
		return t.failStartClose(err)
	}

	t.setState(transport.StateConnected)
	t.health.Start()
	go t.pingLoop()
	return nil
}

func (t *Transport) failStart(err error) error {
	t.setState(transport.StateError)
	return err
}

func (t *Transport) failStartClose(err error) error {
	if t.mic != nil {
		t.mic.Close()
	}
	if t.pc != nil {
		_ = t.pc.Close()
	}
	return t.failStart(err)
}

// negotiate runs one offer/answer round through the signaling endpoint.
// restart=true requests fresh ICE credentials on the same connection.
func (t *Transport) negotiate(ctx context.Context, restart bool) error {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}
	local := t.pc.LocalDescription()
	if local == nil {
		return errors.New("no local description after gathering")
	}

	answer, err := t.exchangeSDP(ctx, local.SDP)
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
}

func (t *Transport) exchangeSDP(ctx context.Context, offerSDP string) (string, error) {
	url := t.cfg.SignalingURL
	if t.cfg.Credentials.Model != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "model=" + t.cfg.Credentials.Model
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.Credentials.Token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("signaling request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", transport.ErrAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: signaling returned %d", transport.ErrHandshakeRejected, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("signaling response: %w", err)
	}
	return string(body), nil
}

func (t *Transport) sendSessionUpdate() error {
	modalities := []string{"text"}
	if t.cfg.AudioOut {
		modalities = []string{"audio"}
	}
	cfg := protocol.SessionConfig{
		Instructions: t.cfg.SystemPrompt,
		Modalities:   modalities,
		// Local activity detection drives commits; server VAD stays off.
		TurnDetection:           nil,
		InputAudioTranscription: &protocol.EventTranscription{},
	}
	for _, d := range t.cfg.Tools {
		cfg.Tools = append(cfg.Tools, protocol.EventTool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return t.sendEvent(protocol.SessionUpdateEvent{Type: protocol.EventSessionUpdate, Session: cfg})
}

func (t *Transport) readRemoteAudio(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(remoteDecodeRate, 1)
	if err != nil {
		log.Printf("[%s] opus decoder: %v", t.cfg.SessionID, err)
		return
	}
	samples := make([]int16, maxDecodedSamples)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			select {
			case <-t.stopCh:
			default:
				log.Printf("[%s] RTP read: %v", t.cfg.SessionID, err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			log.Printf("[%s] opus decode: %v", t.cfg.SessionID, err)
			continue
		}
		if !t.cfg.AudioOut || t.ev.OnAudio == nil {
			continue
		}
		pcm := make([]byte, n*2)
		for i := 0; i < n; i++ {
			v := uint16(samples[i])
			pcm[2*i] = byte(v)
			pcm[2*i+1] = byte(v >> 8)
		}
		t.ev.OnAudio(pcm, remoteDecodeRate)
	}
}

func (t *Transport) handleEvent(raw []byte) {
	ev, err := protocol.ParseEvent(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			return
		}
		log.Printf("[%s] malformed event: %v", t.cfg.SessionID, err)
		return
	}
	switch e := ev.(type) {
	case protocol.SimpleEvent:
		switch e.Type {
		case protocol.EventSessionCreated, protocol.EventSessionUpdated:
			if !t.ready.Swap(true) && t.ev.OnReady != nil {
				t.ev.OnReady()
			}
		case protocol.EventSpeechStarted:
			if t.ev.OnInterrupted != nil {
				t.ev.OnInterrupted()
			}
		}
	case protocol.TranscriptDeltaEvent:
		if t.ev.OnResponseText != nil && e.Delta != "" {
			t.ev.OnResponseText(e.Delta)
		}
	case protocol.InputTranscriptEvent:
		if t.ev.OnTranscript != nil && e.Transcript != "" {
			t.ev.OnTranscript(e.Transcript)
		}
	case protocol.FuncArgsDeltaEvent:
		if t.ev.OnToolCallFragment != nil {
			t.ev.OnToolCallFragment(e.CallID, e.Name, e.Delta)
		}
	case protocol.FuncArgsDoneEvent:
		if t.ev.OnToolCallDone != nil {
			t.ev.OnToolCallDone(e.CallID, e.Name, e.Arguments)
		}
	case protocol.ResponseDoneEvent:
		var doneErr error
		if e.Response.Status == "failed" {
			doneErr = errors.New("remote generation failed")
		}
		if t.ev.OnResponseDone != nil {
			t.ev.OnResponseDone(doneErr)
		}
	case protocol.ErrorEvent:
		log.Printf("[%s] remote error: %s %s", t.cfg.SessionID, e.Error.Code, e.Error.Message)
	}
}

// SendAudio upsamples one 16kHz mic frame and feeds the paced opus track.
func (t *Transport) SendAudio(pcm []byte) {
	if t.state.Load() != int32(transport.StateConnected) || t.mic == nil {
		return
	}
	t.mic.WritePCM(audio.Resample16kTo48k(pcm))
}

// SendText injects a user text turn; turnComplete=true also requests a
// response, matching the voice path's commit-then-respond sequence.
func (t *Transport) SendText(text string, turnComplete bool) error {
	err := t.sendEvent(protocol.ItemCreateEvent{
		Type: protocol.EventItemCreate,
		Item: protocol.ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []protocol.ItemContent{{Type: "input_text", Text: text}},
		},
	})
	if err != nil || !turnComplete {
		return err
	}
	return t.CreateResponse()
}

// SendToolResult routes a handler result back under the originating call id.
// The follow-up response is requested separately by the dispatcher.
func (t *Transport) SendToolResult(callID string, payload json.RawMessage) error {
	return t.sendEvent(protocol.ItemCreateEvent{
		Type: protocol.EventItemCreate,
		Item: protocol.ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(payload),
		},
	})
}

func (t *Transport) CreateResponse() error {
	return t.sendEvent(protocol.SimpleEvent{Type: protocol.EventResponseCreate})
}

// CommitInput closes the current speech episode on the remote.
func (t *Transport) CommitInput() error {
	return t.sendEvent(protocol.SimpleEvent{Type: protocol.EventBufferCommit})
}

// ClearInput cancels any in-progress generation and discards buffered
// input. Used on barge-in.
func (t *Transport) ClearInput() error {
	if err := t.sendEvent(protocol.SimpleEvent{Type: protocol.EventResponseCancel}); err != nil {
		return err
	}
	return t.sendEvent(protocol.SimpleEvent{Type: protocol.EventBufferClear})
}

func (t *Transport) sendEvent(v any) error {
	t.dcMu.Lock()
	defer t.dcMu.Unlock()
	if t.dc == nil || !t.dcOpen {
		return transport.ErrNotConnected
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.dc.SendText(string(raw))
}

func (t *Transport) restartICE() error {
	log.Printf("[%s] restarting ICE", t.cfg.SessionID)
	ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
	defer cancel()
	return t.negotiate(ctx, true)
}

func (t *Transport) flowStats() flowSample {
	if t.pc == nil {
		return flowSample{}
	}
	var sample flowSample
	for _, s := range t.pc.GetStats() {
		switch v := s.(type) {
		case webrtc.InboundRTPStreamStats:
			if v.Kind == "audio" {
				sample.inboundBytes += v.BytesReceived
			}
		case webrtc.ICECandidatePairStats:
			if v.Nominated && v.State == webrtc.StatsICECandidatePairStateFailed {
				sample.pairFailed = true
			}
		}
	}
	return sample
}

func (t *Transport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if err := t.sendEvent(protocol.SimpleEvent{Type: protocol.EventPing}); err != nil &&
				!errors.Is(err, transport.ErrNotConnected) {
				log.Printf("[%s] ping: %v", t.cfg.SessionID, err)
			}
		}
	}
}

// Stop tears the session down. Every resource is guarded individually so a
// partially built session still cleans up whatever exists.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.health != nil {
			t.health.Stop()
		}
		if t.mic != nil {
			t.mic.Close()
		}
		t.dcMu.Lock()
		if t.dc != nil {
			_ = t.dc.Close()
			t.dcOpen = false
		}
		t.dcMu.Unlock()
		if t.pc != nil {
			_ = t.pc.Close()
		}
		t.setState(transport.StateStopped)
	})
}

func (t *Transport) setState(s transport.State) {
	old := transport.State(t.state.Swap(int32(s)))
	if old != s && t.ev.OnStateChange != nil {
		t.ev.OnStateChange(s)
	}
}
