// Package session owns the lifecycle of the single realtime assistant
// session: transport selection, mic streaming, playback scheduling, turn
// detection, tool-call dispatch and self-healing restarts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MaGioMusic/lumina-voice/internal/activity"
	"github.com/MaGioMusic/lumina-voice/internal/archive"
	"github.com/MaGioMusic/lumina-voice/internal/audio"
	"github.com/MaGioMusic/lumina-voice/internal/config"
	"github.com/MaGioMusic/lumina-voice/internal/observability"
	"github.com/MaGioMusic/lumina-voice/internal/peer"
	"github.com/MaGioMusic/lumina-voice/internal/playback"
	"github.com/MaGioMusic/lumina-voice/internal/socket"
	"github.com/MaGioMusic/lumina-voice/internal/toolcall"
	"github.com/MaGioMusic/lumina-voice/internal/transport"
)

// Mode selects what kind of session the user asked for.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// Restart delays escalate across consecutive failures, then hold.
var restartDelays = []time.Duration{800 * time.Millisecond, 2 * time.Second, 30 * time.Second}

var ErrConnectTimeout = errors.New("session did not connect in time")

// Archiver persists a finished transcript. Implementations must not block
// session teardown.
type Archiver interface {
	Archive(sessionID string, turns []archive.Turn)
}

// CredentialFetcher mints one short-lived session grant.
type CredentialFetcher interface {
	Fetch(ctx context.Context) (peer.Credentials, error)
}

// Options wires the manager's collaborators.
type Options struct {
	Config      config.Config
	Tools       []transport.ToolDeclaration
	Handler     toolcall.Handler
	Metrics     *observability.Metrics
	Sink        playback.Sink
	Mic         func() (audio.Source, error)
	Credentials CredentialFetcher
	Snapshots   SnapshotSource
	Archiver    Archiver

	// transportFactory overrides transport construction in tests.
	transportFactory func(kind config.TransportKind, creds peer.Credentials, audioOut bool, sessionID string, ev transport.Events) transport.Transport
}

// State is the display snapshot of the current session.
type State struct {
	SessionID  string               `json:"session_id,omitempty"`
	Mode       Mode                 `json:"mode,omitempty"`
	Transport  config.TransportKind `json:"transport,omitempty"`
	Connection string               `json:"connection"`
	Ready      bool                 `json:"ready"`
	Muted      bool                 `json:"muted"`
	Speaking   bool                 `json:"speaking"`
}

type activeSession struct {
	id   string
	mode Mode
	kind config.TransportKind

	tr       transport.Transport
	sched    *playback.Scheduler
	detector *activity.Detector
	disp     *toolcall.Dispatcher
	gate     *responseGate
	mic      audio.Source

	filter          snapshotFilter
	cancelSnapshots func()

	muted   atomic.Bool
	ready   atomic.Bool
	readyCh chan struct{}
	state   atomic.Int32

	turnsMu sync.Mutex
	turns   []archive.Turn
	userBuf strings.Builder
	asstBuf strings.Builder

	stopOnce sync.Once
}

// Manager is the facade the HTTP surface talks to. At most one session is
// open at a time.
type Manager struct {
	opts Options

	mu           sync.Mutex
	sess         *activeSession
	restartTimer *time.Timer
	restartCount int
}

func NewManager(opts Options) *Manager {
	if opts.Credentials == nil && opts.Config.CredentialURL != "" {
		opts.Credentials = peer.NewCredentialClient(opts.Config.CredentialURL, opts.Config.APIKey)
	}
	return &Manager{opts: opts}
}

// Start opens a session in the given mode. An open session in a different
// mode is torn down first; one already in the requested mode is kept. A
// disabled assistant logs and ignores the request.
func (m *Manager) Start(ctx context.Context, mode Mode) error {
	if !m.opts.Config.VoiceEnabled {
		log.Printf("assistant disabled by configuration, ignoring start request")
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	if m.sess != nil {
		if m.sess.mode == mode {
			return nil
		}
		m.stopLocked()
	}
	m.restartCount = 0
	return m.startLocked(ctx, mode)
}

func (m *Manager) startLocked(ctx context.Context, mode Mode) error {
	id := uuid.NewString()
	audioOut := mode == ModeVoice

	var creds peer.Credentials
	if m.opts.Credentials != nil {
		cctx, cancel := context.WithTimeout(ctx, m.opts.Config.ConnectTimeout)
		var err error
		creds, err = m.opts.Credentials.Fetch(cctx)
		cancel()
		if err != nil {
			return fmt.Errorf("session credentials: %w", err)
		}
	}
	if creds.Model == "" {
		creds.Model = m.opts.Config.Model
	}

	s := &activeSession{
		id:      id,
		mode:    mode,
		kind:    m.opts.Config.Transport,
		sched:   playback.New(m.opts.Sink),
		readyCh: make(chan struct{}),
	}
	s.state.Store(int32(transport.StateIdle))
	s.gate = newResponseGate(0, func() {
		if m.opts.Metrics != nil {
			m.opts.Metrics.WatchdogExpiries.Inc()
		}
	})
	s.disp = toolcall.New(m.opts.Handler,
		func(callID string, payload json.RawMessage) error { return s.tr.SendToolResult(callID, payload) },
		func() {
			if s.gate.TryBegin() {
				if err := s.tr.CreateResponse(); err != nil {
					log.Printf("[%s] request response: %v", s.id, err)
					s.gate.Complete()
				}
			}
		},
		func(outcome string) {
			if m.opts.Metrics != nil {
				m.opts.Metrics.ToolCalls.WithLabelValues(outcome).Inc()
			}
		})

	ev := m.sessionEvents(s)
	if m.opts.transportFactory != nil {
		s.tr = m.opts.transportFactory(s.kind, creds, audioOut, id, ev)
	} else {
		s.tr = m.buildTransport(s.kind, creds, audioOut, id, ev)
	}

	// Local turn detection runs only on the peer transport: the socket
	// backend detects turns server-side.
	if s.kind == config.TransportPeer && mode == ModeVoice {
		s.detector = activity.New(activity.DefaultConfig(), activity.Events{
			OnSpeechStart: func(time.Time) {
				if s.sched.Speaking() {
					log.Printf("[%s] barge-in: flushing playback", s.id)
					s.sched.Flush()
					if err := s.tr.ClearInput(); err != nil {
						log.Printf("[%s] clear input: %v", s.id, err)
					}
					s.gate.Complete()
				}
			},
			OnCommit: func(time.Time) {
				if err := s.tr.CommitInput(); err != nil {
					log.Printf("[%s] commit input: %v", s.id, err)
					return
				}
				if s.gate.TryBegin() {
					if err := s.tr.CreateResponse(); err != nil {
						log.Printf("[%s] create response: %v", s.id, err)
						s.gate.Complete()
					}
				}
			},
		})
	}

	if err := s.tr.Start(ctx); err != nil {
		s.sched.Close()
		s.gate.Stop()
		return fmt.Errorf("transport start: %w", err)
	}

	if mode == ModeVoice && m.opts.Mic != nil {
		src, err := m.opts.Mic()
		if err == nil {
			err = src.Start()
		}
		if err != nil {
			s.tr.Stop()
			s.sched.Close()
			s.gate.Stop()
			return fmt.Errorf("microphone: %w", err)
		}
		s.mic = src
		go m.pumpMic(s)
	}

	if m.opts.Snapshots != nil {
		s.cancelSnapshots = m.opts.Snapshots.Subscribe(func(snap Snapshot) {
			// Readiness is checked before the dedupe filter so a snapshot
			// dropped during the handshake can still be delivered when it
			// is republished afterwards.
			if !s.ready.Load() || !s.filter.Pass(snap) {
				return
			}
			content := snap.Content
			if snap.Label != "" {
				content = snap.Label + ": " + content
			}
			if err := s.tr.SendText(content, false); err != nil {
				log.Printf("[%s] context snapshot: %v", s.id, err)
			}
		})
	}

	m.sess = s
	if m.opts.Metrics != nil {
		m.opts.Metrics.SessionsStarted.WithLabelValues(string(s.kind)).Inc()
	}
	log.Printf("[%s] session started: mode=%s transport=%s", id, mode, s.kind)
	return nil
}

func (m *Manager) buildTransport(kind config.TransportKind, creds peer.Credentials, audioOut bool, sessionID string, ev transport.Events) transport.Transport {
	cfg := m.opts.Config
	if kind == config.TransportPeer {
		var turn peer.TURNProvider
		if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
			turn = peer.NewTwilioTURN(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
		}
		return peer.New(peer.Config{
			SignalingURL:   cfg.SignalingURL,
			Credentials:    creds,
			SystemPrompt:   cfg.SystemPrompt,
			AudioOut:       audioOut,
			Tools:          m.declaredTools(),
			ICEServersJSON: cfg.ICEServersJSON,
			TURN:           turn,
			SessionID:      sessionID,
		}, ev)
	}
	return socket.New(socket.Config{
		URL:          cfg.SocketURL,
		Token:        creds.Token,
		Model:        creds.Model,
		SystemPrompt: cfg.SystemPrompt,
		Locale:       cfg.Locale,
		AudioOut:     audioOut,
		Tools:        m.declaredTools(),
		SessionID:    sessionID,
	}, ev)
}

func (m *Manager) declaredTools() []transport.ToolDeclaration {
	if !m.opts.Config.ToolCalling {
		return nil
	}
	return m.opts.Tools
}

func (m *Manager) sessionEvents(s *activeSession) transport.Events {
	countEvent := func(name string) {
		if m.opts.Metrics != nil {
			m.opts.Metrics.SessionEvents.WithLabelValues(name).Inc()
		}
	}
	return transport.Events{
		OnReady: func() {
			if !s.ready.Swap(true) {
				close(s.readyCh)
			}
			m.mu.Lock()
			m.restartCount = 0
			m.mu.Unlock()
			countEvent("ready")
			log.Printf("[%s] session ready", s.id)
		},
		OnStateChange: func(st transport.State) {
			s.state.Store(int32(st))
		},
		OnTranscript: func(delta string) {
			s.turnsMu.Lock()
			s.userBuf.WriteString(delta)
			s.turnsMu.Unlock()
		},
		OnResponseText: func(delta string) {
			s.turnsMu.Lock()
			s.asstBuf.WriteString(delta)
			s.turnsMu.Unlock()
		},
		OnAudio: func(pcm []byte, rate int) {
			s.sched.Enqueue(pcm, rate)
		},
		OnInterrupted: func() {
			countEvent("interrupted")
			s.sched.Flush()
			s.gate.Complete()
			s.flushTurns()
		},
		OnToolCallFragment: s.disp.Feed,
		OnToolCallDone:     s.disp.Done,
		OnToolCall:         s.disp.Dispatch,
		OnResponseDone: func(err error) {
			if err != nil {
				log.Printf("[%s] response ended with error: %v", s.id, err)
				countEvent("response_failed")
			} else {
				countEvent("response_done")
			}
			s.gate.Complete()
			s.flushTurns()
		},
		OnFatal: func(err error) {
			log.Printf("[%s] transport failed: %v", s.id, err)
			countEvent("fatal")
			m.scheduleRestart(s)
		},
	}
}

func (s *activeSession) flushTurns() {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	if text := strings.TrimSpace(s.userBuf.String()); text != "" {
		s.turns = append(s.turns, archive.Turn{Role: "user", Text: text, At: time.Now()})
	}
	if text := strings.TrimSpace(s.asstBuf.String()); text != "" {
		s.turns = append(s.turns, archive.Turn{Role: "assistant", Text: text, At: time.Now()})
	}
	s.userBuf.Reset()
	s.asstBuf.Reset()
}

func (m *Manager) pumpMic(s *activeSession) {
	for frame := range s.mic.Frames() {
		if s.muted.Load() {
			continue
		}
		s.tr.SendAudio(frame)
		if m.opts.Metrics != nil {
			m.opts.Metrics.AudioFramesSent.Inc()
		}
		if s.detector != nil {
			s.detector.Feed(frame, time.Now())
		}
	}
}

// scheduleRestart recreates the failed session after a fixed delay. The
// delay escalates across consecutive failures and resets once a session
// reaches ready.
func (m *Manager) scheduleRestart(failed *activeSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != failed {
		return // already replaced or stopped
	}
	mode := failed.mode
	m.stopLocked()
	m.armRestartLocked(failed.id, mode)
}

// armRestartLocked schedules the next start attempt. A failed attempt
// re-arms itself at the next ladder rung, so a transient outage of the
// credential endpoint or the remote does not end recovery; the ladder holds
// at its last rung until a session reaches ready.
func (m *Manager) armRestartLocked(id string, mode Mode) {
	delay := restartDelays[min(m.restartCount, len(restartDelays)-1)]
	m.restartCount++
	if m.opts.Metrics != nil {
		m.opts.Metrics.Reconnects.Inc()
	}
	log.Printf("[%s] restarting session in %s", id, delay)
	m.restartTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sess != nil || m.restartTimer == nil {
			return // replaced by a user start, or stopped for good
		}
		if err := m.startLocked(context.Background(), mode); err != nil {
			log.Printf("[%s] session restart failed: %v", id, err)
			m.armRestartLocked(id, mode)
			return
		}
		m.restartTimer = nil
	})
}

// Stop tears the open session down. Idempotent; also cancels any pending
// automatic restart so a user stop is final.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	s := m.sess
	if s == nil {
		return
	}
	m.sess = nil
	s.stopOnce.Do(func() {
		if s.cancelSnapshots != nil {
			s.cancelSnapshots()
		}
		if s.tr != nil {
			s.tr.Stop()
		}
		if s.mic != nil {
			_ = s.mic.Close()
		}
		if s.sched != nil {
			s.sched.Close()
		}
		s.gate.Stop()
		s.disp.Reset()
		s.flushTurns()
		if m.opts.Archiver != nil {
			s.turnsMu.Lock()
			turns := append([]archive.Turn(nil), s.turns...)
			s.turnsMu.Unlock()
			go m.opts.Archiver.Archive(s.id, turns)
		}
		log.Printf("[%s] session stopped", s.id)
	})
}

// ToggleMute flips outbound audio without closing the session and returns
// the new muted state.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return false
	}
	muted := !s.muted.Load()
	s.muted.Store(muted)
	log.Printf("[%s] muted=%v", s.id, muted)
	return muted
}

// SendText delivers a typed user turn. A voice session is replaced by a
// text session first; the wait for connectivity is bounded.
func (m *Manager) SendText(ctx context.Context, text string) error {
	if !m.opts.Config.VoiceEnabled {
		log.Printf("assistant disabled by configuration, ignoring text")
		return nil
	}
	m.mu.Lock()
	if m.sess == nil || m.sess.mode != ModeText {
		if m.restartTimer != nil {
			m.restartTimer.Stop()
			m.restartTimer = nil
		}
		m.stopLocked()
		m.restartCount = 0
		if err := m.startLocked(ctx, ModeText); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	s := m.sess
	m.mu.Unlock()

	timeout := m.opts.Config.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-s.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrConnectTimeout
	}

	s.turnsMu.Lock()
	s.turns = append(s.turns, archive.Turn{Role: "user", Text: text, At: time.Now()})
	s.turnsMu.Unlock()
	return s.tr.SendText(text, true)
}

// State reports the current session for display.
func (m *Manager) State() State {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return State{Connection: transport.StateIdle.String()}
	}
	return State{
		SessionID:  s.id,
		Mode:       s.mode,
		Transport:  s.kind,
		Connection: transport.State(s.state.Load()).String(),
		Ready:      s.ready.Load(),
		Muted:      s.muted.Load(),
		Speaking:   s.sched.Speaking(),
	}
}
