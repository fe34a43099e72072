package peer

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

const (
	statsInterval   = 2 * time.Second
	stallTimeout    = 30 * time.Second
	disconnectGrace = 2 * time.Second
	restartBackoff  = 800 * time.Millisecond
)

// ErrConnectionLost is reported when the peer connection fails beyond what
// an ICE restart can repair.
var ErrConnectionLost = errors.New("peer connection lost")

// flowSample is one stats poll result.
type flowSample struct {
	// inboundBytes is the cumulative inbound audio byte count.
	inboundBytes uint64
	// pairFailed reports that a nominated candidate pair has failed.
	pairFailed bool
}

type healthConfig struct {
	sessionID string
	// stats samples inbound media flow and candidate pair state.
	stats func() flowSample
	// restart triggers one ICE restart negotiation.
	restart func() error
	onFatal func(error)

	// test seams
	interval time.Duration
	stall    time.Duration
	grace    time.Duration
	backoff  time.Duration
}

// healthMonitor watches inbound media flow and connection state, repairing
// stalls with ICE restarts and escalating unrecoverable failures.
type healthMonitor struct {
	cfg healthConfig

	mu         sync.Mutex
	lastBytes  uint64
	lastChange time.Time
	restarting bool
	graceTimer *time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newHealthMonitor(cfg healthConfig) *healthMonitor {
	if cfg.interval == 0 {
		cfg.interval = statsInterval
	}
	if cfg.stall == 0 {
		cfg.stall = stallTimeout
	}
	if cfg.grace == 0 {
		cfg.grace = disconnectGrace
	}
	if cfg.backoff == 0 {
		cfg.backoff = restartBackoff
	}
	return &healthMonitor{cfg: cfg, stopCh: make(chan struct{})}
}

func (h *healthMonitor) Start() {
	h.mu.Lock()
	h.lastChange = time.Now()
	h.mu.Unlock()
	go h.pollLoop()
}

func (h *healthMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		if h.graceTimer != nil {
			h.graceTimer.Stop()
		}
		h.mu.Unlock()
	})
}

// NotifyState feeds peer connection state transitions into the repair
// policy: disconnected gets a short grace period before an ICE restart,
// failed and closed are fatal.
func (h *healthMonitor) NotifyState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		h.mu.Lock()
		if h.graceTimer != nil {
			h.graceTimer.Stop()
			h.graceTimer = nil
		}
		h.lastChange = time.Now()
		h.restarting = false
		h.mu.Unlock()
	case webrtc.PeerConnectionStateDisconnected:
		h.mu.Lock()
		if h.graceTimer == nil {
			h.graceTimer = time.AfterFunc(h.cfg.grace, func() {
				h.mu.Lock()
				h.graceTimer = nil
				h.mu.Unlock()
				h.tryRestart("still disconnected after grace period")
			})
		}
		h.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		select {
		case <-h.stopCh:
			return
		default:
		}
		if h.cfg.onFatal != nil {
			h.cfg.onFatal(ErrConnectionLost)
		}
	}
}

func (h *healthMonitor) pollLoop() {
	ticker := time.NewTicker(h.cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkFlow()
		}
	}
}

func (h *healthMonitor) checkFlow() {
	sample := h.cfg.stats()
	h.mu.Lock()
	if sample.inboundBytes > h.lastBytes {
		h.lastBytes = sample.inboundBytes
		h.lastChange = time.Now()
		h.mu.Unlock()
		if sample.pairFailed {
			// Media still arrives on a failed pair only briefly; restart
			// before the flow dries up.
			h.tryRestart("selected candidate pair failed")
		}
		return
	}
	stalled := time.Since(h.lastChange) >= h.cfg.stall
	h.mu.Unlock()
	if stalled {
		h.tryRestart("no inbound media")
		return
	}
	if sample.pairFailed {
		h.tryRestart("selected candidate pair failed")
	}
}

// tryRestart runs at most one ICE restart at a time, after a short backoff
// so transient flaps settle first.
func (h *healthMonitor) tryRestart(reason string) {
	h.mu.Lock()
	if h.restarting {
		h.mu.Unlock()
		return
	}
	h.restarting = true
	h.mu.Unlock()

	log.Printf("[%s] connection unhealthy (%s), scheduling ICE restart", h.cfg.sessionID, reason)
	time.AfterFunc(h.cfg.backoff, func() {
		select {
		case <-h.stopCh:
			return
		default:
		}
		if err := h.cfg.restart(); err != nil {
			log.Printf("[%s] ICE restart failed: %v", h.cfg.sessionID, err)
			h.mu.Lock()
			h.restarting = false
			h.mu.Unlock()
			if h.cfg.onFatal != nil {
				h.cfg.onFatal(ErrConnectionLost)
			}
			return
		}
		h.mu.Lock()
		h.lastChange = time.Now()
		h.restarting = false
		h.mu.Unlock()
	})
}
