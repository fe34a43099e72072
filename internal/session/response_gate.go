package session

import (
	"log"
	"sync"
	"time"
)

const watchdogCeiling = 15 * time.Second

// responseGate enforces at most one in-flight response generation. A
// watchdog force-clears the flag if the remote never closes a generation,
// so one lost response.done cannot wedge the session.
type responseGate struct {
	mu       sync.Mutex
	inFlight bool
	watchdog *time.Timer
	ceiling  time.Duration
	onExpire func()
}

func newResponseGate(ceiling time.Duration, onExpire func()) *responseGate {
	if ceiling == 0 {
		ceiling = watchdogCeiling
	}
	return &responseGate{ceiling: ceiling, onExpire: onExpire}
}

// TryBegin claims the in-flight slot. False means a generation is already
// running and the caller must not request another.
func (g *responseGate) TryBegin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight {
		return false
	}
	g.inFlight = true
	g.watchdog = time.AfterFunc(g.ceiling, g.expire)
	return true
}

// Complete releases the slot. Safe to call when nothing is in flight.
func (g *responseGate) Complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearLocked()
}

func (g *responseGate) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Stop cancels the watchdog without invoking the expiry callback.
func (g *responseGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearLocked()
}

func (g *responseGate) clearLocked() {
	g.inFlight = false
	if g.watchdog != nil {
		g.watchdog.Stop()
		g.watchdog = nil
	}
}

func (g *responseGate) expire() {
	g.mu.Lock()
	if !g.inFlight {
		g.mu.Unlock()
		return
	}
	g.clearLocked()
	g.mu.Unlock()
	log.Printf("response watchdog expired, clearing in-flight flag")
	if g.onExpire != nil {
		g.onExpire()
	}
}
