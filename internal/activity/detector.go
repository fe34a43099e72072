// Package activity decides, from the live microphone amplitude envelope,
// when the user has started and stopped speaking. It is used by the peer
// transport when caller-driven turn detection is selected; the socket
// transport relies on server-side detection instead.
package activity

import (
	"sync"
	"time"

	"github.com/MaGioMusic/lumina-voice/internal/audio"
)

const frameMs = 10

// Config tunes the detector. Start/stop thresholds differ (hysteresis) so
// the state does not flicker around a single level.
type Config struct {
	SampleRate int
	// StartRMS is the envelope level that counts as speech onset.
	StartRMS float64
	// StopRMS is the level below which a frame counts as silence.
	StopRMS float64
	// StartFrames is how many consecutive speech frames arm an episode.
	StartFrames int
	// Hangover is the sustained silence required to end an episode.
	Hangover time.Duration
	// MinSpeech suppresses commits for episodes shorter than this.
	MinSpeech time.Duration
	// CommitCooldown suppresses a commit issued too soon after the previous.
	CommitCooldown time.Duration
}

// DefaultConfig returns thresholds suitable for 16kHz echo-cancelled mono.
func DefaultConfig() Config {
	return Config{
		SampleRate:     16000,
		StartRMS:       300,
		StopRMS:        150,
		StartFrames:    3, // ~30ms of sustained voice
		Hangover:       600 * time.Millisecond,
		MinSpeech:      200 * time.Millisecond,
		CommitCooldown: 1 * time.Second,
	}
}

// Events are invoked from Feed, in arrival order.
type Events struct {
	// OnSpeechStart fires once per episode, at onset.
	OnSpeechStart func(at time.Time)
	// OnCommit fires once per episode after speech stop is confirmed.
	OnCommit func(at time.Time)
}

// Detector segments incoming PCM into 10ms frames and applies an RMS
// envelope with hysteresis and debouncing.
type Detector struct {
	cfg Config
	ev  Events

	mu           sync.Mutex
	speaking     bool
	speechStart  time.Time
	lastCommit   time.Time
	committed    bool
	speechCount  int
	silenceCount int
}

// New constructs a Detector. Zero thresholds fall back to defaults.
func New(cfg Config, ev Events) *Detector {
	def := DefaultConfig()
	if cfg.SampleRate == 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.StartRMS == 0 {
		cfg.StartRMS = def.StartRMS
	}
	if cfg.StopRMS == 0 {
		cfg.StopRMS = def.StopRMS
	}
	if cfg.StartFrames == 0 {
		cfg.StartFrames = def.StartFrames
	}
	if cfg.Hangover == 0 {
		cfg.Hangover = def.Hangover
	}
	if cfg.MinSpeech == 0 {
		cfg.MinSpeech = def.MinSpeech
	}
	if cfg.CommitCooldown == 0 {
		cfg.CommitCooldown = def.CommitCooldown
	}
	return &Detector{cfg: cfg, ev: ev}
}

// Feed consumes PCM16LE mono captured at cfg.SampleRate. The provided time
// is the capture time of the first sample; frames within the buffer advance
// it in 10ms steps.
func (d *Detector) Feed(pcm []byte, now time.Time) {
	samplesPerFrame := d.cfg.SampleRate / (1000 / frameMs)
	frameBytes := samplesPerFrame * 2
	idx := 0
	for off := 0; off+frameBytes <= len(pcm); off += frameBytes {
		at := now.Add(time.Duration(idx*frameMs) * time.Millisecond)
		d.onFrame(pcm[off:off+frameBytes], at)
		idx++
	}
}

// Speaking reports whether an episode is in progress.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Reset clears episode state. Cooldown tracking survives so a session
// restart cannot double-commit.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.speaking = false
	d.committed = false
	d.speechCount = 0
	d.silenceCount = 0
	d.mu.Unlock()
}

func (d *Detector) onFrame(frame []byte, now time.Time) {
	rms := audio.RMS(frame)

	d.mu.Lock()
	if !d.speaking {
		if rms >= d.cfg.StartRMS {
			d.speechCount++
			if d.speechCount >= d.cfg.StartFrames {
				d.speaking = true
				d.committed = false
				d.speechStart = now
				d.speechCount = 0
				d.silenceCount = 0
				cb := d.ev.OnSpeechStart
				d.mu.Unlock()
				if cb != nil {
					cb(now)
				}
				return
			}
		} else {
			d.speechCount = 0
		}
		d.mu.Unlock()
		return
	}

	if rms < d.cfg.StopRMS {
		d.silenceCount++
		if time.Duration(d.silenceCount*frameMs)*time.Millisecond >= d.cfg.Hangover {
			d.endEpisode(now)
			return
		}
	} else {
		d.silenceCount = 0
	}
	d.mu.Unlock()
}

// endEpisode is entered with the mutex held and releases it.
func (d *Detector) endEpisode(now time.Time) {
	d.speaking = false
	d.silenceCount = 0

	// The hangover window is silence, not speech.
	episode := now.Sub(d.speechStart) - d.cfg.Hangover
	commit := !d.committed &&
		episode >= d.cfg.MinSpeech &&
		(d.lastCommit.IsZero() || now.Sub(d.lastCommit) >= d.cfg.CommitCooldown)
	if commit {
		d.committed = true
		d.lastCommit = now
	}
	cb := d.ev.OnCommit
	d.mu.Unlock()

	if commit && cb != nil {
		cb(now)
	}
}
