package audio

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"
)

const (
	opusRate         = 48000
	opusFrameSamples = 960 // 20ms at 48kHz
	opusFrameEvery   = 20 * time.Millisecond
)

// SampleWriter is the slice of a WebRTC local track this writer needs.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// PacedOpusWriter encodes 48kHz mono PCM16LE into 20ms opus frames and
// writes them to a track at real-time pace. Audio queued ahead of the pacer
// can be dropped instantly via Reset, which is what makes barge-in feel
// immediate on the peer transport.
type PacedOpusWriter struct {
	enc   *opus.Encoder
	track SampleWriter

	mu      sync.Mutex
	pending []int16
	frames  chan []byte
	stopCh  chan struct{}
	stopped bool
}

// NewPacedOpusWriter constructs a paced writer for the given track.
func NewPacedOpusWriter(track SampleWriter) (*PacedOpusWriter, error) {
	enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &PacedOpusWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go w.pace()
	return w, nil
}

// WritePCM buffers 48kHz mono PCM16LE and emits every complete 20ms frame.
func (w *PacedOpusWriter) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		w.pending = append(w.pending, int16(uint16(pcm[2*i])|uint16(pcm[2*i+1])<<8))
	}
	for len(w.pending) >= opusFrameSamples {
		w.encodeLocked(w.pending[:opusFrameSamples])
		w.pending = w.pending[opusFrameSamples:]
	}
}

// FlushTail pads any partial frame and appends a short silence tail so the
// end of speech is not clipped by the decoder.
func (w *PacedOpusWriter) FlushTail() {
	w.mu.Lock()
	if len(w.pending) > 0 {
		frame := make([]int16, opusFrameSamples)
		copy(frame, w.pending)
		w.encodeLocked(frame)
		w.pending = w.pending[:0]
	}
	silence := make([]int16, opusFrameSamples)
	for i := 0; i < 10; i++ { // ~200ms
		w.encodeLocked(silence)
	}
	w.mu.Unlock()
}

// Reset drops all buffered PCM and queued frames.
func (w *PacedOpusWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = w.pending[:0]
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Close stops the pacer. Idempotent.
func (w *PacedOpusWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedOpusWriter) encodeLocked(frame []int16) {
	buf := make([]byte, 4000)
	n, err := w.enc.Encode(frame, buf)
	if err != nil || n == 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, buf[:n])
	select {
	case w.frames <- pkt:
	case <-w.stopCh:
	}
}

func (w *PacedOpusWriter) pace() {
	ticker := time.NewTicker(opusFrameEvery)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: opusFrameEvery})
			default:
			}
		}
	}
}
