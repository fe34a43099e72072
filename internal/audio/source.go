package audio

import "errors"

// Capture failures are surfaced with user-actionable errors so the caller can
// distinguish a missing device from a blocked one.
var (
	ErrNoDevice         = errors.New("audio: no capture device found")
	ErrPermissionDenied = errors.New("audio: microphone permission blocked")
	ErrDeviceBusy       = errors.New("audio: capture device busy")
)

// Source delivers mono PCM16LE frames from a capture device. Implementations
// are expected to apply echo cancellation and emit short frames (10-40ms).
type Source interface {
	// Start opens the device. It returns ErrNoDevice, ErrPermissionDenied or
	// ErrDeviceBusy when capture cannot begin.
	Start() error
	// Frames yields captured PCM16LE frames at Rate(). The channel is closed
	// when the source stops.
	Frames() <-chan []byte
	// Rate reports the capture sample rate in Hz.
	Rate() int
	// Close releases the device. Safe to call more than once.
	Close() error
}
