package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Wire formats used by the transports. The socket transport carries base64
// PCM16LE inside JSON; the peer transport carries opus RTP on media tracks.

// EncodeFrame quantizes float samples in [-1, 1] to 16-bit signed LE PCM.
func EncodeFrame(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

// DecodeFrame converts 16-bit signed LE PCM to float samples in [-1, 1].
// A trailing odd byte is ignored.
func DecodeFrame(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2 : (i+1)*2]))
		out[i] = float64(v) / 32768
	}
	return out
}

// WrapBase64 encodes a PCM frame for text-safe framing.
func WrapBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// UnwrapBase64 decodes a base64-wrapped PCM frame.
func UnwrapBase64(data string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	return b, nil
}

// ParseRate extracts the sample rate from a mime string such as
// "audio/pcm;rate=24000". Senders advertise the rate; it is never assumed.
func ParseRate(mime string, fallback int) int {
	for _, part := range strings.Split(mime, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "rate=") {
			continue
		}
		if v, err := strconv.Atoi(strings.TrimPrefix(part, "rate=")); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

// DurationMs returns the playback duration in milliseconds of a PCM16 mono
// buffer at the given rate.
func DurationMs(pcm []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	return (len(pcm) / 2) * 1000 / rate
}

// Resample16kTo48k upsamples PCM16LE mono by sample repetition. Good enough
// for speech headed into an opus encoder; the encoder's own filtering smooths
// the steps.
func Resample16kTo48k(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*3*2)
	for i := 0; i < n; i++ {
		v := binary.LittleEndian.Uint16(pcm[i*2 : (i+1)*2])
		for j := 0; j < 3; j++ {
			binary.LittleEndian.PutUint16(out[(i*3+j)*2:(i*3+j+1)*2], v)
		}
	}
	return out
}

// RMS computes the root-mean-square amplitude of a PCM16LE buffer, used as
// the envelope for local activity detection.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : (i+1)*2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
