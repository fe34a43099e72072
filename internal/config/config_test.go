package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("VOICE_TRANSPORT", "")
	t.Setenv("VOICE_MODEL", "")
	t.Setenv("VOICE_CONNECT_TIMEOUT_MS", "")

	cfg := Load()
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default address :8080, got %s", cfg.HTTPAddress)
	}
	if cfg.Transport != TransportSocket {
		t.Fatalf("expected default transport socket, got %s", cfg.Transport)
	}
	if !cfg.VoiceEnabled {
		t.Fatalf("expected voice enabled by default")
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Fatalf("expected default connect timeout, got %v", cfg.ConnectTimeout)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("VOICE_TRANSPORT", "peer")
	t.Setenv("VOICE_DISABLED", "1")
	t.Setenv("VOICE_CONNECT_TIMEOUT_MS", "2500")

	cfg := Load()
	if cfg.Transport != TransportPeer {
		t.Fatalf("expected peer transport, got %s", cfg.Transport)
	}
	if cfg.VoiceEnabled {
		t.Fatalf("expected voice disabled")
	}
	if cfg.ConnectTimeout != 2500*time.Millisecond {
		t.Fatalf("expected 2.5s timeout, got %v", cfg.ConnectTimeout)
	}
}

func TestLoad_BadTransportFallsBack(t *testing.T) {
	t.Setenv("VOICE_TRANSPORT", "carrier-pigeon")
	cfg := Load()
	if cfg.Transport != TransportSocket {
		t.Fatalf("expected fallback to socket, got %s", cfg.Transport)
	}
}
