package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// TransportKind selects which realtime transport a session uses.
type TransportKind string

const (
	TransportSocket TransportKind = "socket"
	TransportPeer   TransportKind = "peer"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// VoiceEnabled gates the whole assistant; when false, start requests are
	// logged and ignored.
	VoiceEnabled bool
	Transport    TransportKind

	// CredentialURL returns a short-lived {token, region, model} triple,
	// consumed once per session start.
	CredentialURL string
	// SignalingURL accepts an SDP offer (peer transport only).
	SignalingURL string
	// SocketURL is the streaming-socket endpoint (socket transport only).
	SocketURL string

	Model        string
	SystemPrompt string
	Locale       string

	// ToolCalling enables sending tool declarations during handshake.
	ToolCalling bool
	// ToolsFile points at a JSON array of tool declarations.
	ToolsFile string
	// ToolWebhookURL receives dispatched tool calls as POST {name, args}.
	ToolWebhookURL string

	// APIKey authenticates against the credential endpoint.
	APIKey string

	// MicPipePath and SpeakerPipePath connect the engine to external
	// capture/playout processes via raw PCM pipes.
	MicPipePath     string
	SpeakerPipePath string

	// ICEServersJSON configures extra STUN/TURN servers as a JSON array.
	ICEServersJSON string

	// Twilio credentials, used to provision ephemeral TURN relays when set.
	TwilioAccountSID string
	TwilioAuthToken  string

	// Supabase transcript archive; archiving is skipped when URL is empty.
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	// ConnectTimeout bounds waits for a session to reach connected.
	ConnectTimeout time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	transport := TransportKind(os.Getenv("VOICE_TRANSPORT"))
	if transport != TransportSocket && transport != TransportPeer {
		transport = TransportSocket
	}

	credURL := os.Getenv("VOICE_CREDENTIAL_URL")
	if credURL == "" {
		log.Println("Warning: VOICE_CREDENTIAL_URL not set - sessions cannot authenticate")
	}

	model := os.Getenv("VOICE_MODEL")
	if model == "" {
		model = "gemini-2.0-flash-live-001"
	}

	locale := os.Getenv("VOICE_LOCALE")
	if locale == "" {
		locale = "en-US"
	}

	timeout := 10 * time.Second
	if raw := os.Getenv("VOICE_CONNECT_TIMEOUT_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	cfg := Config{
		HTTPAddress:      addr,
		VoiceEnabled:     os.Getenv("VOICE_DISABLED") != "1",
		Transport:        transport,
		CredentialURL:    credURL,
		SignalingURL:     os.Getenv("VOICE_SIGNALING_URL"),
		SocketURL:        os.Getenv("VOICE_SOCKET_URL"),
		Model:            model,
		SystemPrompt:     os.Getenv("VOICE_SYSTEM_PROMPT"),
		Locale:           locale,
		ToolCalling:      os.Getenv("VOICE_TOOLS_DISABLED") != "1",
		ToolsFile:        os.Getenv("VOICE_TOOLS_FILE"),
		ToolWebhookURL:   os.Getenv("VOICE_TOOL_WEBHOOK_URL"),
		APIKey:           os.Getenv("VOICE_API_KEY"),
		MicPipePath:      os.Getenv("VOICE_MIC_PIPE"),
		SpeakerPipePath:  os.Getenv("VOICE_SPEAKER_PIPE"),
		ICEServersJSON:   os.Getenv("VOICE_ICE_SERVERS"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		SupabaseURL:      os.Getenv("SUPABASE_URL"),
		SupabaseKey:      os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:   os.Getenv("SUPABASE_TRANSCRIPT_BUCKET"),
		ConnectTimeout:   timeout,
	}

	log.Printf("config: HTTP_ADDRESS=%s transport=%s model=%s", addr, cfg.Transport, cfg.Model)
	return cfg
}
