package peer

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/pion/webrtc/v3"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const turnCredentialTTL = 3600 // seconds

// TURNProvider mints ephemeral TURN credentials so peers behind symmetric
// NATs can still relay media. Optional: with no provider configured the
// transport falls back to the static ICE server list.
type TURNProvider interface {
	ICEServers() ([]webrtc.ICEServer, error)
}

// TwilioTURN provisions per-session TURN credentials through the Twilio
// Tokens API.
type TwilioTURN struct {
	client *twilio.RestClient
}

func NewTwilioTURN(accountSID, authToken string) *TwilioTURN {
	return &TwilioTURN{client: twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})}
}

func (t *TwilioTURN) ICEServers() ([]webrtc.ICEServer, error) {
	params := &twilioApi.CreateTokenParams{}
	params.SetTtl(turnCredentialTTL)
	token, err := t.client.Api.CreateToken(params)
	if err != nil {
		return nil, fmt.Errorf("twilio token: %w", err)
	}
	if token.IceServers == nil {
		return nil, fmt.Errorf("twilio token carried no ice servers")
	}
	servers := make([]webrtc.ICEServer, 0, len(*token.IceServers))
	for _, s := range *token.IceServers {
		url := s.Urls
		if url == "" {
			url = s.Url
		}
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{url},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers, nil
}

// ParseICEServers decodes a static JSON ICE server list from configuration.
// Shape: [{"urls":["stun:..."],"username":"","credential":""}].
func ParseICEServers(raw string) ([]webrtc.ICEServer, error) {
	if raw == "" {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}, nil
	}
	var entries []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("ice servers config: %w", err)
	}
	servers := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		if len(e.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: e.URLs, Username: e.Username}
		if e.Credential != "" {
			srv.Credential = e.Credential
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// gatherICEServers merges static config with ephemeral TURN credentials.
// TURN failures degrade to the static list rather than blocking the session.
func gatherICEServers(staticJSON string, provider TURNProvider, sessionID string) []webrtc.ICEServer {
	servers, err := ParseICEServers(staticJSON)
	if err != nil {
		log.Printf("[%s] bad ice server config, using default STUN: %v", sessionID, err)
		servers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if provider == nil {
		return servers
	}
	turn, err := provider.ICEServers()
	if err != nil {
		log.Printf("[%s] TURN provisioning failed, continuing without relay: %v", sessionID, err)
		return servers
	}
	return append(servers, turn...)
}
