// Package peer implements the WebRTC session transport: mic and synthesized
// speech travel as opus media tracks, control events on a reliable data
// channel.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MaGioMusic/lumina-voice/internal/transport"
)

// Credentials is the short-lived session grant minted by the credential
// endpoint. The token is single-use and expires within minutes.
type Credentials struct {
	Token  string `json:"token"`
	Region string `json:"region"`
	Model  string `json:"model"`
}

// CredentialClient fetches session grants over HTTPS.
type CredentialClient struct {
	url    string
	apiKey string
	http   *http.Client
}

func NewCredentialClient(url, apiKey string) *CredentialClient {
	return &CredentialClient{url: url, apiKey: apiKey, http: &http.Client{Timeout: 15 * time.Second}}
}

// Fetch mints one session credential. A non-2xx status maps to ErrAuth so
// callers can distinguish bad keys from transient network failures.
func (c *CredentialClient) Fetch(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("credential request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Credentials{}, transport.ErrAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credentials{}, fmt.Errorf("credential endpoint returned %d", resp.StatusCode)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("credential response: %w", err)
	}
	if creds.Token == "" {
		return Credentials{}, fmt.Errorf("credential response missing token")
	}
	return creds, nil
}
