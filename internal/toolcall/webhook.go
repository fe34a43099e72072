package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type webhookRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// WebhookHandler forwards tool calls to an application endpoint and returns
// its JSON response as the tool result. A 404 means the application does
// not implement the tool, which maps to handled=false.
func WebhookHandler(url string) Handler {
	client := &http.Client{Timeout: 15 * time.Second}
	return func(name string, args json.RawMessage) (bool, json.RawMessage, error) {
		body, err := json.Marshal(webhookRequest{Name: name, Arguments: args})
		if err != nil {
			return true, nil, err
		}
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return true, nil, fmt.Errorf("tool webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return false, nil, nil
		}
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return true, nil, fmt.Errorf("tool webhook response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return true, nil, fmt.Errorf("tool webhook returned %d", resp.StatusCode)
		}
		if !json.Valid(payload) {
			return true, nil, fmt.Errorf("tool webhook returned invalid JSON")
		}
		return true, payload, nil
	}
}
