package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fingerhq/finger/internal/config"
)

// clientTimeout bounds one CLI request against the daemon. Blocking
// sends get a longer budget in runSend.
const clientTimeout = 10 * time.Second

// daemonGet fetches path from the running daemon and decodes the JSON
// body into out.
func daemonGet(path string, out any) error {
	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Get(config.HubURL() + path)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (start it with 'finger daemon'): %w", config.HubURL(), err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// daemonPost sends body as JSON to path and decodes the reply into out.
func daemonPost(path string, body, out any, timeout time.Duration) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(config.HubURL()+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (start it with 'finger daemon'): %w", config.HubURL(), err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

// decodeResponse maps non-2xx replies onto the daemon's error body and
// decodes successful ones into out.
func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if jerr := json.Unmarshal(raw, &apiErr); jerr == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon answered %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon answered %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
