package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultListenerURL is the public amateur listener endpoint.
const DefaultListenerURL = "https://api.v2.sondehub.org/amateur/listeners"

// ListenerClient upserts listener records with an HTTP PUT.
type ListenerClient struct {
	url  string
	http *http.Client
}

// NewListenerClient creates a client for url; timeout <= 0 uses 10s.
func NewListenerClient(url string, timeout time.Duration) *ListenerClient {
	if url == "" {
		url = DefaultListenerURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ListenerClient{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

// UploadListener sends one listener record. Non-2xx responses are returned as
// errors carrying the status and body.
func (c *ListenerClient) UploadListener(ctx context.Context, l Listener) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode listener: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("listener upload: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("listener upload failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("listener upload failed: %s", res.Status)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
