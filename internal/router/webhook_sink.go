package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tripwire/sentinel/internal/alert"
)

// WebhookSink POSTs the JSON encoding of each alert to a configured URL. The
// response body and status are ignored beyond a 2xx check; a failure is
// reported to the router but never backs off onto other sinks, per
// spec.md §4.6.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink constructs a sink posting to url. The HTTP client's own
// Timeout is left unset deliberately: the per-call deadline comes from the
// context the router passes to Send.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{}}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, a alert.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) Flush(ctx context.Context) error { return nil }
func (s *WebhookSink) Close() error                    { return nil }
