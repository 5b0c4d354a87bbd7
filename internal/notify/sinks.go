package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// LogSink writes every event to the structured log. Always configured, so an
// operator can reconstruct security events without an external receiver.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ev Event) error {
	s.Logger.Info("notification",
		"trigger", ev.Trigger,
		"title", ev.Title,
		"message", ev.Message,
		"data", ev.Data,
	)
	return nil
}

const webhookTimeout = 3 * time.Second

// WebhookSink POSTs events as JSON to a configured URL. Network trouble is
// expected and reported as an error for the dispatcher to log.
type WebhookSink struct {
	URL    string
	client *http.Client
}

// NewWebhookSink creates a sink for the given endpoint.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

func (s *WebhookSink) Deliver(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	resp, err := s.client.Post(s.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
