package notification

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: httpClient}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload := map[string]string{
		"level":   string(alert.Level),
		"source":  alert.Source,
		"title":   alert.Title,
		"message": alert.Message,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := postJSON(ctx, w.client, w.url, payload); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	log.Printf("[webhook] sent alert to %s: %s", w.url, alert.Title)
	return nil
}
