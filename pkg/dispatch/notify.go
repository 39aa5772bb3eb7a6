package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/resiliency"
)

// WebhookNotifier posts non-compliant verdicts to an operator webhook.
type WebhookNotifier struct {
	url    string
	client *resiliency.Client
}

// NewWebhookNotifier creates a notifier for the given webhook URL.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: resiliency.NewClient("notify"),
	}
}

type notification struct {
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Verdict   *evaluate.Verdict `json:"verdict"`
}

// Notify delivers the verdict to the webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, v *evaluate.Verdict) error {
	payload, err := json.Marshal(notification{
		Event:     "driver.noncompliant",
		Timestamp: time.Now().UTC(),
		Verdict:   v,
	})
	if err != nil {
		return fmt.Errorf("dispatch: notify payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("dispatch: notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: notify call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch: webhook returned %d", resp.StatusCode)
	}
	return nil
}
