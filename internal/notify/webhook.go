// Package notify delivers the best-effort completion signal to the API
// tier once a job enters Finishing. Delivery failures are logged and
// counted but never fail reconciliation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vnznznz/browsertrix-cloud/internal/logger"
	"github.com/vnznznz/browsertrix-cloud/internal/metrics"
)

// Message is the webhook payload posted when a job finishes
type Message struct {
	DeliveryID string `json:"deliveryId"`
	ID         string `json:"id"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
}

// Notifier posts completion messages
type Notifier struct {
	client *http.Client
}

// New creates a Notifier with a bounded request timeout
func New() *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// JobDone posts the completion message for a job to the given webhook URL.
// Best effort: the returned error is for logging only and must not be
// treated as a reconciliation failure.
func (n *Notifier) JobDone(ctx context.Context, url, id, state, reason string) error {
	l := logger.FromContext(ctx)

	if url == "" {
		return nil
	}

	msg := Message{
		DeliveryID: uuid.NewString(),
		ID:         id,
		State:      state,
		Reason:     reason,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.RecordWebhookNotification("error")
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.RecordWebhookNotification("rejected")
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	metrics.RecordWebhookNotification("delivered")
	l.Info().
		Str("id", id).
		Str("state", state).
		Str("deliveryId", msg.DeliveryID).
		Msg("delivered completion webhook")
	return nil
}
