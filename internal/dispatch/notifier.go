package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/google/uuid"
)

// HTTPNotifier posts notifications to the assignment-notification service.
type HTTPNotifier struct {
	webhooks *WebhookDispatcher
	url      string
}

func NewHTTPNotifier(webhooks *WebhookDispatcher, url string) *HTTPNotifier {
	return &HTTPNotifier{webhooks: webhooks, url: strings.TrimSpace(url)}
}

// Notify delivers n and decodes the service's answer. An empty 2xx body
// counts as success without an email.
func (n *HTTPNotifier) Notify(ctx context.Context, notification models.Notification) (models.NotificationResult, error) {
	if n == nil || n.webhooks == nil || n.url == "" {
		return models.NotificationResult{}, errors.New("notification service is not configured")
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		return models.NotificationResult{}, fmt.Errorf("failed to encode notification: %w", err)
	}

	status, err := n.webhooks.Deliver(ctx, DeliveryRequest{
		DeliveryID: "notify:" + uuid.NewString(),
		URL:        n.url,
		Payload:    payload,
	})
	if err != nil {
		return models.NotificationResult{}, fmt.Errorf("failed to deliver %s notification: %w", notification.Type, err)
	}

	if status.LastResponse == "" {
		return models.NotificationResult{Success: true}, nil
	}
	var result models.NotificationResult
	if err := json.Unmarshal([]byte(status.LastResponse), &result); err != nil {
		return models.NotificationResult{}, fmt.Errorf("failed to decode notification response: %w", err)
	}
	if !result.Success {
		return result, fmt.Errorf("notification service rejected %s notification", notification.Type)
	}
	return result, nil
}
