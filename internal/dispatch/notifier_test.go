package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/webhook"
	"github.com/stretchr/testify/require"
)

func TestHTTPNotifierDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get(webhook.SignatureHeader))

		var notification models.Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&notification))
		require.Equal(t, models.NotificationUnassignedMissingCompetency, notification.Type)
		require.Equal(t, "gm-1", notification.GameMasterID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"email_sent":true}`))
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(NewWebhookDispatcher(WebhookDispatcherOptions{
		Client: server.Client(),
		Secret: "notify-secret",
	}), server.URL)

	result, err := notifier.Notify(context.Background(), models.Notification{
		GameMasterID: "gm-1",
		Type:         models.NotificationUnassignedMissingCompetency,
		Title:        "Assignment removed",
		Message:      "You were unassigned from Manoir.",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.True(t, result.EmailSent)
}

func TestHTTPNotifierEmptyBodyIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(NewWebhookDispatcher(WebhookDispatcherOptions{Client: server.Client()}), server.URL)
	result, err := notifier.Notify(context.Background(), models.Notification{Type: models.NotificationAdminSummary})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.EmailSent)
}

func TestHTTPNotifierErrors(t *testing.T) {
	var unconfigured *HTTPNotifier
	_, err := unconfigured.Notify(context.Background(), models.Notification{})
	require.Error(t, err)

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer rejecting.Close()
	notifier := NewHTTPNotifier(NewWebhookDispatcher(WebhookDispatcherOptions{Client: rejecting.Client()}), rejecting.URL)
	_, err = notifier.Notify(context.Background(), models.Notification{Type: models.NotificationAdminSummary})
	require.Error(t, err)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer failing.Close()
	notifier = NewHTTPNotifier(NewWebhookDispatcher(WebhookDispatcherOptions{Client: failing.Client()}), failing.URL)
	_, err = notifier.Notify(context.Background(), models.Notification{Type: models.NotificationAdminSummary})
	require.Error(t, err)
}
