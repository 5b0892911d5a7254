package app

import (
	"context"
	"net/http"
	"testing"

	"github.com/gmboard/gmboard/internal/config"
	"github.com/gmboard/gmboard/internal/dispatch"
	"github.com/gmboard/gmboard/internal/store"
	"github.com/stretchr/testify/require"
)

func devConfig() config.Config {
	return config.Config{
		Port:                  "4200",
		Environment:           "development",
		DefaultCalendarSource: "unknown",
		GameOverrideThreshold: 80,
		Audit:                 config.AuditConfig{Timezone: "Europe/Paris"},
		Triggers:              config.TriggerConfig{Transport: dispatch.TransportNone},
	}
}

func TestNewUsesMemoryStoreInDevelopment(t *testing.T) {
	services, err := New(devConfig())
	require.NoError(t, err)
	defer services.Close()

	_, ok := services.Backend.(*store.MemoryStore)
	require.True(t, ok)
	require.Equal(t, "Europe/Paris", services.Auditor.Location.String())
	require.Nil(t, services.Repairer.Notifier)

	body := []byte(`{"events": [{"event_id": "evt-1", "title": "Manoir", "start_datetime": "2026-03-10T10:00:00Z", "end_datetime": "2026-03-10T11:00:00Z"}]}`)
	result, err := services.Engine.HandleDelivery(context.Background(), body, http.Header{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Stats.EventsCreated)
	require.Equal(t, "unknown", result.CalendarSource)

	logs, err := services.Backend.ListSyncLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestNewRequiresDatabaseOutsideDevelopment(t *testing.T) {
	cfg := devConfig()
	cfg.Environment = "production"

	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsUnknownTimezone(t *testing.T) {
	cfg := devConfig()
	cfg.Audit.Timezone = "Mars/Olympus"

	_, err := New(cfg)
	require.ErrorContains(t, err, "AUDIT_TIMEZONE")
}

func TestNewWiresNotifierAndKafka(t *testing.T) {
	cfg := devConfig()
	cfg.Notification.URL = "http://notify.local/hook"
	cfg.Triggers.Transport = dispatch.TransportKafka
	cfg.Triggers.KafkaBrokers = []string{"localhost:9092"}

	services, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, services.Repairer.Notifier)
	require.NotNil(t, services.producer)
	require.NoError(t, services.Close())
}
