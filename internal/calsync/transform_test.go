package calsync

import (
	"context"
	"errors"
	"testing"

	"github.com/gmboard/gmboard/internal/gamematch"
	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/webhook"
	"github.com/stretchr/testify/require"
)

type fixedMatcher struct {
	result gamematch.Result
	ok     bool
	err    error
}

func (m fixedMatcher) Match(context.Context, string) (gamematch.Result, bool, error) {
	return m.result, m.ok, m.err
}

func TestCanonicalExternalID(t *testing.T) {
	require.Equal(t, "abc123", CanonicalExternalID(" abc123@google.com "))
	require.Equal(t, "abc123", CanonicalExternalID("abc123@GOOGLE.COM"))
	require.Equal(t, "abc123", CanonicalExternalID("abc123"))
	require.Equal(t, "@google.com", CanonicalExternalID("@google.com"))
	require.Equal(t, "", CanonicalExternalID("   "))
}

func TestIDVariants(t *testing.T) {
	require.Equal(t, []string{"abc", "abc@google.com"}, IDVariants("abc"))
	require.Equal(t, []string{"abc@google.com", "abc"}, IDVariants("abc@google.com"))
	require.Equal(t, []string{"abc@Google.com", "abc", "abc@google.com"}, IDVariants("abc@Google.com"))
	require.Nil(t, IDVariants(" "))

	require.True(t, SameExternalID("abc", "abc@google.com"))
	require.False(t, SameExternalID("abc", "abd"))
	require.False(t, SameExternalID("", ""))
}

func TestTransformTakesUTCComponents(t *testing.T) {
	transformer := &Transformer{}
	candidate, err := transformer.Transform(context.Background(), webhook.ExternalEvent{
		EventID:       " evt-1@google.com ",
		Title:         " Manoir ",
		StartDatetime: "2026-03-01T23:30:00-02:00",
		EndDatetime:   "2026-03-02T01:00:00-02:00",
	}, "main")
	require.NoError(t, err)

	activity := candidate.Activity
	require.Equal(t, "evt-1", candidate.CanonicalID)
	require.Equal(t, "evt-1@google.com", *activity.ExternalID)
	require.Equal(t, "Manoir", activity.Title)
	require.Equal(t, "2026-03-02", activity.Date)
	require.Equal(t, "01:30", activity.StartTime)
	require.Equal(t, "03:00", activity.EndTime)
	require.Equal(t, 90, activity.DurationMinutes)
	require.Equal(t, models.DurationSourceExternal, activity.DurationSource)
	require.Equal(t, models.ActivityStatusPending, activity.Status)
	require.Equal(t, "main", activity.CalendarSource)
}

func TestTransformDurationRules(t *testing.T) {
	tests := []struct {
		name         string
		event        webhook.ExternalEvent
		wantDuration int
		wantEnd      string
	}{
		{
			name:         "explicit duration wins over end",
			event:        webhook.ExternalEvent{StartDatetime: "2026-03-10T10:00:00Z", EndDatetime: "2026-03-10T11:00:00Z", DurationMinutes: 45},
			wantDuration: 45,
			wantEnd:      "11:00",
		},
		{
			name:         "missing end defaults to an hour",
			event:        webhook.ExternalEvent{StartDatetime: "2026-03-10T10:00:00Z"},
			wantDuration: 60,
			wantEnd:      "11:00",
		},
		{
			name:         "end before start is recomputed",
			event:        webhook.ExternalEvent{StartDatetime: "2026-03-10T10:00:00Z", EndDatetime: "2026-03-10T09:00:00Z"},
			wantDuration: 60,
			wantEnd:      "11:00",
		},
		{
			name:         "explicit duration without end",
			event:        webhook.ExternalEvent{StartDatetime: "2026-03-10 22:30", DurationMinutes: 120},
			wantDuration: 120,
			wantEnd:      "00:30",
		},
		{
			name:         "date only start",
			event:        webhook.ExternalEvent{StartDatetime: "2026-03-10"},
			wantDuration: 60,
			wantEnd:      "01:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.event.EventID = "evt"
			candidate, err := (&Transformer{}).Transform(context.Background(), tt.event, "")
			require.NoError(t, err)
			require.Equal(t, tt.wantDuration, candidate.Activity.DurationMinutes)
			require.Equal(t, tt.wantEnd, candidate.Activity.EndTime)
		})
	}
}

func TestTransformRejectsBadInput(t *testing.T) {
	transformer := &Transformer{}
	_, err := transformer.Transform(context.Background(), webhook.ExternalEvent{StartDatetime: "2026-03-10T10:00:00Z"}, "")
	require.Error(t, err)

	_, err = transformer.Transform(context.Background(), webhook.ExternalEvent{EventID: "evt", StartDatetime: "tomorrow"}, "")
	require.Error(t, err)

	_, err = transformer.Transform(context.Background(), webhook.ExternalEvent{EventID: "evt", StartDatetime: "2026-03-10T10:00:00Z", EndDatetime: "later"}, "")
	require.Error(t, err)
}

func TestTransformSourceFallbackChain(t *testing.T) {
	event := webhook.ExternalEvent{EventID: "evt", StartDatetime: "2026-03-10T10:00:00Z"}

	candidate, err := (&Transformer{DefaultSource: "primary"}).Transform(context.Background(), event, "")
	require.NoError(t, err)
	require.Equal(t, "primary", candidate.Activity.CalendarSource)

	candidate, err = (&Transformer{}).Transform(context.Background(), event, "")
	require.NoError(t, err)
	require.Equal(t, models.UnknownCalendarSource, candidate.Activity.CalendarSource)

	event.CalendarSource = "events"
	candidate, err = (&Transformer{DefaultSource: "primary"}).Transform(context.Background(), event, "main")
	require.NoError(t, err)
	require.Equal(t, "events", candidate.Activity.CalendarSource)
}

func TestTransformExtractsHints(t *testing.T) {
	candidate, err := (&Transformer{}).Transform(context.Background(), webhook.ExternalEvent{
		EventID:       "evt",
		StartDatetime: "2026-03-10T10:00:00Z",
		Description:   "Birthday party\nMJ: Alice\nSalle: Crypte",
	}, "")
	require.NoError(t, err)
	require.Equal(t, "Alice", candidate.Activity.GMHint)
	require.Equal(t, "Crypte", candidate.Activity.RoomHint)
}

func TestTransformGameMappingThreshold(t *testing.T) {
	average := 90
	mapping := models.GameMapping{GameID: "manoir", AverageDuration: &average}
	event := webhook.ExternalEvent{EventID: "evt", Title: "Manoir", StartDatetime: "2026-03-10T10:00:00Z", EndDatetime: "2026-03-10T11:00:00Z"}

	weak := &Transformer{Matcher: fixedMatcher{result: gamematch.Result{Mapping: mapping, Confidence: 80}, ok: true}}
	candidate, err := weak.Transform(context.Background(), event, "")
	require.NoError(t, err)
	require.Nil(t, candidate.Match)
	require.Nil(t, candidate.Activity.GameID)
	require.Equal(t, 60, candidate.Activity.DurationMinutes)

	strong := &Transformer{Matcher: fixedMatcher{result: gamematch.Result{Mapping: mapping, Confidence: 95}, ok: true}}
	candidate, err = strong.Transform(context.Background(), event, "")
	require.NoError(t, err)
	require.NotNil(t, candidate.Match)
	require.Equal(t, "manoir", *candidate.Activity.GameID)
	require.Equal(t, 90, candidate.Activity.DurationMinutes)
	require.Equal(t, "11:30", candidate.Activity.EndTime)
	require.Equal(t, models.DurationSourceGameMapping, candidate.Activity.DurationSource)

	failing := &Transformer{Matcher: fixedMatcher{err: errors.New("mappings unavailable")}}
	_, err = failing.Transform(context.Background(), event, "")
	require.Error(t, err)
}
