package calsync

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gmboard/gmboard/internal/gamematch"
	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/webhook"
)

const defaultDurationMinutes = 60

// timestampLayouts are tried in order. Layouts without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	gmHintPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*(?:gm|mj|game\s*master|ma[iî]tre\s+du\s+jeu)\s*[:=\-]\s*(.+?)\s*$`),
		regexp.MustCompile(`(?i)\b(?:gm|mj)\s*:\s*([^\n,;]+)`),
	}
	roomHintPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*(?:salle|room)\s*[:=\-]\s*(.+?)\s*$`),
		regexp.MustCompile(`(?i)\b(?:salle|room)\s*:\s*([^\n,;]+)`),
	}
)

// GameMatcher resolves a title to a configured game.
type GameMatcher interface {
	Match(ctx context.Context, title string) (gamematch.Result, bool, error)
}

// Candidate is a transformed event ready to be resolved and persisted.
type Candidate struct {
	Activity    models.Activity
	CanonicalID string
	Match       *gamematch.Result
}

// Transformer converts external events into candidate activities.
type Transformer struct {
	Matcher       GameMatcher
	Threshold     float64
	DefaultSource string
}

// Transform builds the candidate for one event. headerSource is the calendar
// source carried by the request headers, used when the event has none.
func (t *Transformer) Transform(ctx context.Context, event webhook.ExternalEvent, headerSource string) (Candidate, error) {
	externalID := strings.TrimSpace(event.EventID)
	if externalID == "" {
		return Candidate{}, fmt.Errorf("event_id is required")
	}

	start, err := parseTimestamp(event.StartDatetime)
	if err != nil {
		return Candidate{}, fmt.Errorf("invalid start_datetime: %w", err)
	}

	var end *time.Time
	if strings.TrimSpace(event.EndDatetime) != "" {
		parsed, err := parseTimestamp(event.EndDatetime)
		if err != nil {
			return Candidate{}, fmt.Errorf("invalid end_datetime: %w", err)
		}
		end = &parsed
	}

	duration := int(event.DurationMinutes)
	if duration <= 0 && end != nil {
		duration = int(end.Sub(start) / time.Minute)
	}
	if duration <= 0 {
		duration = defaultDurationMinutes
	}

	endTime := start.Add(time.Duration(duration) * time.Minute)
	if end != nil && end.After(start) {
		endTime = *end
	}

	activity := models.Activity{
		ExternalID:      &externalID,
		Title:           strings.TrimSpace(event.Title),
		Description:     strings.TrimSpace(event.Description),
		Date:            start.Format("2006-01-02"),
		StartTime:       start.Format("15:04"),
		EndTime:         endTime.Format("15:04"),
		DurationMinutes: duration,
		DurationSource:  models.DurationSourceExternal,
		Status:          models.ActivityStatusPending,
		CalendarSource:  t.resolveSource(event.CalendarSource, headerSource),
		Location:        strings.TrimSpace(event.Location),
		ActivityType:    strings.TrimSpace(event.ActivityType),
		GMHint:          extractHint(event.Description, gmHintPatterns),
		RoomHint:        extractHint(event.Description, roomHintPatterns),
	}
	if modified, err := parseTimestamp(event.LastModified); err == nil {
		activity.LastModified = &modified
	}

	candidate := Candidate{Activity: activity, CanonicalID: CanonicalExternalID(externalID)}
	if t.Matcher == nil || activity.Title == "" {
		return candidate, nil
	}

	result, ok, err := t.Matcher.Match(ctx, activity.Title)
	if err != nil {
		return Candidate{}, fmt.Errorf("match game: %w", err)
	}
	if !ok || result.Confidence <= t.threshold() {
		return candidate, nil
	}

	candidate.Match = &result
	gameID := result.Mapping.GameID
	candidate.Activity.GameID = &gameID
	if avg := result.Mapping.AverageDuration; avg != nil && *avg > 0 {
		candidate.Activity.DurationMinutes = *avg
		candidate.Activity.EndTime = start.Add(time.Duration(*avg) * time.Minute).Format("15:04")
		candidate.Activity.DurationSource = models.DurationSourceGameMapping
	}
	return candidate, nil
}

func (t *Transformer) threshold() float64 {
	if t.Threshold > 0 {
		return t.Threshold
	}
	return gamematch.OverrideThreshold
}

func (t *Transformer) resolveSource(eventSource, headerSource string) string {
	for _, candidate := range []string{eventSource, headerSource, t.DefaultSource} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return models.UnknownCalendarSource
}

// parseTimestamp reads the instant and returns it in UTC so date and clock
// components are taken as UTC values.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func extractHint(description string, patterns []*regexp.Regexp) string {
	if strings.TrimSpace(description) == "" {
		return ""
	}
	for _, pattern := range patterns {
		if match := pattern.FindStringSubmatch(description); len(match) > 1 {
			if hint := strings.TrimSpace(match[1]); hint != "" {
				return hint
			}
		}
	}
	return ""
}
