// Package webhook normalizes calendar-sync webhook deliveries into typed
// payloads before they reach the sync engine.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recognized request headers.
const (
	HeaderCalendarSource = "X-Calendar-Source"
	HeaderCalendarID     = "X-Calendar-Id"
	HeaderMakeSnapshot   = "X-Make-Snapshot"
)

// Sync types.
const (
	SyncTypeIncremental = "incremental"
	SyncTypeFull        = "full"
)

// Recovery strategies reported on a normalized payload.
const (
	RecoveryNone      = "none"
	RecoveryTruncated = "truncated"
	RecoveryExtracted = "extracted"
)

// ExternalEvent is one event as delivered by the calendar source.
type ExternalEvent struct {
	EventID         string  `json:"event_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	StartDatetime   string  `json:"start_datetime"`
	EndDatetime     string  `json:"end_datetime,omitempty"`
	DurationMinutes FlexInt `json:"duration_minutes,omitempty"`
	Location        string  `json:"location,omitempty"`
	ActivityType    string  `json:"activity_type,omitempty"`
	CalendarSource  string  `json:"calendar_source,omitempty"`
	LastModified    string  `json:"last_modified,omitempty"`
}

// DateRange bounds a snapshot, inclusive, as YYYY-MM-DD dates.
type DateRange struct {
	Start string `json:"start_date"`
	End   string `json:"end_date"`
}

// SyncMetadata is the sanitized sync_metadata block.
type SyncMetadata struct {
	TotalEvents    int        `json:"total_events"`
	SyncType       string     `json:"sync_type"`
	ForceReconcile bool       `json:"force_reconcile"`
	IsFullSnapshot bool       `json:"is_full_snapshot"`
	AuditOnly      bool       `json:"audit_only"`
	DateRange      *DateRange `json:"date_range,omitempty"`
	DateRangeIssue string     `json:"date_range_issue,omitempty"`
}

// Payload is a normalized webhook delivery. Events are kept raw so each one
// is validated and decoded on its own.
type Payload struct {
	Events       []json.RawMessage
	Metadata     SyncMetadata
	HeaderSource string
	Recovery     string
}

// rawPayload mirrors the wire shape before sanitization.
type rawPayload struct {
	Events       []json.RawMessage `json:"events"`
	SyncMetadata json.RawMessage   `json:"sync_metadata"`
}

type rawDateRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

// FlexBool accepts true/false, numbers and their string spellings. Empty
// strings and null decode to false.
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*b = false
		return nil
	}

	var raw any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*b = FlexBool(v)
	case float64:
		*b = v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*b = true
		case "", "0", "false", "no", "off", "null", "undefined":
			*b = false
		default:
			return fmt.Errorf("invalid boolean %q", v)
		}
	default:
		return fmt.Errorf("invalid boolean %s", string(trimmed))
	}
	return nil
}

// FlexInt accepts numbers and numeric strings. Empty strings and null decode to zero.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexInt) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*n = 0
		return nil
	}

	var raw any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*n = FlexInt(int(v))
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			*n = 0
			return nil
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		*n = FlexInt(int(parsed))
	default:
		return fmt.Errorf("invalid integer %s", string(trimmed))
	}
	return nil
}

// DecodeEvent decodes one raw event.
func DecodeEvent(raw json.RawMessage) (ExternalEvent, error) {
	var event ExternalEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return ExternalEvent{}, fmt.Errorf("decode event: %w", err)
	}
	event.EventID = strings.TrimSpace(event.EventID)
	event.Title = strings.TrimSpace(event.Title)
	event.CalendarSource = strings.TrimSpace(event.CalendarSource)
	return event, nil
}

// PeekEventID extracts event_id and title from a raw event on a best-effort
// basis so errors can be attributed even when decoding fails.
func PeekEventID(raw json.RawMessage) (string, string) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", ""
	}
	id, _ := fields["event_id"].(string)
	title, _ := fields["title"].(string)
	return id, title
}

// ParseDay accepts YYYY-MM-DD or an RFC3339-like timestamp and returns the date part.
func ParseDay(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	if len(value) >= 10 {
		if day, err := time.Parse("2006-01-02", value[:10]); err == nil {
			return day.Format("2006-01-02"), true
		}
	}
	return "", false
}
