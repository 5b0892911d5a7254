package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrMalformedPayload is returned when a body cannot be parsed even after recovery.
var ErrMalformedPayload = errors.New("malformed payload")

// MalformedPayloadError carries the reason each parse attempt failed.
type MalformedPayloadError struct {
	Attempts []string
	Err      error
}

func (e *MalformedPayloadError) Error() string {
	if e == nil {
		return ErrMalformedPayload.Error()
	}
	if len(e.Attempts) == 0 {
		return ErrMalformedPayload.Error()
	}
	return fmt.Sprintf("%s: %s", ErrMalformedPayload.Error(), strings.Join(e.Attempts, "; "))
}

func (e *MalformedPayloadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is makes errors.Is(err, ErrMalformedPayload) hold for every MalformedPayloadError.
func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

var (
	syncMetadataPattern = regexp.MustCompile(`"sync_metadata"\s*:\s*\{`)
	eventKeyPattern     = regexp.MustCompile(`"event_id"\s*:`)
)

// Normalize cleans a webhook body, parses it with staged recovery and
// sanitizes its sync metadata against the request headers.
func Normalize(body []byte, headers http.Header) (*Payload, error) {
	cleaned := Clean(string(body))

	raw, recovery, err := parseWithRecovery(cleaned)
	if err != nil {
		return nil, err
	}

	return &Payload{
		Events:       raw.Events,
		Metadata:     SanitizeMetadata(raw.SyncMetadata, len(raw.Events), headers),
		HeaderSource: SourceFromHeaders(headers),
		Recovery:     recovery,
	}, nil
}

// Clean strips invisible control characters (keeping newlines and tabs) and
// removes trailing commas before closing braces and brackets.
func Clean(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
	return stripTrailingCommas(text)
}

// stripTrailingCommas drops a comma, and the whitespace after it, when the
// next token closes an object or array. Commas inside strings are kept.
func stripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(text) && strings.IndexByte(" \t\r\n", text[j]) >= 0 {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				i = j - 1
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func parseWithRecovery(text string) (rawPayload, string, error) {
	attempts := make([]string, 0, 3)

	var payload rawPayload
	directErr := json.Unmarshal([]byte(text), &payload)
	if directErr == nil {
		return payload, RecoveryNone, nil
	}
	attempts = append(attempts, "direct parse: "+directErr.Error())

	if repaired, ok := repairTruncated(text); ok {
		var truncated rawPayload
		err := json.Unmarshal([]byte(repaired), &truncated)
		if err == nil {
			return truncated, RecoveryTruncated, nil
		}
		attempts = append(attempts, "truncation repair: "+err.Error())
	} else {
		attempts = append(attempts, "truncation repair: no closing brace")
	}

	if extracted, ok := extractObjects(text); ok {
		return extracted, RecoveryExtracted, nil
	}
	attempts = append(attempts, "object extraction: no well-formed events or metadata")

	return rawPayload{}, "", &MalformedPayloadError{Attempts: attempts, Err: directErr}
}

// repairTruncated cuts the text after its last '}' and appends whatever
// closers are still open at that point.
func repairTruncated(text string) (string, bool) {
	idx := strings.LastIndex(text, "}")
	if idx < 0 {
		return "", false
	}
	candidate := text[:idx+1]
	return candidate + missingClosers(candidate), true
}

func missingClosers(text string) string {
	stack := make([]byte, 0, 8)
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// extractObjects pulls every balanced, parseable object carrying an event_id
// out of the text, plus the sync_metadata object when it is intact.
func extractObjects(text string) (rawPayload, bool) {
	var payload rawPayload

	if eventKeyPattern.MatchString(text) {
		for _, span := range balancedObjects(text) {
			object := text[span[0]:span[1]]
			if !eventKeyPattern.MatchString(object) {
				continue
			}
			var fields map[string]json.RawMessage
			if err := json.Unmarshal([]byte(object), &fields); err != nil {
				continue
			}
			if _, ok := fields["event_id"]; !ok {
				continue
			}
			payload.Events = append(payload.Events, json.RawMessage(object))
		}
	}

	if loc := syncMetadataPattern.FindStringIndex(text); loc != nil {
		start := loc[1] - 1
		if end, ok := matchingBrace(text, start); ok {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				payload.SyncMetadata = json.RawMessage(candidate)
			}
		}
	}

	return payload, len(payload.Events) > 0 || len(payload.SyncMetadata) > 0
}

// balancedObjects returns the [start, end) spans of every complete object in
// completion order, inner objects first.
func balancedObjects(text string) [][2]int {
	var (
		spans    [][2]int
		starts   []int
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			starts = append(starts, i)
		case '}':
			if len(starts) == 0 {
				continue
			}
			start := starts[len(starts)-1]
			starts = starts[:len(starts)-1]
			spans = append(spans, [2]int{start, i + 1})
		}
	}
	return spans
}

func matchingBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// SanitizeMetadata fills defaults for missing fields and validates the date
// range. Bad or partial ranges become nil with DateRangeIssue explaining why;
// they never fail the sync.
func SanitizeMetadata(raw json.RawMessage, eventCount int, headers http.Header) SyncMetadata {
	meta := SyncMetadata{TotalEvents: eventCount}

	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			fields = map[string]json.RawMessage{}
		}
	}

	if value, ok := fields["total_events"]; ok {
		var total FlexInt
		if err := json.Unmarshal(value, &total); err == nil && total > 0 {
			meta.TotalEvents = int(total)
		}
	}
	meta.ForceReconcile = decodeFlag(fields["force_reconcile"])
	meta.IsFullSnapshot = decodeFlag(fields["is_full_snapshot"])
	meta.AuditOnly = decodeFlag(fields["audit_only"])

	if headers != nil && strings.EqualFold(strings.TrimSpace(headers.Get(HeaderMakeSnapshot)), "true") {
		meta.IsFullSnapshot = true
	}

	if value, ok := fields["sync_type"]; ok {
		var syncType string
		if err := json.Unmarshal(value, &syncType); err == nil {
			meta.SyncType = strings.ToLower(strings.TrimSpace(syncType))
		}
	}
	if meta.SyncType == "" {
		meta.SyncType = SyncTypeIncremental
		if meta.IsFullSnapshot {
			meta.SyncType = SyncTypeFull
		}
	}

	meta.DateRange, meta.DateRangeIssue = sanitizeDateRange(fields["date_range"])
	return meta
}

func decodeFlag(value json.RawMessage) bool {
	if len(value) == 0 {
		return false
	}
	var flag FlexBool
	if err := json.Unmarshal(value, &flag); err != nil {
		return false
	}
	return bool(flag)
}

func sanitizeDateRange(value json.RawMessage) (*DateRange, string) {
	trimmed := strings.TrimSpace(string(value))
	if trimmed == "" || trimmed == "null" {
		return nil, "date_range missing"
	}

	var raw rawDateRange
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, "date_range is not an object"
	}

	startRaw := firstNonEmpty(raw.StartDate, raw.Start)
	endRaw := firstNonEmpty(raw.EndDate, raw.End)
	if startRaw == "" && endRaw == "" {
		return nil, "date_range empty"
	}
	if startRaw == "" || endRaw == "" {
		return nil, "date_range partially specified"
	}

	start, ok := ParseDay(startRaw)
	if !ok {
		return nil, fmt.Sprintf("invalid date_range start %q", startRaw)
	}
	end, ok := ParseDay(endRaw)
	if !ok {
		return nil, fmt.Sprintf("invalid date_range end %q", endRaw)
	}
	if end < start {
		return nil, "date_range end before start"
	}
	return &DateRange{Start: start, End: end}, ""
}

// SourceFromHeaders returns the calendar source named by the request headers.
func SourceFromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	return firstNonEmpty(
		strings.TrimSpace(headers.Get(HeaderCalendarSource)),
		strings.TrimSpace(headers.Get(HeaderCalendarID)),
	)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
