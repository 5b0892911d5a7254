package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gmboard/gmboard/internal/calsync"
	"github.com/gmboard/gmboard/internal/gamematch"
	"github.com/gmboard/gmboard/internal/store"
	"github.com/gmboard/gmboard/internal/webhook"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	result *calsync.Result
	err    error
	bodies [][]byte
}

func (s *stubProcessor) HandleDelivery(_ context.Context, body []byte, _ http.Header) (*calsync.Result, error) {
	s.bodies = append(s.bodies, body)
	return s.result, s.err
}

func newSyncEngine(t *testing.T) (*calsync.Engine, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	engine := calsync.NewEngine(mem, mem, &calsync.Transformer{Matcher: gamematch.NewCache(mem, time.Minute)})
	engine.Logf = func(string, ...any) {}
	return engine, mem
}

const twoEvents = `{"events": [
	{"event_id": "evt-1", "title": "Manoir", "start_datetime": "2026-03-10T10:00:00Z", "end_datetime": "2026-03-10T11:00:00Z"},
	{"event_id": "evt-2", "title": "Prison", "start_datetime": "2026-03-11T14:00:00Z", "end_datetime": "2026-03-11T15:30:00Z"}
]}`

func postSync(router http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar-sync", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCalendarSyncCreatesActivities(t *testing.T) {
	engine, mem := newSyncEngine(t)
	router := NewRouter(RouterDeps{Sync: engine})

	rec := postSync(router, twoEvents, map[string]string{webhook.HeaderCalendarSource: "main"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result calsync.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.True(t, result.Success)
	require.Equal(t, "main", result.CalendarSource)
	require.Equal(t, 2, result.Stats.TotalReceived)
	require.Equal(t, 2, result.Stats.EventsCreated)
	require.Len(t, mem.Activities(), 2)
}

func TestCalendarSyncRejectsUnrecoverablePayload(t *testing.T) {
	engine, mem := newSyncEngine(t)
	router := NewRouter(RouterDeps{Sync: engine})

	rec := postSync(router, "not json at all", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp syncErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.False(t, resp.Success)
	require.Equal(t, ErrorTypeMalformedPayload, resp.ErrorType)
	require.Contains(t, resp.Error, "malformed payload")
	require.NotEmpty(t, resp.Timestamp)
	require.Empty(t, mem.Activities())
}

func TestCalendarSyncReportsProcessingFailure(t *testing.T) {
	router := NewRouter(RouterDeps{Sync: &stubProcessor{err: errors.New("database unavailable")}})

	rec := postSync(router, twoEvents, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp syncErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, ErrorTypeInternal, resp.ErrorType)
	require.Equal(t, "database unavailable", resp.Error)
}

func TestCalendarSyncVerifiesSignatures(t *testing.T) {
	const secret = "calendar-secret"
	processor := &stubProcessor{result: &calsync.Result{Success: true, Message: "ok"}}
	router := NewRouter(RouterDeps{Sync: processor, Verifier: webhook.NewVerifier(secret)})
	now := strconv.FormatInt(time.Now().Unix(), 10)

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{
			name:       "missing signature",
			headers:    map[string]string{webhook.TimestampHeader: now},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong secret",
			headers: map[string]string{
				webhook.TimestampHeader: now,
				webhook.SignatureHeader: webhook.Sign([]byte(twoEvents), "other"),
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "valid signature",
			headers: map[string]string{
				webhook.TimestampHeader: now,
				webhook.SignatureHeader: webhook.Sign([]byte(twoEvents), secret),
				webhook.NonceHeader:     "nonce-1",
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "replayed nonce",
			headers: map[string]string{
				webhook.TimestampHeader: now,
				webhook.SignatureHeader: webhook.Sign([]byte(twoEvents), secret),
				webhook.NonceHeader:     "nonce-1",
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postSync(router, twoEvents, tt.headers)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				var resp syncErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				require.Equal(t, ErrorTypeUnauthorized, resp.ErrorType)
			}
		})
	}

	require.Len(t, processor.bodies, 1)
	require.JSONEq(t, twoEvents, string(processor.bodies[0]))
}
