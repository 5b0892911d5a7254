package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingCache struct {
	invalidations int
}

func (c *countingCache) Invalidate() { c.invalidations++ }

func TestHealthEndpoint(t *testing.T) {
	t.Setenv("VERSION", "1.2.3")
	router := NewRouter(RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "1.2.3", resp.Version)
	require.NotEmpty(t, resp.Timestamp)
}

func TestRootEndpoint(t *testing.T) {
	router := NewRouter(RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "gmboard", resp["name"])
	require.Equal(t, "/webhooks/calendar-sync", resp["webhook"])
}

func TestPrometheusEndpoint(t *testing.T) {
	router := NewRouter(RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCORSPreflightAllowsCalendarHeaders(t *testing.T) {
	router := NewRouter(RouterDeps{Sync: &stubProcessor{}})

	req := httptest.NewRequest(http.MethodOptions, "/webhooks/calendar-sync", nil)
	req.Header.Set("Origin", "https://calendar.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Calendar-Source")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Calendar-Source")
}

func TestInvalidateMappings(t *testing.T) {
	cache := &countingCache{}
	router := NewRouter(RouterDeps{Mappings: cache})

	req := httptest.NewRequest(http.MethodPost, "/api/game-mappings/invalidate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, cache.invalidations)
}

func TestOptionalRoutesAreNotMountedWithoutDependencies(t *testing.T) {
	router := NewRouter(RouterDeps{})

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/webhooks/calendar-sync"},
		{http.MethodGet, "/api/audit"},
		{http.MethodPost, "/api/audit/repair/flags"},
		{http.MethodPost, "/api/game-mappings/invalidate"},
		{http.MethodGet, "/ws"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}
