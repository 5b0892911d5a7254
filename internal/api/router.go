// Package api exposes the calendar-sync webhook and the operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gmboard/gmboard/internal/audit"
	"github.com/gmboard/gmboard/internal/calsync"
	"github.com/gmboard/gmboard/internal/dispatch"
	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/webhook"
	"github.com/gmboard/gmboard/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// SyncProcessor ingests one raw calendar webhook delivery.
type SyncProcessor interface {
	HandleDelivery(ctx context.Context, body []byte, headers http.Header) (*calsync.Result, error)
}

type Auditing interface {
	Run(ctx context.Context) (*audit.Report, error)
}

type Repairing interface {
	ResyncFlags(ctx context.Context) ([]audit.RepairResult, error)
	ResolveMissingCompetencies(ctx context.Context, findings []audit.MissingCompetency) (audit.RepairResult, error)
}

type MappingCache interface {
	Invalidate()
}

type SyncLogLister interface {
	ListSyncLogs(ctx context.Context, limit int) ([]models.SyncLog, error)
}

type DeliveryTracker interface {
	Recent(limit int) []dispatch.DeliveryStatus
}

// RouterDeps carries the collaborators behind the HTTP surface. Nil
// optional collaborators disable their routes.
type RouterDeps struct {
	Sync       SyncProcessor
	Verifier   *webhook.Verifier
	Auditor    Auditing
	Repairer   Repairing
	Mappings   MappingCache
	SyncLogs   SyncLogLister
	Deliveries DeliveryTracker
	Hub        *ws.Hub
	// AllowedOrigins extends same-host websocket origins.
	AllowedOrigins []string
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Calendar-Source", "X-Calendar-Id", "X-Make-Snapshot"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth)
	r.Get("/", handleRoot)
	r.Handle("/metrics", promhttp.Handler())

	if deps.Sync != nil {
		syncHandler := &CalendarSyncHandler{Sync: deps.Sync, Verifier: deps.Verifier}
		r.Post("/webhooks/calendar-sync", syncHandler.ServeHTTP)
	}

	auditHandler := &AuditHandler{Auditor: deps.Auditor, Repairer: deps.Repairer}
	if deps.Auditor != nil {
		r.Get("/api/audit", auditHandler.Report)
	}
	if deps.Repairer != nil {
		r.Post("/api/audit/repair/flags", auditHandler.RepairFlags)
		if deps.Auditor != nil {
			r.Post("/api/audit/repair/competencies", auditHandler.RepairCompetencies)
		}
	}

	if deps.Mappings != nil {
		r.Post("/api/game-mappings/invalidate", handleInvalidateMappings(deps.Mappings))
	}

	metricsHandler := &SyncMetricsHandler{SyncLogs: deps.SyncLogs, Deliveries: deps.Deliveries}
	r.Get("/api/sync/metrics", metricsHandler.ServeHTTP)

	if deps.Hub != nil {
		r.Handle("/ws", &ws.Handler{Hub: deps.Hub, AllowedOrigins: deps.AllowedOrigins})
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Version:   getVersion(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{
		"name":    "gmboard",
		"tagline": "Game master scheduling and calendar sync",
		"webhook": "/webhooks/calendar-sync",
		"health":  "/health",
		"metrics": "/metrics",
	})
}

func handleInvalidateMappings(cache MappingCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cache.Invalidate()
		sendJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "game mapping cache invalidated",
		})
	}
}

func getVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}

type errorResponse struct {
	Error string `json:"error"`
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
