package api

import (
	"net/http"
	"strconv"

	"github.com/gmboard/gmboard/internal/dispatch"
	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/syncmetrics"
)

const (
	defaultSyncLogLimit = 20
	maxSyncLogLimit     = 200
	deliveryLimit       = 20
)

type syncMetricsResponse struct {
	Metrics           syncmetrics.Snapshot      `json:"metrics"`
	RecentSyncs       []models.SyncLog          `json:"recent_syncs"`
	TriggerDeliveries []dispatch.DeliveryStatus `json:"trigger_deliveries"`
}

// SyncMetricsHandler handles GET /api/sync/metrics.
type SyncMetricsHandler struct {
	SyncLogs   SyncLogLister
	Deliveries DeliveryTracker
}

func (h *SyncMetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := defaultSyncLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			sendJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxSyncLogLimit)
	}

	resp := syncMetricsResponse{
		Metrics:           syncmetrics.SnapshotNow(),
		RecentSyncs:       []models.SyncLog{},
		TriggerDeliveries: []dispatch.DeliveryStatus{},
	}
	if h.SyncLogs != nil {
		logs, err := h.SyncLogs.ListSyncLogs(r.Context(), limit)
		if err != nil {
			sendJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		if logs != nil {
			resp.RecentSyncs = logs
		}
	}
	if h.Deliveries != nil {
		if recent := h.Deliveries.Recent(deliveryLimit); recent != nil {
			resp.TriggerDeliveries = recent
		}
	}

	sendJSON(w, http.StatusOK, resp)
}
