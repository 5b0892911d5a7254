package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gmboard/gmboard/internal/webhook"
)

const maxWebhookBodyBytes = 10 << 20

// Error types reported by the calendar-sync webhook.
const (
	ErrorTypeMalformedPayload = "malformed_payload"
	ErrorTypeUnauthorized     = "unauthorized"
	ErrorTypeRequestBody      = "invalid_request_body"
	ErrorTypeInternal         = "internal_error"
)

type syncErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	Timestamp string `json:"timestamp"`
}

// CalendarSyncHandler handles POST /webhooks/calendar-sync.
type CalendarSyncHandler struct {
	Sync SyncProcessor
	// Verifier, when set, requires signed deliveries.
	Verifier *webhook.Verifier
}

func (h *CalendarSyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	if h.Verifier != nil {
		if err := h.Verifier.Verify(r); err != nil {
			status, errorType := http.StatusBadRequest, ErrorTypeRequestBody
			if webhook.IsAuthError(err) {
				status, errorType = http.StatusUnauthorized, ErrorTypeUnauthorized
			}
			sendSyncError(w, status, errorType, err)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendSyncError(w, http.StatusBadRequest, ErrorTypeRequestBody, err)
		return
	}

	result, err := h.Sync.HandleDelivery(r.Context(), body, r.Header)
	if err != nil {
		errorType := ErrorTypeInternal
		if errors.Is(err, webhook.ErrMalformedPayload) {
			errorType = ErrorTypeMalformedPayload
		}
		log.Printf("calendar sync webhook failed (%s): %v", errorType, err)
		sendSyncError(w, http.StatusInternalServerError, errorType, err)
		return
	}

	sendJSON(w, http.StatusOK, result)
}

func sendSyncError(w http.ResponseWriter, status int, errorType string, err error) {
	sendJSON(w, status, syncErrorResponse{
		Success:   false,
		Error:     err.Error(),
		ErrorType: errorType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
