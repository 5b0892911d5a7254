package api

import (
	"log"
	"net/http"

	"github.com/gmboard/gmboard/internal/audit"
)

// AuditHandler exposes the consistency audit and its repairs.
type AuditHandler struct {
	Auditor  Auditing
	Repairer Repairing
}

type repairResponse struct {
	Success bool                 `json:"success"`
	Results []audit.RepairResult `json:"results"`
	Error   string               `json:"error,omitempty"`
}

// Report handles GET /api/audit.
func (h *AuditHandler) Report(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.Run(r.Context())
	if err != nil {
		log.Printf("audit failed: %v", err)
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	sendJSON(w, http.StatusOK, report)
}

// RepairFlags handles POST /api/audit/repair/flags.
func (h *AuditHandler) RepairFlags(w http.ResponseWriter, r *http.Request) {
	results, err := h.Repairer.ResyncFlags(r.Context())
	if results == nil {
		results = []audit.RepairResult{}
	}
	if err != nil {
		log.Printf("flag repair failed: %v", err)
		sendJSON(w, http.StatusInternalServerError, repairResponse{Results: results, Error: err.Error()})
		return
	}
	sendJSON(w, http.StatusOK, repairResponse{Success: true, Results: results})
}

// RepairCompetencies handles POST /api/audit/repair/competencies. It audits
// first so only current findings are acted on.
func (h *AuditHandler) RepairCompetencies(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.Run(r.Context())
	if err != nil {
		log.Printf("audit before competency repair failed: %v", err)
		sendJSON(w, http.StatusInternalServerError, repairResponse{Results: []audit.RepairResult{}, Error: err.Error()})
		return
	}

	result, err := h.Repairer.ResolveMissingCompetencies(r.Context(), report.MissingCompetencies)
	if err != nil {
		log.Printf("competency repair failed: %v", err)
		sendJSON(w, http.StatusInternalServerError, repairResponse{Results: []audit.RepairResult{result}, Error: err.Error()})
		return
	}
	sendJSON(w, http.StatusOK, repairResponse{Success: true, Results: []audit.RepairResult{result}})
}
