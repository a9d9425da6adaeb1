package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/http/middleware"
	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/service"
)

const defaultHistoryLimit = 50

// AdminHandlers serves operator endpoints. Routes are mounted behind RequireAdmin.
type AdminHandlers struct {
	sessions *service.SessionManager
	scorer   *service.DailyScorer
	auditor  *service.ConsistencyAuditor
	logger   *zap.Logger
}

// NewAdminHandlers builds handler set.
func NewAdminHandlers(sessions *service.SessionManager, scorer *service.DailyScorer, auditor *service.ConsistencyAuditor, logger *zap.Logger) *AdminHandlers {
	return &AdminHandlers{sessions: sessions, scorer: scorer, auditor: auditor, logger: logger}
}

type forceEndRequest struct {
	SessionID         string  `json:"session_id"`
	Reason            string  `json:"reason"`
	EstimatedQuantity float64 `json:"estimated_quantity"`
	ForceComplete     bool    `json:"force_complete"`
}

type bulkForceEndRequest struct {
	Reason    string   `json:"reason"`
	DeviceIDs []string `json:"device_ids"`
}

type repairRequest struct {
	AccountID      string          `json:"account_id"`
	Date           string          `json:"date"`
	Resource       models.Resource `json:"resource"`
	CorrectedValue *float64        `json:"corrected_value"`
}

// ForceEnd handles POST /admin/sessions/force-end.
func (h *AdminHandlers) ForceEnd(w http.ResponseWriter, r *http.Request) {
	var req forceEndRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	result, err := h.sessions.ForceEnd(r.Context(), service.ForceEndInput{
		SessionID:         req.SessionID,
		Reason:            req.Reason,
		EstimatedQuantity: req.EstimatedQuantity,
		ForceComplete:     req.ForceComplete,
		Actor:             actor(r),
	})
	if err != nil {
		writeServiceError(w, h.logger, "force end session", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BulkForceEnd handles POST /admin/sessions/bulk-force-end. An empty body ends every open session.
func (h *AdminHandlers) BulkForceEnd(w http.ResponseWriter, r *http.Request) {
	var req bulkForceEndRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}
	result, err := h.sessions.BulkForceEnd(r.Context(), service.BulkForceEndInput{
		Reason:    req.Reason,
		DeviceIDs: req.DeviceIDs,
		Actor:     actor(r),
	})
	if err != nil {
		writeServiceError(w, h.logger, "bulk force end", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Candidates handles GET /admin/sessions/force-endable.
func (h *AdminHandlers) Candidates(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	result, err := h.sessions.ForceEndCandidates(r.Context(), limit)
	if err != nil {
		writeServiceError(w, h.logger, "list force-end candidates", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Aggregate handles POST /admin/scores/aggregate.
func (h *AdminHandlers) Aggregate(w http.ResponseWriter, r *http.Request) {
	result, err := h.scorer.ApplyAll(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "aggregate scores", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Audit handles GET /admin/audit.
func (h *AdminHandlers) Audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := h.auditor.Audit(r.Context(), q.Get("account_id"), q.Get("from"), q.Get("to"))
	if err != nil {
		writeServiceError(w, h.logger, "audit consistency", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Repair handles POST /admin/audit/repair.
func (h *AdminHandlers) Repair(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.CorrectedValue == nil {
		writeBadRequest(w, "corrected_value is required")
		return
	}
	result, err := h.auditor.Repair(r.Context(), service.RepairInput{
		AccountID:      req.AccountID,
		Date:           req.Date,
		Resource:       req.Resource,
		CorrectedValue: *req.CorrectedValue,
		Actor:          actor(r),
	})
	if err != nil {
		writeServiceError(w, h.logger, "repair ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// History handles GET /admin/audit/history.
func (h *AdminHandlers) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	records, err := h.auditor.History(r.Context(), r.URL.Query().Get("account_id"), limit)
	if err != nil {
		writeServiceError(w, h.logger, "audit history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func actor(r *http.Request) string {
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		return claims.AccountID
	}
	return ""
}
