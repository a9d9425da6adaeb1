package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/http/middleware"
	"aquatrack/backend/services/usage-service/internal/service"
)

// UsageHandlers serves ledger and score endpoints for account holders.
type UsageHandlers struct {
	ledger *service.UsageLedger
	scorer *service.DailyScorer
	logger *zap.Logger
	now    func() time.Time
}

// NewUsageHandlers builds handler set.
func NewUsageHandlers(ledger *service.UsageLedger, scorer *service.DailyScorer, logger *zap.Logger) *UsageHandlers {
	return &UsageHandlers{ledger: ledger, scorer: scorer, logger: logger, now: time.Now}
}

// Daily handles GET /ledger/daily. The date defaults to today in the scoring timezone.
func (h *UsageHandlers) Daily(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, service.KindAuthorization, "missing claims")
		return
	}
	accountID := targetAccount(r, claims.AccountID, claims.IsAdmin())
	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.ledger.Day(h.now())
	}

	status, err := h.ledger.DailyStatus(r.Context(), accountID, date)
	if err != nil {
		writeServiceError(w, h.logger, "daily status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ApplyScores handles POST /scores/apply for the caller, or for account_id when the caller is an admin.
func (h *UsageHandlers) ApplyScores(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, service.KindAuthorization, "missing claims")
		return
	}
	accountID := targetAccount(r, claims.AccountID, claims.IsAdmin())

	result, err := h.scorer.ApplyDailyScores(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, h.logger, "apply daily scores", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func targetAccount(r *http.Request, own string, admin bool) string {
	if requested := r.URL.Query().Get("account_id"); admin && requested != "" {
		return requested
	}
	return own
}
