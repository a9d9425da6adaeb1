package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/http/middleware"
	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/service"
)

// SessionsHandlers serves the session lifecycle endpoints.
type SessionsHandlers struct {
	sessions *service.SessionManager
	logger   *zap.Logger
}

// NewSessionsHandlers builds handler set.
func NewSessionsHandlers(sessions *service.SessionManager, logger *zap.Logger) *SessionsHandlers {
	return &SessionsHandlers{sessions: sessions, logger: logger}
}

type startRequest struct {
	TokenID  string          `json:"token_id"`
	Resource models.Resource `json:"resource"`
}

type endRequest struct {
	TokenID   string `json:"token_id"`
	SessionID string `json:"session_id"`
}

type measurementRequest struct {
	SessionID   string  `json:"session_id"`
	TotalAmount float64 `json:"total_amount"`
	Duration    int64   `json:"duration"`
	EndReason   string  `json:"end_reason"`
}

// Start handles POST /sessions/start from an authenticated device.
func (h *SessionsHandlers) Start(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, service.KindAuthorization, "device not authenticated")
		return
	}
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.TokenID == "" {
		writeBadRequest(w, "token_id is required")
		return
	}
	if req.Resource == "" {
		req.Resource = device.Type
	}

	result, err := h.sessions.Start(r.Context(), service.StartInput{
		TokenID:  req.TokenID,
		DeviceID: device.ID,
		Resource: req.Resource,
	})
	if err != nil {
		writeServiceError(w, h.logger, "start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// End handles POST /sessions/end.
func (h *SessionsHandlers) End(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	result, err := h.sessions.RequestEnd(r.Context(), req.TokenID, req.SessionID)
	if err != nil {
		writeServiceError(w, h.logger, "request session end", err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// Measurement handles POST /sessions/measurement.
func (h *SessionsHandlers) Measurement(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, service.KindAuthorization, "device not authenticated")
		return
	}
	var req measurementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	result, err := h.sessions.SubmitMeasurement(r.Context(), service.MeasurementInput{
		DeviceID:        device.ID,
		SessionID:       req.SessionID,
		TotalQuantity:   req.TotalAmount,
		DurationSeconds: req.Duration,
		EndReason:       req.EndReason,
	})
	if err != nil {
		writeServiceError(w, h.logger, "submit measurement", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Status handles GET /sessions/status. Account holders only see their own sessions.
func (h *SessionsHandlers) Status(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, service.KindAuthorization, "missing claims")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeBadRequest(w, "session_id is required")
		return
	}

	view, err := h.sessions.Status(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.logger, "session status", err)
		return
	}
	if !claims.IsAdmin() && view.AccountID != claims.AccountID {
		writeServiceError(w, h.logger, "session status", service.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
