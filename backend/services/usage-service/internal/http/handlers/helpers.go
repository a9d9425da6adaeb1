package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/service"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string            `json:"error"`
	Code  service.ErrorKind `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind service.ErrorKind, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: kind})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, service.KindValidation, message)
}

// writeServiceError maps a service error to its status. Internal errors are
// logged and hidden from the caller.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	kind := service.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	message := err.Error()
	if kind == service.KindInternal {
		message = "internal error"
	}
	writeError(w, status, kind, message)
}

func statusFor(kind service.ErrorKind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindAuthorization:
		return http.StatusForbidden
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindStateConflict:
		return http.StatusConflict
	case service.KindDeviceComm:
		return http.StatusBadGateway
	case service.KindLedgerWrite, service.KindLedgerRead:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}
