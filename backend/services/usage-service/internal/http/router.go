package httpserver

import (
	"net/http"

	"aquatrack/backend/services/usage-service/internal/http/handlers"
	"aquatrack/backend/services/usage-service/internal/http/middleware"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Sessions *handlers.SessionsHandlers
	Usage    *handlers.UsageHandlers
	Admin    *handlers.AdminHandlers

	Health     http.HandlerFunc
	Metrics    http.Handler
	DeviceWS   http.HandlerFunc
	UserAuth   func(http.Handler) http.Handler
	DeviceAuth func(http.Handler) http.Handler
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	if deps.Health != nil {
		mux.Handle("/health", method(http.MethodGet, deps.Health))
	}
	if deps.Metrics != nil {
		mux.Handle("/metrics", method(http.MethodGet, deps.Metrics))
	}

	device := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, deps.DeviceAuth)
	}
	user := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, deps.UserAuth)
	}
	admin := func(handler http.HandlerFunc) http.Handler {
		return middleware.Chain(handler, deps.UserAuth, middleware.RequireAdmin)
	}

	if deps.DeviceWS != nil {
		mux.Handle("/devices/ws", method(http.MethodGet, deps.DeviceWS))
	}

	if s := deps.Sessions; s != nil {
		mux.Handle("/sessions/start", method(http.MethodPost, device(s.Start)))
		mux.Handle("/sessions/end", method(http.MethodPost, device(s.End)))
		mux.Handle("/sessions/measurement", method(http.MethodPost, device(s.Measurement)))
		mux.Handle("/sessions/status", method(http.MethodGet, user(s.Status)))
	}

	if u := deps.Usage; u != nil {
		mux.Handle("/ledger/daily", method(http.MethodGet, user(u.Daily)))
		mux.Handle("/scores/apply", method(http.MethodPost, user(u.ApplyScores)))
	}

	if a := deps.Admin; a != nil {
		mux.Handle("/admin/sessions/force-end", method(http.MethodPost, admin(a.ForceEnd)))
		mux.Handle("/admin/sessions/bulk-force-end", method(http.MethodPost, admin(a.BulkForceEnd)))
		mux.Handle("/admin/sessions/force-endable", method(http.MethodGet, admin(a.Candidates)))
		mux.Handle("/admin/scores/aggregate", method(http.MethodPost, admin(a.Aggregate)))
		mux.Handle("/admin/audit", method(http.MethodGet, admin(a.Audit)))
		mux.Handle("/admin/audit/repair", method(http.MethodPost, admin(a.Repair)))
		mux.Handle("/admin/audit/history", method(http.MethodGet, admin(a.History)))
	}

	return mux
}

func method(expected string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
