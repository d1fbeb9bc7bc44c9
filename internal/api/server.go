// Package api is the HTTP surface: test execution, run inspection and live viewing.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/uiregress/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	// Execute endpoints (rate limited)
	execute := r.Methods(http.MethodPost, http.MethodOptions).Subrouter()
	if rateLimiter != nil {
		execute.Use(RateLimitMiddleware(rateLimiter))
	}
	execute.HandleFunc("/execute-test/{id}", h.ExecuteTest)
	execute.HandleFunc("/v1/tests/{id}/execute", h.ExecuteTest)

	// Run endpoints
	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/runs", h.ListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", h.GetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/live", h.WatchRun).Methods(http.MethodGet)

	r.Use(loggingMiddleware(h.logger), corsMiddleware)

	return r
}
