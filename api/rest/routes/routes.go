package routes

import (
	"net/http"

	"training-orchestrator/api/rest/handlers"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, orch *handlers.OrchestratorHandler, jobs *handlers.JobHandler) {
	handle(r, "/health", http.MethodGet, orch.Health)
	handle(r, "/metrics", http.MethodGet, orch.Metrics)

	api := r.PathPrefix("/v1").Subrouter()

	// Orchestration trigger
	handle(api, "/orchestrator/tick", http.MethodPost, orch.Tick)

	// Job endpoints
	handle(api, "/jobs/{id}", http.MethodGet, jobs.GetJob)
	handle(api, "/jobs/{id}/events", http.MethodGet, jobs.GetJobEvents)
	handle(api, "/jobs/{id}/cancel", http.MethodPost, jobs.CancelJob)
}

// handle registers path for one method and answers any other method with
// 405. Subrouters report a method mismatch as 404 on their own.
func handle(r *mux.Router, path, method string, h http.HandlerFunc) {
	r.HandleFunc(path, h).Methods(method)
	r.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
}
