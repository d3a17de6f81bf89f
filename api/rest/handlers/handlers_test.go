package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"training-orchestrator/core/models"
	"training-orchestrator/core/orchestrator"
	"training-orchestrator/core/repository"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTicker struct {
	summary orchestrator.TickSummary
	err     error
	calls   int
}

func (s *stubTicker) Tick(context.Context) (orchestrator.TickSummary, error) {
	s.calls++
	return s.summary, s.err
}

type stubMetrics struct {
	body string
	err  error
}

func (s stubMetrics) GetPrometheusMetrics(context.Context) (string, error) {
	return s.body, s.err
}

func serve(t *testing.T, method, path string, headers map[string]string, register func(r *mux.Router)) *httptest.ResponseRecorder {
	t.Helper()
	r := mux.NewRouter()
	register(r)
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestTickReturnsSummary(t *testing.T) {
	ticker := &stubTicker{summary: orchestrator.TickSummary{Processed: 3, Submitted: 1, Reconciled: 2}}
	h := NewOrchestratorHandler(ticker, stubMetrics{}, "")

	rec := serve(t, "POST", "/tick", nil, func(r *mux.Router) { r.HandleFunc("/tick", h.Tick) })

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["processed"])
	assert.EqualValues(t, 1, body["submitted"])
	assert.EqualValues(t, 2, body["reconciled"])
	assert.EqualValues(t, 0, body["materialized"])
	assert.NotContains(t, body, "skipped")
}

func TestTickFailure(t *testing.T) {
	ticker := &stubTicker{err: errors.New("list queued jobs: connection refused")}
	h := NewOrchestratorHandler(ticker, stubMetrics{}, "")

	rec := serve(t, "POST", "/tick", nil, func(r *mux.Router) { r.HandleFunc("/tick", h.Tick) })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "list queued jobs: connection refused", decode(t, rec)["error"])
}

func TestTickRequiresSecret(t *testing.T) {
	ticker := &stubTicker{}
	h := NewOrchestratorHandler(ticker, stubMetrics{}, "s3cret")
	register := func(r *mux.Router) { r.HandleFunc("/tick", h.Tick) }

	rec := serve(t, "POST", "/tick", nil, register)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, "POST", "/tick", map[string]string{"Authorization": "Bearer wrong"}, register)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, ticker.calls)

	rec = serve(t, "POST", "/tick", map[string]string{"Authorization": "Bearer s3cret"}, register)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ticker.calls)
}

func TestMetricsAndHealth(t *testing.T) {
	h := NewOrchestratorHandler(&stubTicker{}, stubMetrics{body: "orchestrator_ticks_total 4\n"}, "")
	register := func(r *mux.Router) {
		r.HandleFunc("/metrics", h.Metrics)
		r.HandleFunc("/health", h.Health)
	}

	rec := serve(t, "GET", "/metrics", nil, register)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "orchestrator_ticks_total 4\n", rec.Body.String())

	rec = serve(t, "GET", "/health", nil, register)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	failing := NewOrchestratorHandler(&stubTicker{}, stubMetrics{err: errors.New("db down")}, "")
	rec = serve(t, "GET", "/metrics", nil, func(r *mux.Router) { r.HandleFunc("/metrics", failing.Metrics) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func seededStore() *repository.MemoryStore {
	store := repository.NewMemoryStore()
	started := time.Now().Add(-30 * time.Minute)
	store.AddJob(&models.Job{
		ID:        "job-1",
		UserID:    "user-1",
		Status:    models.JobStatusQueued,
		QueuedAt:  started,
		GPUConfig: models.GPUConfig{GPUType: "A100", NumGPUs: 1, CostPerGPUHour: 2},
	})
	final := 12.5
	store.AddJob(&models.Job{
		ID:        "job-2",
		UserID:    "user-1",
		Status:    models.JobStatusCompleted,
		StartedAt: &started,
		FinalCost: &final,
	})
	return store
}

func jobRoutes(h *JobHandler) func(r *mux.Router) {
	return func(r *mux.Router) {
		r.HandleFunc("/v1/jobs/{id}", h.GetJob).Methods("GET")
		r.HandleFunc("/v1/jobs/{id}/events", h.GetJobEvents).Methods("GET")
		r.HandleFunc("/v1/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	}
}

func TestGetJob(t *testing.T) {
	store := seededStore()
	h := NewJobHandler(store, orchestrator.NewJobCanceller(store, nil, orchestrator.DefaultOptions(), time.Now))
	owner := map[string]string{UserHeader: "user-1"}

	rec := serve(t, "GET", "/v1/jobs/job-2", owner, jobRoutes(h))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "completed", body["status"])
	cost := body["cost"].(map[string]interface{})
	assert.EqualValues(t, 12.5, cost["final_usd"])

	rec = serve(t, "GET", "/v1/jobs/job-2", map[string]string{UserHeader: "user-2"}, jobRoutes(h))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, "GET", "/v1/jobs/job-2", nil, jobRoutes(h))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCancelJob(t *testing.T) {
	store := seededStore()
	h := NewJobHandler(store, orchestrator.NewJobCanceller(store, nil, orchestrator.DefaultOptions(), time.Now))
	owner := map[string]string{UserHeader: "user-1"}

	rec := serve(t, "POST", "/v1/jobs/job-1/cancel", owner, jobRoutes(h))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["status"])

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	require.NotNil(t, job.FinalCost)
	assert.Zero(t, *job.FinalCost, "never started, nothing accrued")

	rec = serve(t, "POST", "/v1/jobs/job-1/cancel", owner, jobRoutes(h))
	assert.Equal(t, http.StatusConflict, rec.Code, "already cancelled")

	rec = serve(t, "POST", "/v1/jobs/job-2/cancel", owner, jobRoutes(h))
	assert.Equal(t, http.StatusConflict, rec.Code, "completed jobs cannot be cancelled")

	rec = serve(t, "POST", "/v1/jobs/missing/cancel", owner, jobRoutes(h))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobEventsAfterCancel(t *testing.T) {
	store := seededStore()
	h := NewJobHandler(store, orchestrator.NewJobCanceller(store, nil, orchestrator.DefaultOptions(), time.Now))
	owner := map[string]string{UserHeader: "user-1"}

	rec := serve(t, "POST", "/v1/jobs/job-1/cancel", owner, jobRoutes(h))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, "GET", "/v1/jobs/job-1/events", owner, jobRoutes(h))
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]interface{})
	require.Len(t, items, 1)
	event := items[0].(map[string]interface{})
	assert.Equal(t, "queued", event["from_status"])
	assert.Equal(t, "cancelled", event["to_status"])
	assert.Equal(t, "cancelled_by_user", event["reason"])

	rec = serve(t, "GET", "/v1/jobs/job-1/events", map[string]string{UserHeader: "user-2"}, jobRoutes(h))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
