package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"training-orchestrator/core/orchestrator"

	logger "github.com/sirupsen/logrus"
)

// Ticker runs one orchestration pass
type Ticker interface {
	Tick(ctx context.Context) (orchestrator.TickSummary, error)
}

// MetricsSource renders the Prometheus text exposition
type MetricsSource interface {
	GetPrometheusMetrics(ctx context.Context) (string, error)
}

// OrchestratorHandler exposes the tick trigger and operational endpoints
type OrchestratorHandler struct {
	ticker  Ticker
	metrics MetricsSource
	secret  string
}

// NewOrchestratorHandler creates a new orchestrator handler. An empty secret
// leaves the tick endpoint open.
func NewOrchestratorHandler(ticker Ticker, metrics MetricsSource, secret string) *OrchestratorHandler {
	return &OrchestratorHandler{ticker: ticker, metrics: metrics, secret: secret}
}

// Tick handles POST /v1/orchestrator/tick
func (h *OrchestratorHandler) Tick(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	summary, err := h.ticker.Tick(r.Context())
	if err != nil {
		logger.WithError(err).Error("Orchestration tick failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *OrchestratorHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

// Metrics handles GET /metrics
func (h *OrchestratorHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	body, err := h.metrics.GetPrometheusMetrics(r.Context())
	if err != nil {
		http.Error(w, "Failed to collect metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(body))
}

// Health handles GET /health
func (h *OrchestratorHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
