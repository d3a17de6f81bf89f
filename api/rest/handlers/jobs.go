package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"training-orchestrator/core/models"
	"training-orchestrator/core/monitoring"
	"training-orchestrator/core/orchestrator"
	"training-orchestrator/core/repository"

	"github.com/gorilla/mux"
)

// UserHeader carries the authenticated caller's id, set by the gateway
const UserHeader = "X-User-ID"

// JobReader loads a job visible to its owner and its status history
type JobReader interface {
	GetJobForOwner(ctx context.Context, id, userID string) (*models.Job, error)
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

const maxEvents = 100

// Canceller cancels a job on behalf of its owner
type Canceller interface {
	Cancel(ctx context.Context, jobID, ownerID string) (*models.Job, error)
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	jobs      JobReader
	canceller Canceller
	now       func() time.Time
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobReader, canceller Canceller) *JobHandler {
	return &JobHandler{jobs: jobs, canceller: canceller, now: time.Now}
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	job, err := h.jobs.GetJobForOwner(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.jobResponse(job))
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	job, err := h.jobs.GetJobForOwner(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	events, err := h.jobs.ListJobEvents(r.Context(), job.ID, maxEvents)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch events: "+err.Error())
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":        event.At,
			"to_status": event.ToStatus,
			"reason":    event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		items[i] = item
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	job, err := h.canceller.Cancel(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.jobResponse(job))
}

func (h *JobHandler) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrNotCancellable), errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *JobHandler) jobResponse(job *models.Job) map[string]interface{} {
	cost := map[string]interface{}{
		"current_usd": monitoring.AccruedCost(job, h.now()),
	}
	if job.FinalCost != nil {
		cost["final_usd"] = *job.FinalCost
		cost["current_usd"] = *job.FinalCost
	}

	response := map[string]interface{}{
		"id":            job.ID,
		"status":        job.Status,
		"current_stage": job.CurrentStage,
		"progress":      job.Progress,
		"current_epoch": job.CurrentEpoch,
		"total_epochs":  job.TotalEpochs,
		"current_step":  job.CurrentStep,
		"gpu_config":    job.GPUConfig,
		"cost":          cost,
		"timestamps": map[string]interface{}{
			"queued_at":    job.QueuedAt,
			"started_at":   job.StartedAt,
			"completed_at": job.CompletedAt,
		},
	}
	if job.CurrentMetrics != nil {
		response["metrics"] = job.CurrentMetrics
	}
	if job.ErrorMessage != nil {
		response["error_message"] = *job.ErrorMessage
	}
	if job.ArtifactID != nil {
		response["artifact_id"] = *job.ArtifactID
	}
	return response
}
