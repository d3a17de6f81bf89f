package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"training-orchestrator/core/models"
	"training-orchestrator/core/monitoring"
	"training-orchestrator/core/repository"

	logger "github.com/sirupsen/logrus"
)

// JobReconciler polls the provider for active jobs and folds the reported
// state into the job row
type JobReconciler struct {
	store    repository.JobStore
	provider Provider
	opts     Options
	now      func() time.Time
}

// NewJobReconciler creates a new job reconciler
func NewJobReconciler(store repository.JobStore, provider Provider, opts Options, now func() time.Time) *JobReconciler {
	return &JobReconciler{
		store:    store,
		provider: provider,
		opts:     opts.withDefaults(),
		now:      defaultClock(now),
	}
}

// Run polls every initializing or running job that has a provider handle
func (r *JobReconciler) Run(ctx context.Context) (phaseResult, error) {
	hasHandle := true
	jobs, err := r.store.ListJobs(ctx, models.JobFilter{
		Statuses:       []models.JobStatus{models.JobStatusInitializing, models.JobStatusRunning},
		HasExternalJob: &hasHandle,
		Limit:          r.opts.ReconcileBatchSize,
	})
	if err != nil {
		return phaseResult{}, fmt.Errorf("list active jobs: %w", err)
	}
	return forEachJob(ctx, "reconcile", jobs, r.opts.MaxParallelJobs, r.reconcileJob), nil
}

func (r *JobReconciler) reconcileJob(ctx context.Context, listed *models.Job) (bool, error) {
	job, err := r.store.GetJob(ctx, listed.ID)
	if err != nil {
		return false, fmt.Errorf("reload job: %w", err)
	}
	// Cancelled or finished while the batch was in flight.
	if job.Status.IsTerminal() || !job.HasExternalJob() {
		return false, nil
	}

	providerCtx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	status, err := r.provider.Status(providerCtx, *job.ExternalJobID)
	cancel()
	if err != nil {
		return false, fmt.Errorf("poll provider: %w", err)
	}

	next, err := mapProviderState(status.State)
	if err != nil {
		return false, err
	}

	if job.Status == models.JobStatusInitializing {
		if job, err = r.promote(ctx, job); err != nil || job == nil {
			return false, err
		}
	}

	return r.apply(ctx, job, status, next)
}

// promote moves an initializing job that already has a provider handle to
// running. It returns nil when another writer moved the job first.
func (r *JobReconciler) promote(ctx context.Context, job *models.Job) (*models.Job, error) {
	now := r.now()
	running := models.JobStatusRunning
	update := &models.JobUpdate{
		JobID:          job.ID,
		ExpectedStatus: models.JobStatusInitializing,
		Status:         &running,
		Reason:         "provider_acknowledged",
	}
	if job.StartedAt == nil {
		update.StartedAt = &now
	}

	err := r.store.UpdateJob(ctx, update)
	if errors.Is(err, repository.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promote to running: %w", err)
	}

	job.Status = models.JobStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	return job, nil
}

func (r *JobReconciler) apply(ctx context.Context, job *models.Job, status *models.ProviderStatus, next transition) (bool, error) {
	now := r.now()
	log := jobLog(job, "reconcile")

	update := &models.JobUpdate{
		JobID:          job.ID,
		ExpectedStatus: job.Status,
		Stage:          &next.stage,
	}

	epoch, step := job.CurrentEpoch, job.CurrentStep
	if status.State == models.ProviderStateInProgress {
		if status.Progress != nil {
			progress := clampProgress(*status.Progress)
			update.Progress = &progress
		}
		if status.CurrentEpoch != nil {
			epoch = *status.CurrentEpoch
			update.CurrentEpoch = &epoch
		}
		if status.CurrentStep != nil {
			step = *status.CurrentStep
			update.CurrentStep = &step
		}
	}

	if m := status.Metrics; m != nil {
		update.CurrentMetrics = mergeMetrics(job.CurrentMetrics, m)
		err := r.store.AppendMetricsPoint(ctx, &models.MetricsPoint{
			JobID:          job.ID,
			Epoch:          epoch,
			Step:           step,
			TrainingLoss:   m.TrainingLoss,
			ValidationLoss: m.ValidationLoss,
			LearningRate:   m.LearningRate,
			GradientNorm:   m.GradientNorm,
			Throughput:     m.Throughput,
			GPUUtilization: m.GPUUtilization,
			Timestamp:      now,
		})
		if err != nil {
			return false, fmt.Errorf("append metrics point: %w", err)
		}
	}

	cost := monitoring.AccruedCost(job, now)
	update.CurrentCost = &cost

	var errorMessage string
	if next.terminal {
		update.Status = &next.status
		update.CompletedAt = &now
		update.FinalCost = &cost
		update.Reason = "provider_" + string(next.status)

		switch next.status {
		case models.JobStatusCompleted:
			hundred := 100.0
			update.Progress = &hundred
		case models.JobStatusFailed:
			errorMessage = status.Error
			if errorMessage == "" {
				errorMessage = defaultFailureMessage
			}
			update.ErrorMessage = &errorMessage
		}
	}

	err := r.store.UpdateJob(ctx, update)
	if errors.Is(err, repository.ErrConflict) {
		log.Debug("Job moved during reconciliation, leaving it for the next tick")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}

	if !next.terminal {
		return true, nil
	}

	if next.status == models.JobStatusCompleted {
		r.completed(ctx, job, cost, now)
	} else {
		r.failed(ctx, job, errorMessage)
	}
	log.WithFields(logger.Fields{
		"status":     next.status,
		"final_cost": cost,
	}).Info("Job reached terminal state")
	return true, nil
}

func (r *JobReconciler) completed(ctx context.Context, job *models.Job, cost float64, now time.Time) {
	err := r.store.RecordCost(ctx, &models.CostRecord{
		UserID:   job.UserID,
		JobID:    job.ID,
		CostType: models.CostTypeTrainingCompute,
		Amount:   cost,
		Details: models.CostDetails{
			GPUType:       job.GPUConfig.GPUType,
			GPUCount:      job.GPUConfig.NumGPUs,
			DurationHours: monitoring.DurationHours(job, now),
		},
		BillingPeriod: now.UTC().Format("2006-01-02"),
		RecordedAt:    now,
	})
	if err != nil {
		jobLog(job, "reconcile").WithError(err).WithField("amount", cost).Error("Failed to record final cost")
	}

	notify(ctx, r.store, &models.Notification{
		UserID:    job.UserID,
		Type:      models.NotificationJobCompleted,
		Title:     "Training Complete",
		Message:   fmt.Sprintf("Your training job finished successfully. Cost: $%.2f", cost),
		Priority:  models.PriorityHigh,
		ActionURL: jobActionURL(job.ID),
		Metadata:  map[string]interface{}{"job_id": job.ID, "final_cost": cost},
	})
}

func (r *JobReconciler) failed(ctx context.Context, job *models.Job, message string) {
	notify(ctx, r.store, &models.Notification{
		UserID:    job.UserID,
		Type:      models.NotificationJobFailed,
		Title:     "Training Failed",
		Message:   "Your training job failed: " + message,
		Priority:  models.PriorityHigh,
		ActionURL: jobActionURL(job.ID),
		Metadata:  map[string]interface{}{"job_id": job.ID},
	})
}

// mergeMetrics overlays the reported fields on the previous snapshot so a
// partial report never clears a known value
func mergeMetrics(prev *models.CurrentMetrics, m *models.ProviderMetrics) *models.CurrentMetrics {
	merged := models.CurrentMetrics{}
	if prev != nil {
		merged = *prev
	}
	overlay := func(dst **float64, v *float64) {
		if v != nil {
			*dst = v
		}
	}
	overlay(&merged.TrainingLoss, m.TrainingLoss)
	overlay(&merged.ValidationLoss, m.ValidationLoss)
	overlay(&merged.LearningRate, m.LearningRate)
	overlay(&merged.Throughput, m.Throughput)
	overlay(&merged.GPUUtilization, m.GPUUtilization)
	return &merged
}

func clampProgress(p float64) float64 {
	if math.IsNaN(p) {
		return 0
	}
	return math.Max(0, math.Min(100, p))
}
