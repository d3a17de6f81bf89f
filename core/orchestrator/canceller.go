package orchestrator

import (
	"context"
	"fmt"
	"time"

	"training-orchestrator/core/models"
	"training-orchestrator/core/monitoring"
	"training-orchestrator/core/repository"
)

// JobCanceller ends a job at its owner's request
type JobCanceller struct {
	store    repository.JobStore
	provider Provider
	opts     Options
	now      func() time.Time
}

// NewJobCanceller creates a new job canceller
func NewJobCanceller(store repository.JobStore, provider Provider, opts Options, now func() time.Time) *JobCanceller {
	return &JobCanceller{
		store:    store,
		provider: provider,
		opts:     opts.withDefaults(),
		now:      defaultClock(now),
	}
}

// Cancel moves the owner's job to cancelled. The provider is asked to stop
// the run first; a failure there is logged and does not block the cancel,
// since the reconciler never polls terminal jobs again.
func (c *JobCanceller) Cancel(ctx context.Context, jobID, ownerID string) (*models.Job, error) {
	job, err := c.store.GetJobForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(job.Status, models.JobStatusCancelled) {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotCancellable, job.ID, job.Status)
	}

	if job.HasExternalJob() {
		providerCtx, cancel := context.WithTimeout(ctx, c.opts.ProviderTimeout)
		err := c.provider.Cancel(providerCtx, *job.ExternalJobID)
		cancel()
		if err != nil {
			jobLog(job, "cancel").WithError(err).Warn("Provider did not acknowledge cancellation")
		}
	}

	now := c.now()
	cost := monitoring.AccruedCost(job, now)
	cancelled := models.JobStatusCancelled
	stage := models.StageCancelled
	err = c.store.UpdateJob(ctx, &models.JobUpdate{
		JobID:          job.ID,
		ExpectedStatus: job.Status,
		Status:         &cancelled,
		Stage:          &stage,
		CompletedAt:    &now,
		CurrentCost:    &cost,
		FinalCost:      &cost,
		Reason:         "cancelled_by_user",
	})
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", job.ID, err)
	}

	notify(ctx, c.store, &models.Notification{
		UserID:    job.UserID,
		Type:      models.NotificationJobCancelled,
		Title:     "Training Cancelled",
		Message:   fmt.Sprintf("Your training job was cancelled. Cost: $%.2f", cost),
		Priority:  models.PriorityMedium,
		ActionURL: jobActionURL(job.ID),
		Metadata:  map[string]interface{}{"job_id": job.ID, "final_cost": cost},
	})
	jobLog(job, "cancel").WithField("final_cost", cost).Info("Job cancelled")

	return c.store.GetJob(ctx, job.ID)
}
