package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"training-orchestrator/core/models"
	"training-orchestrator/core/repository"
	"training-orchestrator/storage"
)

// JobSubmitter hands queued jobs to the GPU provider
type JobSubmitter struct {
	store    repository.JobStore
	provider Provider
	objects  storage.ObjectStore
	opts     Options
	now      func() time.Time
}

// NewJobSubmitter creates a new job submitter
func NewJobSubmitter(store repository.JobStore, provider Provider, objects storage.ObjectStore, opts Options, now func() time.Time) *JobSubmitter {
	return &JobSubmitter{
		store:    store,
		provider: provider,
		objects:  objects,
		opts:     opts.withDefaults(),
		now:      defaultClock(now),
	}
}

// Run submits the oldest queued jobs, then fails submissions that stalled
// in initializing without a provider handle
func (s *JobSubmitter) Run(ctx context.Context) (phaseResult, error) {
	jobs, err := s.store.ListJobs(ctx, models.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusQueued},
		Limit:    s.opts.SubmitBatchSize,
	})
	if err != nil {
		return phaseResult{}, fmt.Errorf("list queued jobs: %w", err)
	}
	result := forEachJob(ctx, "submit", jobs, s.opts.MaxParallelJobs, s.submitJob)

	noHandle := false
	cutoff := s.now().Add(-s.opts.StaleSubmissionAfter)
	stalled, err := s.store.ListJobs(ctx, models.JobFilter{
		Statuses:       []models.JobStatus{models.JobStatusInitializing},
		HasExternalJob: &noHandle,
		UpdatedBefore:  &cutoff,
		Limit:          s.opts.SubmitBatchSize,
	})
	if err != nil {
		return result, fmt.Errorf("list stalled submissions: %w", err)
	}
	swept := forEachJob(ctx, "submit", stalled, s.opts.MaxParallelJobs, s.failStalled)
	result.processed += swept.processed

	return result, nil
}

func (s *JobSubmitter) submitJob(ctx context.Context, listed *models.Job) (bool, error) {
	job, err := s.store.GetJob(ctx, listed.ID)
	if err != nil {
		return false, fmt.Errorf("reload job: %w", err)
	}
	if job.Status != models.JobStatusQueued {
		return false, nil
	}

	initializing := models.JobStatusInitializing
	stage := models.StageInitializing
	err = s.store.UpdateJob(ctx, &models.JobUpdate{
		JobID:          job.ID,
		ExpectedStatus: models.JobStatusQueued,
		Status:         &initializing,
		Stage:          &stage,
		Reason:         "submission_started",
	})
	if errors.Is(err, repository.ErrConflict) {
		// Another tick took it.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark initializing: %w", err)
	}

	// The provider already knows this job; never submit it twice.
	if job.HasExternalJob() {
		jobLog(job, "submit").Warn("Job already has a provider handle, promoting without resubmitting")
		if err := s.markRunning(ctx, job, *job.ExternalJobID); err != nil {
			return false, err
		}
		return true, nil
	}

	externalID, submitErr := s.submit(ctx, job)
	if submitErr != nil {
		jobLog(job, "submit").WithError(submitErr).Warn("Submission rejected, failing job")
		return false, s.markFailed(ctx, job, submitErr.Error(), "submission_failed",
			"Your training job failed to start: "+submitErr.Error())
	}

	if err := s.markRunning(ctx, job, externalID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Cancelled while the submit was in flight; nothing will poll this run.
			s.abandon(ctx, job, externalID)
			return false, nil
		}
		return false, fmt.Errorf("record provider job %s: %w", externalID, err)
	}
	jobLog(job, "submit").WithField("external_job_id", externalID).Info("Job submitted to GPU provider")
	return true, nil
}

func (s *JobSubmitter) submit(ctx context.Context, job *models.Job) (string, error) {
	if job.DatasetStoragePath == "" {
		return "", fmt.Errorf("%w: dataset %s", ErrMissingDataset, job.DatasetID)
	}
	bucket := job.DatasetStorageBucket
	if bucket == "" {
		bucket = s.opts.DatasetBucket
	}

	storageCtx, cancel := context.WithTimeout(ctx, s.opts.StorageTimeout)
	datasetURL, err := s.objects.SignedURL(storageCtx, bucket, job.DatasetStoragePath, s.opts.SignedURLTTL)
	cancel()
	if err != nil {
		return "", fmt.Errorf("failed to generate dataset signed URL from bucket %s: %w", bucket, err)
	}

	hyperparameters := make(map[string]interface{}, len(job.Hyperparameters)+1)
	for k, v := range job.Hyperparameters {
		hyperparameters[k] = v
	}
	if _, ok := hyperparameters["base_model"]; !ok && s.opts.BaseModel != "" {
		hyperparameters["base_model"] = s.opts.BaseModel
	}

	providerCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()
	externalID, err := s.provider.Submit(providerCtx, &models.SubmitRequest{
		JobID:           job.ID,
		DatasetURL:      datasetURL,
		Hyperparameters: hyperparameters,
		GPUConfig:       job.GPUConfig,
		CallbackURL:     s.opts.CallbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("GPU cluster submission failed: %w", err)
	}
	return externalID, nil
}

func (s *JobSubmitter) markRunning(ctx context.Context, job *models.Job, externalID string) error {
	now := s.now()
	running := models.JobStatusRunning
	stage := models.StageQueuedOnGPU
	err := s.store.UpdateJob(ctx, &models.JobUpdate{
		JobID:          job.ID,
		ExpectedStatus: models.JobStatusInitializing,
		Status:         &running,
		Stage:          &stage,
		ExternalJobID:  &externalID,
		StartedAt:      &now,
		Reason:         "submitted",
	})
	if err != nil {
		return err
	}

	notify(ctx, s.store, &models.Notification{
		UserID:    job.UserID,
		Type:      models.NotificationJobStarted,
		Title:     "Training Started",
		Message:   fmt.Sprintf("Your training job has started on %dx %s", job.GPUConfig.NumGPUs, job.GPUConfig.GPUType),
		Priority:  models.PriorityMedium,
		ActionURL: jobActionURL(job.ID),
		Metadata:  map[string]interface{}{"job_id": job.ID, "external_job_id": externalID},
	})
	return nil
}

// abandon stops a provider run whose job left initializing before the
// handle could be recorded
func (s *JobSubmitter) abandon(ctx context.Context, job *models.Job, externalID string) {
	log := jobLog(job, "submit").WithField("external_job_id", externalID)
	providerCtx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	defer cancel()
	if err := s.provider.Cancel(providerCtx, externalID); err != nil {
		log.WithError(err).Error("Job changed during submission and the provider run could not be cancelled")
		return
	}
	log.Warn("Job changed during submission, cancelled provider run")
}

// markFailed ends a job that never reached the provider. It accrued no
// compute, so its final cost is zero.
func (s *JobSubmitter) markFailed(ctx context.Context, job *models.Job, reason, eventReason, message string) error {
	now := s.now()
	failed := models.JobStatusFailed
	stage := models.StageFailed
	zero := 0.0
	err := s.store.UpdateJob(ctx, &models.JobUpdate{
		JobID:          job.ID,
		ExpectedStatus: models.JobStatusInitializing,
		Status:         &failed,
		Stage:          &stage,
		ErrorMessage:   &reason,
		CompletedAt:    &now,
		CurrentCost:    &zero,
		FinalCost:      &zero,
		Reason:         eventReason,
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	notify(ctx, s.store, &models.Notification{
		UserID:    job.UserID,
		Type:      models.NotificationJobFailed,
		Title:     "Training Failed",
		Message:   message,
		Priority:  models.PriorityHigh,
		ActionURL: jobActionURL(job.ID),
		Metadata:  map[string]interface{}{"job_id": job.ID},
	})
	return nil
}

// failStalled fails a job whose submission never recorded a provider
// handle. Resubmitting could start a second paid run for the same job.
func (s *JobSubmitter) failStalled(ctx context.Context, listed *models.Job) (bool, error) {
	job, err := s.store.GetJob(ctx, listed.ID)
	if err != nil {
		return false, fmt.Errorf("reload job: %w", err)
	}
	if job.Status != models.JobStatusInitializing || job.HasExternalJob() {
		return false, nil
	}

	reason := fmt.Sprintf("submission did not complete within %s", s.opts.StaleSubmissionAfter)
	jobLog(job, "submit").Warn("Failing stalled submission")
	if err := s.markFailed(ctx, job, reason, "submission_stalled", "Your training job failed to start: "+reason); err != nil {
		return false, err
	}
	return true, nil
}
