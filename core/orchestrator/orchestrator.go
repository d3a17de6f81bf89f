package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"training-orchestrator/core/lease"
	"training-orchestrator/core/models"
	"training-orchestrator/core/monitoring"
	"training-orchestrator/core/repository"
	"training-orchestrator/storage"

	logger "github.com/sirupsen/logrus"
)

var (
	// ErrUnknownProviderState is returned for provider states outside the status table
	ErrUnknownProviderState = errors.New("unknown provider state")
	// ErrNotCancellable is returned when cancelling a job that already finished
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrMissingDataset is returned when a queued job has no dataset storage path
	ErrMissingDataset = errors.New("job has no dataset storage path")
)

// Provider is the GPU provider surface the engine drives
type Provider interface {
	Submit(ctx context.Context, req *models.SubmitRequest) (string, error)
	Status(ctx context.Context, externalID string) (*models.ProviderStatus, error)
	Cancel(ctx context.Context, externalID string) error
	ListArtifacts(ctx context.Context, externalID string) (*models.ArtifactListing, error)
	Download(ctx context.Context, downloadURL string) ([]byte, error)
}

// TickRecorder receives the outcome of every tick
type TickRecorder interface {
	RecordTick(stats monitoring.TickStats)
}

// Options tunes batch sizes, buckets and timeouts
type Options struct {
	SubmitBatchSize      int
	ReconcileBatchSize   int
	MaterializeBatchSize int
	MaxParallelJobs      int

	DatasetBucket string
	ModelsBucket  string
	SignedURLTTL  time.Duration
	BaseModel     string
	CallbackURL   string

	StaleSubmissionAfter time.Duration
	ProviderTimeout      time.Duration
	StorageTimeout       time.Duration
}

// DefaultOptions returns the options used when a field is left zero
func DefaultOptions() Options {
	return Options{
		SubmitBatchSize:      5,
		ReconcileBatchSize:   50,
		MaterializeBatchSize: 10,
		MaxParallelJobs:      4,
		DatasetBucket:        "lora-datasets",
		ModelsBucket:         "lora-models",
		SignedURLTTL:         24 * time.Hour,
		BaseModel:            "mistralai/Mistral-7B-v0.1",
		StaleSubmissionAfter: 10 * time.Minute,
		ProviderTimeout:      30 * time.Second,
		StorageTimeout:       30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SubmitBatchSize <= 0 {
		o.SubmitBatchSize = d.SubmitBatchSize
	}
	if o.ReconcileBatchSize <= 0 {
		o.ReconcileBatchSize = d.ReconcileBatchSize
	}
	if o.MaterializeBatchSize <= 0 {
		o.MaterializeBatchSize = d.MaterializeBatchSize
	}
	if o.MaxParallelJobs <= 0 {
		o.MaxParallelJobs = d.MaxParallelJobs
	}
	if o.DatasetBucket == "" {
		o.DatasetBucket = d.DatasetBucket
	}
	if o.ModelsBucket == "" {
		o.ModelsBucket = d.ModelsBucket
	}
	if o.BaseModel == "" {
		o.BaseModel = d.BaseModel
	}
	if o.SignedURLTTL <= 0 {
		o.SignedURLTTL = d.SignedURLTTL
	}
	if o.StaleSubmissionAfter <= 0 {
		o.StaleSubmissionAfter = d.StaleSubmissionAfter
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = d.ProviderTimeout
	}
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = d.StorageTimeout
	}
	return o
}

// Dependencies are the collaborators of one Orchestrator. Lease, Recorder
// and Now are optional.
type Dependencies struct {
	Store    repository.JobStore
	Provider Provider
	Objects  storage.ObjectStore
	Lease    lease.Lease
	Recorder TickRecorder
	Now      func() time.Time
}

// TickSummary reports what one tick did
type TickSummary struct {
	Processed    int  `json:"processed"`
	Submitted    int  `json:"submitted"`
	Reconciled   int  `json:"reconciled"`
	Materialized int  `json:"materialized"`
	Skipped      bool `json:"skipped,omitempty"`
}

// Orchestrator runs one reconciliation pass per Tick: submit queued jobs,
// poll active ones, then materialize artifacts for completed ones. It keeps
// no job state between ticks.
type Orchestrator struct {
	submitter    *JobSubmitter
	reconciler   *JobReconciler
	materializer *ArtifactMaterializer
	canceller    *JobCanceller

	lease    lease.Lease
	recorder TickRecorder
	now      func() time.Time
}

// New wires an orchestrator from its dependencies
func New(deps Dependencies, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	now := defaultClock(deps.Now)

	return &Orchestrator{
		submitter:    NewJobSubmitter(deps.Store, deps.Provider, deps.Objects, opts, now),
		reconciler:   NewJobReconciler(deps.Store, deps.Provider, opts, now),
		materializer: NewArtifactMaterializer(deps.Store, deps.Provider, deps.Objects, opts, now),
		canceller:    NewJobCanceller(deps.Store, deps.Provider, opts, now),
		lease:        deps.Lease,
		recorder:     deps.Recorder,
		now:          now,
	}
}

// Canceller returns the cancel entry point sharing this orchestrator's
// dependencies
func (o *Orchestrator) Canceller() *JobCanceller {
	return o.canceller
}

// Tick runs one pass. A failure to list one phase's jobs is returned but
// does not stop the later phases; per-job failures are logged and never
// returned.
func (o *Orchestrator) Tick(ctx context.Context) (summary TickSummary, err error) {
	start := o.now()
	defer func() {
		if o.recorder != nil {
			o.recorder.RecordTick(monitoring.TickStats{
				Processed:    summary.Processed,
				Submitted:    summary.Submitted,
				Reconciled:   summary.Reconciled,
				Materialized: summary.Materialized,
				Skipped:      summary.Skipped,
				Failed:       err != nil,
				Duration:     o.now().Sub(start),
			})
		}
	}()

	if o.lease != nil {
		token, acquired, lerr := o.lease.Acquire(ctx)
		if lerr != nil {
			return summary, fmt.Errorf("acquire tick lease: %w", lerr)
		}
		if !acquired {
			logger.Info("Another tick holds the lease, skipping")
			summary.Skipped = true
			return summary, nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rerr := o.lease.Release(releaseCtx, token); rerr != nil {
				logger.WithError(rerr).Warn("Failed to release tick lease")
			}
		}()
	}

	var errs []error

	submitted, serr := o.submitter.Run(ctx)
	summary.Processed += submitted.processed
	summary.Submitted = submitted.succeeded
	if serr != nil {
		errs = append(errs, serr)
	}

	reconciled, rerr := o.reconciler.Run(ctx)
	summary.Processed += reconciled.processed
	summary.Reconciled = reconciled.succeeded
	if rerr != nil {
		errs = append(errs, rerr)
	}

	materialized, merr := o.materializer.Run(ctx)
	summary.Processed += materialized.processed
	summary.Materialized = materialized.succeeded
	if merr != nil {
		errs = append(errs, merr)
	}

	logger.WithFields(logger.Fields{
		"processed":    summary.Processed,
		"submitted":    summary.Submitted,
		"reconciled":   summary.Reconciled,
		"materialized": summary.Materialized,
		"duration":     o.now().Sub(start).String(),
	}).Info("Tick finished")

	return summary, errors.Join(errs...)
}
