package repository

import (
	"context"
	"errors"
	"fmt"

	"training-orchestrator/core/models"
)

var (
	// ErrNotFound is returned when a job does not exist or is not visible to the owner
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a guarded update finds the job in a different status
	ErrConflict = errors.New("job status changed concurrently")
	// ErrInvalidTransition is returned for updates that break the job state machine
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrArtifactExists is returned when a job already has an artifact linked
	ErrArtifactExists = errors.New("job already has an artifact")
)

// JobStore is the persistence surface the orchestration engine depends on.
// Every write is scoped to exactly one job.
type JobStore interface {
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetJobForOwner(ctx context.Context, id, userID string) (*models.Job, error)
	UpdateJob(ctx context.Context, update *models.JobUpdate) error

	AppendMetricsPoint(ctx context.Context, point *models.MetricsPoint) error
	ListMetricsPoints(ctx context.Context, jobID string) ([]models.MetricsPoint, error)
	RecordCost(ctx context.Context, record *models.CostRecord) error
	Notify(ctx context.Context, notification *models.Notification) error

	// CreateArtifact inserts the artifact and links it to its job in one
	// step. It returns ErrArtifactExists if the job already has one.
	CreateArtifact(ctx context.Context, artifact *models.Artifact) error
}

// ValidateUpdate checks an update against the job state machine: the status
// move must be permitted, and a final cost is written exactly when the job
// enters a terminal status.
func ValidateUpdate(u *models.JobUpdate) error {
	if u.JobID == "" {
		return fmt.Errorf("%w: missing job id", ErrInvalidTransition)
	}
	target := u.TargetStatus()
	if !models.CanTransition(u.ExpectedStatus, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.ExpectedStatus, target)
	}
	entersTerminal := u.Status != nil && target.IsTerminal()
	if entersTerminal && u.FinalCost == nil {
		return fmt.Errorf("%w: terminal status %s without final cost", ErrInvalidTransition, target)
	}
	if !entersTerminal && u.FinalCost != nil {
		return fmt.Errorf("%w: final cost outside terminal transition", ErrInvalidTransition)
	}
	return nil
}
