package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"training-orchestrator/core/models"

	"github.com/lib/pq"
)

// JobRepository handles database operations for training jobs
type JobRepository struct {
	db        *DB
	eventRepo *EventRepository
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, eventRepo: NewEventRepository(db)}
}

const jobColumns = `
	j.id, j.user_id, j.dataset_id, j.preset_id, j.status, j.current_stage, j.progress,
	j.current_epoch, j.total_epochs, j.current_step, j.total_steps, j.hyperparameters,
	j.gpu_config, j.queued_at, j.started_at, j.completed_at, j.current_cost, j.final_cost,
	j.current_metrics, j.error_message, j.external_job_id, j.artifact_id, j.created_at,
	j.updated_at, COALESCE(d.storage_bucket, ''), COALESCE(d.storage_path, ''),
	COALESCE(d.name, '')`

const jobFrom = `
	FROM training_jobs j
	LEFT JOIN datasets d ON d.id = j.dataset_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var presetID, errorMessage, externalJobID, artifactID sql.NullString
	var totalSteps sql.NullInt64
	var startedAt, completedAt sql.NullTime
	var finalCost sql.NullFloat64
	var hyperparameters, gpuConfig, currentMetrics []byte

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.DatasetID,
		&presetID,
		&job.Status,
		&job.CurrentStage,
		&job.Progress,
		&job.CurrentEpoch,
		&job.TotalEpochs,
		&job.CurrentStep,
		&totalSteps,
		&hyperparameters,
		&gpuConfig,
		&job.QueuedAt,
		&startedAt,
		&completedAt,
		&job.CurrentCost,
		&finalCost,
		&currentMetrics,
		&errorMessage,
		&externalJobID,
		&artifactID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.DatasetStorageBucket,
		&job.DatasetStoragePath,
		&job.DatasetName,
	)
	if err != nil {
		return nil, err
	}

	if presetID.Valid {
		job.PresetID = presetID.String
	}
	if totalSteps.Valid {
		steps := int(totalSteps.Int64)
		job.TotalSteps = &steps
	}
	job.StartedAt = nullTimePtr(startedAt)
	job.CompletedAt = nullTimePtr(completedAt)
	job.FinalCost = nullFloatPtr(finalCost)
	job.ErrorMessage = nullStringPtr(errorMessage)
	job.ExternalJobID = nullStringPtr(externalJobID)
	job.ArtifactID = nullStringPtr(artifactID)

	if len(hyperparameters) > 0 {
		if err := json.Unmarshal(hyperparameters, &job.Hyperparameters); err != nil {
			return nil, fmt.Errorf("decode hyperparameters of job %s: %w", job.ID, err)
		}
	}
	if len(gpuConfig) > 0 {
		if err := json.Unmarshal(gpuConfig, &job.GPUConfig); err != nil {
			return nil, fmt.Errorf("decode gpu_config of job %s: %w", job.ID, err)
		}
	}
	if len(currentMetrics) > 0 && string(currentMetrics) != "null" {
		job.CurrentMetrics = &models.CurrentMetrics{}
		if err := json.Unmarshal(currentMetrics, job.CurrentMetrics); err != nil {
			return nil, fmt.Errorf("decode current_metrics of job %s: %w", job.ID, err)
		}
	}

	return &job, nil
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT` + jobColumns + jobFrom + ` WHERE j.id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// GetJobForOwner retrieves a job by ID, scoped to its owner
func (r *JobRepository) GetJobForOwner(ctx context.Context, id, userID string) (*models.Job, error) {
	query := `SELECT` + jobColumns + jobFrom + ` WHERE j.id = $1 AND j.user_id = $2`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListJobs lists jobs matching the filter, oldest first
func (r *JobRepository) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	query := `SELECT` + jobColumns + jobFrom
	var conds []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("j.status = ANY($%d)", len(args)))
	}
	if filter.HasExternalJob != nil {
		if *filter.HasExternalJob {
			conds = append(conds, "j.external_job_id IS NOT NULL")
		} else {
			conds = append(conds, "j.external_job_id IS NULL")
		}
	}
	if filter.MissingArtifact {
		conds = append(conds, "j.artifact_id IS NULL")
	}
	if filter.UpdatedBefore != nil {
		args = append(args, *filter.UpdatedBefore)
		conds = append(conds, fmt.Sprintf("j.updated_at < $%d", len(args)))
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY j.created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// UpdateJob applies a guarded update. The row is only written while it is
// still in update.ExpectedStatus; otherwise ErrConflict is returned. Status
// changes are logged to job_events in the same transaction.
func (r *JobRepository) UpdateJob(ctx context.Context, u *models.JobUpdate) error {
	if err := ValidateUpdate(u); err != nil {
		return err
	}

	sets := []string{"updated_at = NOW()"}
	var args []interface{}
	set := func(expr string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if u.Status != nil {
		set("status = $%d", *u.Status)
	}
	if u.Stage != nil {
		set("current_stage = $%d", *u.Stage)
	}
	if u.Progress != nil {
		set("progress = $%d", *u.Progress)
	}
	if u.CurrentEpoch != nil {
		set("current_epoch = $%d", *u.CurrentEpoch)
	}
	if u.CurrentStep != nil {
		set("current_step = $%d", *u.CurrentStep)
	}
	if u.CurrentMetrics != nil {
		metrics, err := json.Marshal(u.CurrentMetrics)
		if err != nil {
			return err
		}
		set("current_metrics = $%d", metrics)
	}
	if u.CurrentCost != nil {
		set("current_cost = $%d", *u.CurrentCost)
	}
	if u.FinalCost != nil {
		set("final_cost = COALESCE(final_cost, $%d)", *u.FinalCost)
	}
	if u.StartedAt != nil {
		set("started_at = COALESCE(started_at, $%d)", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		set("completed_at = $%d", *u.CompletedAt)
	}
	if u.ExternalJobID != nil {
		set("external_job_id = COALESCE(external_job_id, $%d)", *u.ExternalJobID)
	}
	if u.ErrorMessage != nil {
		set("error_message = $%d", *u.ErrorMessage)
	}

	args = append(args, u.JobID, u.ExpectedStatus)
	query := fmt.Sprintf(
		"UPDATE training_jobs SET %s WHERE id = $%d AND status = $%d",
		strings.Join(sets, ", "), len(args)-1, len(args),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s is no longer %s", ErrConflict, u.JobID, u.ExpectedStatus)
	}

	if u.Status != nil && *u.Status != u.ExpectedStatus {
		var meta map[string]interface{}
		if u.ErrorMessage != nil {
			meta = map[string]interface{}{"error": *u.ErrorMessage}
		}
		from := u.ExpectedStatus
		if err := r.eventRepo.createJobEventTx(ctx, tx, u.JobID, &from, *u.Status, u.Reason, meta); err != nil {
			return err
		}
	}

	return tx.Commit()
}
