package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"training-orchestrator/core/models"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code for a unique constraint breach
const uniqueViolation = "23505"

// ArtifactRepository handles database operations for model artifacts
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// CreateArtifact inserts the artifact record and links it to the job in one
// transaction. The link only succeeds while the job has no artifact, so a
// second materialization of the same job rolls back and returns
// ErrArtifactExists.
func (r *ArtifactRepository) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	quality, err := json.Marshal(a.QualityMetrics)
	if err != nil {
		return err
	}
	summary, err := json.Marshal(a.TrainingSummary)
	if err != nil {
		return err
	}
	configuration, err := json.Marshal(a.Configuration)
	if err != nil {
		return err
	}
	files, err := json.Marshal(a.Files)
	if err != nil {
		return err
	}
	metadata := []byte("{}")
	if a.ModelMetadata != nil {
		if metadata, err = json.Marshal(a.ModelMetadata); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO model_artifacts (
			id, user_id, job_id, dataset_id, name, version, status, quality_metrics,
			training_summary, configuration, artifacts, model_metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW()
		)
	`
	_, err = tx.ExecContext(ctx, insert,
		a.ID,
		a.UserID,
		a.JobID,
		a.DatasetID,
		a.Name,
		a.Version,
		a.Status,
		quality,
		summary,
		configuration,
		files,
		metadata,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: job %s", ErrArtifactExists, a.JobID)
		}
		return err
	}

	link := `UPDATE training_jobs SET artifact_id = $1, updated_at = NOW() WHERE id = $2 AND artifact_id IS NULL`
	res, err := tx.ExecContext(ctx, link, a.ID, a.JobID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s", ErrArtifactExists, a.JobID)
	}

	return tx.Commit()
}
