package repository

import (
	"context"
	"database/sql"

	"training-orchestrator/core/models"
)

// MetricsRepository handles the append-only metrics series of jobs
type MetricsRepository struct {
	db *DB
}

// NewMetricsRepository creates a new metrics repository
func NewMetricsRepository(db *DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// AppendMetricsPoint inserts one metrics sample
func (r *MetricsRepository) AppendMetricsPoint(ctx context.Context, p *models.MetricsPoint) error {
	query := `
		INSERT INTO metrics_points (
			job_id, epoch, step, training_loss, validation_loss, learning_rate,
			gradient_norm, throughput, gpu_utilization, timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		p.JobID,
		p.Epoch,
		p.Step,
		p.TrainingLoss,
		p.ValidationLoss,
		p.LearningRate,
		p.GradientNorm,
		p.Throughput,
		p.GPUUtilization,
		p.Timestamp,
	)
	return err
}

// ListMetricsPoints returns the full series of a job ordered by timestamp
func (r *MetricsRepository) ListMetricsPoints(ctx context.Context, jobID string) ([]models.MetricsPoint, error) {
	query := `
		SELECT id, job_id, epoch, step, training_loss, validation_loss, learning_rate,
			gradient_norm, throughput, gpu_utilization, timestamp
		FROM metrics_points
		WHERE job_id = $1
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.MetricsPoint
	for rows.Next() {
		var p models.MetricsPoint
		var trainingLoss, validationLoss, learningRate sql.NullFloat64
		var gradientNorm, throughput, gpuUtilization sql.NullFloat64

		err := rows.Scan(
			&p.ID,
			&p.JobID,
			&p.Epoch,
			&p.Step,
			&trainingLoss,
			&validationLoss,
			&learningRate,
			&gradientNorm,
			&throughput,
			&gpuUtilization,
			&p.Timestamp,
		)
		if err != nil {
			return nil, err
		}

		p.TrainingLoss = nullFloatPtr(trainingLoss)
		p.ValidationLoss = nullFloatPtr(validationLoss)
		p.LearningRate = nullFloatPtr(learningRate)
		p.GradientNorm = nullFloatPtr(gradientNorm)
		p.Throughput = nullFloatPtr(throughput)
		p.GPUUtilization = nullFloatPtr(gpuUtilization)
		points = append(points, p)
	}

	return points, rows.Err()
}
