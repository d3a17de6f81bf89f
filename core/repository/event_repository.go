package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"training-orchestrator/core/models"
)

// EventRepository handles database operations for job events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// ListJobEvents returns a job's status history in the order it happened.
// A limit of 0 returns every event.
func (r *EventRepository) ListJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	query := `
		SELECT id, job_id, at, from_status, to_status, reason, meta_json
		FROM job_events
		WHERE job_id = $1
		ORDER BY at ASC, id ASC
	`
	args := []interface{}{jobID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var (
			event      models.JobEvent
			fromStatus sql.NullString
			meta       []byte
		)
		if err := rows.Scan(&event.ID, &event.JobID, &event.At, &fromStatus, &event.ToStatus, &event.Reason, &meta); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if fromStatus.Valid {
			from := models.JobStatus(fromStatus.String)
			event.FromStatus = &from
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &event.MetaJSON); err != nil {
				return nil, fmt.Errorf("decode event %d meta: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *EventRepository) createJobEventTx(ctx context.Context, tx *sql.Tx, jobID string, fromStatus *models.JobStatus, toStatus models.JobStatus, reason string, meta map[string]interface{}) error {
	query := `
		INSERT INTO job_events (job_id, at, from_status, to_status, reason, meta_json)
		VALUES ($1, NOW(), $2, $3, $4, $5)
	`

	var fromStatusStr *string
	if fromStatus != nil {
		s := string(*fromStatus)
		fromStatusStr = &s
	}

	metaJSON := []byte("{}")
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		metaJSON = b
	}

	_, err := tx.ExecContext(ctx, query, jobID, fromStatusStr, toStatus, reason, metaJSON)
	return err
}
