package repository

import (
	"context"
	"encoding/json"

	"training-orchestrator/core/models"
)

// LedgerRepository writes append-only cost records and notifications
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// RecordCost inserts a cost ledger entry
func (r *LedgerRepository) RecordCost(ctx context.Context, record *models.CostRecord) error {
	details, err := json.Marshal(record.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO cost_records (
			user_id, job_id, cost_type, amount, details, billing_period, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		record.UserID,
		record.JobID,
		record.CostType,
		record.Amount,
		details,
		record.BillingPeriod,
		record.RecordedAt,
	)
	return err
}

// Notify inserts a notification for the job owner
func (r *LedgerRepository) Notify(ctx context.Context, n *models.Notification) error {
	metadata := []byte("{}")
	if n.Metadata != nil {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return err
		}
		metadata = b
	}

	var actionURL *string
	if n.ActionURL != "" {
		actionURL = &n.ActionURL
	}

	query := `
		INSERT INTO notifications (
			user_id, type, title, message, priority, action_url, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	_, err := r.db.ExecContext(ctx, query,
		n.UserID,
		n.Type,
		n.Title,
		n.Message,
		n.Priority,
		actionURL,
		metadata,
	)
	return err
}
