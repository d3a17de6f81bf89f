package models

import "time"

// JobEvent represents a state transition event for a job
type JobEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
	MetaJSON   map[string]interface{}
}

// MetricsPoint is one append-only training sample reported by the provider
type MetricsPoint struct {
	ID             int64
	JobID          string
	Epoch          int
	Step           int
	TrainingLoss   *float64
	ValidationLoss *float64
	LearningRate   *float64
	GradientNorm   *float64
	Throughput     *float64
	GPUUtilization *float64
	Timestamp      time.Time
}

// CostType categorizes cost ledger entries
type CostType string

const CostTypeTrainingCompute CostType = "training_compute"

// CostRecord is an append-only cost ledger entry
type CostRecord struct {
	ID            int64
	UserID        string
	JobID         string
	CostType      CostType
	Amount        float64
	Details       CostDetails
	BillingPeriod string // YYYY-MM-DD
	RecordedAt    time.Time
}

// CostDetails is stored as JSON alongside the cost amount
type CostDetails struct {
	GPUType       string  `json:"gpu_type"`
	GPUCount      int     `json:"gpu_count"`
	DurationHours float64 `json:"duration_hours"`
}

// NotificationType identifies the event a notification reports
type NotificationType string

const (
	NotificationJobStarted    NotificationType = "job_started"
	NotificationJobCompleted  NotificationType = "job_completed"
	NotificationJobFailed     NotificationType = "job_failed"
	NotificationJobCancelled  NotificationType = "job_cancelled"
	NotificationArtifactReady NotificationType = "artifact_ready"
)

// Priority of a notification
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Notification is a fire-and-forget message for the job owner
type Notification struct {
	ID        int64
	UserID    string
	Type      NotificationType
	Title     string
	Message   string
	Priority  Priority
	ActionURL string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// Artifact is the materialized output of a completed job
type Artifact struct {
	ID              string
	UserID          string
	JobID           string
	DatasetID       string
	Name            string
	Version         string
	Status          string
	QualityMetrics  QualityMetrics
	TrainingSummary TrainingSummary
	Configuration   ArtifactConfiguration
	Files           map[string]string // logical file name -> storage path
	ModelMetadata   map[string]interface{}
	CreatedAt       time.Time
}

// QualityMetrics is the heuristic quality assessment of a training run
type QualityMetrics struct {
	OverallScore         int      `json:"overall_score"`
	ConvergenceQuality   string   `json:"convergence_quality"`
	FinalTrainingLoss    *float64 `json:"final_training_loss"`
	FinalValidationLoss  *float64 `json:"final_validation_loss"`
	Perplexity           *float64 `json:"perplexity"`
	LossReductionPercent *float64 `json:"loss_reduction_percent,omitempty"`
}

// TrainingSummary is derived from the job row at materialization time
type TrainingSummary struct {
	EpochsCompleted       int      `json:"epochs_completed"`
	TotalSteps            int      `json:"total_steps"`
	FinalLoss             *float64 `json:"final_loss"`
	TrainingDurationHours float64  `json:"training_duration_hours"`
	TotalCost             *float64 `json:"total_cost"`
}

// ArtifactConfiguration snapshots the configuration a model was trained with
type ArtifactConfiguration struct {
	PresetID        string                 `json:"preset_id"`
	Hyperparameters map[string]interface{} `json:"hyperparameters"`
	GPUConfig       GPUConfig              `json:"gpu_config"`
}
