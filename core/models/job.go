package models

import "time"

// Job represents a fine-tuning run tracked from queue to terminal state
type Job struct {
	ID              string
	UserID          string
	DatasetID       string
	PresetID        string
	Status          JobStatus
	CurrentStage    Stage
	Progress        float64 // 0 - 100
	CurrentEpoch    int
	TotalEpochs     int
	CurrentStep     int
	TotalSteps      *int
	Hyperparameters map[string]interface{}
	GPUConfig       GPUConfig
	QueuedAt        time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CurrentCost     float64
	FinalCost       *float64 // Set once, together with a terminal status
	CurrentMetrics  *CurrentMetrics
	ErrorMessage    *string
	ExternalJobID   *string // Provider handle, immutable once set
	ArtifactID      *string
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Read-only dataset fields joined from the datasets table
	DatasetStorageBucket string
	DatasetStoragePath   string
	DatasetName          string
}

// GPUConfig describes the hardware a job was configured with
type GPUConfig struct {
	GPUType        string  `json:"gpu_type" yaml:"gpu_type"`
	NumGPUs        int     `json:"num_gpus" yaml:"num_gpus"`
	GPUMemoryGB    int     `json:"gpu_memory_gb" yaml:"gpu_memory_gb"`
	CostPerGPUHour float64 `json:"cost_per_gpu_hour" yaml:"cost_per_gpu_hour"`
}

// CurrentMetrics is the latest metrics snapshot stored on the job row
type CurrentMetrics struct {
	TrainingLoss   *float64 `json:"training_loss,omitempty"`
	ValidationLoss *float64 `json:"validation_loss,omitempty"`
	LearningRate   *float64 `json:"learning_rate,omitempty"`
	Throughput     *float64 `json:"throughput,omitempty"`
	GPUUtilization *float64 `json:"gpu_utilization,omitempty"`
}

// HasExternalJob reports whether the provider has acknowledged the job
func (j *Job) HasExternalJob() bool {
	return j.ExternalJobID != nil && *j.ExternalJobID != ""
}

// HasArtifact reports whether an artifact has been linked to the job
func (j *Job) HasArtifact() bool {
	return j.ArtifactID != nil && *j.ArtifactID != ""
}

// JobStatus represents the lifecycle status of a job
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusInitializing JobStatus = "initializing"
	JobStatusRunning      JobStatus = "running"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// transitions is the directed graph of permitted status moves
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:       {JobStatusInitializing, JobStatusCancelled},
	JobStatusInitializing: {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning:      {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Staying in the same non-terminal status is allowed so progress updates can
// be written through the same guarded path.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stage is the finer grained progress marker shown alongside the status
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageQueuedOnGPU  Stage = "queued_on_gpu"
	StageTraining     Stage = "training"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// JobUpdate is a compare-and-set write against a single job row.
// Nil fields are left untouched. The write only applies when the row is
// still in ExpectedStatus.
type JobUpdate struct {
	JobID          string
	ExpectedStatus JobStatus
	Reason         string // Recorded on the job event when Status changes

	Status         *JobStatus
	Stage          *Stage
	Progress       *float64
	CurrentEpoch   *int
	CurrentStep    *int
	CurrentMetrics *CurrentMetrics
	CurrentCost    *float64
	FinalCost      *float64
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ExternalJobID  *string
	ErrorMessage   *string
}

// TargetStatus returns the status the job will have after the update
func (u *JobUpdate) TargetStatus() JobStatus {
	if u.Status != nil {
		return *u.Status
	}
	return u.ExpectedStatus
}

// JobFilter selects jobs for a reconciliation phase
type JobFilter struct {
	Statuses        []JobStatus
	HasExternalJob  *bool
	MissingArtifact bool
	UpdatedBefore   *time.Time
	Limit           int // 0 means no limit
}
