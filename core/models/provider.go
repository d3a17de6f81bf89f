package models

// ProviderState is the job state vocabulary of the GPU provider
type ProviderState string

const (
	ProviderStateInQueue    ProviderState = "IN_QUEUE"
	ProviderStateInProgress ProviderState = "IN_PROGRESS"
	ProviderStateCompleted  ProviderState = "COMPLETED"
	ProviderStateFailed     ProviderState = "FAILED"
)

// ProviderStatus is a decoded status poll response
type ProviderStatus struct {
	ExternalID   string
	State        ProviderState
	Progress     *float64
	CurrentEpoch *int
	CurrentStep  *int
	Metrics      *ProviderMetrics
	Error        string
}

// ProviderMetrics is the metrics block a worker reports while training
type ProviderMetrics struct {
	TrainingLoss   *float64 `json:"training_loss"`
	ValidationLoss *float64 `json:"validation_loss"`
	LearningRate   *float64 `json:"learning_rate"`
	GradientNorm   *float64 `json:"gradient_norm"`
	Throughput     *float64 `json:"throughput"`
	GPUUtilization *float64 `json:"gpu_utilization"`
}

// SubmitRequest is what the engine sends to the provider for a new run
type SubmitRequest struct {
	JobID           string
	DatasetURL      string
	Hyperparameters map[string]interface{}
	GPUConfig       GPUConfig
	CallbackURL     string
}

// ArtifactListing is the provider's list of downloadable output files
type ArtifactListing struct {
	DownloadURLs  map[string]string
	ModelMetadata map[string]interface{}
}
