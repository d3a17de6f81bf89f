package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"training-orchestrator/core/models"
	"training-orchestrator/core/quality"
	"training-orchestrator/core/repository"
	"training-orchestrator/storage"

	"github.com/google/uuid"
)

const (
	artifactVersion = "1.0.0"
	artifactStored  = "stored"
)

// ArtifactMaterializer copies a completed job's output files into object
// storage and records the scored artifact
type ArtifactMaterializer struct {
	store    repository.JobStore
	provider Provider
	objects  storage.ObjectStore
	opts     Options
	now      func() time.Time
	newID    func() string
}

// NewArtifactMaterializer creates a new artifact materializer
func NewArtifactMaterializer(store repository.JobStore, provider Provider, objects storage.ObjectStore, opts Options, now func() time.Time) *ArtifactMaterializer {
	return &ArtifactMaterializer{
		store:    store,
		provider: provider,
		objects:  objects,
		opts:     opts.withDefaults(),
		now:      defaultClock(now),
		newID:    uuid.NewString,
	}
}

// Run materializes completed jobs that have no artifact yet
func (m *ArtifactMaterializer) Run(ctx context.Context) (phaseResult, error) {
	hasHandle := true
	jobs, err := m.store.ListJobs(ctx, models.JobFilter{
		Statuses:        []models.JobStatus{models.JobStatusCompleted},
		HasExternalJob:  &hasHandle,
		MissingArtifact: true,
		Limit:           m.opts.MaterializeBatchSize,
	})
	if err != nil {
		return phaseResult{}, fmt.Errorf("list completed jobs: %w", err)
	}
	return forEachJob(ctx, "materialize", jobs, m.opts.MaxParallelJobs, m.materializeJob), nil
}

func (m *ArtifactMaterializer) materializeJob(ctx context.Context, listed *models.Job) (bool, error) {
	job, err := m.store.GetJob(ctx, listed.ID)
	if err != nil {
		return false, fmt.Errorf("reload job: %w", err)
	}
	if job.Status != models.JobStatusCompleted || job.HasArtifact() || !job.HasExternalJob() {
		return false, nil
	}

	providerCtx, cancel := context.WithTimeout(ctx, m.opts.ProviderTimeout)
	listing, err := m.provider.ListArtifacts(providerCtx, *job.ExternalJobID)
	cancel()
	if err != nil {
		return false, fmt.Errorf("list provider artifacts: %w", err)
	}

	artifactID := m.newID()
	files := m.transferFiles(ctx, job, artifactID, listing.DownloadURLs)

	points, err := m.store.ListMetricsPoints(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("load metrics series: %w", err)
	}
	score := quality.Analyze(points)

	artifact := &models.Artifact{
		ID:              artifactID,
		UserID:          job.UserID,
		JobID:           job.ID,
		DatasetID:       job.DatasetID,
		Name:            artifactName(job, m.now()),
		Version:         artifactVersion,
		Status:          artifactStored,
		QualityMetrics:  score,
		TrainingSummary: trainingSummary(job),
		Configuration: models.ArtifactConfiguration{
			PresetID:        job.PresetID,
			Hyperparameters: job.Hyperparameters,
			GPUConfig:       job.GPUConfig,
		},
		Files:         files,
		ModelMetadata: listing.ModelMetadata,
	}

	err = m.store.CreateArtifact(ctx, artifact)
	if errors.Is(err, repository.ErrArtifactExists) {
		jobLog(job, "materialize").Info("Artifact already linked by another tick")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create artifact: %w", err)
	}

	notify(ctx, m.store, &models.Notification{
		UserID:    job.UserID,
		Type:      models.NotificationArtifactReady,
		Title:     "Model Ready for Download",
		Message:   fmt.Sprintf("Your trained model is ready. Quality score: %d/5 stars", score.OverallScore),
		Priority:  models.PriorityHigh,
		ActionURL: "/models/" + artifactID,
		Metadata: map[string]interface{}{
			"artifact_id":   artifactID,
			"job_id":        job.ID,
			"quality_score": score.OverallScore,
		},
	})

	jobLog(job, "materialize").WithField("artifact_id", artifactID).
		WithField("files", len(files)).Info("Artifact created")
	return true, nil
}

// transferFiles copies each listed file into the models bucket. A file that
// fails to download or upload is left out of the mapping.
func (m *ArtifactMaterializer) transferFiles(ctx context.Context, job *models.Job, artifactID string, downloadURLs map[string]string) map[string]string {
	names := make([]string, 0, len(downloadURLs))
	for name := range downloadURLs {
		names = append(names, name)
	}
	sort.Strings(names)

	files := make(map[string]string, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		objectPath := storage.ArtifactPath(job.UserID, artifactID, name)
		if err := m.transferFile(ctx, downloadURLs[name], objectPath, name); err != nil {
			jobLog(job, "materialize").WithField("file", name).WithError(err).Warn("Skipping artifact file")
			continue
		}
		files[name] = objectPath
	}
	return files
}

func (m *ArtifactMaterializer) transferFile(ctx context.Context, downloadURL, objectPath, name string) error {
	downloadCtx, cancel := context.WithTimeout(ctx, m.opts.ProviderTimeout)
	data, err := m.provider.Download(downloadCtx, downloadURL)
	cancel()
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, m.opts.StorageTimeout)
	defer cancel()
	if err := m.objects.Upload(uploadCtx, m.opts.ModelsBucket, objectPath, data, storage.ContentType(name)); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

func artifactName(job *models.Job, now time.Time) string {
	name := job.DatasetName
	if name == "" {
		name = "Model"
	}
	return fmt.Sprintf("%s - %s", name, now.UTC().Format("2006-01-02"))
}

func trainingSummary(job *models.Job) models.TrainingSummary {
	summary := models.TrainingSummary{
		EpochsCompleted: job.CurrentEpoch,
		TotalSteps:      job.CurrentStep,
		TotalCost:       job.FinalCost,
	}
	if job.CurrentMetrics != nil {
		summary.FinalLoss = job.CurrentMetrics.TrainingLoss
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		summary.TrainingDurationHours = job.CompletedAt.Sub(*job.StartedAt).Hours()
	}
	return summary
}
