package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"training-orchestrator/core/lease"
	"training-orchestrator/core/models"
	"training-orchestrator/core/monitoring"
	"training-orchestrator/core/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickRunsAllPhases(t *testing.T) {
	h := newHarness(t)
	h.queuedJob(t, "queued", h.clock.now())
	h.runningJob("running", h.clock.now())
	h.completedJob(t, "done")
	h.provider.setStatus("rp-running", &models.ProviderStatus{State: models.ProviderStateInProgress})
	h.provider.listings["rp-done"] = &models.ArtifactListing{DownloadURLs: map[string]string{}}

	summary := h.tick(t)

	assert.Equal(t, 1, summary.Submitted)
	// The freshly submitted job is polled in the same tick.
	assert.Equal(t, 1, h.provider.calls("rp-queued"))
	assert.Equal(t, 1, summary.Materialized)
	assert.Equal(t, 4, summary.Processed)
	assert.False(t, summary.Skipped)
}

func TestTickSkipsWhileLeaseHeld(t *testing.T) {
	h := newHarness(t)
	h.queuedJob(t, "job-1", h.clock.now())

	l := lease.NewLocalLease(time.Minute)
	_, acquired, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	h.orch = New(Dependencies{Store: h.store, Provider: h.provider, Objects: h.objects, Lease: l, Now: h.clock.now}, Options{})
	summary := h.tick(t)

	assert.True(t, summary.Skipped)
	assert.Empty(t, h.provider.submitted)
	assert.Equal(t, models.JobStatusQueued, h.job(t, "job-1").Status)
}

func TestTickReleasesLease(t *testing.T) {
	h := newHarness(t)
	l := lease.NewLocalLease(time.Minute)
	h.orch = New(Dependencies{Store: h.store, Provider: h.provider, Objects: h.objects, Lease: l, Now: h.clock.now}, Options{})

	h.tick(t)
	summary := h.tick(t)
	assert.False(t, summary.Skipped)
}

type failingStore struct {
	*repository.MemoryStore
	failStatuses map[models.JobStatus]bool
}

func (s *failingStore) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	for _, status := range filter.Statuses {
		if s.failStatuses[status] {
			return nil, errors.New("connection refused")
		}
	}
	return s.MemoryStore.ListJobs(ctx, filter)
}

func TestTickContinuesAfterPhaseListingError(t *testing.T) {
	h := newHarness(t)
	h.runningJob("job-1", h.clock.now())
	h.provider.setStatus("rp-job-1", &models.ProviderStatus{State: models.ProviderStateCompleted})
	h.provider.listings["rp-job-1"] = &models.ArtifactListing{DownloadURLs: map[string]string{}}

	store := &failingStore{MemoryStore: h.store, failStatuses: map[models.JobStatus]bool{models.JobStatusQueued: true}}
	orch := New(Dependencies{Store: store, Provider: h.provider, Objects: h.objects, Now: h.clock.now}, Options{})

	summary, err := orch.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list queued jobs")
	assert.Equal(t, 1, summary.Reconciled)
	assert.Equal(t, 1, summary.Materialized)
}

func TestTickReportsToRecorder(t *testing.T) {
	h := newHarness(t)
	h.queuedJob(t, "job-1", h.clock.now())
	exporter := monitoring.NewMetricsExporter(h.store, h.clock.now)
	h.orch = New(Dependencies{Store: h.store, Provider: h.provider, Objects: h.objects, Recorder: exporter, Now: h.clock.now}, Options{})

	h.tick(t)

	out, err := exporter.GetPrometheusMetrics(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "orchestrator_ticks_total 1\n")
	assert.Contains(t, out, "orchestrator_jobs_submitted_total 1\n")
	assert.Contains(t, out, "training_active_jobs 1\n")
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{SubmitBatchSize: 2, ModelsBucket: "models"}.withDefaults()
	assert.Equal(t, 2, opts.SubmitBatchSize)
	assert.Equal(t, "models", opts.ModelsBucket)
	assert.Equal(t, "lora-datasets", opts.DatasetBucket)
	assert.Equal(t, 24*time.Hour, opts.SignedURLTTL)
	assert.Equal(t, 10*time.Minute, opts.StaleSubmissionAfter)
	assert.Equal(t, 4, opts.MaxParallelJobs)
	assert.Equal(t, "mistralai/Mistral-7B-v0.1", opts.BaseModel)
	assert.Empty(t, opts.CallbackURL)

	opts = Options{BaseModel: "meta-llama/Llama-2-7b-hf"}.withDefaults()
	assert.Equal(t, "meta-llama/Llama-2-7b-hf", opts.BaseModel)
}
