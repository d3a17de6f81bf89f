package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"training-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLister struct {
	jobs []*models.Job
	err  error
}

func (s *stubLister) ListJobs(_ context.Context, _ models.JobFilter) ([]*models.Job, error) {
	return s.jobs, s.err
}

func TestMetricsExporterOutput(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := started.Add(time.Hour)
	lister := &stubLister{jobs: []*models.Job{
		{ID: "job-1", UserID: "alice", StartedAt: &started, GPUConfig: models.GPUConfig{GPUType: "A100", NumGPUs: 2, CostPerGPUHour: 1.5}},
		{ID: "job-2", UserID: "alice", StartedAt: &started, GPUConfig: models.GPUConfig{GPUType: "A10G", NumGPUs: 1, CostPerGPUHour: 1}},
	}}

	exporter := NewMetricsExporter(lister, func() time.Time { return now })
	exporter.RecordTick(TickStats{Processed: 3, Submitted: 1, Reconciled: 2, Duration: 1500 * time.Millisecond})
	exporter.RecordTick(TickStats{Skipped: true})

	out, err := exporter.GetPrometheusMetrics(context.Background())
	require.NoError(t, err)

	assert.Contains(t, out, "orchestrator_ticks_total 2\n")
	assert.Contains(t, out, "orchestrator_ticks_skipped_total 1\n")
	assert.Contains(t, out, "orchestrator_jobs_processed_total 3\n")
	assert.Contains(t, out, "orchestrator_last_tick_seconds 0.000\n")
	assert.Contains(t, out, "training_active_jobs 2\n")
	assert.Contains(t, out, `training_job_cost_usd{job_id="job-1",user_id="alice",gpu_type="A100"} 3.00`)
	assert.Contains(t, out, "training_total_cost_usd 4.00\n")
	assert.Contains(t, out, `training_user_cost_usd{user_id="alice"} 4.00`)
}

func TestMetricsExporterListError(t *testing.T) {
	exporter := NewMetricsExporter(&stubLister{err: errors.New("db down")}, nil)
	_, err := exporter.GetPrometheusMetrics(context.Background())
	assert.Error(t, err)
}
