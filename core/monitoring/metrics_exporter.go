package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"training-orchestrator/core/models"
)

// JobLister is the slice of the job store the exporter reads
type JobLister interface {
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
}

// TickStats is what one orchestrator tick reports to the exporter
type TickStats struct {
	Processed    int
	Submitted    int
	Reconciled   int
	Materialized int
	Skipped      bool
	Failed       bool
	Duration     time.Duration
}

// MetricsExporter exports tick counters and running job cost in the
// Prometheus text format
type MetricsExporter struct {
	jobs JobLister
	now  func() time.Time

	mu           sync.Mutex
	ticks        int64
	tickFailures int64
	tickSkipped  int64
	processed    int64
	submitted    int64
	reconciled   int64
	materialized int64
	lastDuration time.Duration
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(jobs JobLister, now func() time.Time) *MetricsExporter {
	if now == nil {
		now = time.Now
	}
	return &MetricsExporter{jobs: jobs, now: now}
}

// RecordTick accumulates the counters of one tick
func (me *MetricsExporter) RecordTick(stats TickStats) {
	me.mu.Lock()
	defer me.mu.Unlock()

	me.ticks++
	if stats.Failed {
		me.tickFailures++
	}
	if stats.Skipped {
		me.tickSkipped++
	}
	me.processed += int64(stats.Processed)
	me.submitted += int64(stats.Submitted)
	me.reconciled += int64(stats.Reconciled)
	me.materialized += int64(stats.Materialized)
	me.lastDuration = stats.Duration
}

// GetPrometheusMetrics returns metrics in Prometheus format
func (me *MetricsExporter) GetPrometheusMetrics(ctx context.Context) (string, error) {
	var b strings.Builder

	me.mu.Lock()
	counter(&b, "orchestrator_ticks_total", "Ticks run by this process", me.ticks)
	counter(&b, "orchestrator_tick_failures_total", "Ticks that returned an error", me.tickFailures)
	counter(&b, "orchestrator_ticks_skipped_total", "Ticks skipped because another tick held the lease", me.tickSkipped)
	counter(&b, "orchestrator_jobs_processed_total", "Jobs touched by any phase", me.processed)
	counter(&b, "orchestrator_jobs_submitted_total", "Jobs handed to the GPU provider", me.submitted)
	counter(&b, "orchestrator_jobs_reconciled_total", "Provider status polls applied", me.reconciled)
	counter(&b, "orchestrator_artifacts_materialized_total", "Artifacts written", me.materialized)
	fmt.Fprintf(&b, "# HELP orchestrator_last_tick_seconds Duration of the last tick\n")
	fmt.Fprintf(&b, "# TYPE orchestrator_last_tick_seconds gauge\n")
	fmt.Fprintf(&b, "orchestrator_last_tick_seconds %.3f\n", me.lastDuration.Seconds())
	me.mu.Unlock()

	if me.jobs == nil {
		return b.String(), nil
	}

	jobs, err := me.jobs.ListJobs(ctx, models.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusInitializing, models.JobStatusRunning},
	})
	if err != nil {
		return "", fmt.Errorf("list active jobs: %w", err)
	}

	now := me.now()
	byUser := make(map[string]float64)
	totalCost := 0.0

	fmt.Fprintf(&b, "# HELP training_active_jobs Jobs initializing or running\n")
	fmt.Fprintf(&b, "# TYPE training_active_jobs gauge\n")
	fmt.Fprintf(&b, "training_active_jobs %d\n", len(jobs))

	fmt.Fprintf(&b, "# HELP training_job_cost_usd Accrued cost of an active job\n")
	fmt.Fprintf(&b, "# TYPE training_job_cost_usd gauge\n")
	for _, job := range jobs {
		cost := AccruedCost(job, now)
		totalCost += cost
		byUser[job.UserID] += cost
		fmt.Fprintf(&b, "training_job_cost_usd{job_id=%q,user_id=%q,gpu_type=%q} %.2f\n",
			job.ID, job.UserID, job.GPUConfig.GPUType, cost)
	}

	fmt.Fprintf(&b, "# HELP training_total_cost_usd Accrued cost of all active jobs\n")
	fmt.Fprintf(&b, "# TYPE training_total_cost_usd gauge\n")
	fmt.Fprintf(&b, "training_total_cost_usd %.2f\n", totalCost)

	users := make([]string, 0, len(byUser))
	for user := range byUser {
		users = append(users, user)
	}
	sort.Strings(users)

	fmt.Fprintf(&b, "# HELP training_user_cost_usd Accrued cost of active jobs per user\n")
	fmt.Fprintf(&b, "# TYPE training_user_cost_usd gauge\n")
	for _, user := range users {
		fmt.Fprintf(&b, "training_user_cost_usd{user_id=%q} %.2f\n", user, byUser[user])
	}

	return b.String(), nil
}

func counter(b *strings.Builder, name, help string, value int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, value)
}
