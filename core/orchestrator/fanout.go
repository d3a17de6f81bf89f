package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"training-orchestrator/core/models"
	"training-orchestrator/core/repository"

	logger "github.com/sirupsen/logrus"
)

// jobFunc handles one job. It reports whether it changed anything; a false
// result with a nil error means the job was skipped.
type jobFunc func(ctx context.Context, job *models.Job) (bool, error)

type phaseResult struct {
	processed int
	succeeded int
}

// forEachJob runs fn for every job with at most parallel jobs in flight.
// Errors and panics are logged against the job and never stop the batch.
func forEachJob(ctx context.Context, phase string, jobs []*models.Job, parallel int, fn jobFunc) phaseResult {
	if parallel <= 0 {
		parallel = 1
	}

	var (
		wg        sync.WaitGroup
		processed int64
		succeeded int64
		sem       = make(chan struct{}, parallel)
	)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(job *models.Job) {
			defer wg.Done()
			defer func() { <-sem }()

			atomic.AddInt64(&processed, 1)
			ok, err := runIsolated(ctx, job, fn)
			if err != nil {
				jobLog(job, phase).WithError(err).Error("Job step failed")
				return
			}
			if ok {
				atomic.AddInt64(&succeeded, 1)
			}
		}(job)
	}
	wg.Wait()

	return phaseResult{processed: int(processed), succeeded: int(succeeded)}
}

func runIsolated(ctx context.Context, job *models.Job, fn jobFunc) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, job)
}

func jobLog(job *models.Job, phase string) *logger.Entry {
	fields := logger.Fields{"job_id": job.ID, "phase": phase}
	if job.HasExternalJob() {
		fields["external_job_id"] = *job.ExternalJobID
	}
	return logger.WithFields(fields)
}

// notify writes a notification. Failures are logged only.
func notify(ctx context.Context, store repository.JobStore, n *models.Notification) {
	if err := store.Notify(ctx, n); err != nil {
		logger.WithFields(logger.Fields{
			"user_id": n.UserID,
			"type":    n.Type,
		}).WithError(err).Warn("Failed to write notification")
	}
}

func jobActionURL(jobID string) string {
	return "/training/jobs/" + jobID
}

func defaultClock(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
