package monitoring

import (
	"time"

	"training-orchestrator/core/models"

	"github.com/shopspring/decimal"
)

var secondsPerHour = decimal.NewFromInt(3600)

// EstimateCost returns hourlyRate * gpuCount * elapsed hours, rounded to
// cents. There is no minimum billing increment.
func EstimateCost(hourlyRate float64, gpuCount int, elapsed time.Duration) float64 {
	if elapsed <= 0 || gpuCount <= 0 || hourlyRate <= 0 {
		return 0
	}

	cost := decimal.NewFromFloat(hourlyRate).
		Mul(decimal.NewFromInt(int64(gpuCount))).
		Mul(decimal.NewFromFloat(elapsed.Seconds())).
		Div(secondsPerHour).
		Round(2)

	f, _ := cost.Float64()
	return f
}

// AccruedCost is the job's cost from started_at until the given instant.
// It never drops below the cost already recorded on the job, so repeated
// polls produce a non-decreasing series even if clocks disagree.
func AccruedCost(job *models.Job, until time.Time) float64 {
	if job.StartedAt == nil {
		return job.CurrentCost
	}

	cost := EstimateCost(job.GPUConfig.CostPerGPUHour, job.GPUConfig.NumGPUs, until.Sub(*job.StartedAt))
	if cost < job.CurrentCost {
		return job.CurrentCost
	}
	return cost
}

// DurationHours is the wall-clock training time of the job up to until
func DurationHours(job *models.Job, until time.Time) float64 {
	if job.StartedAt == nil || until.Before(*job.StartedAt) {
		return 0
	}
	return until.Sub(*job.StartedAt).Hours()
}
