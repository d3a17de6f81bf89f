package monitoring

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
)

// TickFunc runs one orchestration pass
type TickFunc func(ctx context.Context) error

// JobMonitor drives ticks on a fixed interval for deployments without an
// external scheduler. Each tick is still a run-to-completion pass; the
// monitor holds no job state between them.
type JobMonitor struct {
	tick     TickFunc
	interval time.Duration
}

// NewJobMonitor creates a new job monitor
func NewJobMonitor(tick TickFunc, interval time.Duration) *JobMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &JobMonitor{tick: tick, interval: interval}
}

// Start runs a tick immediately and then on every interval until ctx is done
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.interval)
	defer ticker.Stop()

	jm.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.runOnce(ctx)
		}
	}
}

func (jm *JobMonitor) runOnce(ctx context.Context) {
	if err := jm.tick(ctx); err != nil {
		logger.WithError(err).Warn("Orchestrator tick finished with errors")
	}
}
