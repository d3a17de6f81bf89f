package orchestrator

import (
	"fmt"

	"training-orchestrator/core/models"
)

// transition is what a provider state means for the job
type transition struct {
	stage    models.Stage
	status   models.JobStatus // empty keeps the current status
	terminal bool
}

// providerStates is the complete provider vocabulary. A state missing here
// is an error, never a silent no-op.
var providerStates = map[models.ProviderState]transition{
	models.ProviderStateInQueue:    {stage: models.StageQueuedOnGPU},
	models.ProviderStateInProgress: {stage: models.StageTraining},
	models.ProviderStateCompleted:  {stage: models.StageCompleted, status: models.JobStatusCompleted, terminal: true},
	models.ProviderStateFailed:     {stage: models.StageFailed, status: models.JobStatusFailed, terminal: true},
}

func mapProviderState(state models.ProviderState) (transition, error) {
	t, ok := providerStates[state]
	if !ok {
		return transition{}, fmt.Errorf("%w: %q", ErrUnknownProviderState, state)
	}
	return t, nil
}

// defaultFailureMessage is recorded when the provider fails a job without
// saying why
const defaultFailureMessage = "GPU cluster reported failure"
