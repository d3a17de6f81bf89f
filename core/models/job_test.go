package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionForwardOnly(t *testing.T) {
	allowed := [][2]JobStatus{
		{JobStatusQueued, JobStatusInitializing},
		{JobStatusInitializing, JobStatusRunning},
		{JobStatusInitializing, JobStatusFailed},
		{JobStatusRunning, JobStatusCompleted},
		{JobStatusRunning, JobStatusFailed},
		{JobStatusQueued, JobStatusCancelled},
		{JobStatusRunning, JobStatusCancelled},
		{JobStatusRunning, JobStatusRunning},
	}
	for _, pair := range allowed {
		assert.True(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	denied := [][2]JobStatus{
		{JobStatusRunning, JobStatusQueued},
		{JobStatusRunning, JobStatusInitializing},
		{JobStatusQueued, JobStatusRunning},
		{JobStatusQueued, JobStatusCompleted},
		{JobStatusCompleted, JobStatusFailed},
		{JobStatusCompleted, JobStatusCompleted},
		{JobStatusFailed, JobStatusRunning},
		{JobStatusCancelled, JobStatusQueued},
	}
	for _, pair := range denied {
		assert.False(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusInitializing.IsTerminal())
	assert.False(t, JobStatusRunning.IsTerminal())
}

func TestJobUpdateTargetStatus(t *testing.T) {
	u := &JobUpdate{ExpectedStatus: JobStatusRunning}
	assert.Equal(t, JobStatusRunning, u.TargetStatus())

	done := JobStatusCompleted
	u.Status = &done
	assert.Equal(t, JobStatusCompleted, u.TargetStatus())
}
