package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"training-orchestrator/core/models"
)

// MemoryStore is an in-process JobStore. It enforces the same guarded update
// and artifact link rules as PostgresStore and is used by tests and dry runs.
type MemoryStore struct {
	mu            sync.Mutex
	jobs          map[string]*models.Job
	order         []string
	metrics       []models.MetricsPoint
	costs         []models.CostRecord
	notifications []models.Notification
	artifacts     map[string]*models.Artifact
	events        []models.JobEvent
	nextID        int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*models.Job),
		artifacts: make(map[string]*models.Artifact),
	}
}

// AddJob seeds a job, as the job creation flow would
func (s *MemoryStore) AddJob(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		s.order = append(s.order, job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = cloneJob(job)
}

// ListJobs returns copies of the jobs matching the filter, oldest first
func (s *MemoryStore) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if !matchesFilter(job, filter) {
			continue
		}
		matched = append(matched, cloneJob(job))
	}

	sort.SliceStable(matched, func(i, k int) bool {
		return matched[i].CreatedAt.Before(matched[k].CreatedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matchesFilter(job *models.Job, filter models.JobFilter) bool {
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if job.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.HasExternalJob != nil && job.HasExternalJob() != *filter.HasExternalJob {
		return false
	}
	if filter.MissingArtifact && job.HasArtifact() {
		return false
	}
	if filter.UpdatedBefore != nil && !job.UpdatedAt.Before(*filter.UpdatedBefore) {
		return false
	}
	return true
}

// GetJob returns a copy of the job
func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// GetJobForOwner returns a copy of the job if it belongs to userID
func (s *MemoryStore) GetJobForOwner(ctx context.Context, id, userID string) (*models.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}

// UpdateJob applies a guarded update with the same rules as the SQL store
func (s *MemoryStore) UpdateJob(_ context.Context, u *models.JobUpdate) error {
	if err := ValidateUpdate(u); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[u.JobID]
	if !ok || job.Status != u.ExpectedStatus {
		return fmt.Errorf("%w: job %s is no longer %s", ErrConflict, u.JobID, u.ExpectedStatus)
	}

	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.Stage != nil {
		job.CurrentStage = *u.Stage
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.CurrentEpoch != nil {
		job.CurrentEpoch = *u.CurrentEpoch
	}
	if u.CurrentStep != nil {
		job.CurrentStep = *u.CurrentStep
	}
	if u.CurrentMetrics != nil {
		m := *u.CurrentMetrics
		job.CurrentMetrics = &m
	}
	if u.CurrentCost != nil {
		job.CurrentCost = *u.CurrentCost
	}
	if u.FinalCost != nil && job.FinalCost == nil {
		job.FinalCost = float64Ptr(*u.FinalCost)
	}
	if u.StartedAt != nil && job.StartedAt == nil {
		job.StartedAt = timePtr(*u.StartedAt)
	}
	if u.CompletedAt != nil {
		job.CompletedAt = timePtr(*u.CompletedAt)
	}
	if u.ExternalJobID != nil && !job.HasExternalJob() {
		job.ExternalJobID = stringPtr(*u.ExternalJobID)
	}
	if u.ErrorMessage != nil {
		job.ErrorMessage = stringPtr(*u.ErrorMessage)
	}
	job.UpdatedAt = time.Now()

	if u.Status != nil && *u.Status != u.ExpectedStatus {
		from := u.ExpectedStatus
		s.nextID++
		s.events = append(s.events, models.JobEvent{
			ID:         s.nextID,
			JobID:      u.JobID,
			At:         job.UpdatedAt,
			FromStatus: &from,
			ToStatus:   *u.Status,
			Reason:     u.Reason,
		})
	}
	return nil
}

// AppendMetricsPoint appends a metrics sample
func (s *MemoryStore) AppendMetricsPoint(_ context.Context, p *models.MetricsPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	point := *p
	point.ID = s.nextID
	s.metrics = append(s.metrics, point)
	return nil
}

// ListMetricsPoints returns the job's series ordered by timestamp
func (s *MemoryStore) ListMetricsPoints(_ context.Context, jobID string) ([]models.MetricsPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var points []models.MetricsPoint
	for _, p := range s.metrics {
		if p.JobID == jobID {
			points = append(points, p)
		}
	}
	sort.SliceStable(points, func(i, k int) bool {
		return points[i].Timestamp.Before(points[k].Timestamp)
	})
	return points, nil
}

// RecordCost appends a cost record
func (s *MemoryStore) RecordCost(_ context.Context, record *models.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r := *record
	r.ID = s.nextID
	s.costs = append(s.costs, r)
	return nil
}

// Notify appends a notification
func (s *MemoryStore) Notify(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	notification := *n
	notification.ID = s.nextID
	notification.CreatedAt = time.Now()
	s.notifications = append(s.notifications, notification)
	return nil
}

// CreateArtifact stores the artifact and links it unless the job has one
func (s *MemoryStore) CreateArtifact(_ context.Context, a *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[a.JobID]
	if !ok {
		return ErrNotFound
	}
	if job.HasArtifact() {
		return fmt.Errorf("%w: job %s", ErrArtifactExists, a.JobID)
	}

	artifact := *a
	artifact.CreatedAt = time.Now()
	s.artifacts[a.ID] = &artifact
	job.ArtifactID = stringPtr(a.ID)
	job.UpdatedAt = artifact.CreatedAt
	return nil
}

// MetricsPoints returns every stored metrics sample
func (s *MemoryStore) MetricsPoints() []models.MetricsPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MetricsPoint(nil), s.metrics...)
}

// CostRecords returns every stored cost record
func (s *MemoryStore) CostRecords() []models.CostRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CostRecord(nil), s.costs...)
}

// Notifications returns every stored notification
func (s *MemoryStore) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.notifications...)
}

// ListJobEvents returns a job's status history in the order it happened
func (s *MemoryStore) ListJobEvents(_ context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []models.JobEvent
	for _, e := range s.events {
		if e.JobID != jobID {
			continue
		}
		events = append(events, e)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// Events returns every recorded status transition
func (s *MemoryStore) Events() []models.JobEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.JobEvent(nil), s.events...)
}

// Artifacts returns every stored artifact
func (s *MemoryStore) Artifacts() []models.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifacts := make([]models.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		artifacts = append(artifacts, *a)
	}
	return artifacts
}

var _ JobStore = (*MemoryStore)(nil)

func cloneJob(job *models.Job) *models.Job {
	c := *job
	if job.TotalSteps != nil {
		v := *job.TotalSteps
		c.TotalSteps = &v
	}
	if job.StartedAt != nil {
		c.StartedAt = timePtr(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		c.CompletedAt = timePtr(*job.CompletedAt)
	}
	if job.FinalCost != nil {
		c.FinalCost = float64Ptr(*job.FinalCost)
	}
	if job.CurrentMetrics != nil {
		m := *job.CurrentMetrics
		c.CurrentMetrics = &m
	}
	if job.ErrorMessage != nil {
		c.ErrorMessage = stringPtr(*job.ErrorMessage)
	}
	if job.ExternalJobID != nil {
		c.ExternalJobID = stringPtr(*job.ExternalJobID)
	}
	if job.ArtifactID != nil {
		c.ArtifactID = stringPtr(*job.ArtifactID)
	}
	if job.Hyperparameters != nil {
		c.Hyperparameters = make(map[string]interface{}, len(job.Hyperparameters))
		for k, v := range job.Hyperparameters {
			c.Hyperparameters[k] = v
		}
	}
	return &c
}

func stringPtr(s string) *string { return &s }

func float64Ptr(f float64) *float64 { return &f }

func timePtr(t time.Time) *time.Time { return &t }
