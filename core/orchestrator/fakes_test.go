package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"training-orchestrator/core/models"
	"training-orchestrator/core/repository"
	"training-orchestrator/storage"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu sync.Mutex

	submitFn    func(req *models.SubmitRequest) (string, error)
	statuses    map[string]*models.ProviderStatus
	statusErr   map[string]error
	statusPanic map[string]bool
	listings    map[string]*models.ArtifactListing
	files       map[string][]byte
	cancelErr   error

	submitted   []*models.SubmitRequest
	statusCalls map[string]int
	listCalls   int
	cancelled   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		statuses:    make(map[string]*models.ProviderStatus),
		statusErr:   make(map[string]error),
		statusPanic: make(map[string]bool),
		listings:    make(map[string]*models.ArtifactListing),
		files:       make(map[string][]byte),
		statusCalls: make(map[string]int),
	}
}

func (p *fakeProvider) Submit(_ context.Context, req *models.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, req)
	if p.submitFn != nil {
		return p.submitFn(req)
	}
	return "rp-" + req.JobID, nil
}

func (p *fakeProvider) Status(_ context.Context, externalID string) (*models.ProviderStatus, error) {
	p.mu.Lock()
	p.statusCalls[externalID]++
	panics := p.statusPanic[externalID]
	err := p.statusErr[externalID]
	status, ok := p.statuses[externalID]
	p.mu.Unlock()

	if panics {
		panic("provider client bug")
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no status scripted for %s", externalID)
	}
	copied := *status
	copied.ExternalID = externalID
	return &copied, nil
}

func (p *fakeProvider) Cancel(_ context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, externalID)
	return p.cancelErr
}

func (p *fakeProvider) ListArtifacts(_ context.Context, externalID string) (*models.ArtifactListing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	listing, ok := p.listings[externalID]
	if !ok {
		return nil, errors.New("artifacts not ready")
	}
	return listing, nil
}

func (p *fakeProvider) Download(_ context.Context, downloadURL string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.files[downloadURL]
	if !ok {
		return nil, errors.New("404 not found")
	}
	return data, nil
}

func (p *fakeProvider) setStatus(externalID string, status *models.ProviderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[externalID] = status
}

func (p *fakeProvider) calls(externalID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCalls[externalID]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	store    *repository.MemoryStore
	objects  *storage.MemoryObjectStore
	provider *fakeProvider
	clock    *testClock
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    repository.NewMemoryStore(),
		objects:  storage.NewMemoryObjectStore(),
		provider: newFakeProvider(),
		clock:    newTestClock(),
	}
	h.orch = New(Dependencies{
		Store:    h.store,
		Provider: h.provider,
		Objects:  h.objects,
		Now:      h.clock.now,
	}, Options{MaxParallelJobs: 2})
	return h
}

func (h *harness) tick(t *testing.T) TickSummary {
	t.Helper()
	summary, err := h.orch.Tick(context.Background())
	require.NoError(t, err)
	return summary
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) notificationsOf(kind models.NotificationType) []models.Notification {
	var out []models.Notification
	for _, n := range h.store.Notifications() {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

// queuedJob seeds a queued job whose dataset exists in object storage
func (h *harness) queuedJob(t *testing.T, id string, created time.Time) {
	t.Helper()
	path := "user-1/" + id + ".jsonl"
	require.NoError(t, h.objects.Upload(context.Background(), "lora-datasets", path, []byte(`{"text":"x"}`), "application/jsonl"))
	h.store.AddJob(&models.Job{
		ID:                 id,
		UserID:             "user-1",
		DatasetID:          "ds-" + id,
		Status:             models.JobStatusQueued,
		Hyperparameters:    map[string]interface{}{"learning_rate": 0.0002},
		GPUConfig:          models.GPUConfig{GPUType: "A100", NumGPUs: 2, CostPerGPUHour: 2.5},
		DatasetStoragePath: path,
		CreatedAt:          created,
	})
}

// runningJob seeds a running job that started an hour ago
func (h *harness) runningJob(id string, created time.Time) {
	started := h.clock.now().Add(-time.Hour)
	external := "rp-" + id
	h.store.AddJob(&models.Job{
		ID:            id,
		UserID:        "user-1",
		DatasetID:     "ds-" + id,
		Status:        models.JobStatusRunning,
		CurrentStage:  models.StageQueuedOnGPU,
		GPUConfig:     models.GPUConfig{GPUType: "A100", NumGPUs: 2, CostPerGPUHour: 2.5},
		StartedAt:     &started,
		ExternalJobID: &external,
		CreatedAt:     created,
	})
}

func f64(v float64) *float64 { return &v }

func intp(v int) *int { return &v }
