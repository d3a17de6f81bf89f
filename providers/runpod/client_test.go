package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"training-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL+"/", "secret", 5*time.Second)
}

func TestSubmit(t *testing.T) {
	var got runRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/run", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"rp-123","status":"IN_QUEUE"}`))
	})

	id, err := client.Submit(context.Background(), &models.SubmitRequest{
		JobID:           "job-1",
		DatasetURL:      "https://storage/signed",
		Hyperparameters: map[string]interface{}{"base_model": "mistralai/Mistral-7B-v0.1", "epochs": 3.0},
		GPUConfig:       models.GPUConfig{GPUType: "A100", NumGPUs: 2, CostPerGPUHour: 2.5},
		CallbackURL:     "https://cb",
	})
	require.NoError(t, err)
	assert.Equal(t, "rp-123", id)
	assert.Equal(t, "job-1", got.Input.JobID)
	assert.Equal(t, "https://storage/signed", got.Input.DatasetURL)
	assert.Equal(t, 2, got.Input.GPUConfig.NumGPUs)
	assert.Equal(t, 3.0, got.Input.Hyperparameters["epochs"])
}

func TestSubmitServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no workers available", http.StatusInternalServerError)
	})

	_, err := client.Submit(context.Background(), &models.SubmitRequest{JobID: "job-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "no workers available")
}

func TestSubmitMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"status":"IN_QUEUE"}`} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		_, err := client.Submit(context.Background(), &models.SubmitRequest{JobID: "job-1"})
		assert.True(t, errors.Is(err, ErrMalformedResponse), body)
	}
}

func TestStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/rp-123", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "rp-123",
			"status": "IN_PROGRESS",
			"output": {
				"progress": 42.5,
				"current_epoch": 2,
				"current_step": 300,
				"metrics": {"training_loss": 1.1, "learning_rate": 0.0002}
			}
		}`))
	})

	status, err := client.Status(context.Background(), "rp-123")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStateInProgress, status.State)
	assert.Equal(t, 42.5, *status.Progress)
	assert.Equal(t, 2, *status.CurrentEpoch)
	assert.Equal(t, 300, *status.CurrentStep)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 1.1, *status.Metrics.TrainingLoss)
	assert.Nil(t, status.Metrics.ValidationLoss)
}

func TestStatusWithoutOutput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"rp-1","status":"FAILED","output":null,"error":"CUDA out of memory"}`))
	})

	status, err := client.Status(context.Background(), "rp-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStateFailed, status.State)
	assert.Equal(t, "CUDA out of memory", status.Error)
	assert.Nil(t, status.Progress)
	assert.Nil(t, status.Metrics)
}

func TestStatusMissingState(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"rp-1"}`))
	})

	_, err := client.Status(context.Background(), "rp-1")
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestCancel(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/training/cancel/rp-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.Cancel(context.Background(), "rp-1"))
	assert.True(t, called)
}

func TestListArtifactsAndDownload(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/training/artifacts/rp-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"download_urls":  map[string]string{"adapter_model.bin": server.URL + "/files/adapter"},
			"model_metadata": map[string]interface{}{"base_model": "mistral"},
		})
	})
	mux.HandleFunc("/files/adapter", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("weights"))
	})
	mux.HandleFunc("/files/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	client := NewClient(server.URL, "secret", time.Second)
	listing, err := client.ListArtifacts(context.Background(), "rp-1")
	require.NoError(t, err)
	assert.Equal(t, "mistral", listing.ModelMetadata["base_model"])

	data, err := client.Download(context.Background(), listing.DownloadURLs["adapter_model.bin"])
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	_, err = client.Download(context.Background(), server.URL+"/files/missing")
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
}

func TestListArtifactsMissingURLs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model_metadata":{}}`))
	})

	_, err := client.ListArtifacts(context.Background(), "rp-1")
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestTimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, "secret", 50*time.Millisecond)
	_, err := client.Status(context.Background(), "rp-1")
	assert.Error(t, err)
}
