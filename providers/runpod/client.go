package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"training-orchestrator/core/models"
)

var (
	// ErrUnexpectedStatus is returned for any non-2xx response
	ErrUnexpectedStatus = errors.New("unexpected provider response status")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded
	ErrMalformedResponse = errors.New("malformed provider response")
)

const (
	defaultTimeout = 30 * time.Second
	// maxErrorBody caps how much of an error response is kept in the error
	maxErrorBody = 4 << 10
	// MaxDownloadBytes caps a single artifact file download
	MaxDownloadBytes = 1 << 30
)

// Client talks to a RunPod serverless endpoint running the trainer worker
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a provider client. Every request is bounded by timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type runRequest struct {
	Input runInput `json:"input"`
}

type runInput struct {
	JobID           string                 `json:"job_id"`
	DatasetURL      string                 `json:"dataset_url"`
	Hyperparameters map[string]interface{} `json:"hyperparameters"`
	GPUConfig       models.GPUConfig       `json:"gpu_config"`
	CallbackURL     string                 `json:"callback_url,omitempty"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type statusResponse struct {
	ID     string        `json:"id"`
	Status string        `json:"status"`
	Output *statusOutput `json:"output"`
	Error  string        `json:"error"`
}

type statusOutput struct {
	Progress     *float64                `json:"progress"`
	CurrentEpoch *int                    `json:"current_epoch"`
	CurrentStep  *int                    `json:"current_step"`
	Metrics      *models.ProviderMetrics `json:"metrics"`
}

type artifactsResponse struct {
	DownloadURLs  map[string]string      `json:"download_urls"`
	ModelMetadata map[string]interface{} `json:"model_metadata"`
}

// Submit starts a training run and returns the provider's job id
func (c *Client) Submit(ctx context.Context, req *models.SubmitRequest) (string, error) {
	body := runRequest{Input: runInput{
		JobID:           req.JobID,
		DatasetURL:      req.DatasetURL,
		Hyperparameters: req.Hyperparameters,
		GPUConfig:       req.GPUConfig,
		CallbackURL:     req.CallbackURL,
	}}

	var resp runResponse
	if err := c.doJSON(ctx, http.MethodPost, "/run", body, &resp); err != nil {
		return "", fmt.Errorf("submit job %s: %w", req.JobID, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("submit job %s: %w: missing id", req.JobID, ErrMalformedResponse)
	}
	return resp.ID, nil
}

// Status polls the provider for the state of a run
func (c *Client) Status(ctx context.Context, externalID string) (*models.ProviderStatus, error) {
	var resp statusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/status/"+url.PathEscape(externalID), nil, &resp); err != nil {
		return nil, fmt.Errorf("status of %s: %w", externalID, err)
	}
	if resp.Status == "" {
		return nil, fmt.Errorf("status of %s: %w: missing status", externalID, ErrMalformedResponse)
	}

	status := &models.ProviderStatus{
		ExternalID: externalID,
		State:      models.ProviderState(resp.Status),
		Error:      resp.Error,
	}
	if resp.Output != nil {
		status.Progress = resp.Output.Progress
		status.CurrentEpoch = resp.Output.CurrentEpoch
		status.CurrentStep = resp.Output.CurrentStep
		status.Metrics = resp.Output.Metrics
	}
	return status, nil
}

// Cancel asks the worker to stop a run
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/training/cancel/"+url.PathEscape(externalID), nil, nil); err != nil {
		return fmt.Errorf("cancel %s: %w", externalID, err)
	}
	return nil
}

// ListArtifacts returns the download URLs of a finished run's output files
func (c *Client) ListArtifacts(ctx context.Context, externalID string) (*models.ArtifactListing, error) {
	var resp artifactsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/training/artifacts/"+url.PathEscape(externalID), nil, &resp); err != nil {
		return nil, fmt.Errorf("artifacts of %s: %w", externalID, err)
	}
	if resp.DownloadURLs == nil {
		return nil, fmt.Errorf("artifacts of %s: %w: missing download_urls", externalID, ErrMalformedResponse)
	}
	return &models.ArtifactListing{
		DownloadURLs:  resp.DownloadURLs,
		ModelMetadata: resp.ModelMetadata,
	}, nil
}

// Download fetches one artifact file. Download URLs are pre-signed, so no
// credentials are attached.
func (c *Client) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read download: %w", err)
	}
	if len(data) > MaxDownloadBytes {
		return nil, fmt.Errorf("download exceeds %d bytes", MaxDownloadBytes)
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, msg)
}
