// Package deployapi is the HTTP client for the external Deployment API.
// All operations are plain request/response JSON calls; the engine never
// relies on anything beyond the shapes defined here.
package deployapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/models"
)

// Client is the narrow interface the orchestrator depends on. The HTTP
// implementation lives below; tests provide their own.
type Client interface {
	StartDeployment(ctx context.Context, deploymentID, modelID string, config map[string]any) error
	DeploymentStatus(ctx context.Context, deploymentID string) (*models.ProgressEvent, error)
	RetryDeployment(ctx context.Context, deploymentID string) error
	RollbackDeployment(ctx context.Context, deploymentID string) error
	DeleteModel(ctx context.Context, modelID string, cleanup bool) error
	TestModel(ctx context.Context, modelID, prompt string) (*TestResult, error)
	ModelHealth(ctx context.Context, modelID string) (*models.Health, error)
	DeploymentLogs(ctx context.Context, deploymentID string, opts LogOptions) ([]models.LogEntry, error)
}

// TestResult is the response of a model smoke test.
type TestResult struct {
	ModelID   string  `json:"modelId"`
	Success   bool    `json:"success"`
	Response  string  `json:"response"`
	LatencyMS float64 `json:"latencyMs"`
}

// LogOptions filter remote log reads.
type LogOptions struct {
	Level string
	Since time.Time
	Limit int
}

// HTTPClient talks to the Deployment API over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("deployment api: status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("deployment api: status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type startRequest struct {
	DeploymentID string         `json:"deploymentId"`
	ModelID      string         `json:"modelId"`
	Config       map[string]any `json:"config,omitempty"`
}

// StartDeployment asks the remote service to begin a deployment. The locally
// generated id is passed along so downstream progress events can be correlated.
func (c *HTTPClient) StartDeployment(ctx context.Context, deploymentID, modelID string, config map[string]any) error {
	return c.do(ctx, http.MethodPost, "/deployments", startRequest{
		DeploymentID: deploymentID,
		ModelID:      modelID,
		Config:       config,
	}, nil)
}

func (c *HTTPClient) DeploymentStatus(ctx context.Context, deploymentID string) (*models.ProgressEvent, error) {
	var evt models.ProgressEvent
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID)+"/status", nil, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

func (c *HTTPClient) RetryDeployment(ctx context.Context, deploymentID string) error {
	return c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(deploymentID)+"/retry", nil, nil)
}

func (c *HTTPClient) RollbackDeployment(ctx context.Context, deploymentID string) error {
	return c.do(ctx, http.MethodPost, "/deployments/"+url.PathEscape(deploymentID)+"/rollback", nil, nil)
}

func (c *HTTPClient) DeleteModel(ctx context.Context, modelID string, cleanup bool) error {
	path := "/models/" + url.PathEscape(modelID) + "?cleanup=" + strconv.FormatBool(cleanup)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) TestModel(ctx context.Context, modelID, prompt string) (*TestResult, error) {
	var result TestResult
	err := c.do(ctx, http.MethodPost, "/models/"+url.PathEscape(modelID)+"/test", map[string]string{"prompt": prompt}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) ModelHealth(ctx context.Context, modelID string) (*models.Health, error) {
	var health models.Health
	if err := c.do(ctx, http.MethodGet, "/models/"+url.PathEscape(modelID)+"/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *HTTPClient) DeploymentLogs(ctx context.Context, deploymentID string, opts LogOptions) ([]models.LogEntry, error) {
	query := url.Values{}
	if opts.Level != "" {
		query.Set("level", opts.Level)
	}
	if !opts.Since.IsZero() {
		query.Set("since", opts.Since.Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/deployments/" + url.PathEscape(deploymentID) + "/logs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var logs []models.LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

var _ Client = (*HTTPClient)(nil)
