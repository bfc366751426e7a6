package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"stagepool/pkg/api"
)

// StageClient handles API calls to the stagepool controller.
type StageClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewStageClient creates a new client with the given base URL and token.
func NewStageClient(baseURL, token string) *StageClient {
	return &StageClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// SubmitJob sends POST /jobs with the given kind and payload.
func (c *StageClient) SubmitJob(kind string, payload interface{}) (*api.SubmitJobResponse, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	bodyBytes, err := json.Marshal(api.SubmitJobRequest{
		Kind:    kind,
		Payload: payloadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respBody, err := c.do(http.MethodPost, "/jobs", bytes.NewReader(bodyBytes), http.StatusAccepted)
	if err != nil {
		return nil, err
	}

	var result api.SubmitJobResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// GetJob sends GET /jobs/{id} to retrieve job details.
func (c *StageClient) GetJob(jobID string) (*api.JobResponse, error) {
	respBody, err := c.do(http.MethodGet, "/jobs/"+jobID, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var result api.JobResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// ListJobs sends GET /jobs with optional filters.
func (c *StageClient) ListJobs(status, kind string, limit int) ([]api.JobResponse, error) {
	path := fmt.Sprintf("/jobs?limit=%d", limit)
	if status != "" {
		path += "&status=" + status
	}
	if kind != "" {
		path += "&kind=" + kind
	}

	respBody, err := c.do(http.MethodGet, path, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var result api.ListJobsResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Jobs, nil
}

// CancelJob sends POST /jobs/{id}/cancel.
func (c *StageClient) CancelJob(jobID string) (string, error) {
	respBody, err := c.do(http.MethodPost, "/jobs/"+jobID+"/cancel", nil, http.StatusAccepted)
	if err != nil {
		return "", err
	}

	var result map[string]string
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return result["status"], nil
}

// ListEnvironments sends GET /environments.
func (c *StageClient) ListEnvironments(state string) ([]api.EnvironmentResponse, error) {
	path := "/environments"
	if state != "" {
		path += "?pool_state=" + state
	}

	respBody, err := c.do(http.MethodGet, path, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var result api.ListEnvironmentsResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Environments, nil
}

func (c *StageClient) do(method, path string, body io.Reader, wantStatus int) ([]byte, error) {
	httpReq, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus && resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	return respBody, nil
}
