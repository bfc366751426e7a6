// Package transfer is the client for the content transfer service
// running inside each provisioned environment. The orchestrator
// treats the service as opaque: it hands archives between
// environments without ever interpreting their contents.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"stagepool/internal/fail"
)

// Default client policy
const (
	maxAttempts    = 3
	retryBaseDelay = 2 * time.Second
)

// PreserveFlags controls what the import keeps from the target site
// instead of overwriting it from the archive.
type PreserveFlags struct {
	Plugins bool `json:"preserve_plugins"`
	Themes  bool `json:"preserve_themes"`
}

// Report is the outcome of an import.
type Report struct {
	Success           bool     `json:"success"`
	IntegrityWarnings []string `json:"integrity_warnings"`
}

// Client calls the transfer endpoints of a single environment.
type Client struct {
	httpClient *http.Client
}

// New creates a Client. timeout bounds a single request; export and
// import of large sites can take minutes.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

type exportRequest struct {
	APIKey string `json:"api_key"`
}

type exportResponse struct {
	Success    bool   `json:"success"`
	ArchiveURL string `json:"archive_url"`
	Message    string `json:"message"`
}

type importRequest struct {
	APIKey     string `json:"api_key"`
	ArchiveURL string `json:"archive_url"`
	PreserveFlags
}

// Export asks the environment at baseURL to package its content and
// returns the archive URL.
func (c *Client) Export(ctx context.Context, baseURL, apiKey string) (string, error) {
	var resp exportResponse
	err := c.post(ctx, baseURL+"/transfer/export", exportRequest{APIKey: apiKey}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fail.Newf(fail.KindCollaborator, "export failed: %s", resp.Message)
	}
	if resp.ArchiveURL == "" {
		return "", fail.Newf(fail.KindCollaborator, "export returned no archive URL")
	}
	return resp.ArchiveURL, nil
}

// Import asks the environment at baseURL to ingest the archive. A
// response with success=false is a collaborator failure even when the
// HTTP status is 200; it is never treated as a completed transfer.
func (c *Client) Import(ctx context.Context, baseURL, apiKey, archiveURL string, preserve PreserveFlags) (*Report, error) {
	var report Report
	err := c.post(ctx, baseURL+"/transfer/import", importRequest{
		APIKey:        apiKey,
		ArchiveURL:    archiveURL,
		PreserveFlags: preserve,
	}, &report)
	if err != nil {
		return nil, err
	}
	if !report.Success {
		return nil, fail.Newf(fail.KindCollaborator, "import reported failure")
	}
	return &report, nil
}

// post sends a JSON request with bounded retries. Only transport
// errors and 5xx responses are retried; a 4xx means the request
// itself is wrong and repeating it cannot help.
func (c *Client) post(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBaseDelay * time.Duration(1<<(attempt-1))):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			lastErr = fmt.Errorf("transfer service returned %d", resp.StatusCode)
			continue
		case resp.StatusCode >= http.StatusBadRequest:
			return fail.Newf(fail.KindCollaborator,
				"transfer service rejected request (%d): %s", resp.StatusCode, string(respBody))
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fail.Newf(fail.KindCollaborator, "malformed transfer response: %v", err)
		}
		return nil
	}

	return fail.Newf(fail.KindCollaborator, "transfer service unreachable after %d attempts: %v", maxAttempts, lastErr)
}
