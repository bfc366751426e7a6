// Package credential is the client for the credential acquirer
// collaborator: given a source site URL and an operator login, it
// returns an opaque API key for that site's transfer endpoint. How
// the acquirer obtains the key (app passwords, interactive login
// automation) is deliberately outside this system.
package credential

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

// Acquirer retrieves an API key for a site.
type Acquirer interface {
	Acquire(ctx context.Context, url, username, password string) (string, error)
}

// HTTPAcquirer calls a remote acquirer service.
type HTTPAcquirer struct {
	baseURL    string
	httpClient *http.Client
}

// Compile-time check.
var _ Acquirer = (*HTTPAcquirer)(nil)

// New creates an HTTPAcquirer for the service at baseURL.
func New(baseURL string, timeout time.Duration) *HTTPAcquirer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPAcquirer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type acquireRequest struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type acquireResponse struct {
	Success bool   `json:"success"`
	APIKey  string `json:"api_key"`
	Message string `json:"message"`
}

// Acquire returns the opaque API key for the site at url.
func (a *HTTPAcquirer) Acquire(ctx context.Context, url, username, password string) (string, error) {
	payload, err := json.Marshal(acquireRequest{URL: url, Username: username, Password: password})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/acquire", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fail.Newf(fail.KindCollaborator, "credential acquirer unreachable: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fail.Newf(fail.KindCollaborator, "credential acquirer response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fail.Newf(fail.KindCollaborator,
			"credential acquirer returned %d: %s", resp.StatusCode, string(body))
	}

	var ar acquireResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return "", fail.Newf(fail.KindCollaborator, "malformed acquirer response: %v", err)
	}
	if !ar.Success || ar.APIKey == "" {
		msg := ar.Message
		if msg == "" {
			msg = "no API key returned"
		}
		return "", fail.Newf(fail.KindCollaborator, "credential acquisition failed: %s", msg)
	}
	return ar.APIKey, nil
}

// Static returns the same key for every site, for environments whose
// transfer plugin ships with a pre-provisioned master key.
type Static string

// Acquire implements Acquirer.
func (s Static) Acquire(ctx context.Context, url, username, password string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("static credential is empty")
	}
	return string(s), nil
}
