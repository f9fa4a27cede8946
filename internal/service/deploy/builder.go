package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/filify/internal/domain"
)

// HTTPBuilder talks to the build worker over its HTTP API.
type HTTPBuilder struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBuilder returns a Builder for the worker at baseURL. Requests carry the
// shared builder token.
func NewHTTPBuilder(baseURL, token string, client *http.Client) *HTTPBuilder {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBuilder{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  client,
	}
}

// Dispatch asks the worker to clone and build the deployment.
func (b *HTTPBuilder) Dispatch(ctx context.Context, deployment domain.Deployment) error {
	body := map[string]any{
		"deployment_id": deployment.ID,
		"project_id":    deployment.ProjectID,
		"commit_ref":    deployment.CommitRef,
	}
	return b.post(ctx, "/deploy", body, nil)
}

// Cancel asks the worker to kill running build stages for the deployment.
func (b *HTTPBuilder) Cancel(ctx context.Context, deploymentID string) (bool, error) {
	var resp struct {
		Killed bool `json:"killed"`
	}
	path := fmt.Sprintf("/deployments/%s/cancel", url.PathEscape(deploymentID))
	if err := b.post(ctx, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Killed, nil
}

func (b *HTTPBuilder) post(ctx context.Context, path string, body any, out any) error {
	if b.baseURL == "" {
		return fmt.Errorf("builder url not configured")
	}
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode builder request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create builder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("X-Builder-Token", b.token)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("builder request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("builder rejected request: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode builder response: %w", err)
	}
	return nil
}
