package naming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/filify/internal/domain"
)

const maxErrorBodySize = 4096

// Client asks the naming service to prepare record updates.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient returns a preparer for the naming service at baseURL.
func NewClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("naming url required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: trimmed, token: strings.TrimSpace(token), client: httpClient}, nil
}

type prepareRequest struct {
	DeploymentID   string `json:"deployment_id"`
	ContentAddress string `json:"content_address"`
}

// Prepare returns a validated, unsigned update pointing the name at contentAddress.
func (c *Client) Prepare(ctx context.Context, deploymentID, contentAddress string) (domain.UpdatePayload, error) {
	body, err := json.Marshal(prepareRequest{DeploymentID: deploymentID, ContentAddress: contentAddress})
	if err != nil {
		return domain.UpdatePayload{}, fmt.Errorf("encode prepare request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prepare", bytes.NewReader(body))
	if err != nil {
		return domain.UpdatePayload{}, fmt.Errorf("create prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.UpdatePayload{}, retryable{fmt.Errorf("prepare request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		err := fmt.Errorf("naming service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return domain.UpdatePayload{}, retryable{err}
		}
		return domain.UpdatePayload{}, err
	}

	var payload domain.UpdatePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.UpdatePayload{}, fmt.Errorf("decode prepare response: %w", err)
	}
	if err := ValidatePayload(payload); err != nil {
		return domain.UpdatePayload{}, err
	}
	return payload, nil
}

type retryable struct {
	err error
}

func (r retryable) Error() string   { return r.err.Error() }
func (r retryable) Unwrap() error   { return r.err }
func (r retryable) Transient() bool { return true }
