package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/repository"
)

// Client provides typed access to the filify record store for the finalizer and CLI.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Unwrap maps well-known statuses back onto the store's sentinel errors.
func (e APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return repository.ErrNotFound
	case http.StatusConflict:
		return repository.ErrConflict
	case http.StatusUnprocessableEntity:
		return domain.ErrInvalidTransition
	}
	return nil
}

// Transient reports whether retrying the same request may succeed.
func (e APIError) Transient() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

type networkError struct {
	err error
}

func (e networkError) Error() string   { return e.err.Error() }
func (e networkError) Unwrap() error   { return e.err }
func (e networkError) Transient() bool { return true }

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return networkError{fmt.Errorf("perform request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

func deploymentPath(id string, suffix string) string {
	return "/deployments/" + url.PathEscape(id) + suffix
}

// ListDeployments returns deployments matching the filter, newest first.
func (c *Client) ListDeployments(ctx context.Context, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		parts := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			parts[i] = string(s)
		}
		query.Set("status", strings.Join(parts, ","))
	}
	if filter.ProjectID != "" {
		query.Set("project_id", filter.ProjectID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/deployments"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var deployments []domain.Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := c.do(ctx, http.MethodGet, deploymentPath(id, ""), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// StatusUpdate is the body of a status write.
type StatusUpdate struct {
	Status domain.Status `json:"status"`
	domain.DeploymentFields
}

// UpdateStatus requests a transition and returns the stored record.
func (c *Client) UpdateStatus(ctx context.Context, id string, status domain.Status, fields domain.DeploymentFields) (*domain.Deployment, error) {
	var d domain.Deployment
	body := StatusUpdate{Status: status, DeploymentFields: fields}
	if err := c.do(ctx, http.MethodPost, deploymentPath(id, "/status"), body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// MarkFailed moves the deployment to failed with message.
func (c *Client) MarkFailed(ctx context.Context, id, message string) (*domain.Deployment, error) {
	var d domain.Deployment
	body := map[string]string{"message": message}
	if err := c.do(ctx, http.MethodPost, deploymentPath(id, "/fail"), body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CancelResponse is returned by Cancel.
type CancelResponse struct {
	Deployment domain.Deployment `json:"deployment"`
	Killed     bool              `json:"killed"`
}

// Cancel cancels a non-terminal deployment.
func (c *Client) Cancel(ctx context.Context, id string) (CancelResponse, error) {
	var resp CancelResponse
	if err := c.do(ctx, http.MethodPost, deploymentPath(id, "/cancel"), nil, &resp); err != nil {
		return CancelResponse{}, err
	}
	return resp, nil
}

// ConfirmResponse is returned by the confirm endpoint.
type ConfirmResponse struct {
	Deployment domain.Deployment `json:"deployment"`
	Verified   bool              `json:"verified"`
}

// Confirm reports a broadcast naming transaction. The result is true once the
// chain has finalized it.
func (c *Client) Confirm(ctx context.Context, id, txRef string) (bool, error) {
	var resp ConfirmResponse
	body := map[string]string{"tx_ref": txRef}
	if err := c.do(ctx, http.MethodPost, deploymentPath(id, "/confirm"), body, &resp); err != nil {
		return false, err
	}
	return resp.Verified, nil
}

// CreateDeploymentInput captures the payload for a manual deployment.
type CreateDeploymentInput struct {
	CommitRef          string `json:"commit_ref,omitempty"`
	CommitMessage      string `json:"commit_message,omitempty"`
	ArtifactRef        string `json:"artifact_ref,omitempty"`
	ResumeFromPrevious bool   `json:"resume_from_previous,omitempty"`
}

// CreateDeployment starts a manual deployment for the project.
func (c *Client) CreateDeployment(ctx context.Context, projectID string, input CreateDeploymentInput) (*domain.Deployment, error) {
	path := fmt.Sprintf("/projects/%s/deployments", url.PathEscape(projectID))
	var d domain.Deployment
	if err := c.do(ctx, http.MethodPost, path, input, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Retry asks a finalizer agent to run the pipeline for id now.
func (c *Client) Retry(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, deploymentPath(id, "/retry"), nil, nil)
}
