// Package remote adapts an HTTP compute plane (a serverless GPU service or
// a self-hosted worker pool) to the backend interface. The wire protocol is
// the one the worker planes expose: POST /run, GET /health, GET /status/{id},
// POST /cancel/{id}, GET /resources.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Adelost/decl-worker-api/internal/backend"
	"github.com/Adelost/decl-worker-api/internal/model"
)

const defaultRequestTimeout = 10 * time.Minute

// maxErrorBody caps how much of an error response body is echoed in errors.
const maxErrorBody = 4 << 10

// Backend executes tasks against a remote worker plane over HTTP.
type Backend struct {
	name    string
	baseURL string
	client  *http.Client
}

// Compile-time capability checks.
var (
	_ backend.Backend          = (*Backend)(nil)
	_ backend.Canceler         = (*Backend)(nil)
	_ backend.ResourceReporter = (*Backend)(nil)
)

// New creates a remote backend targeting baseURL. A nil client uses a
// default with a generous timeout sized for long-running GPU tasks.
func New(name, baseURL string, client *http.Client) *Backend {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Backend{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the backend's registered name.
func (b *Backend) Name() string { return b.name }

// runRequest is the JSON body for POST /run.
type runRequest struct {
	Type      string           `json:"type"`
	Payload   map[string]any   `json:"payload,omitempty"`
	Resources *model.Resources `json:"resources,omitempty"`
}

// runResponse is the JSON body returned by POST /run.
type runResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Execute submits the task to the remote plane and waits for its result.
func (b *Backend) Execute(ctx context.Context, task *model.Task) (any, error) {
	body, err := json.Marshal(runRequest{
		Type:      task.Type,
		Payload:   task.Payload,
		Resources: task.Resources,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	var resp runResponse
	if err := b.do(ctx, http.MethodPost, "/run", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: %s", task.Type, resp.Error)
	}
	return resp.Result, nil
}

// GetStatus fetches the state of a previously submitted task.
func (b *Backend) GetStatus(ctx context.Context, id string) (*backend.TaskStatus, error) {
	var status backend.TaskStatus
	if err := b.do(ctx, http.MethodGet, "/status/"+id, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Healthcheck probes GET /health. Any transport or non-2xx failure marks
// the backend unhealthy.
func (b *Backend) Healthcheck(ctx context.Context) error {
	return b.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Cancel asks the remote plane to cancel an in-flight task.
func (b *Backend) Cancel(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := b.do(ctx, http.MethodPost, "/cancel/"+id, nil, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// Resources fetches the remote plane's resource inventory.
func (b *Backend) Resources(ctx context.Context) (*model.ResourcePool, error) {
	var pool model.ResourcePool
	if err := b.do(ctx, http.MethodGet, "/resources", nil, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

// do performs one HTTP round trip and decodes a JSON response into out
// when out is non-nil.
func (b *Backend) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
