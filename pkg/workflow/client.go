// Package workflow is the client for the remote workflow engine backing
// remote skills: submit a run, poll by id with bounded attempts, and map
// the engine's terminal states onto stable error kinds.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redlineai/redline/pkg/httpclient"
)

var (
	// ErrNotFound reports a workflow or run id the engine does not know.
	ErrNotFound = errors.New("workflow not found")
	// ErrTimeout reports a run still non-terminal after the polling budget.
	ErrTimeout = errors.New("workflow timed out")
	// ErrBackendFailed reports a run the engine marked terminally failed.
	ErrBackendFailed = errors.New("workflow failed")
)

// Runner abstracts the engine for dispatch. The HTTP client below is the
// production implementation; tests substitute an in-memory one.
type Runner interface {
	Run(ctx context.Context, workflowID string, input map[string]any) (map[string]any, error)
}

// Client submits and polls runs over the engine's HTTP API.
type Client struct {
	baseURL      string
	httpClient   *httpclient.Client
	pollInterval time.Duration
	maxAttempts  int
}

type Option func(*Client)

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		httpClient:   httpclient.New(httpclient.WithMaxRetries(2)),
		pollInterval: 2 * time.Second,
		maxAttempts:  30,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

type runStatus struct {
	Status string         `json:"status"` // executing | finish | failed
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Run submits the workflow and polls until a terminal state or the
// attempt budget runs out.
func (c *Client) Run(ctx context.Context, workflowID string, input map[string]any) (map[string]any, error) {
	runID, err := c.submit(ctx, workflowID, input)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		status, err := c.poll(ctx, runID)
		if err != nil {
			return nil, err
		}
		switch status.Status {
		case "finish":
			return status.Output, nil
		case "failed":
			return nil, fmt.Errorf("%w: %s", ErrBackendFailed, status.Error)
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: run %s non-terminal after %d polls", ErrTimeout, runID, c.maxAttempts)
}

func (c *Client) submit(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/api/workflows/%s/runs", c.baseURL, workflowID)
	body, err := c.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("workflow: malformed submit response: %w", err)
	}
	if resp.RunID == "" {
		return "", fmt.Errorf("workflow: submit returned no run id")
	}
	return resp.RunID, nil
}

func (c *Client) poll(ctx context.Context, runID string) (*runStatus, error) {
	url := fmt.Sprintf("%s/api/runs/%s", c.baseURL, runID)
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var status runStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("workflow: malformed run status: %w", err)
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return io.ReadAll(resp.Body)
}
