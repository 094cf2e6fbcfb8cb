package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"floodworker/pkg/models"
)

// RunsClient talks to the asynchronous runs API of a worker
// (http://worker:5001/api/v1/runs).
type RunsClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// APIError is a non-success answer from the runs API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runs api returned %d: %s", e.StatusCode, e.Message)
}

// Submission is the answer to a run submission.
type Submission struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
}

// NewRunsClient returns a client for the worker at baseURL, e.g.
// http://worker:5001.
func NewRunsClient(baseURL, apiKey string) *RunsClient {
	return &RunsClient{
		BaseURL:    strings.TrimRight(baseURL, "/") + "/api/v1/runs",
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit queues a run.
func (c *RunsClient) Submit(ctx context.Context, req Request) (*Submission, error) {
	body, contentType, err := encodeForm(req)
	if err != nil {
		return nil, err
	}
	var out Submission
	if err := c.do(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body), contentType, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns one run.
func (c *RunsClient) Get(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodGet, c.BaseURL+"/"+id, nil, "", &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// List returns the newest runs.
func (c *RunsClient) List(ctx context.Context, limit int) ([]models.Run, error) {
	var out struct {
		Runs []models.Run `json:"runs"`
	}
	url := fmt.Sprintf("%s?limit=%d", c.BaseURL, limit)
	if err := c.do(ctx, http.MethodGet, url, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Cancel asks the worker to cancel a run and returns its message.
func (c *RunsClient) Cancel(ctx context.Context, id string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, c.BaseURL+"/"+id+"/cancel", nil, "", &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// Artifact downloads the stored result file of a successful run.
func (c *RunsClient) Artifact(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, c.BaseURL+"/"+id+"/artifact", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, raw)
	}
	return raw, nil
}

func (c *RunsClient) do(ctx context.Context, method, url string, body io.Reader, contentType string, out any) error {
	resp, err := c.send(ctx, method, url, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: unexpected body: %s", ErrUnavailable, snippet(raw))
	}
	return nil
}

func (c *RunsClient) send(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func apiError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := snippet(raw)
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: status, Message: msg}
}
