package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"floodworker/pkg/resilience"
)

// Fixed names the worker stages the uploads under.
const (
	HydrographFilename = "Hydrograph.txt"
	TideFilename       = "tide.txt"
)

// ErrUnavailable means the worker could not be reached or answered with
// something that is not a worker response.
var ErrUnavailable = errors.New("model worker unavailable")

// WorkerError is a failure the worker reported itself.
type WorkerError struct {
	StatusCode int
	Kind       string
	Message    string
	Details    string
}

func (e *WorkerError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("model worker failed (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("model worker failed (%d): %s", e.StatusCode, e.Message)
}

// Request is one execution forwarded to a worker.
type Request struct {
	Hydrograph    []byte
	Tide          []byte // nil when no tide file was uploaded
	ExecutionTime string
	ModelName     string // recorded by the runs API, ignored by /execute
}

// Response is the worker's success payload.
type Response struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	PltData      string `json:"pltData"`
	ArtifactText string `json:"artifactText,omitempty"`
	ErrorKind    string `json:"errorKind,omitempty"`
	Details      string `json:"details,omitempty"`
}

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// NewClient returns a client for the worker mounted at baseURL, e.g.
// http://worker:5001/model-worker. timeout bounds a whole execution.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.IsFailure = func(err error) bool {
		var we *WorkerError
		if err == nil || errors.As(err, &we) {
			return false
		}
		return !errors.Is(err, context.Canceled)
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		breaker:    resilience.NewCircuitBreaker("model-worker", cfg),
	}
}

// Breaker exposes the breaker state for health reporting.
func (c *Client) Breaker() resilience.Snapshot { return c.breaker.Snapshot() }

// Execute uploads the inputs and waits for the model result. Errors are
// a *WorkerError, or wrap ErrUnavailable or resilience.ErrCircuitOpen.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	body, contentType, err := encodeForm(req)
	if err != nil {
		return nil, err
	}

	var out *Response
	err = c.breaker.Execute(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/execute", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", contentType)
		c.decorate(ctx, httpReq)

		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		out, err = decodeResponse(resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Health calls the worker health route.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.decorate(ctx, httpReq)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) decorate(ctx context.Context, req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

func encodeForm(req Request) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := writeFile(w, "hydrographFile", HydrographFilename, req.Hydrograph); err != nil {
		return nil, "", err
	}
	if req.Tide != nil {
		if err := writeFile(w, "tideFile", TideFilename, req.Tide); err != nil {
			return nil, "", err
		}
	}
	if err := w.WriteField("executionTime", req.ExecutionTime); err != nil {
		return nil, "", err
	}
	if req.ModelName != "" {
		if err := w.WriteField("modelName", req.ModelName); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFile(w *multipart.Writer, field, filename string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	h.Set("Content-Type", "text/plain")
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", field, err)
	}
	_, err = part.Write(data)
	return err
}

func decodeResponse(resp *http.Response) (*Response, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: status %d with unexpected body: %s", ErrUnavailable, resp.StatusCode, snippet(raw))
	}
	if resp.StatusCode == http.StatusOK && out.Success {
		if out.PltData == "" {
			out.PltData = out.ArtifactText
		}
		return &out, nil
	}

	msg := out.Message
	if msg == "" {
		msg = "model worker failed to execute or returned unexpected response"
	}
	return nil, &WorkerError{
		StatusCode: resp.StatusCode,
		Kind:       out.ErrorKind,
		Message:    msg,
		Details:    out.Details,
	}
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
