package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sevir/envbridge/pkg/models"
)

const maxResponseBody = 64 * 1024 * 1024

// Endpoints maps the worker's request kinds to URL paths.
type Endpoints struct {
	Start   string `json:"start" yaml:"start"`
	Step    string `json:"step" yaml:"step"`
	Pause   string `json:"pause" yaml:"pause"`
	Unpause string `json:"unpause" yaml:"unpause"`
	Stop    string `json:"stop" yaml:"stop"`
}

// DefaultEndpoints returns one path per request kind.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Start:   "/start",
		Step:    "/step",
		Pause:   "/pause",
		Unpause: "/unpause",
		Stop:    "/stop",
	}
}

func (e Endpoints) withDefaults() Endpoints {
	d := DefaultEndpoints()
	if e.Start == "" {
		e.Start = d.Start
	}
	if e.Step == "" {
		e.Step = d.Step
	}
	if e.Pause == "" {
		e.Pause = d.Pause
	}
	if e.Unpause == "" {
		e.Unpause = d.Unpause
	}
	if e.Stop == "" {
		e.Stop = d.Stop
	}
	return e
}

// StatusError is returned when the worker answers with a non-200 status.
type StatusError struct {
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 512 {
		body = body[:509] + "..."
	}
	if body == "" {
		return fmt.Sprintf("worker replied %d to %s", e.StatusCode, e.Path)
	}
	return fmt.Sprintf("worker replied %d to %s: %s", e.StatusCode, e.Path, body)
}

// Client speaks the worker's JSON-over-HTTP control channel. Every exchange
// is bounded by the configured timeout; a timeout surfaces as a transport
// error like a refused connection.
type Client struct {
	baseURL   string
	endpoints Endpoints
	http      *http.Client
}

// NewClient creates a control channel client for the worker at baseURL
// (e.g. "http://127.0.0.1:3000").
func NewClient(baseURL string, timeout time.Duration, endpoints Endpoints) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: endpoints.withDefaults(),
		http:      &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the worker's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Start asks the worker to join the session described by opts and returns the
// initial observation.
func (c *Client) Start(ctx context.Context, opts models.ResetOptions) (models.StepResult, error) {
	body, err := c.post(ctx, c.endpoints.Start, opts)
	if err != nil {
		return models.StepResult{}, err
	}
	return models.ParseStepResult(body)
}

// Step submits a command and returns the resulting events.
func (c *Client) Step(ctx context.Context, req models.StepRequest) (models.StepResult, error) {
	body, err := c.post(ctx, c.endpoints.Step, req)
	if err != nil {
		return models.StepResult{}, err
	}
	return models.ParseStepResult(body)
}

// Pause asks the worker to stop advancing simulated time.
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.post(ctx, c.endpoints.Pause, nil)
	return err
}

// Unpause asks the worker to resume simulated time.
func (c *Client) Unpause(ctx context.Context) error {
	_, err := c.post(ctx, c.endpoints.Unpause, nil)
	return err
}

// Stop asks the worker to leave its session.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.post(ctx, c.endpoints.Stop, nil)
	return err
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Path: path, StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
