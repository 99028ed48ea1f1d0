package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"compute-orchestrator/internal/api"
	"compute-orchestrator/internal/models"
)

// ErrUnreachable wraps transport-level failures (timeout, connection refused).
// Callers treat these as transient and defer/retry; they are never a permanent
// failure on the first occurrence.
var ErrUnreachable = errors.New("server unreachable")

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// Client is the manager's HTTP client. Every call carries a request timeout.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection errors look identical from here.
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) Activate(ctx context.Context, req api.ActivateRequest) (api.ActivateResponse, error) {
	var resp api.ActivateResponse
	err := c.post(ctx, "/managers/activate", req, &resp)
	return resp, err
}

func (c *Client) Heartbeat(ctx context.Context, req api.HeartbeatRequest) error {
	return c.post(ctx, "/managers/heartbeat", req, nil)
}

func (c *Client) Deactivate(ctx context.Context, req api.DeactivateRequest) error {
	return c.post(ctx, "/managers/deactivate", req, nil)
}

// Claim requests up to limit tasks. A rate-limited response is treated as an
// empty claim, not an error.
func (c *Client) Claim(ctx context.Context, req api.ClaimRequest) ([]models.Task, error) {
	var resp api.ClaimResponse
	err := c.post(ctx, "/tasks/claim", req, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusTooManyRequests {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *Client) Return(ctx context.Context, req api.ReturnRequest) (models.TaskReturnMetadata, error) {
	var resp api.ReturnResponse
	if err := c.post(ctx, "/tasks/return", req, &resp); err != nil {
		return models.TaskReturnMetadata{}, err
	}
	return resp.TaskReturnMetadata, nil
}
