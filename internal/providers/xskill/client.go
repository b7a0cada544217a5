// Package xskill is the client for the external task provider. Every call
// runs through bounded retries and a circuit breaker; polling is bounded by
// wall clock so a stuck provider cannot pin a consumer forever.
package xskill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	obsmetrics "github.com/smallbiznis/taskledger/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	createTaskPath = "/api/v3/tasks/create"
	queryTaskPath  = "/api/v3/tasks/query"

	maxAttempts    = 5
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	circuitFailureThreshold = 5
	circuitCooldown         = 60 * time.Second

	pollInterval = 2 * time.Second
	maxPollTime  = 5 * time.Minute

	requestTimeout = 30 * time.Second
)

var (
	// ErrCircuitOpen is a fast-fail transport error: the breaker is in
	// cooldown and no network I/O was attempted.
	ErrCircuitOpen = errors.New("circuit_open")

	// ErrTaskTimedOut means the polling bound elapsed before the provider
	// reached a terminal status. A distinct outcome from failure.
	ErrTaskTimedOut = errors.New("task_timed_out")
)

// Task statuses reported by the provider.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type CreateTaskRequest struct {
	Prompt  string         `json:"prompt"`
	Model   string         `json:"model,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type CreateTaskResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

type QueryTaskResponse struct {
	TaskID    string   `json:"taskId"`
	Status    string   `json:"status"`
	Result    string   `json:"result,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	Error     string   `json:"error,omitempty"`
	Code      string   `json:"code,omitempty"`
}

// Config holds provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
}

// Client talks to the provider with retry, backoff and a circuit breaker.
// Safe for concurrent use; the breaker is shared across all calls.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics

	// now and sleep are injectable for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu               sync.Mutex
	failureCount     int
	circuitOpenUntil time.Time
}

// NewClient builds a provider client with a 30s per-request timeout.
func NewClient(cfg Config, log *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.Named("providers.xskill"),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// WithMetrics attaches the metrics recorder. Nil is fine; recording is a noop.
func (c *Client) WithMetrics(m *obsmetrics.Metrics) *Client {
	c.obsMetrics = m
	return c
}

// CreateTask submits a task to the provider.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (CreateTaskResponse, error) {
	var resp CreateTaskResponse
	if err := c.callWithRetry(ctx, createTaskPath, req, &resp); err != nil {
		return CreateTaskResponse{}, err
	}
	return resp, nil
}

// QueryTask fetches the provider's view of a task.
func (c *Client) QueryTask(ctx context.Context, taskID string) (QueryTaskResponse, error) {
	var resp QueryTaskResponse
	if err := c.callWithRetry(ctx, queryTaskPath, map[string]string{"taskId": taskID}, &resp); err != nil {
		return QueryTaskResponse{}, err
	}
	return resp, nil
}

// PollUntilDone polls every two seconds until the provider reports a
// terminal status, or the five-minute bound elapses with ErrTaskTimedOut.
// Wall clock is the only cancellation trigger besides ctx.
func (c *Client) PollUntilDone(ctx context.Context, externalTaskID string) (QueryTaskResponse, error) {
	deadline := c.now().Add(maxPollTime)
	for c.now().Before(deadline) {
		resp, err := c.QueryTask(ctx, externalTaskID)
		if err != nil {
			return QueryTaskResponse{}, err
		}
		if resp.Status == StatusCompleted || resp.Status == StatusFailed {
			return resp, nil
		}
		if err := c.sleep(ctx, pollInterval); err != nil {
			return QueryTaskResponse{}, err
		}
	}
	return QueryTaskResponse{}, ErrTaskTimedOut
}

func (c *Client) callWithRetry(ctx context.Context, path string, body, out any) error {
	if err := c.ensureCircuitClosed(); err != nil {
		return err
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := c.doRequest(ctx, path, body, out)
		if err == nil {
			c.onSuccess()
			return nil
		}
		lastErr = err
		c.onFailure()

		if attempt < maxAttempts-1 {
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", path, maxAttempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(payload))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ensureCircuitClosed resets an expired cooldown, then rejects while open.
func (c *Client) ensureCircuitClosed() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.circuitOpenUntil.IsZero() && !c.now().Before(c.circuitOpenUntil) {
		c.circuitOpenUntil = time.Time{}
		c.failureCount = 0
	}
	if !c.circuitOpenUntil.IsZero() {
		return ErrCircuitOpen
	}
	return nil
}

func (c *Client) onSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount = 0
}

func (c *Client) onFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failureCount++
	if c.failureCount >= circuitFailureThreshold && c.circuitOpenUntil.IsZero() {
		c.circuitOpenUntil = c.now().Add(circuitCooldown)
		c.obsMetrics.RecordCircuitOpen(context.Background())
		c.log.Warn("circuit opened",
			zap.Int("consecutive_failures", c.failureCount),
			zap.Duration("cooldown", circuitCooldown),
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
