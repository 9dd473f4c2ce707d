// Package nodeagent is the opaque RPC executor client the
// orchestrator calls out to: submit one recovery-config task per
// target, then wait for it to reach a terminal state with a fixed
// deadline. The wire transport is left to the concrete Executor
// implementation (the orchestrator only depends on the Executor
// interface); HTTPClient is the reference implementation, a thin
// JSON-over-HTTP client whose SubmitTask is wrapped in
// resilience.WithRetry for transient failures (WaitForTask is not).
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joyent/triton-kbmapi/internal/resilience"
)

// TaskParams is the payload of one recovery-config task.
type TaskParams struct {
	Action         string `json:"action"`
	PIVToken       string `json:"pivtoken"`
	RecoveryUUID   string `json:"recovery_uuid"`
	Template       string `json:"template"`
	Token          string `json:"token"`
}

// TaskState is the terminal (or pending) state of a submitted task.
type TaskState string

const (
	TaskPending  TaskState = "pending"
	TaskRunning  TaskState = "running"
	TaskComplete TaskState = "complete"
	TaskFailed   TaskState = "failed"
	TaskTimeout  TaskState = "timeout"
)

// Executor is the interface internal/orchestrator depends on; it never
// sees the transport.
type Executor interface {
	// SubmitTask posts one task to a compute node and returns its id.
	SubmitTask(ctx context.Context, computeNodeUUID string, params TaskParams) (taskID string, err error)

	// WaitForTask blocks until the task reaches a terminal state or
	// deadline elapses, whichever comes first.
	WaitForTask(ctx context.Context, taskID string, deadline time.Duration) (TaskState, error)
}

// HTTPClient is the reference Executor, talking to CNAPI-style
// per-compute-node task endpoints over plain JSON HTTP.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Retry      *resilience.RetryPolicy
}

// NewHTTPClient builds an HTTPClient with sane defaults.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Retry:      resilience.DefaultRetryPolicy(),
	}
}

func (c *HTTPClient) SubmitTask(ctx context.Context, computeNodeUUID string, params TaskParams) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	var taskID string
	err = resilience.WithRetry(ctx, c.Retry, func(ctx context.Context) error {
		url := fmt.Sprintf("%s/nodes/%s/tasks", c.BaseURL, computeNodeUUID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			data, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("nodeagent: submit task: status %d: %s", resp.StatusCode, data)
		}

		var out struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		taskID = out.ID
		return nil
	})
	return taskID, err
}

func (c *HTTPClient) WaitForTask(ctx context.Context, taskID string, deadline time.Duration) (TaskState, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		state, err := c.pollOnce(ctx, taskID)
		if err != nil {
			return "", err
		}
		switch state {
		case TaskComplete, TaskFailed:
			return state, nil
		}

		select {
		case <-ctx.Done():
			return TaskTimeout, nil
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) pollOnce(ctx context.Context, taskID string) (TaskState, error) {
	url := fmt.Sprintf("%s/tasks/%s", c.BaseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("nodeagent: poll task: status %d: %s", resp.StatusCode, data)
	}
	var out struct {
		State TaskState `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.State, nil
}
