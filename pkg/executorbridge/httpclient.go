package executorbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	sharedhttp "github.com/opsconductor/opsconductor/pkg/shared/http"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// HTTPAutomationClient implements AutomationClient against the egress
// contract in spec §6: POST /executions starts a step, GET /executions/{id}
// is polled until the observation reaches a terminal state.
type HTTPAutomationClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       logrus.FieldLogger
}

// NewHTTPAutomationClient builds a client against the Automation service at
// baseURL. perCallTimeout bounds each individual POST/GET; pollInterval is
// the delay between polls of an in-flight execution.
func NewHTTPAutomationClient(baseURL string, perCallTimeout, pollInterval time.Duration, logger logrus.FieldLogger) *HTTPAutomationClient {
	return &HTTPAutomationClient{
		baseURL:      baseURL,
		httpClient:   sharedhttp.NewClient(sharedhttp.AutomationClientConfig(perCallTimeout)),
		pollInterval: pollInterval,
		logger:       logger,
	}
}

type startExecutionRequest struct {
	RequestID string         `json:"request_id"`
	StepID    string         `json:"step_id"`
	Tool      string         `json:"tool"`
	Inputs    map[string]any `json:"inputs"`
}

type startExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
}

type executionStatusResponse struct {
	Status string `json:"status"` // pending | running | succeeded | failed
	Output any    `json:"output"`
	Error  string `json:"error"`
}

// ExecuteStep starts an execution for step and polls until it reaches a
// terminal status or ctx is done.
func (c *HTTPAutomationClient) ExecuteStep(ctx context.Context, requestID string, step types.Step) (types.ToolResult, error) {
	started := time.Now()

	executionID, err := c.start(ctx, requestID, step)
	if err != nil {
		return types.ToolResult{}, fmt.Errorf("executorbridge: start execution for step %q: %w", step.ID, err)
	}

	for {
		select {
		case <-ctx.Done():
			c.cancel(context.Background(), executionID, requestID)
			return types.ToolResult{}, ctx.Err()
		default:
		}

		status, err := c.poll(ctx, executionID)
		if err != nil {
			return types.ToolResult{}, fmt.Errorf("executorbridge: poll execution %q: %w", executionID, err)
		}

		switch status.Status {
		case "succeeded":
			return types.ToolResult{
				StepID:     step.ID,
				Tool:       step.Tool,
				Output:     status.Output,
				StartedAt:  started,
				DurationMS: time.Since(started).Milliseconds(),
				Success:    true,
			}, nil
		case "failed":
			return types.ToolResult{
				StepID:     step.ID,
				Tool:       step.Tool,
				StartedAt:  started,
				DurationMS: time.Since(started).Milliseconds(),
				Success:    false,
				Error:      status.Error,
			}, nil
		}

		select {
		case <-ctx.Done():
			c.cancel(context.Background(), executionID, requestID)
			return types.ToolResult{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *HTTPAutomationClient) start(ctx context.Context, requestID string, step types.Step) (string, error) {
	body, err := json.Marshal(startExecutionRequest{RequestID: requestID, StepID: step.ID, Tool: step.Tool, Inputs: step.Inputs})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/executions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("automation service returned %d: %s", resp.StatusCode, string(raw))
	}

	var out startExecutionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ExecutionID, nil
}

func (c *HTTPAutomationClient) poll(ctx context.Context, executionID string) (executionStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/executions/"+executionID, nil)
	if err != nil {
		return executionStatusResponse{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return executionStatusResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return executionStatusResponse{}, fmt.Errorf("automation service returned %d: %s", resp.StatusCode, string(raw))
	}

	var out executionStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return executionStatusResponse{}, err
	}
	return out, nil
}

// cancel best-efforts a cancellation signal to the Automation service using
// the originating request_id (spec §4.8); it uses its own background
// context since ctx is already done by the time this runs.
func (c *HTTPAutomationClient) cancel(ctx context.Context, executionID, requestID string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/executions/"+executionID+"/cancel", bytes.NewReader([]byte(`{"request_id":"`+requestID+`"}`)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).WithField("execution_id", executionID).Warn("executorbridge: failed to signal cancellation to automation service")
		return
	}
	resp.Body.Close()
}
