// Package executorbridge implements Stage E of the pipeline (spec §4.8):
// gating a Plan's execution on approval, dispatching its steps to the
// external Automation service in dependency order, and folding per-step
// observations back into ToolResults for Stage D.
package executorbridge

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// AutomationClient dispatches one step to the external Automation service
// and blocks until a terminal observation is available (or ctx is done).
// Implementations own the POST /executions + GET /executions/{id} polling
// loop described in the external-interfaces contract.
type AutomationClient interface {
	ExecuteStep(ctx context.Context, requestID string, step types.Step) (types.ToolResult, error)
}

// Bridge is Stage E.
type Bridge struct {
	client AutomationClient
	logger logrus.FieldLogger

	mu        sync.Mutex
	completed map[string]types.ToolResult // step-instance id -> observation, for idempotent replay
}

// New builds a Bridge.
func New(client AutomationClient, logger logrus.FieldLogger) *Bridge {
	return &Bridge{client: client, logger: logger, completed: make(map[string]types.ToolResult)}
}

// Execute dispatches plan's steps to the Automation service in dependency
// order. If the plan carries approval gates and approvalToken is empty, it
// returns ApprovalRequired without dispatching anything. Steps already
// completed for this step-instance id (tracked by a prior Execute call on
// the same Bridge, e.g. after a resumed/replayed request) are not
// re-executed. A step failure aborts the remaining steps unless that step's
// FailureHandling is "continue". On context cancellation, results already
// collected are returned alongside the cancellation error; results for
// steps still in flight are discarded.
func (b *Bridge) Execute(ctx context.Context, requestID string, plan types.Plan, approvalToken string) ([]types.ToolResult, error) {
	if len(plan.ApprovalGates) > 0 && approvalToken == "" {
		return nil, pipelineerrors.New(pipelineerrors.ErrorTypeApprovalRequired, "plan has approval gates but no approval_token was supplied").
			WithStage("executorbridge").WithRequestID(requestID)
	}

	order, err := plan.ExecutionOrder()
	if err != nil {
		return nil, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypePlanInvalid, "executorbridge: cannot determine an execution order").
			WithStage("executorbridge").WithRequestID(requestID)
	}

	byID := make(map[string]types.Step, len(plan.Steps))
	for _, s := range plan.Steps {
		byID[s.ID] = s
	}

	results := make([]types.ToolResult, 0, len(order))
	for _, id := range order {
		select {
		case <-ctx.Done():
			return results, pipelineerrors.Wrap(ctx.Err(), pipelineerrors.ErrorTypeCancelled, "executorbridge: request cancelled").
				WithStage("executorbridge").WithRequestID(requestID)
		default:
		}

		step := byID[id]

		if cached, ok := b.previouslyCompleted(id); ok {
			results = append(results, cached)
			continue
		}

		result, err := b.client.ExecuteStep(ctx, requestID, step)
		if err != nil {
			if ctx.Err() != nil {
				return results, pipelineerrors.Wrap(ctx.Err(), pipelineerrors.ErrorTypeCancelled, "executorbridge: request cancelled mid-step").
					WithStage("executorbridge").WithRequestID(requestID)
			}
			result = types.ToolResult{StepID: id, Tool: step.Tool, Success: false, Error: err.Error()}
			results = append(results, result)
			b.recordCompleted(id, result)
			if step.FailureHandling == types.FailureContinue {
				continue
			}
			b.logger.WithFields(logrus.Fields{"request_id": requestID, "step_id": id}).Warn("executorbridge: step failed, aborting remaining steps")
			return results, pipelineerrors.Wrapf(err, pipelineerrors.ErrorTypeUpstream, "executorbridge: step %q failed", id).
				WithStage("executorbridge").WithRequestID(requestID)
		}

		results = append(results, result)
		b.recordCompleted(id, result)
	}

	return results, nil
}

func (b *Bridge) previouslyCompleted(stepID string) (types.ToolResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.completed[stepID]
	return r, ok
}

func (b *Bridge) recordCompleted(stepID string, result types.ToolResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed[stepID] = result
}
