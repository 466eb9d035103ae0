package executorbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/types"
)

type fakeAutomationClient struct {
	executed []string
	fail     map[string]error
	delay    time.Duration
}

func newFakeAutomationClient() *fakeAutomationClient {
	return &fakeAutomationClient{fail: map[string]error{}}
}

func (f *fakeAutomationClient) ExecuteStep(ctx context.Context, requestID string, step types.Step) (types.ToolResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return types.ToolResult{}, ctx.Err()
		}
	}
	f.executed = append(f.executed, step.ID)
	if err, ok := f.fail[step.ID]; ok {
		return types.ToolResult{}, err
	}
	return types.ToolResult{StepID: step.ID, Tool: step.Tool, Success: true}, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func TestBridge_Execute_RequiresApprovalWhenGatesPresent(t *testing.T) {
	client := newFakeAutomationClient()
	b := New(client, testLogger())

	plan := types.Plan{
		RequestID: "r1",
		Steps:     []types.Step{{ID: "s1", Tool: "delete_volume"}},
		ApprovalGates: []types.ApprovalGate{
			{ID: "g1", Stage: types.SafetyBefore, CoversStep: "s1", Description: "confirm"},
		},
	}

	_, err := b.Execute(context.Background(), "r1", plan, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approval")
	assert.Empty(t, client.executed)
}

func TestBridge_Execute_DispatchesInDependencyOrder(t *testing.T) {
	client := newFakeAutomationClient()
	b := New(client, testLogger())

	plan := types.Plan{
		RequestID: "r2",
		Steps: []types.Step{
			{ID: "s2", Tool: "check_health", DependsOn: []string{"s1"}},
			{ID: "s1", Tool: "restart_service"},
		},
	}

	results, err := b.Execute(context.Background(), "r2", plan, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"s1", "s2"}, client.executed)
}

func TestBridge_Execute_AbortsRemainingStepsOnFailure(t *testing.T) {
	client := newFakeAutomationClient()
	client.fail["s1"] = errors.New("boom")
	b := New(client, testLogger())

	plan := types.Plan{
		RequestID: "r3",
		Steps: []types.Step{
			{ID: "s1", Tool: "restart_service"},
			{ID: "s2", Tool: "check_health", DependsOn: []string{"s1"}},
		},
	}

	results, err := b.Execute(context.Background(), "r3", plan, "")
	require.Error(t, err)
	assert.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, []string{"s1"}, client.executed)
}

func TestBridge_Execute_ContinuesPastAFailureMarkedContinue(t *testing.T) {
	client := newFakeAutomationClient()
	client.fail["s1"] = errors.New("boom")
	b := New(client, testLogger())

	plan := types.Plan{
		RequestID: "r4",
		Steps: []types.Step{
			{ID: "s1", Tool: "restart_service", FailureHandling: types.FailureContinue},
			{ID: "s2", Tool: "check_health"},
		},
	}

	results, err := b.Execute(context.Background(), "r4", plan, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Equal(t, []string{"s1", "s2"}, client.executed)
}

func TestBridge_Execute_DoesNotReExecuteCompletedSteps(t *testing.T) {
	client := newFakeAutomationClient()
	b := New(client, testLogger())

	plan := types.Plan{RequestID: "r5", Steps: []types.Step{{ID: "s1", Tool: "restart_service"}}}

	_, err := b.Execute(context.Background(), "r5", plan, "")
	require.NoError(t, err)
	_, err = b.Execute(context.Background(), "r5", plan, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"s1"}, client.executed, "the second Execute call should replay the cached observation, not re-dispatch")
}

func TestBridge_Execute_PreservesResultsCollectedBeforeCancellation(t *testing.T) {
	client := newFakeAutomationClient()
	client.delay = 50 * time.Millisecond
	b := New(client, testLogger())

	plan := types.Plan{
		RequestID: "r6",
		Steps: []types.Step{
			{ID: "s1", Tool: "restart_service"},
			{ID: "s2", Tool: "check_health", DependsOn: []string{"s1"}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	results, err := b.Execute(ctx, "r6", plan, "")
	require.Error(t, err)
	assert.LessOrEqual(t, len(results), 1)
}

func TestBridge_Execute_PlanWithApprovalGateAndToken(t *testing.T) {
	client := newFakeAutomationClient()
	b := New(client, testLogger())

	plan := types.Plan{
		RequestID: "r7",
		Steps:     []types.Step{{ID: "s1", Tool: "delete_volume"}},
		ApprovalGates: []types.ApprovalGate{
			{ID: "g1", Stage: types.SafetyBefore, CoversStep: "s1", Description: "confirm"},
		},
	}

	results, err := b.Execute(context.Background(), "r7", plan, "approved-token")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
