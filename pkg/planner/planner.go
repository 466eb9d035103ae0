// Package planner implements Stage C of the pipeline (spec §4.6): turning a
// ToolSelection into a concrete, validated, safe execution Plan.
package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/catalog"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/prompt"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// Planner is Stage C.
type Planner struct {
	llmClient llm.ChatCompleter
	catalog   *catalog.Store
	cache     *cache.Manager
	logger    logrus.FieldLogger
}

// New builds a Planner.
func New(llmClient llm.ChatCompleter, catalogStore *catalog.Store, cacheManager *cache.Manager, logger logrus.FieldLogger) *Planner {
	return &Planner{llmClient: llmClient, catalog: catalogStore, cache: cacheManager, logger: logger}
}

type llmPlanOutput struct {
	Steps []struct {
		ID                 string         `json:"id"`
		Description        string         `json:"description"`
		Tool               string         `json:"tool"`
		Inputs             map[string]any `json:"inputs"`
		Preconditions      []string       `json:"preconditions"`
		SuccessCriteria    []string       `json:"success_criteria"`
		FailureHandling    string         `json:"failure_handling"`
		EstimatedDurationS float64        `json:"estimated_duration_s"`
		DependsOn          []string       `json:"depends_on"`
		TargetsProduction  bool           `json:"targets_production"`
		Destructive        bool           `json:"destructive"`
	} `json:"steps"`
	SafetyChecks []struct {
		Check         string `json:"check"`
		Stage         string `json:"stage"`
		FailureAction string `json:"failure_action"`
	} `json:"safety_checks"`
	RollbackPlan []struct {
		StepID         string `json:"step_id"`
		RollbackAction string `json:"rollback_action"`
	} `json:"rollback_plan"`
	ApprovalGates []struct {
		ID          string `json:"id"`
		Stage       string `json:"stage"`
		CoversStep  string `json:"covers_step"`
		Description string `json:"description"`
	} `json:"approval_gates"`
	DataGaps []string `json:"data_gaps"`
}

// Plan produces a Plan for selection given the Decision it followed from,
// consulting the stage-C cache first. assetContexts is the Orchestrator's
// optional, pre-fetched AssetContext for the Decision's referenced entities
// (spec §4.6's "Input: Decision, ToolSelection, and optional AssetContext
// for referenced entities"); callers with nothing to hydrate may omit it.
func (p *Planner) Plan(ctx context.Context, decision types.Decision, selection types.ToolSelection, assetContexts ...types.AssetContext) (types.Plan, error) {
	key := cache.Key(cache.NamespaceStageC, prompt.PlannerVersion, decision.RequestID, fmt.Sprint(len(selection.SelectedTools)), fmt.Sprint(len(assetContexts)))

	if raw, ok, err := p.cache.Get(ctx, cache.NamespaceStageC, key); err == nil && ok {
		var cached types.Plan
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, nil
		}
	}

	plan, err := p.planViaLLM(ctx, decision, selection, assetContexts)
	if err != nil {
		return types.Plan{}, err
	}

	if raw, jsonErr := json.Marshal(plan); jsonErr == nil {
		_ = p.cache.Set(ctx, cache.NamespaceStageC, key, raw)
	}

	return plan, nil
}

// plannerInput is what gets rendered into the planner's prompt: the tool
// selection plus whatever asset context the Orchestrator pre-fetched for
// the entities the Decision referenced, so the LLM can ground step inputs
// (e.g. a deployment's namespace) instead of guessing them.
type plannerInput struct {
	Selection    types.ToolSelection  `json:"selection"`
	AssetContext []types.AssetContext `json:"asset_context,omitempty"`
}

func (p *Planner) planViaLLM(ctx context.Context, decision types.Decision, selection types.ToolSelection, assetContexts []types.AssetContext) (types.Plan, error) {
	inputJSON, _ := json.Marshal(plannerInput{Selection: selection, AssetContext: assetContexts})

	resp, err := p.llmClient.ChatCompletion(ctx, llm.ChatRequest{
		Messages:   []llm.ChatMessage{{Role: "user", Content: prompt.RenderPlanner(string(inputJSON))}},
		MaxTokens:  1500,
		JSONSchema: prompt.PlannerSchema,
	})
	if err != nil {
		return types.Plan{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeLLMUnavailable, "planner: LLM call failed").WithStage("planner").WithRequestID(decision.RequestID)
	}

	var out llmPlanOutput
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return types.Plan{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeLLMProtocol, "planner: could not parse LLM output").WithStage("planner").WithRequestID(decision.RequestID)
	}

	steps := make([]types.Step, len(out.Steps))
	for i, s := range out.Steps {
		steps[i] = types.Step{
			ID:                 s.ID,
			Description:        s.Description,
			Tool:               s.Tool,
			Inputs:             s.Inputs,
			Preconditions:      s.Preconditions,
			SuccessCriteria:    s.SuccessCriteria,
			FailureHandling:    types.FailureHandling(s.FailureHandling),
			EstimatedDurationS: s.EstimatedDurationS,
			DependsOn:          s.DependsOn,
			TargetsProduction:  s.TargetsProduction,
			Destructive:        s.Destructive,
		}
	}

	safetyChecks := make([]types.SafetyCheck, len(out.SafetyChecks))
	for i, c := range out.SafetyChecks {
		safetyChecks[i] = types.SafetyCheck{Check: c.Check, Stage: types.SafetyCheckStage(c.Stage), FailureAction: c.FailureAction}
	}

	rollback := make([]types.Rollback, len(out.RollbackPlan))
	for i, r := range out.RollbackPlan {
		rollback[i] = types.Rollback{StepID: r.StepID, RollbackAction: r.RollbackAction}
	}

	gates := make([]types.ApprovalGate, len(out.ApprovalGates))
	for i, g := range out.ApprovalGates {
		gates[i] = types.ApprovalGate{ID: g.ID, Stage: types.SafetyCheckStage(g.Stage), CoversStep: g.CoversStep, Description: g.Description}
	}

	plan := types.Plan{
		RequestID:      decision.RequestID,
		Steps:          steps,
		SafetyChecks:   safetyChecks,
		RollbackPlan:   rollback,
		ApprovalGates:  gates,
		FingerprintKey: cache.Key(cache.NamespaceStageC, decision.RequestID),
		DataGaps:       out.DataGaps,
	}

	if err := plan.Validate(); err != nil {
		return types.Plan{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypePlanInvalid, "planner: structurally invalid plan").WithStage("planner").WithRequestID(decision.RequestID)
	}

	if err := p.validateAgainstCatalog(plan, decision); err != nil {
		return types.Plan{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypePlanInvalid, "planner: plan failed catalog validation").WithStage("planner").WithRequestID(decision.RequestID)
	}

	return plan, nil
}

// riskAtLeastHigh reports whether r is high or critical (spec §4.6
// invariant 6 gates on "Decision's risk >= high", not on the step's own
// destructive flag).
func riskAtLeastHigh(r types.Risk) bool {
	return r == types.RiskHigh || r == types.RiskCritical
}

// validateAgainstCatalog enforces the catalog-dependent invariants
// types.Plan.Validate cannot check on its own: every step's tool must
// resolve, every destructive step must have a rollback entry, and every
// production step is covered by a stage=before approval gate whenever the
// Decision it was planned from carries high or critical risk.
func (p *Planner) validateAgainstCatalog(plan types.Plan, decision types.Decision) error {
	cat := p.catalog.Current()

	rollbackFor := make(map[string]bool, len(plan.RollbackPlan))
	for _, r := range plan.RollbackPlan {
		rollbackFor[r.StepID] = true
	}
	beforeGateFor := make(map[string]bool, len(plan.ApprovalGates))
	for _, g := range plan.ApprovalGates {
		if g.Stage == types.SafetyBefore {
			beforeGateFor[g.CoversStep] = true
		}
	}

	requireApprovalGate := riskAtLeastHigh(decision.Risk)

	for _, step := range plan.Steps {
		if _, ok := cat.ByName(step.Tool); !ok {
			return fmt.Errorf("step %q references unknown tool %q", step.ID, step.Tool)
		}
		if step.Destructive && !rollbackFor[step.ID] {
			return fmt.Errorf("destructive step %q has no rollback_plan entry", step.ID)
		}
		if step.TargetsProduction && requireApprovalGate && !beforeGateFor[step.ID] {
			return fmt.Errorf("production step %q under decision risk %q has no approval_gates entry with stage=before", step.ID, decision.Risk)
		}
	}
	return nil
}
