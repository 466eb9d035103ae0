// Package orchestrator implements the Orchestrator (spec §4.1): it owns a
// request's lifecycle end to end, sequencing Stage A through Stage E under
// per-stage deadlines, surfacing the typed error taxonomy, and assembling
// the final Response.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// The stage interfaces below are narrow seams matching each stage's real
// package-level type (*classifier.Classifier, *selector.Selector,
// *planner.Planner, *answerer.Answerer, *executorbridge.Bridge all satisfy
// them), so the Orchestrator can be driven by fakes in tests the same way
// pkg/llm.ChatCompleter lets the LLM stages be tested without a live model.

// ClassifierStage is Stage A.
type ClassifierStage interface {
	Classify(ctx context.Context, req types.Request) (types.Decision, error)
}

// SelectorStage is Stage B.
type SelectorStage interface {
	Select(ctx context.Context, decision types.Decision) (types.ToolSelection, error)
}

// PlannerStage is Stage C.
type PlannerStage interface {
	Plan(ctx context.Context, decision types.Decision, selection types.ToolSelection, assetContexts ...types.AssetContext) (types.Plan, error)
}

// AssetHydrator resolves a single entity value to its AssetContext. It is
// satisfied by *pkg/assets.Provider; the Orchestrator uses it to pre-fetch
// AssetContext for a Decision's entities before handing off to the Planner
// (spec §4.6's "optional AssetContext for referenced entities"). A nil
// AssetHydrator disables this best-effort enrichment entirely.
type AssetHydrator interface {
	Hydrate(ctx context.Context, assetID string) (types.AssetContext, error)
}

// AnswererStage is Stage D.
type AnswererStage interface {
	Answer(ctx context.Context, req types.Request, plan types.Plan, results []types.ToolResult) (types.Response, error)
}

// ExecutorStage is Stage E.
type ExecutorStage interface {
	Execute(ctx context.Context, requestID string, plan types.Plan, approvalToken string) ([]types.ToolResult, error)
}

// State names a point in the request lifecycle (spec §4.1's state machine).
type State string

const (
	StateReceived         State = "received"
	StateClassifying      State = "classifying"
	StateSelecting        State = "selecting"
	StatePlanning         State = "planning"
	StateAwaitingApproval State = "awaiting_approval"
	StateExecuting        State = "executing"
	StateAnswering        State = "answering"
	StateDone             State = "done"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// Deadlines holds the default per-stage timeout budget (spec §4.1).
type Deadlines struct {
	Classifier time.Duration
	Selector   time.Duration
	Planner    time.Duration
	Answerer   time.Duration
	Executor   time.Duration
}

// pending is the persisted stage artifact set for a request parked in
// awaiting_approval, so a later Resume call can rehydrate it (spec §4.1).
type pending struct {
	request   types.Request
	decision  types.Decision
	selection types.ToolSelection
	plan      types.Plan
}

// Orchestrator wires the four LLM stages and the Executor Bridge together.
type Orchestrator struct {
	classifier ClassifierStage
	selector   SelectorStage
	planner    PlannerStage
	answerer   AnswererStage
	executor   ExecutorStage
	deadlines  Deadlines
	logger     logrus.FieldLogger
	assets     AssetHydrator

	mu      sync.Mutex
	pending map[string]*pending
	states  map[string]State
}

// New builds an Orchestrator from its five stages and a deadline budget.
func New(
	classifierStage ClassifierStage,
	selectorStage SelectorStage,
	plannerStage PlannerStage,
	answererStage AnswererStage,
	executorStage ExecutorStage,
	deadlines Deadlines,
	logger logrus.FieldLogger,
) *Orchestrator {
	return &Orchestrator{
		classifier: classifierStage,
		selector:   selectorStage,
		planner:    plannerStage,
		answerer:   answererStage,
		executor:   executorStage,
		deadlines:  deadlines,
		logger:     logger,
		pending:    make(map[string]*pending),
		states:     make(map[string]State),
	}
}

// WithAssetHydrator enables the Orchestrator's best-effort asset-context
// pre-fetch ahead of Stage C. It returns the receiver for chaining at
// construction time.
func (o *Orchestrator) WithAssetHydrator(hydrator AssetHydrator) *Orchestrator {
	o.assets = hydrator
	return o
}

// State returns the last-observed lifecycle state for requestID, or
// StateReceived if nothing has been recorded (e.g. an unknown id).
func (o *Orchestrator) State(requestID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[requestID]; ok {
		return s
	}
	return StateReceived
}

func (o *Orchestrator) setState(requestID string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[requestID] = s
}

// Execute drives req through Stage A, B, C, and (if no approval gate is
// triggered) E and D, returning the final Response. If the Plan carries
// approval gates, Execute persists the stage artifacts under req.RequestID,
// sets the state to awaiting_approval, and returns ApprovalRequired; a
// later call to Resume with an approval token continues from Stage E.
func (o *Orchestrator) Execute(ctx context.Context, req types.Request) (types.Response, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return types.Response{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeValidation, "orchestrator: invalid request").WithRequestID(req.RequestID)
	}
	if !req.Deadline.IsZero() && !req.Deadline.After(start) {
		return types.Response{}, pipelineerrors.Wrap(ErrRequestExpired, pipelineerrors.ErrorTypeTimeout, "orchestrator: request deadline already elapsed").WithRequestID(req.RequestID)
	}

	o.setState(req.RequestID, StateClassifying)
	stageAStart := time.Now()
	decision, err := o.runClassifier(ctx, req)
	if err != nil {
		o.setState(req.RequestID, StateFailed)
		return types.Response{}, err
	}
	stageAMS := time.Since(stageAStart).Milliseconds()

	o.setState(req.RequestID, StateSelecting)
	stageBStart := time.Now()
	selection, err := o.runSelector(ctx, decision)
	if err != nil {
		o.setState(req.RequestID, StateFailed)
		return types.Response{}, err
	}
	stageBMS := time.Since(stageBStart).Milliseconds()

	o.setState(req.RequestID, StatePlanning)
	stageCStart := time.Now()
	assetContexts := o.hydrateAssetContext(ctx, decision)
	plan, err := o.runPlanner(ctx, decision, selection, assetContexts)
	if err != nil {
		o.setState(req.RequestID, StateFailed)
		return types.Response{}, err
	}
	stageCMS := time.Since(stageCStart).Milliseconds()

	if len(plan.ApprovalGates) > 0 {
		o.mu.Lock()
		o.pending[req.RequestID] = &pending{request: req, decision: decision, selection: selection, plan: plan}
		o.mu.Unlock()
		o.setState(req.RequestID, StateAwaitingApproval)
		return types.Response{}, pipelineerrors.New(pipelineerrors.ErrorTypeApprovalRequired, "plan requires approval before execution").
			WithStage("orchestrator").WithRequestID(req.RequestID)
	}

	return o.finish(ctx, req, decision, plan, "", start, stageAMS, stageBMS, stageCMS)
}

// Resume continues a request parked in awaiting_approval (spec §4.1): it
// rehydrates the persisted stage artifacts, executes the Plan with the
// given approval token, and produces the final Response.
func (o *Orchestrator) Resume(ctx context.Context, requestID, approvalToken string) (types.Response, error) {
	o.mu.Lock()
	p, ok := o.pending[requestID]
	if ok {
		delete(o.pending, requestID)
	}
	o.mu.Unlock()

	if !ok {
		return types.Response{}, pipelineerrors.New(pipelineerrors.ErrorTypeNotFound, "no request awaiting approval with this id").WithRequestID(requestID)
	}

	return o.finish(ctx, p.request, p.decision, p.plan, approvalToken, time.Now(), 0, 0, 0)
}

// Cancel drops any persisted awaiting_approval state for requestID.
// Cancellation of in-flight stage work is the caller's responsibility via
// the context passed to Execute/Resume (spec §5).
func (o *Orchestrator) Cancel(requestID string) {
	o.mu.Lock()
	delete(o.pending, requestID)
	o.mu.Unlock()
	o.setState(requestID, StateCancelled)
}

func (o *Orchestrator) finish(ctx context.Context, req types.Request, decision types.Decision, plan types.Plan, approvalToken string, start time.Time, stageAMS, stageBMS, stageCMS int64) (types.Response, error) {
	o.setState(req.RequestID, StateExecuting)
	stageEStart := time.Now()
	results, err := o.runExecutor(ctx, req.RequestID, plan, approvalToken)
	stageEMS := time.Since(stageEStart).Milliseconds()
	if err != nil && !pipelineerrors.IsType(err, pipelineerrors.ErrorTypeUpstream) {
		o.setState(req.RequestID, StateFailed)
		return types.Response{}, err
	}
	// Upstream execution failure is non-fatal to the response (spec §4.1):
	// the Answerer still describes the Plan, with whatever partial results
	// were collected before the failure.

	o.setState(req.RequestID, StateAnswering)
	stageDStart := time.Now()
	response, aerr := o.runAnswerer(ctx, req, plan, results)
	if aerr != nil {
		o.setState(req.RequestID, StateFailed)
		return types.Response{}, aerr
	}
	stageDMS := time.Since(stageDStart).Milliseconds()

	response.CacheHit = types.CacheHits{StageA: decision.Source == types.SourceCache}
	response.Timings = types.Timings{
		StageAMS: stageAMS,
		StageBMS: stageBMS,
		StageCMS: stageCMS,
		StageDMS: stageDMS,
		StageEMS: stageEMS,
		TotalMS:  time.Since(start).Milliseconds(),
	}

	o.setState(req.RequestID, StateDone)
	return response, nil
}

func (o *Orchestrator) runClassifier(ctx context.Context, req types.Request) (types.Decision, error) {
	stageCtx, cancel := o.withStageDeadline(ctx, o.deadlines.Classifier)
	defer cancel()
	return o.classifier.Classify(stageCtx, req)
}

func (o *Orchestrator) runSelector(ctx context.Context, decision types.Decision) (types.ToolSelection, error) {
	stageCtx, cancel := o.withStageDeadline(ctx, o.deadlines.Selector)
	defer cancel()
	return o.selector.Select(stageCtx, decision)
}

func (o *Orchestrator) runPlanner(ctx context.Context, decision types.Decision, selection types.ToolSelection, assetContexts []types.AssetContext) (types.Plan, error) {
	stageCtx, cancel := o.withStageDeadline(ctx, o.deadlines.Planner)
	defer cancel()
	return o.planner.Plan(stageCtx, decision, selection, assetContexts...)
}

// hydrateAssetContext best-effort resolves each of decision's entities
// against o.assets. Entities that aren't actually asset ids (most aren't)
// simply fail to resolve and are skipped rather than failing the request -
// this is an enrichment, not a required input (spec §4.6 calls it optional).
func (o *Orchestrator) hydrateAssetContext(ctx context.Context, decision types.Decision) []types.AssetContext {
	if o.assets == nil || len(decision.Entities) == 0 {
		return nil
	}
	contexts := make([]types.AssetContext, 0, len(decision.Entities))
	for _, entity := range decision.Entities {
		ac, err := o.assets.Hydrate(ctx, entity.Value)
		if err != nil {
			continue
		}
		contexts = append(contexts, ac)
	}
	return contexts
}

func (o *Orchestrator) runExecutor(ctx context.Context, requestID string, plan types.Plan, approvalToken string) ([]types.ToolResult, error) {
	stageCtx, cancel := o.withStageDeadline(ctx, o.deadlines.Executor)
	defer cancel()
	return o.executor.Execute(stageCtx, requestID, plan, approvalToken)
}

func (o *Orchestrator) runAnswerer(ctx context.Context, req types.Request, plan types.Plan, results []types.ToolResult) (types.Response, error) {
	stageCtx, cancel := o.withStageDeadline(ctx, o.deadlines.Answerer)
	defer cancel()
	return o.answerer.Answer(stageCtx, req, plan, results)
}

// withStageDeadline bounds ctx by budget, unless budget is zero (unbounded,
// used for Stage E per spec §4.1 "unbounded but with heartbeats").
func (o *Orchestrator) withStageDeadline(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

// EffectiveDeadlines shrinks the default per-stage budgets proportionally
// when their sum would exceed the request's remaining deadline (spec
// §4.1). Stage E is excluded from the proportional shrink since it is
// unbounded by design; only A/B/C/D share the request deadline.
func EffectiveDeadlines(defaults Deadlines, requestDeadline time.Duration) Deadlines {
	sum := defaults.Classifier + defaults.Selector + defaults.Planner + defaults.Answerer
	if sum <= requestDeadline || sum == 0 {
		return defaults
	}
	scale := float64(requestDeadline) / float64(sum)
	return Deadlines{
		Classifier: scaleDuration(defaults.Classifier, scale),
		Selector:   scaleDuration(defaults.Selector, scale),
		Planner:    scaleDuration(defaults.Planner, scale),
		Answerer:   scaleDuration(defaults.Answerer, scale),
		Executor:   defaults.Executor,
	}
}

func scaleDuration(d time.Duration, scale float64) time.Duration {
	return time.Duration(float64(d) * scale)
}

// ErrRequestExpired is returned when a caller passes a request whose
// deadline has already elapsed at ingress.
var ErrRequestExpired = fmt.Errorf("request deadline already elapsed")
