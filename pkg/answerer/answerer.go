// Package answerer implements Stage D of the pipeline (spec §4.7):
// synthesizing a grounded, cited natural-language answer from a Plan and
// its execution results (if any).
package answerer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/prompt"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// Answerer is Stage D.
type Answerer struct {
	llmClient llm.ChatCompleter
	logger    logrus.FieldLogger
}

// New builds an Answerer.
func New(llmClient llm.ChatCompleter, logger logrus.FieldLogger) *Answerer {
	return &Answerer{llmClient: llmClient, logger: logger}
}

type llmAnswerOutput struct {
	Text      string `json:"text"`
	Citations []struct {
		StepID     string `json:"step_id"`
		AssetID    string `json:"asset_id"`
		ToolCallID string `json:"tool_call_id"`
	} `json:"citations"`
	Confidence           float64  `json:"confidence"`
	DataGaps             []string `json:"data_gaps"`
	UnverifiedParagraphs []string `json:"unverified_paragraphs"`
}

// evidence is the structured summary the answerer prompt renders.
type evidence struct {
	Request types.Request      `json:"request"`
	Plan    types.Plan         `json:"plan"`
	Results []types.ToolResult `json:"results"`
}

// Answer synthesizes a Response. The caller (the Orchestrator) fills in
// Timings and CacheHit once every stage has reported its own duration and
// cache outcome; Answer only populates the fields Stage D itself owns.
func (a *Answerer) Answer(ctx context.Context, req types.Request, plan types.Plan, results []types.ToolResult) (types.Response, error) {
	ev := evidence{Request: req, Plan: plan, Results: results}
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return types.Response{}, fmt.Errorf("answerer: encode evidence: %w", err)
	}

	resp, err := a.llmClient.ChatCompletion(ctx, llm.ChatRequest{
		Messages:   []llm.ChatMessage{{Role: "user", Content: prompt.RenderAnswerer(string(evJSON))}},
		MaxTokens:  800,
		JSONSchema: prompt.AnswererSchema,
	})
	if err != nil {
		return types.Response{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeLLMUnavailable, "answerer: LLM call failed").WithStage("answerer").WithRequestID(req.RequestID)
	}

	var out llmAnswerOutput
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return types.Response{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeLLMProtocol, "answerer: could not parse LLM output").WithStage("answerer").WithRequestID(req.RequestID)
	}

	citations := make([]types.Citation, len(out.Citations))
	knownSteps := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		knownSteps[s.ID] = true
	}
	executedSteps := make(map[string]bool, len(results))
	for _, r := range results {
		executedSteps[r.StepID] = true
	}

	var unverified []string
	unverified = append(unverified, out.UnverifiedParagraphs...)

	for i, c := range out.Citations {
		citations[i] = types.Citation{StepID: c.StepID, AssetID: c.AssetID, ToolCallID: c.ToolCallID}
		if c.StepID == "" {
			continue
		}
		if !knownSteps[c.StepID] {
			a.logger.WithField("step_id", c.StepID).Warn("answerer: citation references a step not in the plan")
			continue
		}
		if !executedSteps[c.StepID] {
			// The plan named this step but no tool_result backs it: the
			// answer cannot have grounds to call it done yet.
			a.logger.WithField("step_id", c.StepID).Warn("answerer: citation claims a step that has not executed")
			unverified = append(unverified, fmt.Sprintf("citation for step %q has no matching tool_result", c.StepID))
		}
	}

	response := types.Response{
		RequestID:  req.RequestID,
		Text:       out.Text,
		Citations:  citations,
		Confidence: out.Confidence,
		DataGaps:   out.DataGaps,
		Unverified: unverified,
		TokenUsage: types.TokenUsage{Prompt: resp.PromptTokens, Completion: resp.CompletionTokens},
	}

	return response, nil
}
