// Package classifier implements Stage A of the pipeline (spec §4.4): two
// parallel LLM calls for intent and entities, a rule-based confidence/risk
// floor layered under them, and a conditional third LLM call when the rule
// pass alone isn't confident enough to short-circuit.
package classifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/prompt"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// ruleConfidenceFloor is the threshold below which the rule pass alone isn't
// confident enough to skip the conditional third LLM call (spec §4.4 step 4).
const ruleConfidenceFloor = 0.6

// fallbackConfidenceFloor is the higher bar a step-4 failure must clear
// before AllowRuleOnlyRiskOnLLMOutage may substitute a rule-only Decision;
// it is deliberately stricter than ruleConfidenceFloor.
const fallbackConfidenceFloor = 0.8

// Config tunes the classifier's behavior.
type Config struct {
	// AllowRuleOnlyRiskOnLLMOutage gates the degraded-mode path for a failed
	// conditional third call (step 4) only. Step 2's parallel intent/entity
	// calls are mandatory and never have a fallback: if either fails, Classify
	// always returns LLMUnavailable regardless of this setting.
	AllowRuleOnlyRiskOnLLMOutage bool
}

// intentOutput mirrors prompt.ClassifierIntentSchema.
type intentOutput struct {
	Category   string  `json:"category"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// entityOutput mirrors prompt.ClassifierEntitySchema.
type entityOutput struct {
	Entities []struct {
		Type            string  `json:"type"`
		Value           string  `json:"value"`
		Confidence      float64 `json:"confidence"`
		NormalizedValue string  `json:"normalized_value"`
		SpanStart       int     `json:"span_start"`
		SpanEnd         int     `json:"span_end"`
	} `json:"entities"`
}

// confidenceBlendOutput mirrors prompt.ClassifierConfidenceBlendSchema.
type confidenceBlendOutput struct {
	Confidence float64 `json:"confidence"`
	Risk       string  `json:"risk"`
	Rationale  string  `json:"rationale"`
}

// confidenceBlend is step 4's already-blended result: confidence combines
// the rule and LLM reads, risk and rationale come straight from the LLM.
type confidenceBlend struct {
	Confidence float64
	Risk       types.Risk
	Rationale  string
}

// Classifier is Stage A.
type Classifier struct {
	llmClient llm.ChatCompleter
	cache     *cache.Manager
	config    Config
	logger    logrus.FieldLogger
}

// New builds a Classifier.
func New(llmClient llm.ChatCompleter, cacheManager *cache.Manager, config Config, logger logrus.FieldLogger) *Classifier {
	return &Classifier{llmClient: llmClient, cache: cacheManager, config: config, logger: logger}
}

// Classify produces a Decision for req, consulting the stage-A cache first.
func (c *Classifier) Classify(ctx context.Context, req types.Request) (types.Decision, error) {
	canonicalText := cache.CanonicalizeText(req.Text)
	key := cache.Key(cache.NamespaceStageA, prompt.ClassifierVersion, canonicalText)

	if raw, ok, err := c.cache.Get(ctx, cache.NamespaceStageA, key); err == nil && ok {
		var cached types.Decision
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			cached.Source = types.SourceCache
			return cached, nil
		}
	}

	decision, err := c.classify(ctx, req)
	if err != nil {
		return types.Decision{}, err
	}

	if raw, jsonErr := json.Marshal(decision); jsonErr == nil {
		_ = c.cache.Set(ctx, cache.NamespaceStageA, key, raw)
	}

	return decision, nil
}

// classify runs spec §4.4's steps 2-4: the two mandatory parallel calls,
// the rule-based assessment, and the conditional third call.
func (c *Classifier) classify(ctx context.Context, req types.Request) (types.Decision, error) {
	intent, entities, err := c.classifyIntentAndEntities(ctx, req)
	if err != nil {
		// Step 2 is mandatory: a failure here is always LLMUnavailable (or
		// LLMProtocol for a parse failure), never a rule-only substitute.
		return types.Decision{}, err
	}

	ruleRisk := assessRuleRisk(req.Text)
	ruleConf := ruleConfidence(intent.Confidence, req.Text, entities)

	if ruleConf >= ruleConfidenceFloor && ruleRisk != types.RiskMedium {
		return types.Decision{
			RequestID:         req.RequestID,
			Intent:            types.Intent{Category: intent.Category, Action: intent.Action},
			Entities:          entities,
			OverallConfidence: ruleConf,
			Risk:              ruleRisk,
			RequiresApproval:  ruleRisk == types.RiskCritical || ruleRisk == types.RiskHigh,
			Source:            types.SourceHybrid,
			Rationale:         "rule-based confidence/risk assessment met the threshold; no second opinion requested",
			CreatedAt:         time.Now(),
		}, nil
	}

	blend, err := c.blendConfidence(ctx, req, ruleConf, ruleRisk)
	if err != nil {
		if c.config.AllowRuleOnlyRiskOnLLMOutage && ruleConf >= fallbackConfidenceFloor && ruleRisk != types.RiskMedium {
			c.logger.WithError(err).Warn("classifier: confidence-blend call unavailable, falling back to rule-only risk assessment")
			return types.Decision{
				RequestID:         req.RequestID,
				Intent:            types.Intent{Category: intent.Category, Action: intent.Action},
				Entities:          entities,
				OverallConfidence: ruleConf,
				Risk:              ruleRisk,
				RequiresApproval:  ruleRisk == types.RiskCritical || ruleRisk == types.RiskHigh,
				Source:            types.SourceRule,
				Rationale:         "confidence-blend call unavailable: risk assessed from keyword rules only",
				CreatedAt:         time.Now(),
			}, nil
		}
		return types.Decision{}, err
	}

	finalRisk := escalateRisk(ruleRisk, blend.Risk)
	decision := types.Decision{
		RequestID:         req.RequestID,
		Intent:            types.Intent{Category: intent.Category, Action: intent.Action},
		Entities:          entities,
		OverallConfidence: blend.Confidence,
		Risk:              finalRisk,
		RequiresApproval:  finalRisk == types.RiskCritical || finalRisk == types.RiskHigh,
		Source:            types.SourceHybrid,
		Rationale:         blend.Rationale,
		CreatedAt:         time.Now(),
	}

	if err := decision.Validate(); err != nil {
		return types.Decision{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeLLMProtocol, "classifier: blended decision failed validation").WithStage("classifier").WithRequestID(req.RequestID)
	}

	return decision, nil
}

// classifyIntentAndEntities runs spec §4.4 step 2: two independent LLM
// calls, fanned out with errgroup and joined, never issued sequentially.
func (c *Classifier) classifyIntentAndEntities(ctx context.Context, req types.Request) (intentOutput, []types.Entity, error) {
	var intent intentOutput
	var entities []types.Entity

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		resp, err := c.llmClient.ChatCompletion(gctx, llm.ChatRequest{
			Messages:   []llm.ChatMessage{{Role: "user", Content: prompt.RenderClassifierIntent(req.Text)}},
			MaxTokens:  100,
			JSONSchema: prompt.ClassifierIntentSchema,
		})
		if err != nil {
			return pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeLLMUnavailable, "classifier: intent call failed").WithStage("classifier").WithRequestID(req.RequestID)
		}
		if jsonErr := json.Unmarshal([]byte(resp.Content), &intent); jsonErr != nil {
			return pipelineerrors.Wrap(jsonErr, pipelineerrors.ErrorTypeLLMProtocol, "classifier: could not parse intent output").WithStage("classifier").WithRequestID(req.RequestID)
		}
		return nil
	})

	g.Go(func() error {
		resp, err := c.llmClient.ChatCompletion(gctx, llm.ChatRequest{
			Messages:   []llm.ChatMessage{{Role: "user", Content: prompt.RenderClassifierEntities(req.Text)}},
			MaxTokens:  150,
			JSONSchema: prompt.ClassifierEntitySchema,
		})
		if err != nil {
			return pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeLLMUnavailable, "classifier: entity call failed").WithStage("classifier").WithRequestID(req.RequestID)
		}
		var out entityOutput
		if jsonErr := json.Unmarshal([]byte(resp.Content), &out); jsonErr != nil {
			return pipelineerrors.Wrap(jsonErr, pipelineerrors.ErrorTypeLLMProtocol, "classifier: could not parse entity output").WithStage("classifier").WithRequestID(req.RequestID)
		}
		entities = make([]types.Entity, len(out.Entities))
		for i, e := range out.Entities {
			entities[i] = types.Entity{
				Type:            e.Type,
				Value:           e.Value,
				Confidence:      e.Confidence,
				NormalizedValue: e.NormalizedValue,
				SpanStart:       e.SpanStart,
				SpanEnd:         e.SpanEnd,
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return intentOutput{}, nil, err
	}
	return intent, entities, nil
}

// blendConfidence runs spec §4.4 step 4: the conditional third call,
// invoked only when the rule pass could not clear the cheap-path
// thresholds on its own.
func (c *Classifier) blendConfidence(ctx context.Context, req types.Request, ruleConf float64, ruleRisk types.Risk) (confidenceBlend, error) {
	resp, err := c.llmClient.ChatCompletion(ctx, llm.ChatRequest{
		Messages:   []llm.ChatMessage{{Role: "user", Content: prompt.RenderClassifierConfidenceBlend(req.Text, ruleConf, string(ruleRisk))}},
		MaxTokens:  100,
		JSONSchema: prompt.ClassifierConfidenceBlendSchema,
	})
	if err != nil {
		return confidenceBlend{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeLLMUnavailable, "classifier: confidence-blend call failed").WithStage("classifier").WithRequestID(req.RequestID)
	}

	var out confidenceBlendOutput
	if jsonErr := json.Unmarshal([]byte(resp.Content), &out); jsonErr != nil {
		return confidenceBlend{}, pipelineerrors.Wrap(jsonErr, pipelineerrors.ErrorTypeLLMProtocol, "classifier: could not parse confidence-blend output").WithStage("classifier").WithRequestID(req.RequestID)
	}

	risk := types.Risk(out.Risk)
	if riskRank(risk) == 0 && risk != types.RiskLow {
		risk = types.RiskLow
	}

	return confidenceBlend{
		Confidence: 0.4*ruleConf + 0.6*clamp01(out.Confidence),
		Risk:       risk,
		Rationale:  out.Rationale,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
