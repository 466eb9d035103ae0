// Package selector implements Stage B of the pipeline (spec §4.5): a
// deterministic scorer picks the minimal ordered set of catalog tools that
// can satisfy a classified Decision; an LLM call may optionally augment the
// result with justification text, but never replaces the scorer's verdict.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/catalog"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/prompt"
	sharedmath "github.com/opsconductor/opsconductor/pkg/shared/math"
	"github.com/opsconductor/opsconductor/pkg/types"
)

// selectThreshold is the score at or above which a tool is selected outright
// (spec §4.5).
const selectThreshold = 0.6

// clarificationThreshold is the score floor below which a tool isn't even
// offered as a clarification candidate.
const clarificationThreshold = 0.4

// maxClarificationCandidates bounds how many near-miss tools are surfaced
// when nothing clears selectThreshold.
const maxClarificationCandidates = 3

// Config tunes the selector's optional LLM augmentation.
type Config struct {
	// EnableLLMJustification asks the LLM to narrate the deterministic
	// selection (justification text, inputs_needed, dependency ordering)
	// after scoring has already decided which tools are in. A failure here
	// is non-fatal: the deterministic selection still stands.
	EnableLLMJustification bool
}

// Selector is Stage B.
type Selector struct {
	llmClient llm.ChatCompleter
	catalog   *catalog.Store
	cache     *cache.Manager
	config    Config
	logger    logrus.FieldLogger
}

// New builds a Selector.
func New(llmClient llm.ChatCompleter, catalogStore *catalog.Store, cacheManager *cache.Manager, config Config, logger logrus.FieldLogger) *Selector {
	return &Selector{llmClient: llmClient, catalog: catalogStore, cache: cacheManager, config: config, logger: logger}
}

// scoredTool is one catalog tool plus its spec §4.5 relevance score.
type scoredTool struct {
	tool  catalog.Tool
	score float64
}

// toolRiskRank orders a tool's own declared risk for tie-breaking; unknown
// or empty risk sorts as the lowest rank, same as "low".
func toolRiskRank(risk string) int {
	switch strings.ToLower(risk) {
	case "critical":
		return 3
	case "high":
		return 2
	case "medium":
		return 1
	default:
		return 0
	}
}

// targetsProduction reports whether decision's entities name a production
// environment, cluster, or namespace — the signal that gates the
// production_safe requirement (spec §4.5's Principles).
func targetsProduction(decision types.Decision) bool {
	for _, e := range decision.Entities {
		switch strings.ToLower(e.Type) {
		case "environment", "platform", "cluster", "namespace":
			v := strings.ToLower(e.Value)
			n := strings.ToLower(e.NormalizedValue)
			if strings.Contains(v, "prod") || strings.Contains(n, "prod") {
				return true
			}
		}
	}
	return false
}

// intentIsMutating reports whether the Decision's action itself requires a
// state change, so the least-privilege preference for read-only tools
// doesn't get applied when the intent can't actually be satisfied by one.
func intentIsMutating(decision types.Decision) bool {
	mutatingActions := []string{
		"delete", "drop", "destroy", "purge", "wipe", "restart", "scale",
		"deploy", "install", "upgrade", "modify", "change", "update", "grant", "revoke",
	}
	action := strings.ToLower(decision.Intent.Action)
	for _, m := range mutatingActions {
		if action == m || strings.Contains(action, m) {
			return true
		}
	}
	return false
}

// categoryMatch is the 0.5-weighted signal: 1.0 on an exact, case-insensitive
// category match, 0.0 otherwise.
func categoryMatch(tool catalog.Tool, decision types.Decision) float64 {
	if tool.Category == "" {
		return 0
	}
	if strings.EqualFold(tool.Category, decision.Intent.Category) {
		return 1
	}
	return 0
}

// entityCoverage is the 0.3-weighted signal: the fraction of the tool's
// required entity types that the Decision actually extracted. A tool with
// no required entity types is trivially satisfied.
func entityCoverage(tool catalog.Tool, decision types.Decision) float64 {
	if len(tool.RequiredEntityTypes) == 0 {
		return 1
	}
	have := make(map[string]bool, len(decision.Entities))
	for _, e := range decision.Entities {
		have[strings.ToLower(e.Type)] = true
	}
	matched := 0
	for _, required := range tool.RequiredEntityTypes {
		if have[strings.ToLower(required)] {
			matched++
		}
	}
	return float64(matched) / float64(len(tool.RequiredEntityTypes))
}

// platformCompat is the 0.2-weighted signal: whether the tool declares
// compatibility with the platform/environment entities the Decision
// extracted. A tool with no declared platform constraint is compatible with
// anything.
func platformCompat(tool catalog.Tool, decision types.Decision) float64 {
	if len(tool.Platforms) == 0 {
		return 1
	}
	for _, e := range decision.Entities {
		switch strings.ToLower(e.Type) {
		case "platform", "environment":
			for _, p := range tool.Platforms {
				if strings.EqualFold(p, e.Value) || strings.EqualFold(p, e.NormalizedValue) {
					return 1
				}
			}
		}
	}
	return 0
}

// score implements spec §4.5's weighted formula:
// S = 0.5*category_match + 0.3*entity_coverage + 0.2*platform_compat.
func score(tool catalog.Tool, decision types.Decision) float64 {
	s := 0.5*categoryMatch(tool, decision) + 0.3*entityCoverage(tool, decision) + 0.2*platformCompat(tool, decision)
	return sharedmath.Clamp(s, 0, 1)
}

// byTieBreak orders scored tools by spec §4.5's tie-break rule: lower risk
// first, then shorter expected duration, then lexicographic name.
type byTieBreak []scoredTool

func (b byTieBreak) Len() int      { return len(b) }
func (b byTieBreak) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b byTieBreak) Less(i, j int) bool {
	ri, rj := toolRiskRank(b[i].tool.Risk), toolRiskRank(b[j].tool.Risk)
	if ri != rj {
		return ri < rj
	}
	if b[i].tool.ExpectedDurationS != b[j].tool.ExpectedDurationS {
		return b[i].tool.ExpectedDurationS < b[j].tool.ExpectedDurationS
	}
	return b[i].tool.Name < b[j].tool.Name
}

// Select produces a ToolSelection for decision, consulting the stage-B cache first.
func (s *Selector) Select(ctx context.Context, decision types.Decision) (types.ToolSelection, error) {
	cat := s.catalog.Current()
	key := cache.Key(cache.NamespaceStageB, prompt.SelectorVersion, decision.Intent.Category, decision.Intent.Action, cache.CanonicalizeEntityKeys(entityTypeValues(decision.Entities)), fmt.Sprint(len(cat.Tools)))

	if raw, ok, err := s.cache.Get(ctx, cache.NamespaceStageB, key); err == nil && ok {
		var cached types.ToolSelection
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, nil
		}
	}

	selection := s.selectDeterministic(decision, cat)

	if s.config.EnableLLMJustification && len(selection.SelectedTools) > 0 {
		s.augmentWithLLM(ctx, decision, cat, &selection)
	}

	if err := selection.Validate(); err != nil {
		return types.ToolSelection{}, pipelineerrors.Wrap(err, pipelineerrors.ErrorTypeLLMProtocol, "selector: selection failed validation").WithStage("selector").WithRequestID(decision.RequestID)
	}

	if raw, jsonErr := json.Marshal(selection); jsonErr == nil {
		_ = s.cache.Set(ctx, cache.NamespaceStageB, key, raw)
	}

	return selection, nil
}

func entityTypeValues(entities []types.Entity) ([]string, []string) {
	entTypes := make([]string, len(entities))
	values := make([]string, len(entities))
	for i, e := range entities {
		entTypes[i] = e.Type
		values[i] = e.Value
	}
	return entTypes, values
}

// selectDeterministic runs spec §4.5's algorithm end to end: score every
// tool, apply the production_safe and least-privilege principles, then
// select, request clarification, or report unmet_capabilities.
func (s *Selector) selectDeterministic(decision types.Decision, cat *catalog.Catalog) types.ToolSelection {
	needsProductionSafe := targetsProduction(decision)

	scored := make([]scoredTool, 0, len(cat.Tools))
	for _, tool := range cat.Tools {
		sc := score(tool, decision)
		if needsProductionSafe && !tool.ProductionSafe {
			sc = 0
		}
		scored = append(scored, scoredTool{tool: tool, score: sc})
	}

	scored = applyLeastPrivilege(scored, decision)
	sort.Stable(byTieBreak(scored))

	var selected []scoredTool
	var candidates []scoredTool
	for _, st := range scored {
		switch {
		case st.score >= selectThreshold:
			selected = append(selected, st)
		case st.score >= clarificationThreshold:
			candidates = append(candidates, st)
		}
	}

	if len(selected) > 0 {
		return buildSelection(decision, selected, nil)
	}

	if len(candidates) > 0 {
		if len(candidates) > maxClarificationCandidates {
			candidates = candidates[:maxClarificationCandidates]
		}
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.tool.Name
		}
		sel := buildSelection(decision, nil, nil)
		sel.ClarificationNeeded = names
		return sel
	}

	return buildSelection(decision, nil, []string{decision.Intent.Category + "/" + decision.Intent.Action})
}

// applyLeastPrivilege drops a selectable mutating tool whenever a read-only
// tool in the same category also clears the threshold and the intent itself
// doesn't require mutation (spec §4.5's "prefer read-only tools when the
// intent permits").
func applyLeastPrivilege(scored []scoredTool, decision types.Decision) []scoredTool {
	if intentIsMutating(decision) {
		return scored
	}

	readOnlyByCategory := make(map[string]bool)
	for _, st := range scored {
		if st.score >= selectThreshold && st.tool.ReadOnly {
			readOnlyByCategory[strings.ToLower(st.tool.Category)] = true
		}
	}
	if len(readOnlyByCategory) == 0 {
		return scored
	}

	out := make([]scoredTool, 0, len(scored))
	for _, st := range scored {
		if st.score >= selectThreshold && !st.tool.ReadOnly && readOnlyByCategory[strings.ToLower(st.tool.Category)] {
			st.score = 0
		}
		out = append(out, st)
	}
	return out
}

// buildSelection assembles the final ToolSelection from the tools the
// deterministic pass selected, in tie-break order.
func buildSelection(decision types.Decision, selected []scoredTool, unmet []string) types.ToolSelection {
	tools := make([]types.SelectedTool, len(selected))
	scores := make([]float64, len(selected))
	approvalRequired := decision.RequiresApproval
	for i, st := range selected {
		tools[i] = types.SelectedTool{
			Name:           st.tool.Name,
			Justification:  fmt.Sprintf("category/entity/platform match score %.2f", st.score),
			ExecutionOrder: i,
			Score:          st.score,
		}
		scores[i] = st.score
		if toolRiskRank(st.tool.Risk) >= toolRiskRank("high") {
			approvalRequired = true
		}
		if targetsProduction(decision) && !st.tool.ReadOnly {
			approvalRequired = true
		}
	}

	return types.ToolSelection{
		RequestID:         decision.RequestID,
		SelectedTools:     tools,
		UnmetCapabilities: unmet,
		ApprovalRequired:  approvalRequired,
		OverallScore:      sharedmath.Mean(scores),
	}
}

type llmAugmentOutput struct {
	SelectedTools []struct {
		Name          string   `json:"name"`
		Justification string   `json:"justification"`
		InputsNeeded  []string `json:"inputs_needed"`
		DependsOn     []string `json:"depends_on"`
	} `json:"selected_tools"`
}

// augmentWithLLM asks the LLM to narrate the deterministic selection with
// justification text, inputs_needed, and a dependency ordering. It can only
// enrich tools already in selection.SelectedTools — it can neither add a
// tool the scorer didn't select nor change any Score.
func (s *Selector) augmentWithLLM(ctx context.Context, decision types.Decision, cat *catalog.Catalog, selection *types.ToolSelection) {
	decisionJSON, _ := json.Marshal(decision)
	catalogSummary := prompt.FormatCatalog(cat.Names(), cat.Descriptions())

	resp, err := s.llmClient.ChatCompletion(ctx, llm.ChatRequest{
		Messages:   []llm.ChatMessage{{Role: "user", Content: prompt.RenderSelector(catalogSummary, string(decisionJSON))}},
		MaxTokens:  500,
		JSONSchema: prompt.SelectorSchema,
	})
	if err != nil {
		s.logger.WithError(err).Warn("selector: LLM justification call failed, keeping deterministic selection unchanged")
		return
	}

	var out llmAugmentOutput
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		s.logger.WithError(err).Warn("selector: could not parse LLM justification output, keeping deterministic selection unchanged")
		return
	}

	byName := make(map[string]int, len(selection.SelectedTools))
	for i, t := range selection.SelectedTools {
		byName[t.Name] = i
	}
	for _, t := range out.SelectedTools {
		i, ok := byName[t.Name]
		if !ok {
			continue
		}
		if t.Justification != "" {
			selection.SelectedTools[i].Justification = t.Justification
		}
		if len(t.InputsNeeded) > 0 {
			selection.SelectedTools[i].InputsNeeded = t.InputsNeeded
		}
		if len(t.DependsOn) > 0 {
			selection.SelectedTools[i].DependsOn = t.DependsOn
		}
	}
}
