// Package prompt holds the versioned per-stage prompt templates Stage A/B/C/D
// render before calling the LLM Client, and the compact JSON schemas that
// constrain each stage's structured output.
package prompt

import (
	"fmt"
	"strings"
)

// Version identifies one revision of a stage's prompt template; bumped
// whenever the template text or its output schema changes so cached
// Decisions/Selections/Plans can be invalidated by version mismatch
// (spec §4.3's cache-key composition).
const (
	ClassifierVersion = "classifier-v1"
	SelectorVersion   = "selector-v1"
	PlannerVersion    = "planner-v1"
	AnswererVersion   = "answerer-v1"
)

// classifierIntentPrompt is step 2's first parallel call (spec §4.4): intent
// classification only, kept to a short completion (max_tokens=100) since it
// asks for nothing but a category/action pair.
const classifierIntentPrompt = `<|system|>
You classify the intent of an IT-operations request. Given the user's
free-text request, identify its category and action, and how confident you
are in that classification.

CRITICAL DECISION RULES:
- category/action should be short, lowercase, machine-usable tokens
  (e.g. category "deployment", action "restart").
- confidence must be a float in [0,1].
- Never invent information not present in the request text.

Respond with a single JSON object matching the provided schema, nothing else.
<|user|>
%s
<|assistant|>`

// classifierEntityPrompt is step 2's second parallel call (spec §4.4): entity
// extraction only, kept to a short completion (max_tokens=150).
const classifierEntityPrompt = `<|system|>
You extract named entities from an IT-operations request. Given the user's
free-text request, list every entity it references (hosts, services,
namespaces, identifiers, regions, and similar), with its span in the text.

CRITICAL DECISION RULES:
- Never invent entities that are not present in the request text.
- span_start/span_end are character offsets into the original request text.
- confidence must be a float in [0,1] per entity.

Respond with a single JSON object matching the provided schema, nothing else.
<|user|>
%s
<|assistant|>`

// classifierConfidenceBlendPrompt is step 4's conditional third call (spec
// §4.4): invoked only when the rule-based confidence/risk pass could not
// clear the cheap-path thresholds on its own, asking the LLM for its own
// confidence/risk read to blend with the rule-based one.
const classifierConfidenceBlendPrompt = `<|system|>
You are reviewing a rule-based risk and confidence assessment of an
IT-operations request that fell below the threshold for a cheap automatic
decision. Given the request, the classified intent, extracted entities, and
the rule-based assessment, give your own independent confidence and risk
read.

Rule-based assessment: confidence=%.2f risk=%s

CRITICAL DECISION RULES:
- confidence must be a float in [0,1].
- risk must be one of: low, medium, high, critical.
- Do not simply echo the rule-based assessment; form your own judgment from
  the request text.

Respond with a single JSON object matching the provided schema, nothing else.
<|user|>
%s
<|assistant|>`

const selectorSystemPrompt = `<|system|>
You are the tool-selection stage of an IT-operations assistant. Given a
classified Decision and the catalog of tools available below, choose the
minimal set of tools that can satisfy the user's intent, in dependency order.

AVAILABLE TOOLS:
%s

CRITICAL DECISION RULES:
- Every selected tool's depends_on entries must themselves be selected.
- execution_order must respect depends_on (a dependency's order is lower).
- List any capability the catalog cannot satisfy under unmet_capabilities.

Respond with a single JSON object matching the provided schema, nothing else.
<|user|>
%s
<|assistant|>`

const plannerSystemPrompt = `<|system|>
You are the planning stage of an IT-operations assistant. Given a tool
selection, produce a concrete, ordered, safe execution plan.

CRITICAL DECISION RULES:
- Every step's depends_on must form a DAG (no cycles).
- Any step marked destructive must have a corresponding entry in rollback_plan.
- Any step targeting a production asset with risk high or critical must be
  covered by an approval_gates entry.
- List anything you could not determine from available context under data_gaps.

Respond with a single JSON object matching the provided schema, nothing else.
<|user|>
%s
<|assistant|>`

const answererSystemPrompt = `<|system|>
You are the answer-synthesis stage of an IT-operations assistant. Given the
plan, its execution results (if any), and the original request, produce a
grounded natural-language answer.

CRITICAL DECISION RULES:
- Every factual claim must be traceable to a citation (a step_id, asset_id,
  or tool_call_id); list claims you could not ground under unverified_paragraphs.
- Do not restate raw tool output verbatim; summarize it.
- A step with no matching result has not run yet. Describe it in future or
  conditional tense ("will restart", "would restart") — never as something
  already done ("restarted", "has completed"). Only a step backed by a
  result may be described as completed.
- confidence reflects how well the available evidence supports the answer.

Respond with a single JSON object matching the provided schema, nothing else.
<|user|>
%s
<|assistant|>`

// RenderClassifierIntent fills the intent-classification template (spec
// §4.4 step 2, call 1) with the request body.
func RenderClassifierIntent(requestText string) string {
	return fmt.Sprintf(classifierIntentPrompt, requestText)
}

// RenderClassifierEntities fills the entity-extraction template (spec §4.4
// step 2, call 2) with the request body.
func RenderClassifierEntities(requestText string) string {
	return fmt.Sprintf(classifierEntityPrompt, requestText)
}

// RenderClassifierConfidenceBlend fills the conditional third-call template
// (spec §4.4 step 4) with the rule-based confidence/risk and the request body.
func RenderClassifierConfidenceBlend(requestText string, ruleConfidence float64, ruleRisk string) string {
	return fmt.Sprintf(classifierConfidenceBlendPrompt, ruleConfidence, ruleRisk, requestText)
}

// RenderSelector fills the selector template with the rendered catalog and
// the classified decision's summary.
func RenderSelector(catalogSummary, decisionSummary string) string {
	return fmt.Sprintf(selectorSystemPrompt, catalogSummary, decisionSummary)
}

// RenderPlanner fills the planner template with the tool selection summary.
func RenderPlanner(selectionSummary string) string {
	return fmt.Sprintf(plannerSystemPrompt, selectionSummary)
}

// RenderAnswerer fills the answerer template with the plan/result/request summary.
func RenderAnswerer(evidenceSummary string) string {
	return fmt.Sprintf(answererSystemPrompt, evidenceSummary)
}

// ClassifierIntentSchema constrains Stage A's intent-only call (step 2,
// call 1).
const ClassifierIntentSchema = `{
  "type": "object",
  "required": ["category", "action", "confidence"],
  "properties": {
    "category": {"type": "string"},
    "action": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

// ClassifierEntitySchema constrains Stage A's entity-only call (step 2,
// call 2).
const ClassifierEntitySchema = `{
  "type": "object",
  "required": ["entities"],
  "properties": {
    "entities": {"type": "array"}
  }
}`

// ClassifierConfidenceBlendSchema constrains Stage A's conditional third
// call (step 4).
const ClassifierConfidenceBlendSchema = `{
  "type": "object",
  "required": ["confidence", "risk"],
  "properties": {
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "risk": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
    "rationale": {"type": "string"}
  }
}`

// SelectorSchema is the compact JSON schema constraining Stage B's output.
const SelectorSchema = `{
  "type": "object",
  "required": ["selected_tools"],
  "properties": {
    "selected_tools": {"type": "array"},
    "unmet_capabilities": {"type": "array"},
    "approval_required": {"type": "boolean"},
    "clarification_needed": {"type": "array"}
  }
}`

// PlannerSchema is the compact JSON schema constraining Stage C's output.
const PlannerSchema = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {"type": "array"},
    "safety_checks": {"type": "array"},
    "rollback_plan": {"type": "array"},
    "approval_gates": {"type": "array"},
    "data_gaps": {"type": "array"}
  }
}`

// AnswererSchema is the compact JSON schema constraining Stage D's output.
const AnswererSchema = `{
  "type": "object",
  "required": ["text", "citations", "confidence"],
  "properties": {
    "text": {"type": "string"},
    "citations": {"type": "array"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "data_gaps": {"type": "array"},
    "unverified_paragraphs": {"type": "array"}
  }
}`

// FormatCatalog renders a tool catalog summary line-per-tool for inclusion
// in the selector prompt.
func FormatCatalog(names []string, descriptions []string) string {
	var b strings.Builder
	for i, name := range names {
		desc := ""
		if i < len(descriptions) {
			desc = descriptions[i]
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, desc)
	}
	return b.String()
}
