package classifier

import (
	"regexp"
	"strings"

	"github.com/opsconductor/opsconductor/pkg/types"
)

// destructiveVerbs imply RiskCritical regardless of what they act on: these
// are operations a rollback cannot undo.
var destructiveVerbs = []string{
	"drop database", "delete volume", "format disk", "rm -rf",
	"wipe", "purge", "destroy", "decommission",
}

// productionNouns name a target whose mutation the rule pass treats as
// higher-stakes than the same verb against a non-production target.
var productionNouns = []string{
	"production", "prod", "security", "database", "credential", "secret", "cluster",
}

// mutatingVerbs change state, as opposed to merely reading it.
var mutatingVerbs = []string{
	"delete", "terminate", "shutdown", "grant", "revoke", "modify", "change", "update", "write",
}

// serviceVerbs are routine operational actions: RiskMedium on their own,
// escalated to RiskHigh only when paired with a production/security noun.
var serviceVerbs = []string{
	"restart", "scale", "deploy", "config", "configure", "install", "upgrade",
}

// readOnlyVerbs never escalate risk above RiskLow on their own.
var readOnlyVerbs = []string{
	"show", "list", "get", "check", "view", "describe", "status",
}

// assessRuleRisk implements spec §4.4's risk rubric: destructive verbs imply
// critical; a production/security/database noun combined with a mutating
// verb implies high; the routine service verbs imply medium; anything
// read-only, or matching nothing, implies low.
func assessRuleRisk(text string) types.Risk {
	lower := strings.ToLower(text)

	for _, v := range destructiveVerbs {
		if strings.Contains(lower, v) {
			return types.RiskCritical
		}
	}

	hasProductionNoun := containsAny(lower, productionNouns)
	hasMutatingVerb := containsAny(lower, mutatingVerbs)
	if hasProductionNoun && hasMutatingVerb {
		return types.RiskHigh
	}

	if containsAny(lower, serviceVerbs) {
		if hasProductionNoun {
			return types.RiskHigh
		}
		return types.RiskMedium
	}

	if containsAny(lower, readOnlyVerbs) {
		return types.RiskLow
	}

	// Nothing in the rubric matched; stay conservative only if the text
	// contains a mutating verb with no recognized noun.
	if hasMutatingVerb {
		return types.RiskMedium
	}

	return types.RiskLow
}

func containsAny(text string, candidates []string) bool {
	for _, c := range candidates {
		if strings.Contains(text, c) {
			return true
		}
	}
	return false
}

func riskRank(r types.Risk) int {
	switch r {
	case types.RiskCritical:
		return 3
	case types.RiskHigh:
		return 2
	case types.RiskMedium:
		return 1
	default:
		return 0
	}
}

// escalateRisk returns the higher of a and b.
func escalateRisk(a, b types.Risk) types.Risk {
	if riskRank(b) > riskRank(a) {
		return b
	}
	return a
}

// identifierPattern matches tokens that look like machine identifiers
// (hostnames, resource ids, version strings) rather than plain words: a
// run of letters/digits containing at least one digit and one of ".", "-",
// or "_", or a bare run of 4+ digits.
var identifierPattern = regexp.MustCompile(`[a-zA-Z0-9]*\d[a-zA-Z0-9]*[._-][a-zA-Z0-9._-]+|\d{4,}`)

// entityCoverage returns the fraction of text's characters spanned by
// extracted entities, clamped to [0,1] (spec §4.4's confidence formula,
// 0.3 weight). Overlapping spans are not double-counted.
func entityCoverage(text string, entities []types.Entity) float64 {
	if len(text) == 0 || len(entities) == 0 {
		return 0
	}
	covered := make([]bool, len(text))
	for _, e := range entities {
		start, end := e.SpanStart, e.SpanEnd
		if start < 0 {
			start = 0
		}
		if end > len(text) {
			end = len(text)
		}
		for i := start; i < end; i++ {
			covered[i] = true
		}
	}
	count := 0
	for _, c := range covered {
		if c {
			count++
		}
	}
	coverage := float64(count) / float64(len(text))
	if coverage > 1 {
		return 1
	}
	return coverage
}

// identifierPresence returns 1.0 if any extracted entity's value looks like
// a machine identifier, 0.0 otherwise (spec §4.4's confidence formula, 0.2
// weight).
func identifierPresence(entities []types.Entity) float64 {
	for _, e := range entities {
		if identifierPattern.MatchString(e.Value) || identifierPattern.MatchString(e.NormalizedValue) {
			return 1.0
		}
	}
	return 0.0
}

// ruleConfidence blends intent confidence, entity coverage, and identifier
// presence into the rule-based confidence score (spec §4.4's weighted
// formula: 0.5 intent-confidence + 0.3 entity coverage + 0.2 identifier
// presence).
func ruleConfidence(intentConfidence float64, text string, entities []types.Entity) float64 {
	return 0.5*intentConfidence + 0.3*entityCoverage(text, entities) + 0.2*identifierPresence(entities)
}
