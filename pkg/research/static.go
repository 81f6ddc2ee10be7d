package research

import (
	"strings"
	"time"
)

// keywordRule maps trigger phrases to a risk.
type keywordRule struct {
	triggers []string
	risk     Risk
	guidance string
	apply    func(*RiskAssessment)
}

//nolint:gochecknoglobals // static rule table
var keywordRules = []keywordRule{
	{
		triggers: []string{"security", "vulnerability", "vulnerabilities", "sql injection", "xss", "csrf", "secret", "credential"},
		risk:     Risk{Type: "security", Severity: ImpactHigh, Description: "Task touches security-sensitive behaviour"},
		guidance: "Validate and sanitise all external input; never log credentials; add tests for malicious input",
		apply:    func(r *RiskAssessment) { r.SecurityImpact = ImpactHigh },
	},
	{
		triggers: []string{"performance", "slow", "latency", "memory leak", "timeout"},
		risk:     Risk{Type: "performance", Severity: ImpactMedium, Description: "Task may affect runtime performance"},
		guidance: "Measure before and after the change; avoid unbounded loops and blocking calls on hot paths",
		apply: func(r *RiskAssessment) {
			if r.PerformanceImpact != ImpactHigh {
				r.PerformanceImpact = ImpactMedium
			}
		},
	},
	{
		triggers: []string{"breaking", "major refactor", "migration", "rewrite"},
		risk:     Risk{Type: "compatibility", Severity: ImpactHigh, Description: "Task may break existing consumers"},
		guidance: "Keep the public interface stable or document the break; bump the major version",
		apply: func(r *RiskAssessment) {
			r.Complexity = ImpactHigh
			r.BreakingChanges = true
		},
	},
}

// AssessRisk classifies text by keyword matching. Matching is
// case-insensitive; dimensions with no match are low.
func AssessRisk(text string) RiskAssessment {
	lower := strings.ToLower(text)
	assessment := RiskAssessment{
		SecurityImpact:    ImpactLow,
		PerformanceImpact: ImpactLow,
		Complexity:        ImpactLow,
	}
	for _, rule := range keywordRules {
		if matchesAny(lower, rule.triggers) {
			rule.apply(&assessment)
			assessment.Risks = append(assessment.Risks, rule.risk)
		}
	}
	return assessment
}

func matchesAny(text string, triggers []string) bool {
	for _, t := range triggers {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// StaticAnalysis produces a research context without the research service.
// It is deterministic and always returns at least one finding.
func StaticAnalysis(issue Issue) *Context {
	text := issue.Title + " " + issue.Description + " " + strings.Join(issue.Keywords, " ")
	lower := strings.ToLower(text)

	rc := &Context{
		Query:     BuildQuery(issue),
		Risk:      AssessRisk(text),
		Source:    StaticAnalysisSource,
		Fallback:  true,
		Collected: time.Now().UTC(),
	}

	for _, rule := range keywordRules {
		if !matchesAny(lower, rule.triggers) {
			continue
		}
		rc.Findings = append(rc.Findings, Finding{
			Content:  rule.risk.Description,
			Source:   StaticAnalysisSource,
			Category: rule.risk.Type,
		})
		rc.Guidance = append(rc.Guidance, rule.guidance)
	}

	if terms := ExtractKeyTerms(text); len(terms) > 0 {
		rc.Findings = append(rc.Findings, Finding{
			Content:  "Key concepts to cover: " + strings.Join(terms, ", "),
			Source:   StaticAnalysisSource,
			Category: "scope",
		})
	}
	if len(rc.Findings) == 0 {
		rc.Findings = append(rc.Findings, Finding{
			Content:  "No specific risks detected; follow standard implementation practices",
			Source:   StaticAnalysisSource,
			Category: "general",
		})
	}
	rc.Guidance = append(rc.Guidance,
		"Start with a minimal working implementation and a passing test suite",
		"Keep type checking strict and lint clean before adding features")
	return rc
}
