package extract

import (
	"github.com/propfolio/billintake/internal/model"
)

// IsURLAllowed reports whether a URL passes the guardrail domain
// allowlist. This must run before any autonomous browsing step; a
// disallowed URL is a hard stop, not a warning.
func IsURLAllowed(rawURL string, g model.Guardrails) bool {
	return g.AllowsURL(rawURL)
}

// ResolveGuardrails merges a rule's agentic config over the process-wide
// defaults. Zero values in the rule keep the default; a non-nil
// AllowedDomains in the rule replaces the default list entirely.
func ResolveGuardrails(defaults model.Guardrails, rule model.ExtractionRule) model.Guardrails {
	out := defaults
	if rule.Lane3Config == nil || rule.Lane3Config.AgenticConfig == nil {
		return out
	}

	ac := rule.Lane3Config.AgenticConfig
	if ac.MaxSteps > 0 {
		out.MaxSteps = ac.MaxSteps
	}
	if ac.MaxTime > 0 {
		out.MaxTime = ac.MaxTime
	}
	if ac.AllowedDomains != nil {
		out.AllowedDomains = ac.AllowedDomains
	}
	return out
}
