package model

import (
	"net/url"
	"strings"
	"time"
)

// Lane3Method controls how deep the fallback cascade may go for a rule.
type Lane3Method string

const (
	// Lane3MethodNone disables both portal lanes: attachments and direct
	// links only.
	Lane3MethodNone Lane3Method = "none"
	// Lane3MethodPin enables the PIN portal lane but not the agentic one.
	Lane3MethodPin Lane3Method = "pin"
	// Lane3MethodAgentic enables the full cascade. An empty method behaves
	// the same.
	Lane3MethodAgentic Lane3Method = "agentic"
)

// AgenticConfig bounds an autonomous browsing session. Zero values fall
// back to the process-wide guardrail defaults.
type AgenticConfig struct {
	MaxSteps       int      `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	MaxTime        int      `json:"max_time,omitempty" yaml:"max_time,omitempty"` // seconds
	AllowedDomains []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty"`
}

// Lane3Config controls whether and how the portal lanes run.
type Lane3Config struct {
	Method        Lane3Method    `json:"method,omitempty" yaml:"method,omitempty"`
	AgenticConfig *AgenticConfig `json:"agentic_config,omitempty" yaml:"agentic_config,omitempty"`
}

// ExtractionRule is the per-sender configuration owned by the external
// rule-management subsystem. Read-only to the pipeline.
type ExtractionRule struct {
	ExtractForInvoice bool `json:"extract_for_invoice" yaml:"extract_for_invoice"`
	ExtractForPayment bool `json:"extract_for_payment" yaml:"extract_for_payment"`

	InvoiceInstruction string `json:"invoice_instruction,omitempty" yaml:"invoice_instruction,omitempty"`
	PaymentInstruction string `json:"payment_instruction,omitempty" yaml:"payment_instruction,omitempty"`

	InvoiceExtractionConfig map[string]any `json:"invoice_extraction_config,omitempty" yaml:"invoice_extraction_config,omitempty"`
	PaymentExtractionConfig map[string]any `json:"payment_extraction_config,omitempty" yaml:"payment_extraction_config,omitempty"`

	// PinPattern is an optional rule-supplied regex whose first capture
	// group is the access PIN. Used as the first fallback after the AI pass.
	PinPattern string `json:"pin_pattern,omitempty" yaml:"pin_pattern,omitempty"`

	// PortalURL overrides portal-link discovery in the email body for the
	// PIN portal lane.
	PortalURL string `json:"portal_url,omitempty" yaml:"portal_url,omitempty"`

	Lane3Config *Lane3Config `json:"lane3_config,omitempty" yaml:"lane3_config,omitempty"`
}

// Lane3Method returns the effective cascade method for the rule.
func (r *ExtractionRule) Lane3Method() Lane3Method {
	if r == nil || r.Lane3Config == nil {
		return Lane3MethodAgentic
	}
	return r.Lane3Config.Method
}

// Guardrails bound autonomous browsing: step count, wall-clock time and a
// domain allowlist. An empty AllowedDomains means no restriction.
type Guardrails struct {
	MaxSteps       int      `json:"max_steps"`
	MaxTime        int      `json:"max_time"` // seconds
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// MaxDuration returns MaxTime as a duration.
func (g Guardrails) MaxDuration() time.Duration {
	return time.Duration(g.MaxTime) * time.Second
}

// AllowsURL reports whether the URL's host is covered by the allowlist.
// An empty allowlist allows any valid URL; a non-empty list requires an
// exact host match or a subdomain suffix match, case-insensitive.
// Unparsable URLs are never allowed.
func (g Guardrails) AllowsURL(rawURL string) bool {
	if len(g.AllowedDomains) == 0 {
		return true
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())

	for _, domain := range g.AllowedDomains {
		d := strings.ToLower(strings.TrimSpace(domain))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
