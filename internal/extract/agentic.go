package extract

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/browser"
	"github.com/propfolio/billintake/internal/model"
)

// AgenticLane drives an autonomous browser session against an interactive
// portal. Most expensive and riskiest lane: real network side effects
// against a third-party site, so it runs last and only within guardrails.
type AgenticLane struct {
	driver   browser.Driver
	goals    *GoalGenerator
	defaults model.Guardrails
}

// NewAgenticLane creates the agentic browser lane.
func NewAgenticLane(driver browser.Driver, goals *GoalGenerator, defaults model.Guardrails) *AgenticLane {
	return &AgenticLane{driver: driver, goals: goals, defaults: defaults}
}

// Name implements Lane.
func (l *AgenticLane) Name() string { return "agentic_browser" }

// Run resolves effective guardrails, hard-stops on a disallowed URL,
// generates the goal and drives the browser. Every failure is a result,
// never an escaping error.
func (l *AgenticLane) Run(ctx context.Context, in *LaneInput) model.ExtractionResult {
	trace := model.Trace{}.Add("agentic_started", nil)

	targetURL := l.targetURL(in)
	if targetURL == "" {
		return model.Failure("no portal URL available for agentic browsing", trace)
	}

	rails := ResolveGuardrails(l.defaults, in.Rule)
	allowed := IsURLAllowed(targetURL, rails)
	trace = trace.Add("guardrails_checked", map[string]any{
		"url":             targetURL,
		"allowed":         allowed,
		"allowed_domains": rails.AllowedDomains,
		"max_steps":       rails.MaxSteps,
		"max_time":        rails.MaxTime,
	})
	if !allowed {
		zap.L().Warn("agentic lane: url rejected by guardrails",
			zap.String("url", targetURL),
			zap.Strings("allowed_domains", rails.AllowedDomains),
		)
		return model.Failure(fmt.Sprintf("url %s is not in allowed domains list", targetURL), trace)
	}

	goal, goalEntry, err := l.goals.Generate(ctx, targetURL, in.Email, in.Rule)
	if err != nil {
		trace = trace.Add("goal_failed", map[string]any{"error": err.Error()})
		return model.Failure("goal generation failed: "+err.Error(), trace)
	}
	trace = append(trace, goalEntry)

	res, err := l.driver.Browse(ctx, browser.BrowseRequest{
		URL:        targetURL,
		Goal:       goal,
		Guardrails: rails,
	})
	if err != nil {
		trace = trace.Add("browse_failed", map[string]any{"error": err.Error()})
		return model.Failure("browser session failed: "+err.Error(), trace)
	}
	trace = trace.Merge(res.Trace)

	if len(res.PDF) == 0 || !model.IsPDF(res.PDF) {
		trace = trace.Add("browse_invalid_result", nil)
		return model.Failure("browser session returned no valid PDF", trace)
	}

	buf := model.PDFBuffer{
		Name:    fmt.Sprintf("portal-%s.pdf", time.Now().UTC().Format("20060102-150405")),
		Content: res.PDF,
		URL:     res.SourceURL,
	}
	trace = trace.Add("agentic_accepted", map[string]any{
		"url":   res.SourceURL,
		"bytes": len(res.PDF),
		"steps": res.Steps,
	})
	zap.L().Info("agentic lane: accepted PDF",
		zap.String("message_id", in.Email.MessageID),
		zap.String("url", res.SourceURL),
		zap.Int("steps", res.Steps),
	)

	return model.ExtractionResult{
		Success:    true,
		PDFBuffers: []model.PDFBuffer{buf},
		Trace:      trace,
	}
}

// targetURL prefers the rule's portal URL, falling back to the first link
// in the body.
func (l *AgenticLane) targetURL(in *LaneInput) string {
	if in.Rule.PortalURL != "" {
		return in.Rule.PortalURL
	}
	if candidates := findLinkCandidates(in.Email.Body); len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}
