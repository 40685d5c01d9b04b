package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/config"
	"github.com/propfolio/billintake/internal/model"
	"github.com/propfolio/billintake/pkg/anthropic"
)

// maxGoalContext bounds how much of the email body is quoted in the goal
// prompt.
const maxGoalContext = 3000

const goalSystemPrompt = `You write a concise task description for an autonomous browser that must download a bill PDF from a billing portal. Combine the operator instructions and the email context into a single imperative paragraph: what site to operate on, what document to find, and what to download. Plain text only, no markdown.`

// GoalGenerator synthesizes the natural-language goal that drives the
// agentic browser lane.
type GoalGenerator struct {
	ai    anthropic.Client
	aiCfg config.AnthropicConfig
}

// NewGoalGenerator creates a goal generator.
func NewGoalGenerator(ai anthropic.Client, aiCfg config.AnthropicConfig) *GoalGenerator {
	return &GoalGenerator{ai: ai, aiCfg: aiCfg}
}

// Generate produces the goal text for a browsing session against url. The
// returned trace entry records output length and latency.
func (g *GoalGenerator) Generate(ctx context.Context, url string, email model.InboundEmail, rule model.ExtractionRule) (string, model.TraceEntry, error) {
	start := time.Now()

	if g.ai == nil {
		// Deterministic goal when no AI is configured; keeps the lane
		// usable in tests and air-gapped runs.
		goal := fmt.Sprintf("Open %s and download the bill document referenced by the email %q.", url, email.Subject)
		return goal, goalTraceEntry(goal, time.Since(start)), nil
	}

	body := email.Body
	if len(body) > maxGoalContext {
		body = body[:maxGoalContext]
	}

	var instructions []string
	if rule.ExtractForInvoice && rule.InvoiceInstruction != "" {
		instructions = append(instructions, "Invoice: "+rule.InvoiceInstruction)
	}
	if rule.ExtractForPayment && rule.PaymentInstruction != "" {
		instructions = append(instructions, "Payment: "+rule.PaymentInstruction)
	}

	prompt := fmt.Sprintf("Portal URL: %s\n\nOperator instructions:\n%s\n\nEmail subject: %s\n\nEmail body:\n%s",
		url,
		strings.Join(instructions, "\n"),
		email.Subject,
		body,
	)

	resp, err := g.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.aiCfg.SonnetModel,
		MaxTokens: 512,
		System:    anthropic.BuildCachedSystemBlocks(goalSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", model.TraceEntry{}, eris.Wrap(err, "goal: generate")
	}
	resp.Usage.LogCost(g.aiCfg.SonnetModel, "goal")

	goal := strings.TrimSpace(resp.Text())
	if goal == "" {
		return "", model.TraceEntry{}, eris.New("goal: empty response")
	}

	latency := time.Since(start)
	zap.L().Debug("goal: generated",
		zap.Int("length", len(goal)),
		zap.Duration("latency", latency),
	)
	return goal, goalTraceEntry(goal, latency), nil
}

func goalTraceEntry(goal string, latency time.Duration) model.TraceEntry {
	return model.TraceEntry{
		Step:      "goal_generated",
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"goal_length": len(goal),
			"latency_ms":  latency.Milliseconds(),
		},
	}
}
