package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/config"
	"github.com/propfolio/billintake/internal/model"
	"github.com/propfolio/billintake/pkg/anthropic"
)

// maxPinContext bounds how much email text is sent to the model.
const maxPinContext = 4000

const pinSystemPrompt = `You extract portal access PINs from billing emails. The email may contain guidance about which PIN to use when several appear ("use PIN 5678, not 1234"); follow it. The PIN is a 4 to 8 digit numeric code. Respond with a valid JSON object: {"pin": "<digits>", "reason": "<short reason>"}. If no PIN is present respond {"pin": "", "reason": "none found"}.`

// pinShape is the only acceptable PIN format, whatever the source.
var pinShape = regexp.MustCompile(`^\d{4,8}$`)

// commonPinPatterns cover the usual phrasings, tried in order after the AI
// pass and any rule-supplied pattern. First capture group is the PIN.
var commonPinPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bPIN\s+is[:\s]+(\d{4,8})\b`),
	regexp.MustCompile(`(?i)\buse\s+PIN[:\s]+(\d{4,8})\b`),
	regexp.MustCompile(`(?i)\bPIN[:\s]+(\d{4,8})\b`),
	regexp.MustCompile(`(?i)\baccess\s+code[:\s]+(\d{4,8})\b`),
	regexp.MustCompile(`(?i)\bcode[:\s]+(\d{4,8})\b`),
}

// PinExtractor derives an access PIN from unstructured email text. The AI
// pass runs first because it understands in-email disambiguation that
// fixed regexes cannot; deterministic patterns back it up.
type PinExtractor struct {
	ai    anthropic.Client
	aiCfg config.AnthropicConfig
}

// NewPinExtractor creates a PIN extractor. A nil AI client skips straight
// to the pattern fallbacks.
func NewPinExtractor(ai anthropic.Client, aiCfg config.AnthropicConfig) *PinExtractor {
	return &PinExtractor{ai: ai, aiCfg: aiCfg}
}

// Extract derives a PIN from body and subject. customPattern, if non-empty,
// is a rule-supplied regex whose first capture group is the PIN. Returns
// nil when nothing matches.
func (p *PinExtractor) Extract(ctx context.Context, body, subject, customPattern string) *model.PinExtractionResult {
	text := subject + "\n" + body

	// 1. AI pass.
	if res := p.extractAI(ctx, text); res != nil {
		return res
	}

	// 2. Rule-supplied pattern.
	if customPattern != "" {
		if res := extractByPattern(text, customPattern, 0.8); res != nil {
			return res
		}
	}

	// 3. Common phrasings.
	for _, re := range commonPinPatterns {
		if m := re.FindStringSubmatch(text); len(m) > 1 && pinShape.MatchString(m[1]) {
			return &model.PinExtractionResult{
				PIN:        m[1],
				Confidence: 0.6,
				Method:     model.PinMethodPattern,
				Reason:     fmt.Sprintf("matched common pattern %s", re.String()),
			}
		}
	}

	return nil
}

func (p *PinExtractor) extractAI(ctx context.Context, text string) *model.PinExtractionResult {
	if p.ai == nil {
		return nil
	}
	if len(text) > maxPinContext {
		text = text[:maxPinContext]
	}

	resp, err := p.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     p.aiCfg.HaikuModel,
		MaxTokens: 128,
		System:    anthropic.BuildCachedSystemBlocks(pinSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		zap.L().Warn("pin: ai call failed, falling back to patterns", zap.Error(err))
		return nil
	}
	resp.Usage.LogCost(p.aiCfg.HaikuModel, "pin")

	var parsed struct {
		PIN    string `json:"pin"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &parsed); err != nil {
		zap.L().Warn("pin: unparsable ai response, falling back to patterns", zap.Error(err))
		return nil
	}

	pin := strings.TrimSpace(parsed.PIN)
	if !pinShape.MatchString(pin) {
		return nil
	}

	return &model.PinExtractionResult{
		PIN:        pin,
		Confidence: 0.9,
		Method:     model.PinMethodAI,
		Reason:     parsed.Reason,
	}
}

// extractByPattern applies a caller-supplied regex; the first capture group
// must be a well-formed PIN. Invalid regexes are logged and skipped so a
// bad rule cannot take the whole cascade down.
func extractByPattern(text, pattern string, confidence float64) *model.PinExtractionResult {
	re, err := regexp.Compile(pattern)
	if err != nil {
		zap.L().Warn("pin: invalid custom pattern", zap.String("pattern", pattern), zap.Error(err))
		return nil
	}
	m := re.FindStringSubmatch(text)
	if len(m) < 2 || !pinShape.MatchString(m[1]) {
		return nil
	}
	return &model.PinExtractionResult{
		PIN:        m[1],
		Confidence: confidence,
		Method:     model.PinMethodPattern,
		Reason:     "matched rule-supplied pattern",
	}
}
