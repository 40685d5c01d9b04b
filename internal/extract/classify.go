package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/config"
	"github.com/propfolio/billintake/internal/model"
	"github.com/propfolio/billintake/pkg/anthropic"
)

const classifySystemPrompt = `You classify billing documents by filename and content type. Choose exactly one of: invoice, statement, other. Respond with a valid JSON object: {"type": "<category>", "confidence": <0.0-1.0>, "reason": "<short reason>"}`

const classifyUserPrompt = `Filename: %s
Content type: %s`

// defaultClassification is the degraded answer used whenever the AI path
// fails or returns something unusable.
var defaultClassification = model.DocumentClassification{
	Type:       model.DocumentTypeStatement,
	Confidence: 0.5,
	Reason:     "unable to determine type, defaulting to statement",
}

// filenameHeuristics maps filename substrings to document types, checked
// in order so "invoice" beats "inv".
var filenameHeuristics = []struct {
	substr string
	typ    model.DocumentType
}{
	{"invoice", model.DocumentTypeInvoice},
	{"statement", model.DocumentTypeStatement},
	{"stmt", model.DocumentTypeStatement},
	{"bill", model.DocumentTypeStatement},
	{"inv", model.DocumentTypeInvoice},
}

// Classifier labels candidate files as invoice / statement / other, using
// cheap filename heuristics before spending an AI call. It never returns
// an error: on any failure it degrades to a low-confidence statement.
type Classifier struct {
	ai    anthropic.Client
	aiCfg config.AnthropicConfig
}

// NewClassifier creates a document classifier. A nil AI client disables
// the AI path; heuristic misses then degrade to the default.
func NewClassifier(ai anthropic.Client, aiCfg config.AnthropicConfig) *Classifier {
	return &Classifier{ai: ai, aiCfg: aiCfg}
}

// Classify labels a candidate file. The heuristic path makes no network
// call; only unmatched filenames reach the AI.
func (c *Classifier) Classify(ctx context.Context, fileName, contentType string) model.DocumentClassification {
	lower := strings.ToLower(fileName)
	for _, h := range filenameHeuristics {
		if strings.Contains(lower, h.substr) {
			return model.DocumentClassification{
				Type:       h.typ,
				Confidence: 0.8,
				Reason:     fmt.Sprintf("filename contains %q", h.substr),
			}
		}
	}

	if c.ai == nil {
		return defaultClassification
	}

	start := time.Now()
	resp, err := c.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.aiCfg.HaikuModel,
		MaxTokens: 128,
		System:    anthropic.BuildCachedSystemBlocks(classifySystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf(classifyUserPrompt, fileName, contentType)},
		},
	})
	if err != nil {
		zap.L().Warn("classify: ai call failed, degrading to default",
			zap.String("file", fileName),
			zap.Error(err),
		)
		return defaultClassification
	}
	resp.Usage.LogCost(c.aiCfg.HaikuModel, "classify")

	cls, ok := parseClassification(resp.Text())
	if !ok {
		zap.L().Warn("classify: unparsable ai response, degrading to default",
			zap.String("file", fileName),
		)
		return defaultClassification
	}

	zap.L().Debug("classify: ai classified document",
		zap.String("file", fileName),
		zap.String("type", string(cls.Type)),
		zap.Float64("confidence", cls.Confidence),
		zap.Duration("latency", time.Since(start)),
	)
	return cls
}

// parseClassification decodes the AI's JSON answer, validating the label
// against the known document types.
func parseClassification(text string) (model.DocumentClassification, bool) {
	var result struct {
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(text)), &result); err != nil {
		return model.DocumentClassification{}, false
	}

	dt := model.DocumentType(strings.ToLower(strings.TrimSpace(result.Type)))
	valid := false
	for _, t := range model.AllDocumentTypes() {
		if t == dt {
			valid = true
			break
		}
	}
	if !valid {
		return model.DocumentClassification{}, false
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return model.DocumentClassification{}, false
	}

	return model.DocumentClassification{
		Type:       dt,
		Confidence: result.Confidence,
		Reason:     result.Reason,
	}, true
}
