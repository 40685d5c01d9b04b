package extract

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propfolio/billintake/internal/model"
)

func TestGoalGeneratorDeterministicWithoutAI(t *testing.T) {
	g := NewGoalGenerator(nil, testAnthropicConfig())

	goal, entry, err := g.Generate(context.Background(), "https://portal.example.com",
		model.InboundEmail{Subject: "August water bill"}, model.ExtractionRule{})
	require.NoError(t, err)
	assert.Contains(t, goal, "https://portal.example.com")
	assert.Contains(t, goal, "August water bill")
	assert.Equal(t, "goal_generated", entry.Step)
	assert.Equal(t, len(goal), entry.Data["goal_length"])
}

func TestGoalGeneratorUsesInstructions(t *testing.T) {
	ai := &fakeAI{responses: []string{"Open the portal and download the latest invoice PDF."}}
	g := NewGoalGenerator(ai, testAnthropicConfig())

	rl := model.ExtractionRule{
		ExtractForInvoice:  true,
		InvoiceInstruction: "Always pick the itemized invoice, not the summary.",
	}
	goal, entry, err := g.Generate(context.Background(), "https://portal.example.com",
		model.InboundEmail{Subject: "Invoice", Body: "body text"}, rl)
	require.NoError(t, err)
	assert.Equal(t, "Open the portal and download the latest invoice PDF.", goal)
	assert.Equal(t, "goal_generated", entry.Step)

	require.Len(t, ai.requests, 1)
	prompt := ai.requests[0].Messages[0].Content
	assert.Contains(t, prompt, "Always pick the itemized invoice")
	assert.Contains(t, prompt, "https://portal.example.com")
}

func TestGoalGeneratorAIError(t *testing.T) {
	g := NewGoalGenerator(&fakeAI{err: eris.New("api down")}, testAnthropicConfig())

	_, _, err := g.Generate(context.Background(), "https://x.example.com", model.InboundEmail{}, model.ExtractionRule{})
	assert.Error(t, err)
}

func TestGoalGeneratorEmptyResponse(t *testing.T) {
	g := NewGoalGenerator(&fakeAI{responses: []string{"   "}}, testAnthropicConfig())

	_, _, err := g.Generate(context.Background(), "https://x.example.com", model.InboundEmail{}, model.ExtractionRule{})
	assert.Error(t, err)
}
