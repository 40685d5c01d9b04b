package extract

import (
	"context"

	"github.com/propfolio/billintake/internal/config"
	"github.com/propfolio/billintake/pkg/anthropic"
)

func testAnthropicConfig() config.AnthropicConfig {
	return config.AnthropicConfig{
		HaikuModel:  "test-haiku",
		SonnetModel: "test-sonnet",
	}
}

// fakeAI returns canned responses in order, then repeats the last one. It
// records every request it sees.
type fakeAI struct {
	responses []string
	err       error
	requests  []anthropic.MessageRequest
}

func (f *fakeAI) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	text := ""
	if len(f.responses) > 0 {
		idx := len(f.requests) - 1
		if idx >= len(f.responses) {
			idx = len(f.responses) - 1
		}
		text = f.responses[idx]
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}, nil
}
