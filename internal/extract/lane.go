// Package extract implements the multi-lane bill document extraction
// pipeline: attachments, direct links, PIN portals and a guardrailed
// agentic browser, cascaded in cost order by the Orchestrator.
package extract

import (
	"context"

	"github.com/propfolio/billintake/internal/model"
)

// Lane is one self-contained extraction strategy. Lanes report failure
// through the result, never by panicking; any error that escapes is a bug
// the orchestrator recovers from.
type Lane interface {
	Name() string
	Run(ctx context.Context, in *LaneInput) model.ExtractionResult
}

// LaneInput is the uniform input handed to every lane.
type LaneInput struct {
	Email model.InboundEmail
	Rule  model.ExtractionRule
}
