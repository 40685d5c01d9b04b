// Package browser drives an autonomous, guardrailed Chrome session against
// a third-party billing portal to locate and download a bill PDF.
package browser

import (
	"context"

	"github.com/propfolio/billintake/internal/model"
)

// BrowseRequest describes one bounded browsing session.
type BrowseRequest struct {
	URL        string
	Goal       string
	Guardrails model.Guardrails
}

// BrowseResult is the outcome of a successful session: a single PDF plus
// the per-step trace the driver emitted.
type BrowseResult struct {
	PDF       []byte
	SourceURL string
	Steps     int
	Trace     model.Trace
}

// Driver pursues a natural-language goal within guardrails. The driver
// itself enforces MaxSteps and MaxTime; callers additionally bound the
// context so an abandoned job cannot leave a session running.
type Driver interface {
	Browse(ctx context.Context, req BrowseRequest) (*BrowseResult, error)
}
