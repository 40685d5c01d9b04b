package extract

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/model"
)

// ErrAllLanesExhausted is the terminal failure message when every
// configured lane has been tried.
const ErrAllLanesExhausted = "all extraction lanes exhausted"

// Orchestrator runs the lane cascade for one extraction job. Lanes execute
// sequentially in cost order and the first success short-circuits the rest:
// a more expensive lane is never invoked once a cheaper one has produced
// buffers.
type Orchestrator struct {
	lanes       []Lane
	laneTimeout time.Duration
	defaults    model.Guardrails
}

// NewOrchestrator creates an orchestrator over the given lane sequence.
// Lanes must be ordered cheapest first. laneTimeout bounds each non-agentic
// lane; the agentic lane is bounded by its resolved guardrail MaxTime.
func NewOrchestrator(lanes []Lane, laneTimeout time.Duration, defaults model.Guardrails) *Orchestrator {
	return &Orchestrator{lanes: lanes, laneTimeout: laneTimeout, defaults: defaults}
}

// Run executes the cascade for one email/rule pair and returns the merged
// result. The trace accumulates entries from every attempted lane, in
// order, whether or not it succeeded.
func (o *Orchestrator) Run(ctx context.Context, email model.InboundEmail, rl model.ExtractionRule) model.ExtractionResult {
	log := zap.L().With(zap.String("message_id", email.MessageID))
	log.Info("orchestrator: starting extraction",
		zap.String("from", email.From),
		zap.String("method", string(rl.Lane3Method())),
	)

	in := &LaneInput{Email: email, Rule: rl}
	trace := model.Trace{}.Add("extraction_started", map[string]any{
		"message_id": email.MessageID,
		"method":     string(rl.Lane3Method()),
	})

	for _, lane := range o.lanes {
		if !laneEnabled(lane.Name(), rl.Lane3Method()) {
			trace = trace.Add("lane_disabled", map[string]any{"lane": lane.Name()})
			continue
		}

		start := time.Now()
		res := o.runLane(ctx, lane, in)
		trace = trace.Merge(res.Trace)

		if res.Success && len(res.PDFBuffers) > 0 {
			trace = trace.Add("lane_succeeded", map[string]any{
				"lane":        lane.Name(),
				"buffers":     len(res.PDFBuffers),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			log.Info("orchestrator: lane succeeded",
				zap.String("lane", lane.Name()),
				zap.Int("buffers", len(res.PDFBuffers)),
			)
			return model.ExtractionResult{
				Success:    true,
				PDFBuffers: res.PDFBuffers,
				Trace:      trace,
			}
		}

		trace = trace.Add("lane_failed", map[string]any{
			"lane":        lane.Name(),
			"error":       res.Error,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		log.Warn("orchestrator: lane failed, continuing cascade",
			zap.String("lane", lane.Name()),
			zap.String("error", res.Error),
		)
	}

	log.Warn("orchestrator: all lanes exhausted")
	return model.Failure(ErrAllLanesExhausted, trace)
}

// runLane invokes a lane under its deadline, converting panics into a
// failed result so one broken lane cannot abort the run.
func (o *Orchestrator) runLane(ctx context.Context, lane Lane, in *LaneInput) (res model.ExtractionResult) {
	laneCtx := ctx
	if timeout := o.laneDeadline(lane, in.Rule); timeout > 0 {
		var cancel context.CancelFunc
		laneCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("orchestrator: lane panicked",
				zap.String("lane", lane.Name()),
				zap.Any("panic", r),
			)
			res = model.Failure(
				fmt.Sprintf("lane %s panicked: %v", lane.Name(), r),
				model.Trace{}.Add("error", map[string]any{
					"lane":  lane.Name(),
					"panic": fmt.Sprint(r),
				}),
			)
		}
	}()

	return lane.Run(laneCtx, in)
}

// laneDeadline returns the time budget for one lane invocation. The
// agentic lane gets its guardrail MaxTime plus a grace period for browser
// setup and teardown.
func (o *Orchestrator) laneDeadline(lane Lane, rl model.ExtractionRule) time.Duration {
	if _, ok := lane.(*AgenticLane); ok {
		rails := ResolveGuardrails(o.defaults, rl)
		if rails.MaxTime > 0 {
			return rails.MaxDuration() + 10*time.Second
		}
		return 0
	}
	return o.laneTimeout
}

// laneEnabled applies the rule's lane3 method to the cascade. Unknown
// methods degrade open to the full cascade.
func laneEnabled(laneName string, method model.Lane3Method) bool {
	switch method {
	case model.Lane3MethodNone:
		return laneName != "pin_portal" && laneName != "agentic_browser"
	case model.Lane3MethodPin:
		return laneName != "agentic_browser"
	case model.Lane3MethodAgentic, "":
		return true
	default:
		zap.L().Warn("orchestrator: unknown lane3 method, running full cascade",
			zap.String("method", string(method)),
		)
		return true
	}
}
