package extract

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propfolio/billintake/internal/browser"
	"github.com/propfolio/billintake/internal/model"
)

// fakeDriver scripts the browser session so no Chrome is needed.
type fakeDriver struct {
	result  *browser.BrowseResult
	err     error
	calls   int
	lastReq browser.BrowseRequest
}

func (f *fakeDriver) Browse(ctx context.Context, req browser.BrowseRequest) (*browser.BrowseResult, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func agenticInput(portalURL string) *LaneInput {
	return &LaneInput{
		Email: model.InboundEmail{
			MessageID: "m1",
			Subject:   "Your water bill",
			Body:      "Log in to view your bill.",
		},
		Rule: model.ExtractionRule{PortalURL: portalURL},
	}
}

func TestAgenticLaneSuccess(t *testing.T) {
	drv := &fakeDriver{result: &browser.BrowseResult{
		PDF:       []byte("%PDF-1.7 body"),
		SourceURL: "https://portal.example.com/bill.pdf",
		Steps:     3,
	}}
	lane := NewAgenticLane(drv, NewGoalGenerator(nil, testAnthropicConfig()), model.Guardrails{
		MaxSteps: 10, MaxTime: 60, AllowedDomains: []string{"example.com"},
	})

	res := lane.Run(context.Background(), agenticInput("https://portal.example.com/login"))
	require.True(t, res.Success)
	require.Len(t, res.PDFBuffers, 1)
	assert.Equal(t, "https://portal.example.com/bill.pdf", res.PDFBuffers[0].URL)
	assert.Contains(t, res.PDFBuffers[0].Name, "portal-")
	assert.Equal(t, 1, drv.calls)
	assert.NotEmpty(t, drv.lastReq.Goal)
	assert.Equal(t, []string{"example.com"}, drv.lastReq.Guardrails.AllowedDomains)
}

func TestAgenticLaneRejectsDisallowedURL(t *testing.T) {
	drv := &fakeDriver{}
	lane := NewAgenticLane(drv, NewGoalGenerator(nil, testAnthropicConfig()), model.Guardrails{
		AllowedDomains: []string{"example.com"},
	})

	res := lane.Run(context.Background(), agenticInput("https://attacker.net/portal"))
	assert.False(t, res.Success)
	assert.Equal(t, "url https://attacker.net/portal is not in allowed domains list", res.Error)
	assert.Equal(t, 0, drv.calls, "browser must never start for a disallowed url")

	var checked bool
	for _, e := range res.Trace {
		if e.Step == "guardrails_checked" {
			checked = true
			assert.Equal(t, false, e.Data["allowed"])
		}
	}
	assert.True(t, checked)
}

func TestAgenticLaneRuleDomainsOverrideDefaults(t *testing.T) {
	drv := &fakeDriver{result: &browser.BrowseResult{PDF: []byte("%PDF-ok"), SourceURL: "https://vendor.net/x.pdf"}}
	lane := NewAgenticLane(drv, NewGoalGenerator(nil, testAnthropicConfig()), model.Guardrails{
		AllowedDomains: []string{"example.com"},
	})

	in := agenticInput("https://portal.vendor.net/login")
	in.Rule.Lane3Config = &model.Lane3Config{AgenticConfig: &model.AgenticConfig{
		AllowedDomains: []string{"vendor.net"},
	}}

	res := lane.Run(context.Background(), in)
	assert.True(t, res.Success)
	assert.Equal(t, 1, drv.calls)
}

func TestAgenticLaneNoPortalURL(t *testing.T) {
	drv := &fakeDriver{}
	lane := NewAgenticLane(drv, NewGoalGenerator(nil, testAnthropicConfig()), model.Guardrails{})

	res := lane.Run(context.Background(), &LaneInput{Email: model.InboundEmail{Body: "no links here"}})
	assert.False(t, res.Success)
	assert.Equal(t, 0, drv.calls)
}

func TestAgenticLaneBodyLinkFallback(t *testing.T) {
	drv := &fakeDriver{result: &browser.BrowseResult{PDF: []byte("%PDF-ok"), SourceURL: "https://p.example.com/b.pdf"}}
	lane := NewAgenticLane(drv, NewGoalGenerator(nil, testAnthropicConfig()), model.Guardrails{})

	in := &LaneInput{Email: model.InboundEmail{
		Body: "View your bill at https://p.example.com/portal today.",
	}}
	res := lane.Run(context.Background(), in)
	require.True(t, res.Success)
	assert.Equal(t, "https://p.example.com/portal", drv.lastReq.URL)
}

func TestAgenticLaneDriverError(t *testing.T) {
	drv := &fakeDriver{err: eris.New("chrome crashed")}
	lane := NewAgenticLane(drv, NewGoalGenerator(nil, testAnthropicConfig()), model.Guardrails{})

	res := lane.Run(context.Background(), agenticInput("https://portal.example.com"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "browser session failed")
}

func TestAgenticLaneRejectsNonPDFResult(t *testing.T) {
	drv := &fakeDriver{result: &browser.BrowseResult{PDF: []byte("<html>login</html>"), SourceURL: "https://x.example.com"}}
	lane := NewAgenticLane(drv, NewGoalGenerator(nil, testAnthropicConfig()), model.Guardrails{})

	res := lane.Run(context.Background(), agenticInput("https://portal.example.com"))
	assert.False(t, res.Success)
	assert.Equal(t, "browser session returned no valid PDF", res.Error)
}
