package extract

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/propfolio/billintake/internal/fetch"
	"github.com/propfolio/billintake/internal/model"
)

// PinPortalLane unlocks a simple authenticated download endpoint with a
// PIN derived from the email text. More expensive than the link lane (an
// AI call may be spent on the PIN), cheaper than a browser session.
type PinPortalLane struct {
	fetcher *fetch.Fetcher
	pins    *PinExtractor
}

// NewPinPortalLane creates the PIN portal lane.
func NewPinPortalLane(fetcher *fetch.Fetcher, pins *PinExtractor) *PinPortalLane {
	return &PinPortalLane{fetcher: fetcher, pins: pins}
}

// Name implements Lane.
func (l *PinPortalLane) Name() string { return "pin_portal" }

// Run derives a PIN, constructs the authenticated download request and
// validates the response signature. Fails cleanly so the cascade can
// continue to the agentic lane.
func (l *PinPortalLane) Run(ctx context.Context, in *LaneInput) model.ExtractionResult {
	trace := model.Trace{}.Add("pin_portal_started", nil)

	portalURL := l.portalURL(in)
	if portalURL == "" {
		return model.Failure("no portal URL available", trace)
	}

	pin := l.pins.Extract(ctx, in.Email.Body, in.Email.Subject, in.Rule.PinPattern)
	if pin == nil {
		trace = trace.Add("pin_not_found", nil)
		return model.Failure("no access PIN could be derived from email", trace)
	}
	trace = trace.Add("pin_extracted", map[string]any{
		"method":     string(pin.Method),
		"confidence": pin.Confidence,
		"pin_length": len(pin.PIN),
	})

	downloadURL, err := withPinParam(portalURL, pin.PIN)
	if err != nil {
		trace = trace.Add("error", map[string]any{"error": err.Error()})
		return model.Failure("invalid portal URL: "+err.Error(), trace)
	}

	// Portals in the wild take the PIN either as a query parameter or a
	// header; sending both is harmless, extras are ignored.
	content, err := l.fetcher.DownloadPDF(ctx, downloadURL, map[string]string{
		"X-Access-Pin": pin.PIN,
	})
	if err != nil {
		trace = trace.Add("portal_fetch_failed", map[string]any{
			"url":   portalURL,
			"error": err.Error(),
		})
		return model.Failure("portal download failed: "+err.Error(), trace)
	}

	name := fileNameFromURL(portalURL)
	trace = trace.Add("portal_downloaded", map[string]any{
		"url":   portalURL,
		"name":  name,
		"bytes": len(content),
	})
	zap.L().Info("pin portal lane: downloaded PDF",
		zap.String("message_id", in.Email.MessageID),
		zap.String("url", portalURL),
		zap.String("pin_method", string(pin.Method)),
	)

	return model.ExtractionResult{
		Success:    true,
		PDFBuffers: []model.PDFBuffer{{Name: name, Content: content, URL: portalURL}},
		Trace:      trace,
	}
}

// portalURL prefers the rule's configured portal, falling back to the
// first portal-looking link in the body.
func (l *PinPortalLane) portalURL(in *LaneInput) string {
	if in.Rule.PortalURL != "" {
		return in.Rule.PortalURL
	}
	for _, link := range findLinkCandidates(in.Email.Body) {
		lower := strings.ToLower(link)
		if strings.Contains(lower, "portal") || strings.Contains(lower, "secure") ||
			strings.Contains(lower, "download") || strings.Contains(lower, "bill") {
			return link
		}
	}
	return ""
}

// withPinParam appends the PIN as a query parameter.
func withPinParam(rawURL, pin string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("pin", pin)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
